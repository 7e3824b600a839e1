package pipeline

import "strings"

// Placeholder aliases that always refer to the triggering field's text.
const (
	aliasFieldValue   = "{field_value}"
	aliasTriggerField = "{trigger_field}"
)

// PromptInput carries everything the renderer needs. Values maps bare
// placeholder names (no braces) to already-normalized field text.
type PromptInput struct {
	Template    string
	Values      map[string]string
	PrimaryText string
	// MultiField selects the separator used when the template never
	// references the primary text and it has to be appended.
	MultiField bool
}

// RenderPrompt substitutes {name} placeholders literally. Placeholders with
// no matching value stay in the output verbatim, so a typo in a template is
// visible in the produced prompt instead of silently vanishing. When the
// template references the primary text through neither alias, the text is
// appended after the template so the model always sees it.
func RenderPrompt(in PromptInput) string {
	out := in.Template
	for name, value := range in.Values {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}

	usesPrimary := strings.Contains(in.Template, aliasFieldValue) || strings.Contains(in.Template, aliasTriggerField)
	out = strings.ReplaceAll(out, aliasFieldValue, in.PrimaryText)
	out = strings.ReplaceAll(out, aliasTriggerField, in.PrimaryText)

	if !usesPrimary && in.PrimaryText != "" {
		label := "富文本字段内容："
		if in.MultiField {
			label = "触发字段内容："
		}
		out = out + "\n\n" + label + "\n" + in.PrimaryText
	}
	return out
}
