package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderPromptSubstitutesPlaceholders(t *testing.T) {
	out := RenderPrompt(PromptInput{
		Template: "Review {title} with priority {priority}: {field_value}",
		Values: map[string]string{
			"title":    "login bug",
			"priority": "P0",
		},
		PrimaryText: "stack trace attached",
	})
	assert.Equal(t, "Review login bug with priority P0: stack trace attached", out)
}

func TestRenderPromptLeavesUnknownPlaceholders(t *testing.T) {
	out := RenderPrompt(PromptInput{
		Template:    "Check {missing} and {trigger_field}",
		PrimaryText: "the text",
	})
	assert.Equal(t, "Check {missing} and the text", out)
}

func TestRenderPromptAppendsPrimaryTextWhenUnreferenced(t *testing.T) {
	out := RenderPrompt(PromptInput{
		Template:    "Summarize the change.",
		PrimaryText: "field content here",
	})
	assert.Equal(t, "Summarize the change.\n\n富文本字段内容：\nfield content here", out)

	out = RenderPrompt(PromptInput{
		Template:    "Summarize the change.",
		PrimaryText: "field content here",
		MultiField:  true,
	})
	assert.Equal(t, "Summarize the change.\n\n触发字段内容：\nfield content here", out)
}

func TestRenderPromptNoAppendWithoutPrimaryText(t *testing.T) {
	out := RenderPrompt(PromptInput{Template: "Just the template."})
	assert.Equal(t, "Just the template.", out)
}
