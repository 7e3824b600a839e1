package pipeline

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// Walk bounds for rich-text document trees. The documents arrive from an
// external system, so recursion is capped instead of trusted.
const (
	maxWalkDepth = 64
	maxWalkNodes = 10000
)

// ErrDocumentTooLarge is a recoverable stage error: the document tree
// exceeded the walk bounds.
var ErrDocumentTooLarge = errors.New("rich-text document exceeds walk bounds")

// imageKeywords is the fallback scan applied to non-JSON field values when
// deciding whether a rich-text run has anything to analyze.
var imageKeywords = []string{"image", "img", "图片", "图像"}

// ImageRef is an image node found inside a rich-text document: the uuid is
// what the attachment download endpoint wants, src and width are carried for
// the execution record.
type ImageRef struct {
	UUID  string
	Src   string
	Width string
}

type docWalker struct {
	depth int
	nodes int
}

func (w *docWalker) visit(node any, depth int, fn func(node map[string]any)) error {
	if depth > maxWalkDepth {
		return ErrDocumentTooLarge
	}
	w.nodes++
	if w.nodes > maxWalkNodes {
		return ErrDocumentTooLarge
	}
	switch v := node.(type) {
	case map[string]any:
		fn(v)
		for _, child := range v {
			if err := w.visit(child, depth+1, fn); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range v {
			if err := w.visit(child, depth+1, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func isImageNode(node map[string]any) bool {
	attrs, ok := node["attributes"].(map[string]any)
	if !ok {
		return false
	}
	switch marker := attrs["image"].(type) {
	case string:
		return marker == "true"
	case bool:
		return marker
	}
	return false
}

// DocImageRefs walks a parsed document tree and collects every image node.
func DocImageRefs(doc any) ([]ImageRef, error) {
	var refs []ImageRef
	w := &docWalker{}
	err := w.visit(doc, 0, func(node map[string]any) {
		if !isImageNode(node) {
			return
		}
		attrs := node["attributes"].(map[string]any)
		uuid, _ := attrs["uuid"].(string)
		if uuid == "" {
			return
		}
		src, _ := attrs["src"].(string)
		width, _ := attrs["width"].(string)
		refs = append(refs, ImageRef{UUID: uuid, Src: src, Width: width})
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// FieldValueHasImages decides whether a triggering field value contains
// image content. Non-JSON values fall back to a keyword scan; JSON values
// are parsed and walked for image nodes.
func FieldValueHasImages(fieldValue string) (bool, error) {
	if fieldValue == "" {
		return false, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(fieldValue), &parsed); err != nil {
		lower := strings.ToLower(fieldValue)
		for _, kw := range imageKeywords {
			if strings.Contains(lower, kw) {
				return true, nil
			}
		}
		return false, nil
	}
	doc, err := docContent(parsed)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, nil
	}
	refs, err := DocImageRefs(doc)
	if err != nil {
		return false, err
	}
	return len(refs) > 0, nil
}

// docContent unwraps the {"doc": "<json string>"} envelope some field values
// carry and returns the document tree, or the value itself when it already
// is one.
func docContent(parsed any) (any, error) {
	m, ok := parsed.(map[string]any)
	if !ok {
		return parsed, nil
	}
	doc, exists := m["doc"]
	if !exists {
		return m, nil
	}
	switch d := doc.(type) {
	case string:
		if d == "" {
			return nil, nil
		}
		var inner any
		if err := json.Unmarshal([]byte(d), &inner); err != nil {
			return nil, nil
		}
		return inner, nil
	default:
		return d, nil
	}
}

var blankLines = regexp.MustCompile(`\n\s*\n`)

// PlainText reduces a triggering field value to plain text. JSON documents
// have their insert runs concatenated with image nodes skipped; everything
// else passes through unchanged.
func PlainText(fieldValue string) string {
	if fieldValue == "" {
		return ""
	}
	var parsed any
	if err := json.Unmarshal([]byte(fieldValue), &parsed); err != nil {
		return fieldValue
	}
	if m, ok := parsed.(map[string]any); ok {
		if docText, ok := m["doc_text"].(string); ok && m["doc"] == nil {
			return docText
		}
	}
	doc, err := docContent(parsed)
	if err != nil || doc == nil {
		return fieldValue
	}
	switch doc.(type) {
	case map[string]any, []any:
	default:
		// Scalar JSON values stringify as-is.
		return fieldValue
	}
	var parts []string
	w := &docWalker{}
	walkErr := w.visit(doc, 0, func(node map[string]any) {
		insert, ok := node["insert"].(string)
		if !ok || isImageNode(node) {
			return
		}
		parts = append(parts, insert)
	})
	if walkErr != nil {
		return fieldValue
	}
	text := strings.TrimSpace(strings.Join(parts, ""))
	return blankLines.ReplaceAllString(text, "\n")
}
