// Package markdown converts model output into the tracker's rich-text block
// format. Only the basics are covered: headings, bold, italic,
// strikethrough, tables, and blank lines. Everything else passes through as
// plain paragraph text.
package markdown

import (
	"regexp"
	"sort"
	"strings"
)

// Attrs carries text formatting flags. The tracker wants string booleans.
type Attrs map[string]string

// Text is one formatted run inside a paragraph.
type Text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Attrs Attrs  `json:"attrs,omitempty"`
}

// Cell is one table cell. Rows and columns are 1-based.
type Cell struct {
	Row         int     `json:"row"`
	Col         int     `json:"col"`
	CellContent []Block `json:"cellContent"`
}

type TableInfo struct {
	RowSize  int    `json:"rowSize"`
	ColSize  int    `json:"colSize"`
	CellList []Cell `json:"cellList"`
}

// Block is one rich-text block: a paragraph, a blank line, or a table.
type Block struct {
	Type      string     `json:"type"`
	Content   []Text     `json:"content,omitempty"`
	TableInfo *TableInfo `json:"tableInfo,omitempty"`
}

var (
	headingPattern = regexp.MustCompile(`^(#{1,6}) (.+)$`)
	tableRow       = regexp.MustCompile(`^\|(.+)\|$`)
	tableSeparator = regexp.MustCompile(`^\|[\s\-:|]+\|$`)
)

// inlinePatterns are tried in order; earlier formats win when matches
// overlap, so bold beats the italic pattern on the same asterisks.
var inlinePatterns = []struct {
	name    string
	pattern *regexp.Regexp
	attrs   Attrs
}{
	{"bold", regexp.MustCompile(`\*\*(.*?)\*\*|__(.*?)__`), Attrs{"bold": "true"}},
	{"italic", regexp.MustCompile(`\*(.*?)\*|_(.*?)_`), Attrs{"italic": "true"}},
	{"strikethrough", regexp.MustCompile(`~~(.*?)~~`), Attrs{"strikethrough": "true"}},
}

// Convert turns markdown text into rich-text blocks, line by line.
func Convert(markdownText string) []Block {
	lines := strings.Split(markdownText, "\n")
	var blocks []Block

	for i := 0; i < len(lines); {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			blocks = append(blocks, Block{Type: "blank"})
			i++
			continue
		}
		if table, consumed := parseTable(lines, i); table != nil {
			blocks = append(blocks, *table)
			i += consumed
			continue
		}
		if heading := parseHeading(line); heading != nil {
			blocks = append(blocks, *heading)
			i++
			continue
		}
		blocks = append(blocks, Block{Type: "paragraph", Content: parseInline(line)})
		i++
	}
	return blocks
}

// PlainBlocks wraps raw text into paragraph blocks with no formatting, one
// per line. Used when a result should be written back verbatim.
func PlainBlocks(text string) []Block {
	var blocks []Block
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blocks = append(blocks, Block{Type: "blank"})
			continue
		}
		blocks = append(blocks, Block{Type: "paragraph", Content: []Text{{Type: "text", Text: trimmed}}})
	}
	return blocks
}

func parseHeading(line string) *Block {
	m := headingPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	level := len(m[1])
	fontSize := [...]string{"h1", "h2", "h3", "h4", "h5", "h6"}[level-1]
	return &Block{
		Type: "paragraph",
		Content: []Text{{
			Type:  "text",
			Text:  strings.TrimSpace(m[2]),
			Attrs: Attrs{"fontSize": fontSize, "bold": "true"},
		}},
	}
}

type inlineMatch struct {
	start, end int
	text       string
	attrs      Attrs
}

func parseInline(line string) []Text {
	var matches []inlineMatch
	for _, format := range inlinePatterns {
		for _, loc := range format.pattern.FindAllStringSubmatchIndex(line, -1) {
			text := ""
			for g := 1; g < len(loc)/2; g++ {
				if loc[2*g] >= 0 && loc[2*g] < loc[2*g+1] {
					text = line[loc[2*g]:loc[2*g+1]]
					break
				}
			}
			if text == "" {
				continue
			}
			matches = append(matches, inlineMatch{start: loc[0], end: loc[1], text: text, attrs: format.attrs})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	// Drop matches overlapping an earlier-accepted one.
	var kept []inlineMatch
	for _, m := range matches {
		overlaps := false
		for _, k := range kept {
			if m.start < k.end && m.end > k.start {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, m)
		}
	}

	var content []Text
	pos := 0
	for _, m := range kept {
		if m.start > pos {
			if plain := strings.TrimSpace(line[pos:m.start]); plain != "" {
				content = append(content, Text{Type: "text", Text: plain})
			}
		}
		content = append(content, Text{Type: "text", Text: m.text, Attrs: m.attrs})
		pos = m.end
	}
	if pos < len(line) {
		if plain := strings.TrimSpace(line[pos:]); plain != "" {
			content = append(content, Text{Type: "text", Text: plain})
		}
	}
	if len(content) == 0 {
		content = append(content, Text{Type: "text", Text: strings.TrimSpace(line)})
	}
	return content
}

func parseTable(lines []string, start int) (*Block, int) {
	if !tableRow.MatchString(strings.TrimSpace(lines[start])) {
		return nil, 0
	}

	var rows [][]string
	consumed := 0
	for i := start; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || !tableRow.MatchString(line) {
			break
		}
		consumed++
		if tableSeparator.MatchString(line) {
			continue
		}
		rows = append(rows, splitTableRow(line))
	}
	if len(rows) == 0 {
		return nil, 0
	}

	maxCols := 0
	for _, row := range rows {
		if len(row) > maxCols {
			maxCols = len(row)
		}
	}

	var cells []Cell
	for rowIdx, row := range rows {
		for colIdx, text := range row {
			var attrs Attrs
			if rowIdx == 0 {
				// Header row.
				attrs = Attrs{"bold": "true"}
			}
			cells = append(cells, Cell{
				Row: rowIdx + 1,
				Col: colIdx + 1,
				CellContent: []Block{{
					Type:    "paragraph",
					Content: []Text{{Type: "text", Text: strings.TrimSpace(text), Attrs: attrs}},
				}},
			})
		}
	}
	return &Block{
		Type: "table",
		TableInfo: &TableInfo{
			RowSize:  len(rows),
			ColSize:  maxCols,
			CellList: cells,
		},
	}, consumed
}

func splitTableRow(line string) []string {
	content := strings.TrimSpace(strings.Trim(line, "|"))
	parts := strings.Split(content, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}
