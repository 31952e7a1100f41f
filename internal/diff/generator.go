// Package diff renders unified diffs between recursion debug states.
package diff

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"

	jsonx "agentchat/internal/shared/json"
)

// Generator handles unified diff generation
type Generator struct {
	contextLines int
	colorEnabled bool
}

// NewGenerator creates a new diff generator
func NewGenerator(contextLines int, colorEnabled bool) *Generator {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Generator{
		contextLines: contextLines,
		colorEnabled: colorEnabled,
	}
}

// DiffResult contains the generated diff and statistics
type DiffResult struct {
	UnifiedDiff  string
	AddedLines   int
	DeletedLines int
	Hunks        int
}

// Identical reports whether both sides were equal.
func (dr *DiffResult) Identical() bool {
	return dr.AddedLines == 0 && dr.DeletedLines == 0
}

// maxStateSize bounds what gets diffed; larger states are summarised.
const maxStateSize = 4 * 1024 * 1024

// GenerateStates diffs two debug states. JSON documents are re-indented with
// sorted keys first so that formatting differences do not show up.
func (g *Generator) GenerateStates(oldState, newState, oldLabel, newLabel string) (*DiffResult, error) {
	return g.GenerateUnified(Normalize(oldState), Normalize(newState), oldLabel, newLabel)
}

// GenerateUnified creates a line-based unified diff between old and new.
func (g *Generator) GenerateUnified(oldContent, newContent, oldLabel, newLabel string) (*DiffResult, error) {
	if oldContent == newContent {
		return &DiffResult{}, nil
	}
	if len(oldContent) > maxStateSize || len(newContent) > maxStateSize {
		return &DiffResult{
			UnifiedDiff: fmt.Sprintf("--- %s\n+++ %s\n@@ state larger than %d bytes, diff skipped @@\n",
				oldLabel, newLabel, maxStateSize),
			Hunks: 1,
		}, nil
	}

	lines := lineDiff(oldContent, newContent)

	var out strings.Builder
	out.WriteString(g.colorize("--- "+oldLabel+"\n", color.FgRed))
	out.WriteString(g.colorize("+++ "+newLabel+"\n", color.FgGreen))

	result := &DiffResult{}
	for _, h := range g.hunks(lines) {
		result.Hunks++
		out.WriteString(g.colorize(h.header()+"\n", color.FgCyan))
		for _, l := range lines[h.from:h.to] {
			switch l.op {
			case diffmatchpatch.DiffInsert:
				result.AddedLines++
				out.WriteString(g.colorize("+"+l.text+"\n", color.FgGreen))
			case diffmatchpatch.DiffDelete:
				result.DeletedLines++
				out.WriteString(g.colorize("-"+l.text+"\n", color.FgRed))
			default:
				out.WriteString(" " + l.text + "\n")
			}
		}
	}
	result.UnifiedDiff = out.String()
	return result, nil
}

// Normalize pretty-prints a JSON document with sorted keys. Anything else is
// returned unchanged.
func Normalize(state string) string {
	trimmed := strings.TrimSpace(state)
	if trimmed == "" || !jsonx.Valid([]byte(trimmed)) {
		return state
	}
	var v any
	if err := jsonx.Unmarshal([]byte(trimmed), &v); err != nil {
		return state
	}
	var buf bytes.Buffer
	enc := jsonx.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return state
	}
	return buf.String()
}

type diffLine struct {
	op      diffmatchpatch.Operation
	text    string
	oldLine int
	newLine int
}

// lineDiff runs diffmatchpatch in line mode and flattens the result into one
// entry per line with its position on both sides.
func lineDiff(oldContent, newContent string) []diffLine {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []diffLine
	oldNo, newNo := 1, 1
	for _, d := range diffs {
		for _, text := range splitLines(d.Text) {
			l := diffLine{op: d.Type, text: text, oldLine: oldNo, newLine: newNo}
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				newNo++
			case diffmatchpatch.DiffDelete:
				oldNo++
			default:
				oldNo++
				newNo++
			}
			lines = append(lines, l)
		}
	}
	return lines
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

type hunk struct {
	from, to           int
	oldStart, oldCount int
	newStart, newCount int
}

func (h hunk) header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.oldStart, h.oldCount, h.newStart, h.newCount)
}

// hunks groups changed lines with contextLines of surrounding context,
// merging groups whose context would overlap.
func (g *Generator) hunks(lines []diffLine) []hunk {
	var out []hunk
	ctx := g.contextLines
	for i := 0; i < len(lines); {
		if lines[i].op == diffmatchpatch.DiffEqual {
			i++
			continue
		}
		from := max(0, i-ctx)
		last := i
		for j := i + 1; j < len(lines) && j <= last+2*ctx+1; j++ {
			if lines[j].op != diffmatchpatch.DiffEqual {
				last = j
			}
		}
		to := min(len(lines), last+ctx+1)

		h := hunk{from: from, to: to, oldStart: lines[from].oldLine, newStart: lines[from].newLine}
		for _, l := range lines[from:to] {
			if l.op != diffmatchpatch.DiffInsert {
				h.oldCount++
			}
			if l.op != diffmatchpatch.DiffDelete {
				h.newCount++
			}
		}
		if h.oldCount == 0 {
			h.oldStart--
		}
		if h.newCount == 0 {
			h.newStart--
		}
		out = append(out, h)
		i = to
	}
	return out
}

// colorize applies color to text if color is enabled
func (g *Generator) colorize(text string, colorAttr color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	c := color.New(colorAttr)
	return c.Sprint(text)
}

// FormatSummary returns a human-readable summary of changes
func (dr *DiffResult) FormatSummary() string {
	if dr.Identical() {
		return "No changes"
	}

	parts := []string{}
	if dr.AddedLines > 0 {
		parts = append(parts, fmt.Sprintf("+%d lines", dr.AddedLines))
	}
	if dr.DeletedLines > 0 {
		parts = append(parts, fmt.Sprintf("-%d lines", dr.DeletedLines))
	}

	return strings.Join(parts, ", ")
}
