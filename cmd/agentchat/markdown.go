package main

import (
	"fmt"
	"os"
	"strings"

	termmarkdown "github.com/MichaelMure/go-term-markdown"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// MarkdownRenderer handles rendering markdown content in the terminal
type MarkdownRenderer struct {
	renderer *glamour.TermRenderer
	width    int
	plain    bool
}

// NewMarkdownRenderer creates a renderer sized to the terminal. plainText
// selects the colourless style used when output is not a terminal.
func NewMarkdownRenderer(plainText bool) (*MarkdownRenderer, error) {
	termWidth := 80
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		termWidth = min(width-4, 120)
	}

	style := glamour.WithStandardStyle("dark")
	if plainText {
		style = glamour.WithStandardStyle("notty")
	}

	renderer, err := glamour.NewTermRenderer(
		style,
		glamour.WithWordWrap(termWidth),
		glamour.WithEmoji(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return &MarkdownRenderer{renderer: renderer, width: termWidth, plain: plainText}, nil
}

// Render renders markdown content to styled terminal output
func (mr *MarkdownRenderer) Render(content string) (string, error) {
	if content == "" {
		return "", nil
	}
	rendered, err := mr.renderer.Render(content)
	if err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return rendered, nil
}

// RenderIfMarkdown renders content that looks like markdown and returns
// anything else unchanged.
func (mr *MarkdownRenderer) RenderIfMarkdown(content string) string {
	if mr == nil || !IsMarkdown(content) {
		return content
	}
	rendered, err := mr.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(rendered, "\n")
}

// RenderTranscript renders a past answer indented under its prompt. Plain
// output keeps the source text.
func (mr *MarkdownRenderer) RenderTranscript(content string) string {
	if mr == nil || mr.plain || !IsMarkdown(content) {
		return content
	}
	const leftPad = 2
	rendered := termmarkdown.Render(content, mr.width-leftPad, leftPad)
	return strings.TrimRight(string(rendered), "\n")
}

// IsMarkdown detects if content contains markdown formatting
func IsMarkdown(content string) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}

	strongIndicators := []string{
		"# ", "## ", "### ",
		"```",
		"\n- ", "\n* ", "\n1. ",
		"![",
		"|---|", "| --- |",
	}
	for _, indicator := range strongIndicators {
		if strings.Contains(content, indicator) {
			return true
		}
	}
	if strings.HasPrefix(content, "- ") || strings.HasPrefix(content, "* ") || strings.HasPrefix(content, "1. ") {
		return true
	}
	if strings.Contains(content, "[") && strings.Contains(content, "](") {
		return true
	}
	return strings.Count(content, "**") >= 2 || strings.Count(content, "`") >= 2
}
