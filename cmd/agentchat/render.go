package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"agentchat/internal/app/chat"
	"agentchat/internal/domain/react"
	"agentchat/internal/domain/stream"
	jsonx "agentchat/internal/shared/json"
)

// printer writes streamed recursions, transcripts and notices. It is the
// manager listener in chat and ask modes.
type printer struct {
	mu sync.Mutex
	w  io.Writer
	md *MarkdownRenderer

	// live tracks how many events of each recursion of the streaming task
	// were already printed.
	liveID string
	seen   map[int]int
}

func newPrinter(w io.Writer) *printer {
	plain := color.NoColor
	if f, ok := w.(*os.File); !ok || f != os.Stdout {
		plain = true
	}
	md, err := NewMarkdownRenderer(plain)
	if err != nil {
		md = nil
	}
	return &printer{w: w, md: md, seen: map[int]int{}}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) notice(msg string) {
	p.printf("%s\n", styleSystem.Render(msg))
}

func (p *printer) errorLine(msg string) {
	p.printf("%s\n", styleError.Render(msg))
}

// onState prints the events folded into the streaming assistant task since
// the previous snapshot.
func (p *printer) onState(s chat.State) {
	if !s.Streaming() || len(s.Tasks) == 0 {
		return
	}
	task := s.Tasks[len(s.Tasks)-1]
	if task.Role != react.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if task.ID != p.liveID {
		p.liveID = task.ID
		p.seen = map[int]int{}
	}
	for _, r := range task.Recursions {
		for _, ev := range r.Events[p.seen[r.Iteration]:] {
			if line := eventLine(ev); line != "" {
				fmt.Fprintln(p.w, line)
			}
		}
		p.seen[r.Iteration] = len(r.Events)
	}
}

// result prints the final content and status of a finished assistant task.
func (p *printer) result(task react.Task, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.liveID = ""

	if content := strings.TrimSpace(task.Content); content != "" {
		switch task.Status {
		case react.TaskError:
			fmt.Fprintf(p.w, "\n%s\n", styleError.Render(content))
		case react.TaskWaitingInput:
			fmt.Fprintf(p.w, "\n%s %s\n", styleYellow.Render("?"), content)
		default:
			fmt.Fprintf(p.w, "\n%s\n", p.md.RenderIfMarkdown(content))
		}
	}
	fmt.Fprintf(p.w, "\n%s\n\n", styleGray.Render(footer(task, elapsed)))
}

func footer(task react.Task, elapsed time.Duration) string {
	parts := []string{statusLabel(task.Status)}
	parts = append(parts, fmt.Sprintf("%d recursion(s)", len(task.Recursions)))
	if task.TotalTokens != nil {
		parts = append(parts, fmt.Sprintf("%d tokens", task.TotalTokens.TotalTokens))
	}
	if elapsed > 0 {
		parts = append(parts, elapsed.Round(100*time.Millisecond).String())
	}
	if task.TaskID != "" {
		parts = append(parts, task.TaskID)
	}
	return strings.Join(parts, " · ")
}

func statusLabel(status react.TaskStatus) string {
	switch status {
	case react.TaskCompleted:
		return "✓ completed"
	case react.TaskError:
		return "✗ error"
	case react.TaskWaitingInput:
		return "… waiting for your reply"
	default:
		return string(status)
	}
}

// transcript prints a task list the way it looked while streaming.
func (p *printer) transcript(tasks []react.Task, verbose bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, task := range tasks {
		if task.Role == react.RoleUser {
			fmt.Fprintf(p.w, "%s %s\n", styleBoldGreen.Render("›"), task.Content)
			continue
		}
		if verbose {
			for _, r := range task.Recursions {
				for _, ev := range r.Events {
					if line := eventLine(ev); line != "" {
						fmt.Fprintln(p.w, line)
					}
				}
			}
		}
		if content := strings.TrimSpace(task.Content); content != "" {
			fmt.Fprintf(p.w, "%s\n", p.md.RenderTranscript(content))
		}
		fmt.Fprintf(p.w, "%s\n\n", styleGray.Render(footer(task, 0)))
	}
}

// sessions prints the session directory, marking current.
func (p *printer) sessions(items []react.SessionListItem, current string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(items) == 0 {
		fmt.Fprintln(p.w, styleSystem.Render("No sessions yet."))
		return
	}
	for _, item := range items {
		marker := " "
		if item.SessionID == current {
			marker = styleBoldGreen.Render("*")
		}
		fmt.Fprintf(p.w, "%s %s  %s  %s\n",
			marker,
			styleBold.Render(item.SessionID),
			truncate(item.Title(), 48),
			gray(fmt.Sprintf("%d messages, updated %s", item.MessageCount, item.UpdatedAt.Local().Format("2006-01-02 15:04"))),
		)
	}
}

// eventLine renders one stream event; kinds shown elsewhere yield "".
func eventLine(ev stream.Event) string {
	text := strings.TrimSpace(ev.DeltaText())
	switch ev.Type {
	case stream.KindRecursionStart:
		return styleBoldCyan.Render(fmt.Sprintf("● Recursion %d", ev.Iteration))
	case stream.KindObserve:
		return styleGray.Render("  observe  ") + truncate(text, 200)
	case stream.KindThought:
		return styleGray.Render("  ✻ " + truncate(text, 400))
	case stream.KindAbstract:
		return "  ≡ " + truncate(text, 200)
	case stream.KindAction:
		return styleGreen.Render("  ⚙ " + text)
	case stream.KindToolCall:
		return "  " + cyan("⎿ ") + toolCallSummary(ev)
	case stream.KindPlanUpdate:
		return "  " + yellow("↻ plan updated")
	case stream.KindReflect:
		return "  " + gray("◇ reflection")
	case stream.KindError:
		msg := text
		if p, err := ev.Payload(); err == nil {
			if e, ok := p.(stream.ErrorPayload); ok && e.Text() != "" {
				msg = e.Text()
			}
		}
		return styleError.Render("  ✗ " + msg)
	default:
		return ""
	}
}

func toolCallSummary(ev stream.Event) string {
	payload, err := ev.Payload()
	calls, ok := payload.(stream.ToolCallPayload)
	if err != nil || !ok {
		return "tool call"
	}
	var names []string
	for _, raw := range calls.ToolCalls {
		var call struct {
			Name     string `json:"name"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		}
		if jsonx.Unmarshal(raw, &call) != nil {
			continue
		}
		name := call.Name
		if name == "" {
			name = call.Function.Name
		}
		if name != "" {
			names = append(names, name)
		}
	}
	summary := fmt.Sprintf("%d call(s), %d result(s)", len(calls.ToolCalls), len(calls.ToolResults))
	if len(names) > 0 {
		summary = strings.Join(names, ", ") + "  " + gray(summary)
	}
	return summary
}

func truncate(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
