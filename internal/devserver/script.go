package devserver

import (
	"fmt"
	"strings"

	"agentchat/internal/domain/stream"
	jsonx "agentchat/internal/shared/json"
)

// Turn is one chat request as seen by a Script.
type Turn struct {
	SessionID string
	TaskID    string
	Message   string
	// Reply is set when the request answers a clarify question.
	Reply bool
}

// Script produces the events streamed for a turn. The server stamps task
// id, trace id and timestamp on every event before writing it.
type Script func(turn Turn) []stream.Event

// DefaultScript answers in two recursions with a tool call in between.
// Messages starting with "fail" end in an agent error, and questions that
// are not replies get a clarify.
func DefaultScript(turn Turn) []stream.Event {
	msg := strings.TrimSpace(turn.Message)
	switch {
	case strings.HasPrefix(strings.ToLower(msg), "fail"):
		return []stream.Event{
			start(1),
			text(stream.KindThought, 1, "Trying the request"),
			data(stream.KindError, 1, stream.ErrorPayload{Message: "scripted failure: " + msg}),
		}
	case strings.HasSuffix(msg, "?") && !turn.Reply:
		return []stream.Event{
			start(1),
			text(stream.KindThought, 1, "The question is ambiguous"),
			data(stream.KindClarify, 1, stream.ClarifyPayload{Question: fmt.Sprintf("What exactly do you mean by %q?", msg)}),
			complete(12, 9),
		}
	}

	return []stream.Event{
		start(1),
		text(stream.KindObserve, 1, "User said: "+msg),
		text(stream.KindThought, 1, "I should echo the message back"),
		text(stream.KindAction, 1, "echo"),
		data(stream.KindToolCall, 1, map[string]any{
			"tool_calls":   []any{map[string]any{"name": "echo", "arguments": map[string]any{"text": msg}}},
			"tool_results": []any{map[string]any{"name": "echo", "output": msg}},
		}),
		start(2),
		text(stream.KindThought, 2, "The tool returned the text"),
		data(stream.KindAnswer, 2, stream.AnswerPayload{Answer: "You said: " + msg}),
		complete(20+len(msg), 10+len(msg)),
	}
}

func start(iteration int) stream.Event {
	return stream.Event{
		Type:      stream.KindRecursionStart,
		Iteration: iteration,
		Tokens:    &stream.TokenUsage{PromptTokens: 10 * iteration, CompletionTokens: 0, TotalTokens: 10 * iteration},
	}
}

func text(kind stream.EventKind, iteration int, delta string) stream.Event {
	return stream.Event{Type: kind, Iteration: iteration, Delta: &delta}
}

func data(kind stream.EventKind, iteration int, payload any) stream.Event {
	raw, err := jsonx.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return stream.Event{Type: kind, Iteration: iteration, Data: raw}
}

func complete(prompt, completion int) stream.Event {
	return stream.Event{
		Type: stream.KindTaskComplete,
		TotalTokens: &stream.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}
