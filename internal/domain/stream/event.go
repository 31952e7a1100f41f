// Package stream holds the wire-level event model of the agent chat stream
// and the SSE decoder that produces it.
package stream

import (
	"fmt"
	"strings"
	"time"

	jsonx "agentchat/internal/shared/json"
)

// EventKind tags a StreamEvent. The set is closed.
type EventKind string

const (
	KindRecursionStart EventKind = "recursion_start"
	KindObserve        EventKind = "observe"
	KindThought        EventKind = "thought"
	KindAbstract       EventKind = "abstract"
	KindAction         EventKind = "action"
	KindToolCall       EventKind = "tool_call"
	KindPlanUpdate     EventKind = "plan_update"
	KindReflect        EventKind = "reflect"
	KindAnswer         EventKind = "answer"
	KindClarify        EventKind = "clarify"
	KindTaskComplete   EventKind = "task_complete"
	KindError          EventKind = "error"
)

var knownKinds = map[EventKind]struct{}{
	KindRecursionStart: {},
	KindObserve:        {},
	KindThought:        {},
	KindAbstract:       {},
	KindAction:         {},
	KindToolCall:       {},
	KindPlanUpdate:     {},
	KindReflect:        {},
	KindAnswer:         {},
	KindClarify:        {},
	KindTaskComplete:   {},
	KindError:          {},
}

// Valid reports whether k belongs to the closed kind set.
func (k EventKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// TokenUsage counts tokens for one recursion or a whole task.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Event is one decoded SSE frame. Values are never mutated after decoding.
type Event struct {
	Type        EventKind
	TaskID      string
	TraceID     string
	Iteration   int
	Delta       *string
	Data        jsonx.RawMessage
	Timestamp   time.Time
	Tokens      *TokenUsage
	TotalTokens *TokenUsage
}

type wireEvent struct {
	Type        EventKind        `json:"type"`
	TaskID      string           `json:"task_id"`
	TraceID     *string          `json:"trace_id"`
	Iteration   int              `json:"iteration"`
	Delta       *string          `json:"delta"`
	Data        jsonx.RawMessage `json:"data"`
	Timestamp   string           `json:"timestamp"`
	Tokens      *TokenUsage      `json:"tokens,omitempty"`
	TotalTokens *TokenUsage      `json:"total_tokens,omitempty"`
}

// UnmarshalJSON decodes the wire shape. A missing or unparseable timestamp
// leaves Timestamp zero instead of rejecting the frame.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := jsonx.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		Type:        w.Type,
		TaskID:      w.TaskID,
		Iteration:   w.Iteration,
		Delta:       w.Delta,
		Tokens:      w.Tokens,
		TotalTokens: w.TotalTokens,
		Timestamp:   ParseTimestamp(w.Timestamp),
	}
	if w.TraceID != nil {
		e.TraceID = *w.TraceID
	}
	if !jsonx.IsNull(w.Data) {
		e.Data = append(jsonx.RawMessage(nil), w.Data...)
	}
	return nil
}

// MarshalJSON encodes the wire shape; an empty trace id becomes null.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:        e.Type,
		TaskID:      e.TaskID,
		Iteration:   e.Iteration,
		Delta:       e.Delta,
		Data:        e.Data,
		Tokens:      e.Tokens,
		TotalTokens: e.TotalTokens,
	}
	if e.TraceID != "" {
		traceID := e.TraceID
		w.TraceID = &traceID
	}
	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if len(w.Data) == 0 {
		w.Data = jsonx.RawMessage("null")
	}
	return jsonx.Marshal(w)
}

// ParseTimestamp accepts RFC3339 with or without fractional seconds and
// returns the zero time for anything else.
func ParseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.999999999", value); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}

// DeltaText returns the delta, or "" when it was null.
func (e Event) DeltaText() string {
	if e.Delta == nil {
		return ""
	}
	return *e.Delta
}

// AnswerPayload is the data of an answer event.
type AnswerPayload struct {
	Answer string `json:"answer"`
}

// ClarifyPayload is the data of a clarify event.
type ClarifyPayload struct {
	Question string `json:"question"`
}

// ToolCallPayload is the data of a tool_call event. Individual calls and
// results stay opaque; they are rendered, not folded.
type ToolCallPayload struct {
	ToolCalls   []jsonx.RawMessage `json:"tool_calls"`
	ToolResults []jsonx.RawMessage `json:"tool_results"`
}

// PlanUpdatePayload carries the raw plan document of a plan_update event.
type PlanUpdatePayload struct {
	Raw jsonx.RawMessage
}

// ReflectPayload carries the raw document of a reflect event.
type ReflectPayload struct {
	Raw jsonx.RawMessage
}

// ErrorPayload is the data of an error event. Servers use either field.
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Text returns the first non-empty message.
func (p ErrorPayload) Text() string {
	if p.Message != "" {
		return p.Message
	}
	return p.Error
}

// Payload decodes Data into the struct matching the event kind. Kinds that
// carry no data, and events whose data is null, yield nil.
func (e Event) Payload() (any, error) {
	if jsonx.IsNull(e.Data) {
		return nil, nil
	}
	switch e.Type {
	case KindAnswer:
		var p AnswerPayload
		return decodePayload(e, &p)
	case KindClarify:
		var p ClarifyPayload
		return decodePayload(e, &p)
	case KindToolCall:
		var p ToolCallPayload
		return decodePayload(e, &p)
	case KindError:
		var p ErrorPayload
		return decodePayload(e, &p)
	case KindPlanUpdate:
		return PlanUpdatePayload{Raw: e.Data}, nil
	case KindReflect:
		return ReflectPayload{Raw: e.Data}, nil
	default:
		return nil, nil
	}
}

func decodePayload[T any](e Event, dst *T) (any, error) {
	if err := jsonx.Unmarshal(e.Data, dst); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return *dst, nil
}
