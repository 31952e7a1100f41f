// Package history rebuilds live-shaped tasks from persisted session history.
package history

import (
	"bytes"
	"strconv"

	"agentchat/internal/domain/stream"
	jsonx "agentchat/internal/shared/json"
)

// TaskRecord is one persisted task as returned by the history endpoint.
type TaskRecord struct {
	TaskID      string            `json:"task_id"`
	UserMessage string            `json:"user_message"`
	AgentAnswer string            `json:"agent_answer"`
	Status      string            `json:"status"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
	TotalTokens TokenCount        `json:"total_tokens"`
	Recursions  []RecursionDetail `json:"recursions"`
}

// RecursionDetail is one persisted recursion. ActionOutput and
// ToolCallResults hold JSON documents encoded as strings.
type RecursionDetail struct {
	Iteration        int          `json:"iteration"`
	TraceID          *string      `json:"trace_id"`
	Observe          *string      `json:"observe"`
	Thought          *string      `json:"thought"`
	Abstract         *string      `json:"abstract"`
	ActionType       string       `json:"action_type"`
	ActionOutput     EmbeddedJSON `json:"action_output"`
	ToolCallResults  EmbeddedJSON `json:"tool_call_results"`
	Status           string       `json:"status"`
	ErrorLog         *string      `json:"error_log"`
	CreatedAt        string       `json:"created_at"`
	UpdatedAt        string       `json:"updated_at"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	TotalTokens      int          `json:"total_tokens"`
}

// EmbeddedJSON is a JSON document carried inside a string field. Backends
// that inline the document as an object or array are accepted as well.
type EmbeddedJSON string

// UnmarshalJSON implements json.Unmarshaler.
func (e *EmbeddedJSON) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*e = ""
	case trimmed[0] == '"':
		var s string
		if err := jsonx.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*e = EmbeddedJSON(s)
	default:
		*e = EmbeddedJSON(trimmed)
	}
	return nil
}

// TokenCount accepts either a bare total or a full usage object.
type TokenCount struct {
	Usage *stream.TokenUsage
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *TokenCount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		t.Usage = nil
		return nil
	}
	if trimmed[0] == '{' {
		var usage stream.TokenUsage
		if err := jsonx.Unmarshal(trimmed, &usage); err != nil {
			return err
		}
		t.Usage = &usage
		return nil
	}
	total, err := strconv.ParseFloat(string(bytes.Trim(trimmed, `"`)), 64)
	if err != nil {
		return err
	}
	t.Usage = &stream.TokenUsage{TotalTokens: int(total)}
	return nil
}

// MarshalJSON writes the usage object, or null.
func (t TokenCount) MarshalJSON() ([]byte, error) {
	if t.Usage == nil {
		return []byte("null"), nil
	}
	return jsonx.Marshal(t.Usage)
}
