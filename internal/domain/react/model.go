// Package react models the Session → Task → Recursion tree built from a
// ReAct agent's event stream, and the pure transitions that advance it.
package react

import (
	"time"

	"agentchat/internal/domain/stream"
)

// RecursionStatus is monotonic: running moves once to completed or error.
type RecursionStatus string

const (
	RecursionRunning   RecursionStatus = "running"
	RecursionCompleted RecursionStatus = "completed"
	RecursionError     RecursionStatus = "error"
)

// TaskStatus of an assistant task. User tasks are always completed.
type TaskStatus string

const (
	TaskRunning      TaskStatus = "running"
	TaskCompleted    TaskStatus = "completed"
	TaskError        TaskStatus = "error"
	TaskWaitingInput TaskStatus = "waiting_input"
)

// Role of a task in the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Recursion is one reasoning iteration within a task.
type Recursion struct {
	Iteration int                `json:"iteration"`
	TraceID   string             `json:"trace_id,omitempty"`
	Observe   *string            `json:"observe"`
	Thought   *string            `json:"thought"`
	Abstract  *string            `json:"abstract"`
	Action    *string            `json:"action"`
	Events    []stream.Event     `json:"events"`
	Status    RecursionStatus    `json:"status"`
	StartTime *time.Time         `json:"start_time,omitempty"`
	EndTime   *time.Time         `json:"end_time,omitempty"`
	Tokens    *stream.TokenUsage `json:"tokens,omitempty"`
	ErrorLog  *string            `json:"error_log,omitempty"`
}

// Task is one user turn or one agent run.
type Task struct {
	ID          string             `json:"id"`
	Role        Role               `json:"role"`
	Content     string             `json:"content"`
	Timestamp   time.Time          `json:"timestamp"`
	TaskID      string             `json:"task_id,omitempty"`
	Recursions  []Recursion        `json:"recursions,omitempty"`
	Status      TaskStatus         `json:"status"`
	TotalTokens *stream.TokenUsage `json:"total_tokens,omitempty"`

	// closed is set once task_complete, a cancellation, a failure or the end
	// of the stream has been applied; later events are ignored.
	closed bool
	// agentErr is the text of the latest error event, set whether or not the
	// event matched a recursion.
	agentErr *string
}

// Closed reports whether the task accepts no further events.
func (t Task) Closed() bool {
	return t.closed
}

// Freeze closes a task rebuilt from persisted history; it will never see
// stream events.
func Freeze(t Task) Task {
	t.closed = true
	return t
}

// Recursion returns the recursion with the given iteration.
func (t Task) Recursion(iteration int) (Recursion, bool) {
	if i := t.indexOf(iteration); i >= 0 {
		return t.Recursions[i], true
	}
	return Recursion{}, false
}

func (t Task) indexOf(iteration int) int {
	for i := range t.Recursions {
		if t.Recursions[i].Iteration == iteration {
			return i
		}
	}
	return -1
}

// NewUserTask is the optimistic record of a submitted message.
func NewUserTask(id, content string, now time.Time) Task {
	return Task{
		ID:        id,
		Role:      RoleUser,
		Content:   content,
		Timestamp: now,
		Status:    TaskCompleted,
		closed:    true,
	}
}

// NewAssistantTask is the empty placeholder that stream events fold into.
func NewAssistantTask(id string, now time.Time) Task {
	return Task{
		ID:        id,
		Role:      RoleAssistant,
		Timestamp: now,
		Status:    TaskRunning,
	}
}

// Session is a persisted conversation with an agent.
type Session struct {
	SessionID    string    `json:"session_id"`
	AgentID      int       `json:"agent_id"`
	Status       string    `json:"status"`
	Subject      *string   `json:"subject"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Tasks        []Task    `json:"tasks,omitempty"`
}

// SessionListItem is the directory projection of a session.
type SessionListItem struct {
	SessionID    string    `json:"session_id"`
	AgentID      int       `json:"agent_id"`
	Status       string    `json:"status"`
	Subject      *string   `json:"subject"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// ListItem projects s onto the directory shape.
func (s Session) ListItem() SessionListItem {
	return SessionListItem{
		SessionID:    s.SessionID,
		AgentID:      s.AgentID,
		Status:       s.Status,
		Subject:      s.Subject,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: s.MessageCount,
	}
}

// Title is the subject, or the session id when there is none.
func (s SessionListItem) Title() string {
	if s.Subject != nil && *s.Subject != "" {
		return *s.Subject
	}
	return s.SessionID
}
