package history

import (
	"bytes"
	"time"

	"agentchat/internal/domain/react"
	"agentchat/internal/domain/stream"
	"agentchat/internal/logging"
	jsonx "agentchat/internal/shared/json"
)

// ActionReplan marks a recursion whose output is a revised plan.
const ActionReplan = "RE_PLAN"

// Fields reported to the parse-failure hook.
const (
	FieldActionOutput    = "action_output"
	FieldToolCallResults = "tool_call_results"
)

// Option customises a Hydrator.
type Option func(*Hydrator)

// WithLogger sets the logger for parse diagnostics.
func WithLogger(logger logging.Logger) Option {
	return func(h *Hydrator) {
		h.logger = logging.OrNop(logger)
	}
}

// WithRepairJSON retries nested documents that fail to parse through a
// lenient JSON repair pass.
func WithRepairJSON(enabled bool) Option {
	return func(h *Hydrator) {
		h.repair = enabled
	}
}

// WithParseFailureHook is called once per nested field that could not be
// parsed.
func WithParseFailureHook(hook func(field string)) Option {
	return func(h *Hydrator) {
		h.onFailure = hook
	}
}

// Hydrator converts persisted task records into the task shape produced by
// live streaming. It holds no state between calls.
type Hydrator struct {
	logger    logging.Logger
	repair    bool
	onFailure func(field string)
}

// NewHydrator builds a Hydrator.
func NewHydrator(opts ...Option) *Hydrator {
	h := &Hydrator{logger: logging.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hydrate turns each record into a user task followed by an assistant task.
// Malformed nested fields are skipped individually; hydration never fails.
func (h *Hydrator) Hydrate(records []TaskRecord) []react.Task {
	tasks := make([]react.Task, 0, len(records)*2)
	for _, rec := range records {
		user, assistant := h.HydrateRecord(rec)
		tasks = append(tasks, user, assistant)
	}
	return tasks
}

// HydrateRecord converts a single record.
func (h *Hydrator) HydrateRecord(rec TaskRecord) (react.Task, react.Task) {
	created := stream.ParseTimestamp(rec.CreatedAt)
	updated := stream.ParseTimestamp(rec.UpdatedAt)
	if updated.IsZero() {
		updated = created
	}

	user := react.NewUserTask(rec.TaskID+"-user", rec.UserMessage, created)

	assistant := react.Task{
		ID:          rec.TaskID + "-assistant",
		Role:        react.RoleAssistant,
		Content:     rec.AgentAnswer,
		Timestamp:   updated,
		TaskID:      rec.TaskID,
		Status:      taskStatus(rec.Status),
		TotalTokens: rec.TotalTokens.Usage,
	}
	for _, detail := range rec.Recursions {
		r := h.recursion(rec.TaskID, detail)
		replaced := false
		for i := range assistant.Recursions {
			if assistant.Recursions[i].Iteration == r.Iteration {
				assistant.Recursions[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			assistant.Recursions = append(assistant.Recursions, r)
		}
	}
	return user, react.Freeze(assistant)
}

func (h *Hydrator) recursion(taskID string, d RecursionDetail) react.Recursion {
	r := react.Recursion{
		Iteration: d.Iteration,
		Observe:   d.Observe,
		Thought:   d.Thought,
		Abstract:  d.Abstract,
		Status:    recursionStatus(d.Status),
		StartTime: timePtr(stream.ParseTimestamp(d.CreatedAt)),
		EndTime:   timePtr(stream.ParseTimestamp(d.UpdatedAt)),
		ErrorLog:  d.ErrorLog,
		Events:    []stream.Event{},
	}
	if d.TraceID != nil {
		r.TraceID = *d.TraceID
	}
	if d.ActionType != "" {
		action := d.ActionType
		r.Action = &action
	}
	if d.PromptTokens != 0 || d.CompletionTokens != 0 || d.TotalTokens != 0 {
		r.Tokens = &stream.TokenUsage{
			PromptTokens:     d.PromptTokens,
			CompletionTokens: d.CompletionTokens,
			TotalTokens:      d.TotalTokens,
		}
	}

	stamp := stream.ParseTimestamp(d.UpdatedAt)
	if stamp.IsZero() {
		stamp = stream.ParseTimestamp(d.CreatedAt)
	}
	pseudo := func(kind stream.EventKind, data jsonx.RawMessage) stream.Event {
		return stream.Event{
			Type:      kind,
			TaskID:    taskID,
			TraceID:   r.TraceID,
			Iteration: d.Iteration,
			Data:      data,
			Timestamp: stamp,
		}
	}

	var output jsonx.RawMessage
	outputOK := d.ActionOutput != "" &&
		h.parse(taskID, d.Iteration, FieldActionOutput, string(d.ActionOutput), &output)

	if payload, ok := h.toolCallPayload(taskID, d, output); ok {
		if data, err := jsonx.Marshal(payload); err == nil {
			r.Events = append(r.Events, pseudo(stream.KindToolCall, data))
		}
	}
	if d.ActionType == ActionReplan {
		var plan jsonx.RawMessage
		if outputOK && !jsonx.IsNull(output) {
			plan = output
		}
		r.Events = append(r.Events, pseudo(stream.KindPlanUpdate, plan))
	}
	return r
}

// toolCallPayload combines tool_calls from the parsed action_output with
// tool_results from tool_call_results. A failure on one side leaves the
// other intact.
func (h *Hydrator) toolCallPayload(taskID string, d RecursionDetail, output jsonx.RawMessage) (stream.ToolCallPayload, bool) {
	payload := stream.ToolCallPayload{
		ToolCalls:   []jsonx.RawMessage{},
		ToolResults: []jsonx.RawMessage{},
	}

	if calls := toolCalls(output); len(calls) > 0 {
		payload.ToolCalls = calls
	}

	if d.ToolCallResults != "" {
		var raw jsonx.RawMessage
		if h.parse(taskID, d.Iteration, FieldToolCallResults, string(d.ToolCallResults), &raw) {
			if results := toolResults(raw); len(results) > 0 {
				payload.ToolResults = results
			}
		}
	}

	return payload, len(payload.ToolCalls) > 0 || len(payload.ToolResults) > 0
}

func toolCalls(output jsonx.RawMessage) []jsonx.RawMessage {
	trimmed := bytes.TrimSpace(output)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var out struct {
		ToolCalls []jsonx.RawMessage `json:"tool_calls"`
	}
	if err := jsonx.Unmarshal(trimmed, &out); err != nil {
		return nil
	}
	return out.ToolCalls
}

// toolResults accepts {"tool_results": [...]} or a bare array.
func toolResults(raw jsonx.RawMessage) []jsonx.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var results []jsonx.RawMessage
	if trimmed[0] == '[' {
		if err := jsonx.Unmarshal(trimmed, &results); err != nil {
			return nil
		}
		return results
	}
	var wrapped struct {
		ToolResults []jsonx.RawMessage `json:"tool_results"`
	}
	if err := jsonx.Unmarshal(trimmed, &wrapped); err != nil {
		return nil
	}
	return wrapped.ToolResults
}

func (h *Hydrator) parse(taskID string, iteration int, field, text string, v any) bool {
	if h.repair {
		repaired, err := jsonx.UnmarshalRepair(text, v)
		if err == nil {
			if repaired {
				h.logger.Debug("Repaired %s of task %s iteration %d", field, taskID, iteration)
			}
			return true
		}
		h.fail(taskID, iteration, field, err)
		return false
	}
	if err := jsonx.UnmarshalString(text, v); err != nil {
		h.fail(taskID, iteration, field, err)
		return false
	}
	return true
}

func (h *Hydrator) fail(taskID string, iteration int, field string, err error) {
	h.logger.Debug("Skipping unparseable %s of task %s iteration %d: %v", field, taskID, iteration, err)
	if h.onFailure != nil {
		h.onFailure(field)
	}
}

func taskStatus(status string) react.TaskStatus {
	switch status {
	case "failed":
		return react.TaskError
	case "waiting_input":
		return react.TaskWaitingInput
	default:
		return react.TaskCompleted
	}
}

func recursionStatus(status string) react.RecursionStatus {
	if status == "error" {
		return react.RecursionError
	}
	return react.RecursionCompleted
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
