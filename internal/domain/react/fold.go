package react

import (
	"slices"
	"time"

	"agentchat/internal/domain/stream"
)

// Fold applies one stream event to task and returns the next state. It never
// mutates task: every slice it changes is copied first, so snapshots handed
// out earlier stay valid.
//
// Recursions are addressed by iteration, not position. The task-level part
// of answer, clarify and error (content, status) applies even when the
// iteration has not started; recursion fields and the event log only change
// for a known iteration. Any event after the task closed is ignored.
func Fold(task Task, ev stream.Event) Task {
	if task.closed {
		return task
	}

	switch ev.Type {
	case stream.KindRecursionStart:
		return startRecursion(task, ev)
	case stream.KindTaskComplete:
		return completeTask(task, ev)
	}

	next := task
	switch ev.Type {
	case stream.KindAnswer:
		if p, ok := payloadAs[stream.AnswerPayload](ev); ok {
			next.Content = p.Answer
		}
	case stream.KindClarify:
		if p, ok := payloadAs[stream.ClarifyPayload](ev); ok {
			next.Content = p.Question
		}
		next.Status = TaskWaitingInput
	case stream.KindError:
		msg := errorText(ev)
		next.agentErr = &msg
	}

	idx := task.indexOf(ev.Iteration)
	if idx < 0 {
		return next
	}

	next.Recursions = slices.Clone(task.Recursions)
	r := &next.Recursions[idx]
	r.Events = appendEvent(r.Events, ev)
	r.Tokens = tokensOr(r.Tokens, ev.Tokens)

	switch ev.Type {
	case stream.KindObserve:
		r.Observe = deltaOf(ev)
	case stream.KindThought:
		r.Thought = deltaOf(ev)
	case stream.KindAbstract:
		r.Abstract = deltaOf(ev)
	case stream.KindAction:
		r.Action = deltaOf(ev)
		finalize(r, RecursionCompleted, ev.Timestamp)
	case stream.KindError:
		finalize(r, RecursionError, ev.Timestamp)
	case stream.KindAnswer, stream.KindClarify:
		finalize(r, RecursionCompleted, ev.Timestamp)
	}
	return next
}

func startRecursion(task Task, ev stream.Event) Task {
	next := task
	next.Recursions = slices.Clone(task.Recursions)
	for i := range next.Recursions {
		if next.Recursions[i].Iteration != ev.Iteration {
			finalize(&next.Recursions[i], RecursionCompleted, ev.Timestamp)
		}
	}
	if ev.TaskID != "" {
		next.TaskID = ev.TaskID
	}

	if idx := next.indexOf(ev.Iteration); idx >= 0 {
		r := &next.Recursions[idx]
		r.Events = appendEvent(r.Events, ev)
		r.Tokens = tokensOr(r.Tokens, ev.Tokens)
		return next
	}

	next.Recursions = append(next.Recursions, Recursion{
		Iteration: ev.Iteration,
		TraceID:   ev.TraceID,
		Events:    []stream.Event{ev},
		Status:    RecursionRunning,
		StartTime: timePtr(ev.Timestamp),
		Tokens:    tokensOr(nil, ev.Tokens),
	})
	return next
}

func completeTask(task Task, ev stream.Event) Task {
	next := task
	next.Recursions = slices.Clone(task.Recursions)
	for i := range next.Recursions {
		finalize(&next.Recursions[i], RecursionCompleted, ev.Timestamp)
	}
	if next.Status != TaskWaitingInput {
		next.Status = TaskCompleted
	}
	next.TotalTokens = tokensOr(next.TotalTokens, ev.TotalTokens)
	if !ev.Timestamp.IsZero() {
		next.Timestamp = ev.Timestamp
	}
	next.closed = true
	return next
}

// Cancel closes an in-flight task the user stopped. The last running
// recursion becomes error; completed recursions are left as they are. The
// placeholder replaces content only when nothing was streamed yet.
func Cancel(task Task, now time.Time, placeholder string) Task {
	if task.closed {
		return task
	}
	next := closeWithError(task, now)
	if next.Content == "" {
		next.Content = placeholder
	}
	return next
}

// Fail closes an in-flight task after a transport or protocol failure.
// Partial content is kept and message is appended to it.
func Fail(task Task, message string, now time.Time) Task {
	if task.closed {
		return task
	}
	next := closeWithError(task, now)
	switch {
	case next.Content == "":
		next.Content = message
	case message != "":
		next.Content = next.Content + "\n\n" + message
	}
	return next
}

// Settle closes a task whose stream ended without task_complete. Running
// recursions complete; the task ends in error if any error event was folded,
// and waiting_input is kept otherwise.
func Settle(task Task, now time.Time) Task {
	if task.closed {
		return task
	}
	next := task
	next.Recursions = slices.Clone(task.Recursions)
	for i := range next.Recursions {
		finalize(&next.Recursions[i], RecursionCompleted, now)
	}

	if next.agentErr != nil {
		next.Status = TaskError
		if next.Content == "" {
			next.Content = *next.agentErr
		}
	} else if next.Status != TaskWaitingInput {
		next.Status = TaskCompleted
	}
	next.closed = true
	return next
}

func closeWithError(task Task, now time.Time) Task {
	next := task
	next.Recursions = slices.Clone(task.Recursions)
	last := -1
	for i := len(next.Recursions) - 1; i >= 0; i-- {
		if next.Recursions[i].Status == RecursionRunning {
			last = i
			break
		}
	}
	for i := range next.Recursions {
		if i == last {
			finalize(&next.Recursions[i], RecursionError, now)
		} else {
			finalize(&next.Recursions[i], RecursionCompleted, now)
		}
	}
	next.Status = TaskError
	next.closed = true
	return next
}

// errorText is the message of an error event.
func errorText(ev stream.Event) string {
	msg := ev.DeltaText()
	if p, ok := payloadAs[stream.ErrorPayload](ev); ok && p.Text() != "" {
		msg = p.Text()
	}
	if msg == "" {
		msg = "The agent reported an error."
	}
	return msg
}

// finalize moves a running recursion to status; finished ones are untouched.
func finalize(r *Recursion, status RecursionStatus, at time.Time) {
	if r.Status != RecursionRunning {
		return
	}
	r.Status = status
	r.EndTime = timePtr(at)
}

// appendEvent always allocates, so the previous slice header keeps seeing
// exactly the events it had.
func appendEvent(events []stream.Event, ev stream.Event) []stream.Event {
	return append(slices.Clip(events), ev)
}

// tokensOr returns a copy of update, or current when update is nil.
func tokensOr(current, update *stream.TokenUsage) *stream.TokenUsage {
	if update == nil {
		return current
	}
	copied := *update
	return &copied
}

func deltaOf(ev stream.Event) *string {
	s := ev.DeltaText()
	return &s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func payloadAs[T any](ev stream.Event) (T, bool) {
	var zero T
	payload, err := ev.Payload()
	if err != nil || payload == nil {
		return zero, false
	}
	typed, ok := payload.(T)
	return typed, ok
}
