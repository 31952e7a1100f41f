package chat

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"agentchat/internal/domain/react"
	"agentchat/internal/domain/stream"
	apperrors "agentchat/internal/errors"
	"agentchat/internal/infra/backend"
	"agentchat/internal/observability"
	id "agentchat/internal/utils/id"
)

// Send outcomes recorded in metrics and span attributes.
const (
	OutcomeCompleted = "completed"
	OutcomeErrored   = "errored"
	OutcomeCancelled = "cancelled"
)

// SendOption customises one Send.
type SendOption func(*sendOptions)

type sendOptions struct {
	replyTo string
}

// WithReplyTo answers the clarify question of the given server task.
func WithReplyTo(taskID string) SendOption {
	return func(o *sendOptions) { o.replyTo = taskID }
}

// Send submits message and blocks until the stream ends. It appends a user
// task and a running assistant task, then folds and commits every event.
//
// Blank input returns ErrEmptyMessage and a concurrent send ErrBusy, both
// without touching state. A stop via Cancel returns ErrCancelled. Transport
// and auth failures are returned after the assistant task has been marked
// as errored; an agent-reported error only marks the task.
func (m *Manager) Send(ctx context.Context, message string, opts ...SendOption) error {
	text := strings.TrimSpace(message)
	if text == "" {
		return apperrors.ErrEmptyMessage
	}
	var options sendOptions
	for _, opt := range opts {
		opt(&options)
	}

	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return apperrors.ErrBusy
	}
	if err := m.backend.CheckCredential(); err != nil {
		m.mu.Unlock()
		m.reportError(err)
		return err
	}

	now := m.now()
	userTask := react.NewUserTask(id.NewMessageID(), text, now)
	assistant := react.NewAssistantTask(id.NewMessageID(), now)
	sendCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	m.phase = PhaseSending
	m.cancel = cancel
	m.errMsg = ""
	m.tasks = append(slices.Clip(m.tasks), userTask, assistant)
	agentID := m.agentID
	sessionID := ""
	if m.session != nil {
		sessionID = m.session.SessionID
		agentID = m.session.AgentID
	}
	snap := m.commitLocked()
	m.mu.Unlock()
	m.notify(snap)

	sendCtx = id.WithIDs(sendCtx, id.IDs{SessionID: sessionID, TaskID: assistant.ID})
	sendCtx, span := m.tracer.StartSpan(sendCtx, observability.SpanChatSend, attribute.Int(observability.AttrAgentID, agentID))
	started := time.Now()

	streamErr := m.stream(sendCtx, cancel, assistant.ID, text, sessionID, agentID, options.replyTo)
	outcome, err := m.finish(sendCtx, assistant.ID, streamErr)

	m.metrics.RecordSend(sendCtx, outcome, time.Since(started))
	span.SetAttributes(attribute.String(observability.AttrOutcome, outcome))
	observability.EndSpan(span, err)
	return err
}

// Cancel stops the in-flight send. It reports false when nothing was
// streaming.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return false
	}
	m.cancel(apperrors.ErrCancelled)
	return true
}

func (m *Manager) stream(ctx context.Context, cancel context.CancelCauseFunc, assistantID, text, sessionID string, agentID int, replyTo string) error {
	if sessionID == "" {
		created, err := m.backend.CreateSession(ctx, agentID)
		if err != nil {
			return err
		}
		sessionID = created.SessionID
		m.mu.Lock()
		m.session = &created
		m.directory[created.SessionID] = created.ListItem()
		m.mu.Unlock()
		m.logger.Info("Created session %s for agent %d", sessionID, agentID)
	}

	m.mu.Lock()
	m.phase = PhaseStreaming
	m.streamingSession = sessionID
	snap := m.commitLocked()
	m.mu.Unlock()
	m.notify(snap)

	req := backend.ChatRequest{
		AgentID:   agentID,
		Message:   text,
		SessionID: &sessionID,
	}
	if replyTo != "" {
		req.TaskID = &replyTo
	}

	body, err := m.backend.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	var reader io.Reader = body
	if m.idleTimeout > 0 {
		timer := time.AfterFunc(m.idleTimeout, func() { cancel(apperrors.ErrIdleTimeout) })
		defer timer.Stop()
		reader = &idleReader{r: body, timer: timer, timeout: m.idleTimeout}
	}

	decoder := stream.NewDecoder(reader,
		stream.WithLogger(m.logger),
		stream.WithDropHook(func(reason string, _ error) {
			m.metrics.RecordDroppedFrame(ctx, reason)
		}),
	)
	for {
		ev, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		m.metrics.RecordEvent(ctx, string(ev.Type))
		if closed := m.apply(assistantID, ev); closed {
			// task_complete was folded; nothing after it can change state.
			return nil
		}
	}
}

// apply folds ev into the assistant task and commits. It reports whether
// the task is closed.
func (m *Manager) apply(assistantID string, ev stream.Event) bool {
	m.mu.Lock()
	idx := m.indexLocked(assistantID)
	if idx < 0 {
		m.mu.Unlock()
		return true
	}
	next := react.Fold(m.tasks[idx], ev)
	m.replaceLocked(idx, next)
	snap := m.commitLocked()
	m.mu.Unlock()
	m.notify(snap)
	return next.Closed()
}

// finish applies the terminal transition for the send and returns to idle.
func (m *Manager) finish(ctx context.Context, assistantID string, streamErr error) (string, error) {
	cause := context.Cause(ctx)
	aborted := ctx.Err() != nil
	now := m.now()

	outcome := OutcomeCompleted
	var result error

	m.mu.Lock()
	idx := m.indexLocked(assistantID)
	var task react.Task
	if idx >= 0 {
		task = m.tasks[idx]
	}

	switch {
	case streamErr == nil:
		task = react.Settle(task, now)
		if task.Status == react.TaskError {
			outcome = OutcomeErrored
		}
	case aborted && (errors.Is(cause, apperrors.ErrCancelled) || errors.Is(cause, context.Canceled)):
		task = react.Cancel(task, now, apperrors.FormatForDisplay(apperrors.ErrCancelled))
		outcome = OutcomeCancelled
		result = apperrors.ErrCancelled
	default:
		if aborted && cause != nil {
			streamErr = cause
		}
		msg := apperrors.FormatForDisplay(streamErr)
		task = react.Fail(task, msg, now)
		m.errMsg = msg
		outcome = OutcomeErrored
		result = streamErr
	}

	if idx >= 0 {
		m.replaceLocked(idx, task)
	}
	sessionID := m.streamingSession
	m.phase = PhaseIdle
	m.cancel = nil
	m.streamingSession = ""
	snap := m.commitLocked()
	m.mu.Unlock()

	if sessionID != "" {
		m.invalidateHistory(sessionID)
	}
	m.notify(snap)

	switch outcome {
	case OutcomeCancelled:
		m.logger.Info("Send stopped by user")
	case OutcomeErrored:
		if result != nil {
			m.logger.Warn("Send failed: %v", result)
		}
		m.authExpired(result)
	default:
		m.logger.Debug("Send completed in session %s", sessionID)
	}
	return outcome, result
}

// idleReader pushes the idle deadline back whenever bytes arrive.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}
