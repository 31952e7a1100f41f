package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentchat/internal/domain/history"
	"agentchat/internal/domain/react"
	apperrors "agentchat/internal/errors"
	"agentchat/internal/infra/backend"
)

type fakeBackend struct {
	mu       sync.Mutex
	requests []backend.ChatRequest
	sessions []react.SessionListItem
	records  map[string][]history.TaskRecord
	deleted  []string

	credErr   error
	streamErr error
	streamFn  func(ctx context.Context, req backend.ChatRequest) io.ReadCloser

	historyGate  chan struct{}
	historyCalls atomic.Int32
	stateCalls   atomic.Int32
	created      atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: map[string][]history.TaskRecord{}}
}

func (f *fakeBackend) Stream(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.streamFn
	err := f.streamErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return fn(ctx, req), nil
}

func (f *fakeBackend) ListSessions(context.Context, int) ([]react.SessionListItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]react.SessionListItem(nil), f.sessions...), nil
}

func (f *fakeBackend) CreateSession(_ context.Context, agentID int) (react.Session, error) {
	n := f.created.Add(1)
	return react.Session{SessionID: fmt.Sprintf("session-%d", n), AgentID: agentID, Status: "active"}, nil
}

func (f *fakeBackend) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakeBackend) SessionHistory(ctx context.Context, sessionID string) ([]history.TaskRecord, error) {
	f.historyCalls.Add(1)
	if f.historyGate != nil {
		select {
		case <-f.historyGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[sessionID], nil
}

func (f *fakeBackend) RecursionState(_ context.Context, sessionID, taskID string, iteration int) (string, error) {
	f.stateCalls.Add(1)
	return fmt.Sprintf(`{"session":%q,"task":%q,"iteration":%d}`, sessionID, taskID, iteration), nil
}

func (f *fakeBackend) CheckCredential() error {
	return f.credErr
}

func (f *fakeBackend) lastRequest(t *testing.T) backend.ChatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

// scripted replays frames and ends the stream.
func scripted(frames ...string) func(context.Context, backend.ChatRequest) io.ReadCloser {
	return func(context.Context, backend.ChatRequest) io.ReadCloser {
		var b strings.Builder
		for _, frame := range frames {
			b.WriteString("data: " + frame + "\n\n")
		}
		return io.NopCloser(strings.NewReader(b.String()))
	}
}

// blocking writes frames and then stays open until ctx ends or fail is
// closed with an error.
func blocking(frames []string, fail <-chan error) func(context.Context, backend.ChatRequest) io.ReadCloser {
	return func(ctx context.Context, _ backend.ChatRequest) io.ReadCloser {
		pr, pw := io.Pipe()
		go func() {
			for _, frame := range frames {
				if _, err := io.WriteString(pw, "data: "+frame+"\n\n"); err != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				pw.CloseWithError(ctx.Err())
			case err := <-fail:
				pw.CloseWithError(err)
			}
		}()
		return pr
	}
}

const (
	frameStart    = `{"type":"recursion_start","task_id":"srv-1","iteration":1,"timestamp":"2024-05-01T10:00:00Z"}`
	frameThought  = `{"type":"thought","task_id":"srv-1","iteration":1,"delta":"thinking"}`
	frameAnswer   = `{"type":"answer","task_id":"srv-1","iteration":1,"data":{"answer":"hello"}}`
	frameClarify  = `{"type":"clarify","task_id":"srv-1","iteration":1,"data":{"question":"which one?"}}`
	frameError    = `{"type":"error","task_id":"srv-1","iteration":1,"data":{"message":"tool exploded"}}`
	frameComplete = `{"type":"task_complete","task_id":"srv-1","total_tokens":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`
)

func newTestManager(t *testing.T, fb *fakeBackend, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(fb, append([]Option{WithAgentID(7)}, opts...)...)
	require.NoError(t, err)
	return m
}

func assistantOf(t *testing.T, s State) react.Task {
	t.Helper()
	require.NotEmpty(t, s.Tasks)
	last := s.Tasks[len(s.Tasks)-1]
	require.Equal(t, react.RoleAssistant, last.Role)
	return last
}

func TestSendFoldsStreamAndCreatesSessionLazily(t *testing.T) {
	fb := newFakeBackend()
	fb.streamFn = scripted(frameStart, frameThought, frameAnswer, frameComplete)

	var mu sync.Mutex
	var versions []uint64
	var phases []Phase
	m := newTestManager(t, fb, WithListener(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, s.Version)
		phases = append(phases, s.Phase)
	}))

	require.NoError(t, m.Send(context.Background(), "  hi there  "))

	state := m.State()
	require.Len(t, state.Tasks, 2)
	assert.Equal(t, react.RoleUser, state.Tasks[0].Role)
	assert.Equal(t, "hi there", state.Tasks[0].Content)

	assistant := assistantOf(t, state)
	assert.Equal(t, "hello", assistant.Content)
	assert.Equal(t, react.TaskCompleted, assistant.Status)
	assert.Equal(t, "srv-1", assistant.TaskID)
	require.Len(t, assistant.Recursions, 1)
	require.NotNil(t, assistant.Recursions[0].Thought)
	assert.Equal(t, "thinking", *assistant.Recursions[0].Thought)
	require.NotNil(t, assistant.TotalTokens)
	assert.Equal(t, 7, assistant.TotalTokens.TotalTokens)

	require.NotNil(t, state.Session)
	assert.Equal(t, "session-1", state.Session.SessionID)
	assert.Equal(t, PhaseIdle, state.Phase)
	assert.Empty(t, state.Error)

	req := fb.lastRequest(t)
	assert.Equal(t, 7, req.AgentID)
	assert.Equal(t, "hi there", req.Message)
	require.NotNil(t, req.SessionID)
	assert.Equal(t, "session-1", *req.SessionID)
	assert.Nil(t, req.TaskID)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
	assert.Contains(t, phases, PhaseSending)
	assert.Contains(t, phases, PhaseStreaming)
	assert.Equal(t, PhaseIdle, phases[len(phases)-1])
}

func TestSendRejectsBlankInput(t *testing.T) {
	fb := newFakeBackend()
	m := newTestManager(t, fb)

	err := m.Send(context.Background(), " \n\t ")
	assert.ErrorIs(t, err, apperrors.ErrEmptyMessage)
	assert.Empty(t, m.State().Tasks)
	assert.Zero(t, m.State().Version)
}

func TestSendIsExclusiveAndCancellable(t *testing.T) {
	fb := newFakeBackend()
	fb.streamFn = blocking([]string{frameStart, frameThought}, nil)
	m := newTestManager(t, fb)

	assert.False(t, m.Cancel(), "cancel while idle is a no-op")

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "first") }()

	require.Eventually(t, func() bool {
		s := m.State()
		return s.Phase == PhaseStreaming && len(s.Tasks) == 2 && len(s.Tasks[1].Recursions) == 1
	}, 2*time.Second, 5*time.Millisecond)

	before := m.State()
	assert.ErrorIs(t, m.Send(context.Background(), "second"), apperrors.ErrBusy)
	assert.Equal(t, before.Version, m.State().Version)

	assert.True(t, m.Cancel())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperrors.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after cancel")
	}

	state := m.State()
	assistant := assistantOf(t, state)
	assert.Equal(t, react.TaskError, assistant.Status)
	assert.Equal(t, "Stopped by user.", assistant.Content)
	assert.Equal(t, react.RecursionError, assistant.Recursions[0].Status)
	assert.Equal(t, PhaseIdle, state.Phase)
	assert.Empty(t, state.Error)
	assert.False(t, m.Cancel())
}

func TestSendPreflightAuthFailure(t *testing.T) {
	fb := newFakeBackend()
	fb.credErr = &apperrors.AuthError{Reason: "token expired"}

	var expired []error
	m := newTestManager(t, fb, WithAuthExpiredHandler(func(err error) { expired = append(expired, err) }))

	err := m.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsAuth(err))

	state := m.State()
	assert.Empty(t, state.Tasks)
	assert.NotEmpty(t, state.Error)
	assert.Len(t, expired, 1)
	assert.Empty(t, fb.requests)
	assert.Zero(t, fb.created.Load())
}

func TestSendRejectedCredentialMarksTask(t *testing.T) {
	fb := newFakeBackend()
	fb.streamErr = &apperrors.AuthError{StatusCode: 401, Reason: "token revoked"}

	var expired atomic.Int32
	m := newTestManager(t, fb, WithAuthExpiredHandler(func(error) { expired.Add(1) }))

	err := m.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsAuth(err))

	state := m.State()
	assistant := assistantOf(t, state)
	assert.Equal(t, react.TaskError, assistant.Status)
	assert.Equal(t, apperrors.FormatForDisplay(err), assistant.Content)
	assert.Equal(t, assistant.Content, state.Error)
	assert.Equal(t, int32(1), expired.Load())
}

func TestSendTransportFailureKeepsPartialContent(t *testing.T) {
	fb := newFakeBackend()
	fail := make(chan error, 1)
	fb.streamFn = blocking([]string{frameStart, frameAnswer}, fail)
	m := newTestManager(t, fb)

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "hello") }()

	require.Eventually(t, func() bool {
		s := m.State()
		return len(s.Tasks) == 2 && s.Tasks[1].Content == "hello"
	}, 2*time.Second, 5*time.Millisecond)
	fail <- errors.New("connection reset by peer")

	err := <-done
	require.Error(t, err)

	state := m.State()
	assistant := assistantOf(t, state)
	assert.Equal(t, react.TaskError, assistant.Status)
	assert.True(t, strings.HasPrefix(assistant.Content, "hello\n\n"), assistant.Content)
	assert.Contains(t, assistant.Content, "connection reset")
	assert.NotEmpty(t, state.Error)
}

func TestAgentErrorSettlesTask(t *testing.T) {
	fb := newFakeBackend()
	fb.streamFn = scripted(frameStart, frameError)
	m := newTestManager(t, fb)

	require.NoError(t, m.Send(context.Background(), "hello"))

	state := m.State()
	assistant := assistantOf(t, state)
	assert.Equal(t, react.TaskError, assistant.Status)
	assert.Equal(t, "tool exploded", assistant.Content)
	assert.Empty(t, state.Error)
}

func TestIdleTimeoutFailsSilentStream(t *testing.T) {
	fb := newFakeBackend()
	fb.streamFn = blocking([]string{frameStart}, nil)
	m := newTestManager(t, fb, WithIdleTimeout(50*time.Millisecond))

	err := m.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, apperrors.ErrIdleTimeout)

	assistant := assistantOf(t, m.State())
	assert.Equal(t, react.TaskError, assistant.Status)
	assert.Equal(t, apperrors.FormatForDisplay(apperrors.ErrIdleTimeout), assistant.Content)
}

func TestClarifyReplyCarriesTaskID(t *testing.T) {
	fb := newFakeBackend()
	fb.streamFn = scripted(frameStart, frameClarify, frameComplete)
	m := newTestManager(t, fb)

	require.NoError(t, m.Send(context.Background(), "book a flight"))
	assistant := assistantOf(t, m.State())
	assert.Equal(t, react.TaskWaitingInput, assistant.Status)
	assert.Equal(t, "which one?", assistant.Content)

	taskID, ok := m.PendingClarification()
	require.True(t, ok)
	assert.Equal(t, "srv-1", taskID)

	fb.streamFn = scripted(frameStart, frameAnswer, frameComplete)
	require.NoError(t, m.Send(context.Background(), "the cheap one", WithReplyTo(taskID)))

	req := fb.lastRequest(t)
	require.NotNil(t, req.TaskID)
	assert.Equal(t, "srv-1", *req.TaskID)
	assert.Equal(t, "session-1", *req.SessionID)
	assert.Equal(t, int32(1), fb.created.Load())
	assert.Len(t, m.State().Tasks, 4)

	_, ok = m.PendingClarification()
	assert.False(t, ok)
}

func historyRecord(taskID, question, answer string) history.TaskRecord {
	return history.TaskRecord{
		TaskID:      taskID,
		UserMessage: question,
		AgentAnswer: answer,
		Status:      "completed",
		CreatedAt:   "2024-05-01T10:00:00Z",
		UpdatedAt:   "2024-05-01T10:00:05Z",
	}
}

func TestSelectSessionSharesHistoryFetch(t *testing.T) {
	fb := newFakeBackend()
	fb.records["s-1"] = []history.TaskRecord{historyRecord("t-1", "hi", "hello")}
	fb.historyGate = make(chan struct{})
	m := newTestManager(t, fb)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.SelectSession(context.Background(), "s-1")
		}()
	}
	require.Eventually(t, func() bool { return fb.historyCalls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	close(fb.historyGate)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fb.historyCalls.Load())

	state := m.State()
	require.NotNil(t, state.Session)
	assert.Equal(t, "s-1", state.Session.SessionID)
	require.Len(t, state.Tasks, 2)
	assert.Equal(t, "t-1-user", state.Tasks[0].ID)
	assert.Equal(t, "hello", state.Tasks[1].Content)

	require.NoError(t, m.SelectSession(context.Background(), "s-1"))
	assert.Equal(t, int32(1), fb.historyCalls.Load(), "second selection is served from cache")
}

func TestSendInvalidatesHistoryCache(t *testing.T) {
	fb := newFakeBackend()
	fb.records["s-1"] = []history.TaskRecord{historyRecord("t-1", "hi", "hello")}
	fb.streamFn = scripted(frameStart, frameAnswer, frameComplete)
	m := newTestManager(t, fb)

	require.NoError(t, m.SelectSession(context.Background(), "s-1"))
	require.NoError(t, m.Send(context.Background(), "again"))
	assert.Len(t, m.State().Tasks, 4)

	require.NoError(t, m.SelectSession(context.Background(), "s-1"))
	assert.Equal(t, int32(2), fb.historyCalls.Load())
}

func TestHistoryFetchOvertakenByInvalidationIsNotCached(t *testing.T) {
	fb := newFakeBackend()
	fb.records["s-1"] = []history.TaskRecord{historyRecord("t-1", "hi", "hello")}
	fb.historyGate = make(chan struct{})
	m := newTestManager(t, fb)

	done := make(chan error, 1)
	go func() {
		_, err := m.loadHistory(context.Background(), "s-1")
		done <- err
	}()
	require.Eventually(t, func() bool { return fb.historyCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	m.invalidateHistory("s-1")
	close(fb.historyGate)
	require.NoError(t, <-done)

	_, cached := m.historyCache.Get("s-1")
	assert.False(t, cached)

	_, err := m.loadHistory(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fb.historyCalls.Load())
	_, cached = m.historyCache.Get("s-1")
	assert.True(t, cached)
}

func TestCancelledCallerDoesNotFailSharedHistoryFetch(t *testing.T) {
	fb := newFakeBackend()
	fb.records["s-1"] = []history.TaskRecord{historyRecord("t-1", "hi", "hello")}
	fb.historyGate = make(chan struct{})
	m := newTestManager(t, fb)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.loadHistory(ctx, "s-1")
		first <- err
	}()
	require.Eventually(t, func() bool { return fb.historyCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	second := make(chan []react.Task, 1)
	go func() {
		tasks, err := m.loadHistory(context.Background(), "s-1")
		assert.NoError(t, err)
		second <- tasks
	}()
	close(fb.historyGate)

	tasks := <-second
	require.Len(t, tasks, 2)
	assert.Equal(t, "hello", tasks[1].Content)
	assert.Equal(t, int32(1), fb.historyCalls.Load())
}

func TestInitSessionSelectsMostRecent(t *testing.T) {
	fb := newFakeBackend()
	fb.sessions = []react.SessionListItem{
		{SessionID: "old", AgentID: 7, UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{SessionID: "new", AgentID: 7, UpdatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{SessionID: "mid", AgentID: 7, UpdatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	fb.records["new"] = []history.TaskRecord{historyRecord("t-9", "q", "a")}
	m := newTestManager(t, fb)

	require.NoError(t, m.InitSession(context.Background(), 7))

	state := m.State()
	require.NotNil(t, state.Session)
	assert.Equal(t, "new", state.Session.SessionID)
	assert.Equal(t, 7, state.Session.AgentID)
	assert.Len(t, state.Tasks, 2)
	assert.Zero(t, fb.created.Load())
}

func TestInitSessionCreatesWhenEmpty(t *testing.T) {
	fb := newFakeBackend()
	m := newTestManager(t, fb)

	require.NoError(t, m.InitSession(context.Background(), 3))

	state := m.State()
	require.NotNil(t, state.Session)
	assert.Equal(t, "session-1", state.Session.SessionID)
	assert.Equal(t, 3, state.Session.AgentID)
	assert.Empty(t, state.Tasks)
}

func TestDeleteCurrentSessionClearsSelection(t *testing.T) {
	fb := newFakeBackend()
	fb.records["s-1"] = []history.TaskRecord{historyRecord("t-1", "hi", "hello")}
	m := newTestManager(t, fb)

	require.NoError(t, m.SelectSession(context.Background(), "s-1"))
	_, err := m.RecursionState(context.Background(), "t-1", 1)
	require.NoError(t, err)

	require.NoError(t, m.DeleteSession(context.Background(), "s-1"))
	state := m.State()
	assert.Nil(t, state.Session)
	assert.Empty(t, state.Tasks)
	assert.Equal(t, []string{"s-1"}, fb.deleted)
	assert.Zero(t, m.stateCache.Len())

	_, err = m.RecursionState(context.Background(), "t-1", 1)
	assert.ErrorIs(t, err, apperrors.ErrNoSession)
}

func TestDeleteCurrentSessionWhileStreamingIsRefused(t *testing.T) {
	fb := newFakeBackend()
	fb.streamFn = blocking([]string{frameStart}, nil)
	m := newTestManager(t, fb)

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "hello") }()
	require.Eventually(t, func() bool { return m.State().Phase == PhaseStreaming }, 2*time.Second, 5*time.Millisecond)

	err := m.DeleteSession(context.Background(), "session-1")
	assert.ErrorIs(t, err, apperrors.ErrBusy)
	assert.ErrorIs(t, m.SelectSession(context.Background(), "other"), apperrors.ErrBusy)

	m.Cancel()
	assert.ErrorIs(t, <-done, apperrors.ErrCancelled)
	assert.Empty(t, fb.deleted)
}

func TestRecursionStatesKeepOrderAndCache(t *testing.T) {
	fb := newFakeBackend()
	m := newTestManager(t, fb)

	_, err := m.RecursionStates(context.Background(), "t-1", []int{1})
	assert.ErrorIs(t, err, apperrors.ErrNoSession)

	require.NoError(t, m.SelectSession(context.Background(), "s-1"))
	iterations := []int{5, 1, 3, 2, 4, 6}
	states, err := m.RecursionStates(context.Background(), "t-1", iterations)
	require.NoError(t, err)
	require.Len(t, states, len(iterations))
	for i, st := range states {
		assert.Equal(t, iterations[i], st.Iteration)
		assert.Contains(t, st.State, fmt.Sprintf(`"iteration":%d`, iterations[i]))
	}
	assert.Equal(t, int32(6), fb.stateCalls.Load())

	_, err = m.RecursionStates(context.Background(), "t-1", []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, int32(6), fb.stateCalls.Load())
}

func TestClearErrorResetsBanner(t *testing.T) {
	fb := newFakeBackend()
	fb.credErr = &apperrors.AuthError{Reason: "missing"}
	m := newTestManager(t, fb)

	require.Error(t, m.Send(context.Background(), "hello"))
	require.NotEmpty(t, m.State().Error)
	version := m.State().Version

	m.ClearError()
	assert.Empty(t, m.State().Error)
	assert.Greater(t, m.State().Version, version)
}
