// Package chat drives conversations with a ReAct agent: it owns the selected
// session, runs one streaming send at a time, folds every stream event into
// task state and publishes immutable snapshots to a listener.
package chat

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"agentchat/internal/domain/history"
	"agentchat/internal/domain/react"
	apperrors "agentchat/internal/errors"
	"agentchat/internal/infra/backend"
	"agentchat/internal/logging"
	"agentchat/internal/observability"
)

// Backend is the server surface the manager depends on. *backend.Client
// implements it.
type Backend interface {
	Stream(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error)
	ListSessions(ctx context.Context, agentID int) ([]react.SessionListItem, error)
	CreateSession(ctx context.Context, agentID int) (react.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SessionHistory(ctx context.Context, sessionID string) ([]history.TaskRecord, error)
	RecursionState(ctx context.Context, sessionID, taskID string, iteration int) (string, error)
	CheckCredential() error
}

// Phase of the send pipeline.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSending   Phase = "sending"
	PhaseStreaming Phase = "streaming"
)

// State is an immutable snapshot published after every commit. Its slices
// are never modified once handed out.
type State struct {
	Version uint64
	Phase   Phase
	Session *react.Session
	Tasks   []react.Task
	// Error is the session-level banner, separate from per-task errors.
	Error string
}

// Streaming reports whether a send is in flight.
func (s State) Streaming() bool {
	return s.Phase != PhaseIdle
}

const (
	defaultHistoryCacheSize = 32
	defaultStateCacheSize   = 256
	stateFetchParallelism   = 4
)

// Option customises a Manager.
type Option func(*Manager)

// WithListener receives every committed snapshot, in commit order. The
// listener runs on the committing goroutine and must not call Send.
func WithListener(listener func(State)) Option {
	return func(m *Manager) { m.listener = listener }
}

// WithAuthExpiredHandler is called whenever a credential is found missing,
// expired or rejected.
func WithAuthExpiredHandler(handler func(error)) Option {
	return func(m *Manager) { m.onAuthExpired = handler }
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// WithMetrics records stream and hydration metrics.
func WithMetrics(metrics *observability.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer wraps sends and history loads in spans.
func WithTracer(tracer *observability.TracerProvider) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithClock sets the time source for task and recursion timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIdleTimeout fails a stream that stays silent for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithCacheSizes bounds the history and debug-state caches.
func WithCacheSizes(historySize, stateSize int) Option {
	return func(m *Manager) {
		if historySize > 0 {
			m.historyCacheSize = historySize
		}
		if stateSize > 0 {
			m.stateCacheSize = stateSize
		}
	}
}

// WithHistoryRepair enables lenient repair of malformed history fields.
func WithHistoryRepair(enabled bool) Option {
	return func(m *Manager) { m.repairHistory = enabled }
}

// WithAgentID sets the agent used when a session must be created lazily.
func WithAgentID(agentID int) Option {
	return func(m *Manager) { m.agentID = agentID }
}

type stateKey struct {
	sessionID string
	taskID    string
	iteration int
}

// Manager is safe for concurrent use. At most one send runs at a time; the
// goroutine running it is the only writer of the in-flight task.
type Manager struct {
	backend       Backend
	hydrator      *history.Hydrator
	logger        logging.Logger
	metrics       *observability.MetricsCollector
	tracer        *observability.TracerProvider
	now           func() time.Time
	idleTimeout   time.Duration
	listener      func(State)
	onAuthExpired func(error)
	agentID       int

	repairHistory    bool
	historyCacheSize int
	stateCacheSize   int

	historyCache *lru.Cache[string, []react.Task]
	stateCache   *lru.Cache[stateKey, string]
	fetches      singleflight.Group

	// historyGen counts invalidations per session; a fetch only fills the
	// cache if no invalidation happened since it started.
	historyMu  sync.Mutex
	historyGen map[string]uint64

	mu               sync.Mutex
	version          uint64
	phase            Phase
	session          *react.Session
	tasks            []react.Task
	errMsg           string
	cancel           context.CancelCauseFunc
	streamingSession string
	selectGen        uint64
	directory        map[string]react.SessionListItem

	notifyMu  sync.Mutex
	delivered uint64
}

// NewManager builds a Manager on top of b.
func NewManager(b Backend, opts ...Option) (*Manager, error) {
	if b == nil {
		return nil, fmt.Errorf("chat: backend is required")
	}
	m := &Manager{
		backend:          b,
		logger:           logging.NewComponentLogger("chat"),
		tracer:           observability.NewNoopTracerProvider(),
		now:              time.Now,
		phase:            PhaseIdle,
		historyCacheSize: defaultHistoryCacheSize,
		stateCacheSize:   defaultStateCacheSize,
		directory:        map[string]react.SessionListItem{},
		historyGen:       map[string]uint64{},
	}
	for _, opt := range opts {
		opt(m)
	}

	historyCache, err := lru.New[string, []react.Task](m.historyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("history cache: %w", err)
	}
	stateCache, err := lru.New[stateKey, string](m.stateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("state cache: %w", err)
	}
	m.historyCache = historyCache
	m.stateCache = stateCache

	m.hydrator = history.NewHydrator(
		history.WithLogger(m.logger),
		history.WithRepairJSON(m.repairHistory),
		history.WithParseFailureHook(func(field string) {
			m.metrics.RecordParseFailure(context.Background(), field)
		}),
	)
	return m, nil
}

// State returns the latest committed snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// PendingClarification returns the server task id of the newest assistant
// task when it is waiting for a reply.
func (m *Manager) PendingClarification() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.tasks) - 1; i >= 0; i-- {
		task := m.tasks[i]
		if task.Role != react.RoleAssistant {
			continue
		}
		if task.Status == react.TaskWaitingInput && task.TaskID != "" {
			return task.TaskID, true
		}
		return "", false
	}
	return "", false
}

// ClearError empties the session-level error slot.
func (m *Manager) ClearError() {
	m.mu.Lock()
	if m.errMsg == "" {
		m.mu.Unlock()
		return
	}
	m.errMsg = ""
	snap := m.commitLocked()
	m.mu.Unlock()
	m.notify(snap)
}

func (m *Manager) snapshotLocked() State {
	var session *react.Session
	if m.session != nil {
		copied := *m.session
		copied.Tasks = nil
		session = &copied
	}
	return State{
		Version: m.version,
		Phase:   m.phase,
		Session: session,
		Tasks:   m.tasks,
		Error:   m.errMsg,
	}
}

// commitLocked bumps the version and returns the snapshot to publish once
// the lock is released.
func (m *Manager) commitLocked() State {
	m.version++
	return m.snapshotLocked()
}

// notify delivers snapshots in version order; a snapshot older than one
// already delivered is skipped.
func (m *Manager) notify(s State) {
	if m.listener == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if s.Version <= m.delivered {
		return
	}
	m.delivered = s.Version
	m.listener(s)
}

// reportError fills the session error slot and fires the auth handler for
// credential failures.
func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.errMsg = apperrors.FormatForDisplay(err)
	snap := m.commitLocked()
	m.mu.Unlock()
	m.notify(snap)
	m.authExpired(err)
}

func (m *Manager) authExpired(err error) {
	if !apperrors.IsAuth(err) {
		return
	}
	m.logger.Warn("Credential rejected: %v", err)
	if m.onAuthExpired != nil {
		m.onAuthExpired(err)
	}
}

func (m *Manager) indexLocked(taskID string) int {
	for i := len(m.tasks) - 1; i >= 0; i-- {
		if m.tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}

// replaceLocked swaps one task in a fresh copy of the task list.
func (m *Manager) replaceLocked(idx int, task react.Task) {
	tasks := slices.Clone(m.tasks)
	tasks[idx] = task
	m.tasks = tasks
}
