package chat

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"agentchat/internal/domain/react"
	apperrors "agentchat/internal/errors"
	"agentchat/internal/observability"
	id "agentchat/internal/utils/id"
)

// Sessions lists the agent's sessions and refreshes the local directory.
func (m *Manager) Sessions(ctx context.Context, agentID int) ([]react.SessionListItem, error) {
	items, err := m.backend.ListSessions(ctx, agentID)
	if err != nil {
		m.reportError(err)
		return nil, err
	}
	m.mu.Lock()
	for _, item := range items {
		m.directory[item.SessionID] = item
	}
	m.mu.Unlock()
	return items, nil
}

// InitSession selects the agent's most recently updated session, creating
// one when the agent has none.
func (m *Manager) InitSession(ctx context.Context, agentID int) error {
	m.mu.Lock()
	m.agentID = agentID
	m.mu.Unlock()

	items, err := m.Sessions(ctx, agentID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		_, err := m.NewSession(ctx, agentID)
		return err
	}
	latest := slices.MaxFunc(items, func(a, b react.SessionListItem) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return m.SelectSession(ctx, latest.SessionID)
}

// NewSession creates a session on the server and selects it with an empty
// transcript.
func (m *Manager) NewSession(ctx context.Context, agentID int) (react.Session, error) {
	if m.busy() {
		return react.Session{}, apperrors.ErrBusy
	}
	created, err := m.backend.CreateSession(ctx, agentID)
	if err != nil {
		m.reportError(err)
		return react.Session{}, err
	}

	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return created, apperrors.ErrBusy
	}
	m.selectGen++
	m.agentID = agentID
	m.directory[created.SessionID] = created.ListItem()
	session := created
	m.session = &session
	m.tasks = nil
	m.errMsg = ""
	snap := m.commitLocked()
	m.mu.Unlock()
	m.notify(snap)

	m.logger.Info("Created session %s for agent %d", created.SessionID, agentID)
	return created, nil
}

// SelectSession loads the session's history and makes it current. The task
// list is replaced wholesale. A selection overtaken by a newer one is
// dropped without error.
func (m *Manager) SelectSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return apperrors.ErrBusy
	}
	m.selectGen++
	gen := m.selectGen
	m.mu.Unlock()

	ctx = id.WithSessionID(ctx, sessionID)
	ctx, span := m.tracer.StartSpan(ctx, observability.SpanSessionSelect)
	tasks, err := m.loadHistory(ctx, sessionID)
	if err != nil {
		observability.EndSpan(span, err)
		m.reportError(err)
		return err
	}
	span.SetAttributes(attribute.Int(observability.AttrTaskCount, len(tasks)))
	observability.EndSpan(span, nil)

	m.mu.Lock()
	if gen != m.selectGen {
		m.mu.Unlock()
		m.logger.Debug("Dropping stale selection of %s", sessionID)
		return nil
	}
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return apperrors.ErrBusy
	}
	session := react.Session{SessionID: sessionID, AgentID: m.agentID}
	if item, ok := m.directory[sessionID]; ok {
		session = react.Session{
			SessionID:    item.SessionID,
			AgentID:      item.AgentID,
			Status:       item.Status,
			Subject:      item.Subject,
			CreatedAt:    item.CreatedAt,
			UpdatedAt:    item.UpdatedAt,
			MessageCount: item.MessageCount,
		}
	}
	m.session = &session
	m.tasks = tasks
	m.errMsg = ""
	snap := m.commitLocked()
	m.mu.Unlock()
	m.notify(snap)
	return nil
}

// DeleteSession removes a session on the server. Deleting the current
// session clears the selection; deleting it mid-send is refused.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	current := m.session != nil && m.session.SessionID == sessionID
	if current && m.phase != PhaseIdle {
		m.mu.Unlock()
		return apperrors.ErrBusy
	}
	m.mu.Unlock()

	if err := m.backend.DeleteSession(ctx, sessionID); err != nil {
		m.reportError(err)
		return err
	}

	m.invalidateHistory(sessionID)
	for _, key := range m.stateCache.Keys() {
		if key.sessionID == sessionID {
			m.stateCache.Remove(key)
		}
	}

	m.mu.Lock()
	delete(m.directory, sessionID)
	if m.session == nil || m.session.SessionID != sessionID {
		m.mu.Unlock()
		return nil
	}
	m.selectGen++
	m.session = nil
	m.tasks = nil
	snap := m.commitLocked()
	m.mu.Unlock()
	m.notify(snap)
	return nil
}

// loadHistory returns the hydrated transcript, sharing one fetch between
// concurrent callers and caching the result until the session changes. The
// shared fetch outlives any single caller's cancellation; each caller stops
// waiting when its own ctx ends.
func (m *Manager) loadHistory(ctx context.Context, sessionID string) ([]react.Task, error) {
	if tasks, ok := m.historyCache.Get(sessionID); ok {
		return tasks, nil
	}
	fetchCtx := context.WithoutCancel(ctx)
	ch := m.fetches.DoChan(sessionID, func() (any, error) {
		gen := m.historyGeneration(sessionID)
		records, err := m.backend.SessionHistory(fetchCtx, sessionID)
		if err != nil {
			return nil, err
		}
		_, span := m.tracer.StartSpan(fetchCtx, observability.SpanHistoryHydrate)
		tasks := m.hydrator.Hydrate(records)
		span.SetAttributes(attribute.Int(observability.AttrTaskCount, len(tasks)))
		observability.EndSpan(span, nil)
		m.cacheHistory(sessionID, gen, tasks)
		return tasks, nil
	})

	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			m.logger.Debug("Shared history fetch for %s", sessionID)
		}
		return res.Val.([]react.Task), nil
	}
}

func (m *Manager) historyGeneration(sessionID string) uint64 {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	return m.historyGen[sessionID]
}

// cacheHistory stores tasks unless the session was invalidated after the
// fetch that produced them started.
func (m *Manager) cacheHistory(sessionID string, gen uint64, tasks []react.Task) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	if m.historyGen[sessionID] != gen {
		m.logger.Debug("Not caching stale history of %s", sessionID)
		return
	}
	m.historyCache.Add(sessionID, tasks)
}

func (m *Manager) invalidateHistory(sessionID string) {
	m.historyMu.Lock()
	m.historyGen[sessionID]++
	m.historyCache.Remove(sessionID)
	m.historyMu.Unlock()
	m.fetches.Forget(sessionID)
}

func (m *Manager) busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase != PhaseIdle
}
