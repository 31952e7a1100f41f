package chat

import (
	"context"

	"golang.org/x/sync/errgroup"

	apperrors "agentchat/internal/errors"
	"agentchat/internal/observability"
	id "agentchat/internal/utils/id"
)

// IterationState is the server-side debug state of one recursion.
type IterationState struct {
	Iteration int
	State     string
}

// RecursionState returns the debug state of one recursion of a task in the
// current session. Results are cached per session, task and iteration.
func (m *Manager) RecursionState(ctx context.Context, taskID string, iteration int) (string, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return "", apperrors.ErrNoSession
	}
	sessionID := m.session.SessionID
	m.mu.Unlock()
	return m.recursionState(ctx, sessionID, taskID, iteration)
}

// RecursionStates fetches the states of several iterations with bounded
// parallelism. The result keeps the order of iterations.
func (m *Manager) RecursionStates(ctx context.Context, taskID string, iterations []int) ([]IterationState, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return nil, apperrors.ErrNoSession
	}
	sessionID := m.session.SessionID
	m.mu.Unlock()

	out := make([]IterationState, len(iterations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(stateFetchParallelism)
	for i, iteration := range iterations {
		g.Go(func() error {
			state, err := m.recursionState(gctx, sessionID, taskID, iteration)
			if err != nil {
				return err
			}
			out[i] = IterationState{Iteration: iteration, State: state}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) recursionState(ctx context.Context, sessionID, taskID string, iteration int) (string, error) {
	key := stateKey{sessionID: sessionID, taskID: taskID, iteration: iteration}
	if state, ok := m.stateCache.Get(key); ok {
		return state, nil
	}

	ctx = id.WithIDs(ctx, id.IDs{SessionID: sessionID, TaskID: taskID})
	ctx, span := m.tracer.StartSpan(ctx, observability.SpanRecursionState, observability.IterationAttrs(iteration)...)
	state, err := m.backend.RecursionState(ctx, sessionID, taskID, iteration)
	observability.EndSpan(span, err)
	if err != nil {
		m.authExpired(err)
		return "", err
	}
	m.stateCache.Add(key, state)
	return state, nil
}
