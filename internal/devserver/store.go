package devserver

import (
	"slices"
	"strings"
	"sync"
	"time"

	"agentchat/internal/domain/history"
	"agentchat/internal/domain/react"
	"agentchat/internal/domain/stream"
	jsonx "agentchat/internal/shared/json"
	id "agentchat/internal/utils/id"
)

type stateKey struct {
	taskID    string
	iteration int
}

type sessionEntry struct {
	session react.Session
	records []history.TaskRecord
	states  map[stateKey]string
}

// store keeps sessions, their persisted tasks and per-recursion debug
// states in memory.
type store struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	now      func() time.Time
}

func newStore(now func() time.Time) *store {
	return &store{sessions: map[string]*sessionEntry{}, now: now}
}

func (s *store) create(agentID int) react.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	session := react.Session{
		SessionID: id.NewSessionID(),
		AgentID:   agentID,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[session.SessionID] = &sessionEntry{session: session, states: map[stateKey]string{}}
	return session
}

// list returns the agent's sessions, most recently updated first.
func (s *store) list(agentID int) []react.SessionListItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]react.SessionListItem, 0, len(s.sessions))
	for _, entry := range s.sessions {
		if entry.session.AgentID == agentID {
			items = append(items, entry.session.ListItem())
		}
	}
	slices.SortFunc(items, func(a, b react.SessionListItem) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return items
}

func (s *store) exists(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

func (s *store) remove(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

func (s *store) history(sessionID string) ([]history.TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return slices.Clone(entry.records), true
}

func (s *store) state(sessionID, taskID string, iteration int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	state, ok := entry.states[stateKey{taskID: taskID, iteration: iteration}]
	return state, ok
}

// lastIteration is the highest recorded iteration of a task, or zero.
func (s *store) lastIteration(sessionID, taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	for _, rec := range entry.records {
		if rec.TaskID != taskID {
			continue
		}
		last := 0
		for _, r := range rec.Recursions {
			last = max(last, r.Iteration)
		}
		return last
	}
	return 0
}

// record persists a streamed turn. A reply extends the task it answers.
func (s *store) record(turn Turn, events []stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[turn.SessionID]
	if !ok {
		return
	}
	now := s.now().UTC()

	idx := slices.IndexFunc(entry.records, func(r history.TaskRecord) bool { return r.TaskID == turn.TaskID })
	rec := history.TaskRecord{
		TaskID:      turn.TaskID,
		UserMessage: turn.Message,
		CreatedAt:   now.Format(time.RFC3339Nano),
	}
	if idx >= 0 {
		rec = entry.records[idx]
		rec.UserMessage = rec.UserMessage + "\n" + turn.Message
	}
	applyEvents(&rec, events)
	rec.UpdatedAt = now.Format(time.RFC3339Nano)
	if idx >= 0 {
		entry.records[idx] = rec
	} else {
		entry.records = append(entry.records, rec)
	}

	for iteration, state := range debugStates(turn, events) {
		entry.states[stateKey{taskID: turn.TaskID, iteration: iteration}] = state
	}

	entry.session.UpdatedAt = now
	entry.session.MessageCount += 2
	if entry.session.Subject == nil {
		subject := turn.Message
		if len(subject) > 60 {
			subject = subject[:60]
		}
		entry.session.Subject = &subject
	}
}

// applyEvents folds streamed events into the persisted record shape.
func applyEvents(rec *history.TaskRecord, events []stream.Event) {
	status := "completed"
	for _, ev := range events {
		at := ev.Timestamp.UTC().Format(time.RFC3339Nano)
		if ev.Type == stream.KindTaskComplete {
			if ev.TotalTokens != nil {
				rec.TotalTokens = history.TokenCount{Usage: ev.TotalTokens}
			}
			continue
		}

		i := slices.IndexFunc(rec.Recursions, func(d history.RecursionDetail) bool { return d.Iteration == ev.Iteration })
		if i < 0 {
			traceID := ev.TraceID
			rec.Recursions = append(rec.Recursions, history.RecursionDetail{
				Iteration: ev.Iteration,
				TraceID:   &traceID,
				Status:    "completed",
				CreatedAt: at,
			})
			i = len(rec.Recursions) - 1
		}
		d := &rec.Recursions[i]
		d.UpdatedAt = at

		switch ev.Type {
		case stream.KindRecursionStart:
			if ev.Tokens != nil {
				d.PromptTokens = ev.Tokens.PromptTokens
				d.CompletionTokens = ev.Tokens.CompletionTokens
				d.TotalTokens = ev.Tokens.TotalTokens
			}
		case stream.KindObserve:
			d.Observe = ev.Delta
		case stream.KindThought:
			d.Thought = ev.Delta
		case stream.KindAbstract:
			d.Abstract = ev.Delta
		case stream.KindAction:
			d.ActionType = strings.ToUpper(ev.DeltaText())
		case stream.KindToolCall:
			d.ActionOutput = history.EmbeddedJSON(ev.Data)
			if p, err := ev.Payload(); err == nil {
				if calls, ok := p.(stream.ToolCallPayload); ok && len(calls.ToolResults) > 0 {
					if raw, err := jsonx.Marshal(map[string]any{"tool_results": calls.ToolResults}); err == nil {
						d.ToolCallResults = history.EmbeddedJSON(raw)
					}
				}
			}
		case stream.KindPlanUpdate:
			d.ActionType = history.ActionReplan
			d.ActionOutput = history.EmbeddedJSON(ev.Data)
		case stream.KindAnswer:
			if p, err := ev.Payload(); err == nil {
				if answer, ok := p.(stream.AnswerPayload); ok {
					rec.AgentAnswer = answer.Answer
				}
			}
		case stream.KindClarify:
			if p, err := ev.Payload(); err == nil {
				if clarify, ok := p.(stream.ClarifyPayload); ok {
					rec.AgentAnswer = clarify.Question
				}
			}
			status = "waiting_input"
		case stream.KindError:
			d.Status = "error"
			msg := ev.DeltaText()
			if p, err := ev.Payload(); err == nil {
				if e, ok := p.(stream.ErrorPayload); ok {
					msg = e.Text()
				}
			}
			d.ErrorLog = &msg
			if rec.AgentAnswer == "" {
				rec.AgentAnswer = msg
			}
			status = "failed"
		}
	}
	rec.Status = status
}

// debugStates snapshots the accumulated event log after each iteration.
func debugStates(turn Turn, events []stream.Event) map[int]string {
	type snapshot struct {
		TaskID    string   `json:"task_id"`
		Iteration int      `json:"iteration"`
		Message   string   `json:"message"`
		Steps     []string `json:"steps"`
		Thought   string   `json:"thought,omitempty"`
	}

	states := map[int]string{}
	var steps []string
	thought := ""
	for i, ev := range events {
		if ev.Type == stream.KindTaskComplete {
			continue
		}
		step := string(ev.Type)
		if ev.Delta != nil {
			step += ": " + *ev.Delta
		}
		steps = append(steps, step)
		if ev.Type == stream.KindThought {
			thought = ev.DeltaText()
		}

		lastOfIteration := i == len(events)-1 || events[i+1].Iteration != ev.Iteration ||
			events[i+1].Type == stream.KindRecursionStart
		if !lastOfIteration {
			continue
		}
		raw, err := jsonx.Marshal(snapshot{
			TaskID:    turn.TaskID,
			Iteration: ev.Iteration,
			Message:   turn.Message,
			Steps:     slices.Clone(steps),
			Thought:   thought,
		})
		if err == nil {
			states[ev.Iteration] = string(raw)
		}
	}
	return states
}
