// Package backend talks to the agent server: the SSE chat stream, the
// session directory, session history and the recursion debug endpoint.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentchat/internal/domain/history"
	"agentchat/internal/domain/react"
	apperrors "agentchat/internal/errors"
	"agentchat/internal/httpclient"
	"agentchat/internal/logging"
	jsonx "agentchat/internal/shared/json"
	id "agentchat/internal/utils/id"
)

const (
	maxErrorBody    = 4 * 1024
	maxResponseBody = 32 * 1024 * 1024
)

// Config describes how to reach the agent server.
type Config struct {
	BaseURL     string
	Token       string
	User        string
	RequireAuth bool
	Timeout     time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrNop(logger)
	}
}

// WithHTTPClients replaces the REST and streaming HTTP clients.
func WithHTTPClients(rest, streaming *http.Client) Option {
	return func(c *Client) {
		if rest != nil {
			c.rest = rest
		}
		if streaming != nil {
			c.streaming = streaming
		}
	}
}

// WithClock sets the time source used for credential expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client is safe for concurrent use.
type Client struct {
	baseURL     string
	token       string
	user        string
	requireAuth bool
	rest        *http.Client
	streaming   *http.Client
	logger      logging.Logger
	now         func() time.Time
}

// New builds a Client. Non-streaming calls use cfg.Timeout; the chat stream
// has no total timeout and ends only with the response or its context.
func New(cfg Config, opts ...Option) *Client {
	logger := logging.NewComponentLogger("backend")
	c := &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:       strings.TrimSpace(cfg.Token),
		user:        cfg.User,
		requireAuth: cfg.RequireAuth,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rest == nil {
		c.rest = httpclient.New(cfg.Timeout, c.logger)
	}
	if c.streaming == nil {
		c.streaming = httpclient.NewStreaming(c.logger)
	}
	return c
}

// User is the user name sent with chat requests.
func (c *Client) User() string {
	return c.user
}

// ChatRequest is the body of a chat stream request. TaskID is set only when
// replying to a clarify question.
type ChatRequest struct {
	AgentID   int     `json:"agent_id"`
	Message   string  `json:"message"`
	User      string  `json:"user"`
	TaskID    *string `json:"task_id"`
	SessionID *string `json:"session_id"`
}

// Stream opens the chat stream. The caller owns the returned body; cancel
// ctx to abort it.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if req.User == "" {
		req.User = c.user
	}
	body, err := jsonx.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	resp, err := c.do(ctx, c.streaming, "stream", http.MethodPost, "/api/chat/stream", body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

type sessionsResponse struct {
	Sessions []react.SessionListItem `json:"sessions"`
}

// ListSessions returns the agent's sessions as the server orders them.
func (c *Client) ListSessions(ctx context.Context, agentID int) ([]react.SessionListItem, error) {
	var out sessionsResponse
	if err := c.getJSON(ctx, "list_sessions", fmt.Sprintf("/api/agents/%d/sessions", agentID), &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// CreateSession creates an empty session for the agent.
func (c *Client) CreateSession(ctx context.Context, agentID int) (react.Session, error) {
	resp, err := c.do(ctx, c.rest, "create_session", http.MethodPost, fmt.Sprintf("/api/agents/%d/sessions", agentID), []byte("{}"), "application/json")
	if err != nil {
		return react.Session{}, err
	}
	var session react.Session
	if err := decodeBody(resp, "create_session", &session); err != nil {
		return react.Session{}, err
	}
	return session, nil
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, c.rest, "delete_session", http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil, "")
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

type historyResponse struct {
	Tasks []history.TaskRecord `json:"tasks"`
}

// SessionHistory fetches every persisted task of a session.
func (c *Client) SessionHistory(ctx context.Context, sessionID string) ([]history.TaskRecord, error) {
	var out historyResponse
	if err := c.getJSON(ctx, "session_history", "/api/sessions/"+url.PathEscape(sessionID)+"/history", &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

type stateResponse struct {
	State history.EmbeddedJSON `json:"state"`
}

// RecursionState fetches the serialized internal state of one recursion.
func (c *Client) RecursionState(ctx context.Context, sessionID, taskID string, iteration int) (string, error) {
	path := fmt.Sprintf("/api/sessions/%s/tasks/%s/recursions/%d/state",
		url.PathEscape(sessionID), url.PathEscape(taskID), iteration)
	var out stateResponse
	if err := c.getJSON(ctx, "recursion_state", path, &out); err != nil {
		return "", err
	}
	return string(out.State), nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	resp, err := c.do(ctx, c.rest, op, http.MethodGet, path, nil, "application/json")
	if err != nil {
		return err
	}
	return decodeBody(resp, op, out)
}

// do runs the credential pre-flight, sends the request and turns non-2xx
// responses into typed errors. On success the caller must close the body.
func (c *Client) do(ctx context.Context, client *http.Client, op, method, path string, body []byte, accept string) (*http.Response, error) {
	if err := c.CheckCredential(); err != nil {
		return nil, err
	}

	ctx, requestID := id.EnsureRequestID(ctx, nil)
	prefix := fmt.Sprintf("[req:%s] ", requestID)
	endpoint := c.baseURL + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &apperrors.TransportError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set(httpclient.RequestIDHeader, requestID)

	c.logRequest(prefix, req)
	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		c.logger.Debug("%s%s failed after %s: %v", prefix, op, time.Since(started), err)
		return nil, &apperrors.TransportError{Op: op, Err: err}
	}
	c.logger.Debug("%s%s -> %d in %s", prefix, op, resp.StatusCode, time.Since(started))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	snippet := strings.TrimSpace(httpclient.ReadSnippet(resp.Body, maxErrorBody))
	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("%s%s rejected credential", prefix, op)
		return nil, &apperrors.AuthError{StatusCode: resp.StatusCode, Reason: errorReason(snippet, resp.Status)}
	}
	return nil, &apperrors.TransportError{Op: op, StatusCode: resp.StatusCode, Body: errorReason(snippet, resp.Status)}
}

func (c *Client) logRequest(prefix string, req *http.Request) {
	c.logger.Debug("%s%s %s", prefix, req.Method, req.URL.Redacted())
	for k, v := range req.Header {
		if strings.EqualFold(k, "Authorization") {
			c.logger.Debug("%s  %s: (hidden)", prefix, k)
			continue
		}
		c.logger.Debug("%s  %s: %s", prefix, k, strings.Join(v, ", "))
	}
}

func decodeBody(resp *http.Response, op string, out any) error {
	defer resp.Body.Close()
	data, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBody)
	if err != nil {
		return &apperrors.TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if err := jsonx.Unmarshal(data, out); err != nil {
		return &apperrors.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// errorReason prefers a JSON {"error"} or {"message"} field over the raw body.
func errorReason(body, status string) string {
	if body == "" {
		return status
	}
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := jsonx.Unmarshal([]byte(body), &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return body
}
