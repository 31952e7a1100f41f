package id

import "context"

type contextKey string

const (
	sessionKey contextKey = "agentchat_session_id"
	taskKey    contextKey = "agentchat_task_id"
	requestKey contextKey = "agentchat_request_id"
	userKey    contextKey = "agentchat_user"
)

// IDs captures the identifiers propagated through a send or a history fetch.
type IDs struct {
	SessionID string
	TaskID    string
	RequestID string
	User      string
}

// WithSessionID stores the provided session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithTaskID stores the client task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithRequestID stores the outbound request identifier on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey, requestID)
}

// WithUser stores the user name sent with chat requests.
func WithUser(ctx context.Context, user string) context.Context {
	if user == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, user)
}

// WithIDs stores any provided identifiers on the context.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	ctx = WithSessionID(ctx, ids.SessionID)
	ctx = WithTaskID(ctx, ids.TaskID)
	ctx = WithRequestID(ctx, ids.RequestID)
	ctx = WithUser(ctx, ids.User)
	return ctx
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the session identifier from context.
func SessionIDFromContext(ctx context.Context) string { return stringValue(ctx, sessionKey) }

// TaskIDFromContext extracts the client task identifier from context.
func TaskIDFromContext(ctx context.Context) string { return stringValue(ctx, taskKey) }

// RequestIDFromContext extracts the request identifier from context.
func RequestIDFromContext(ctx context.Context) string { return stringValue(ctx, requestKey) }

// UserFromContext extracts the user name from context.
func UserFromContext(ctx context.Context) string { return stringValue(ctx, userKey) }

// IDsFromContext collects all known identifiers from the context.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		SessionID: SessionIDFromContext(ctx),
		TaskID:    TaskIDFromContext(ctx),
		RequestID: RequestIDFromContext(ctx),
		User:      UserFromContext(ctx),
	}
}

// EnsureRequestID returns a context carrying a request id, generating one
// with gen when none is present.
func EnsureRequestID(ctx context.Context, gen func() string) (context.Context, string) {
	if existing := RequestIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	if gen == nil {
		gen = NewRequestID
	}
	requestID := gen()
	return WithRequestID(ctx, requestID), requestID
}
