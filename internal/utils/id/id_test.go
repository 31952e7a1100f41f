package id

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithIDsAndFromContext(t *testing.T) {
	ids := IDs{SessionID: "s-1", TaskID: "msg-1", RequestID: "req-1", User: "ada"}
	ctx := WithIDs(context.Background(), ids)

	assert.Equal(t, ids, IDsFromContext(ctx))
}

func TestEmptyValuesAreIgnored(t *testing.T) {
	ctx := WithSessionID(context.Background(), "s-1")
	ctx = WithSessionID(ctx, "")
	assert.Equal(t, "s-1", SessionIDFromContext(ctx))
}

func TestEnsureRequestID(t *testing.T) {
	ctx, generated := EnsureRequestID(context.Background(), func() string { return "req-123" })
	assert.Equal(t, "req-123", generated)

	_, reused := EnsureRequestID(ctx, func() string { return "req-new" })
	assert.Equal(t, "req-123", reused)
}

func TestGeneratorPrefixesAndStrategies(t *testing.T) {
	t.Cleanup(func() { SetStrategy(StrategyKSUID) })

	assert.True(t, strings.HasPrefix(NewMessageID(), "msg-"))
	assert.True(t, strings.HasPrefix(NewSessionID(), "session-"))
	assert.NotEqual(t, NewTaskID(), NewTaskID())

	SetStrategy(StrategyUUIDv7)
	reqID := NewRequestID()
	assert.True(t, strings.HasPrefix(reqID, "req-"))
	assert.Len(t, strings.TrimPrefix(reqID, "req-"), 36)
}
