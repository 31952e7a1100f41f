package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("stream: %w", &AuthError{StatusCode: 401, Reason: "token rejected"})
	assert.True(t, errors.Is(err, ErrAuthExpired))
	assert.True(t, IsAuth(err))
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
}

func TestTransportErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{"503", &TransportError{Op: "stream", StatusCode: 503}, true, false},
		{"429", &TransportError{Op: "stream", StatusCode: 429}, true, false},
		{"404", &TransportError{Op: "history", StatusCode: 404}, false, true},
		{"cancelled", fmt.Errorf("read: %w", ErrCancelled), false, false},
		{"context cancel", context.Canceled, false, false},
		{"idle", ErrIdleTimeout, true, false},
		{"reset", errors.New("read tcp: connection reset by peer"), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestFormatForDisplay(t *testing.T) {
	assert.Equal(t, "", FormatForDisplay(nil))
	assert.Equal(t, "Stopped by user.", FormatForDisplay(ErrCancelled))
	assert.Contains(t, FormatForDisplay(&AuthError{Reason: "missing token"}), "expired")
	assert.Contains(t, FormatForDisplay(&TransportError{Op: "stream", StatusCode: 502}), "502")
	assert.Equal(t, "Request failed (400): bad input", FormatForDisplay(&TransportError{Op: "stream", StatusCode: 400, Body: "bad input"}))
	assert.Equal(t, "Error: boom", FormatForDisplay(errors.New("boom")))
}

func TestTransportErrorUnwraps(t *testing.T) {
	inner := errors.New("dial failed")
	err := &TransportError{Op: "stream", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "stream: dial failed", err.Error())
}
