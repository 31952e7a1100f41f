package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Sentinel outcomes of a chat exchange.
var (
	// ErrAuthExpired marks a missing, expired or rejected credential. Hosts
	// should prompt for re-authentication; the request is never retried.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrCancelled is the cause attached to a stream the user stopped.
	ErrCancelled = errors.New("stopped by user")
	// ErrIdleTimeout is the cause attached to a stream that went quiet for
	// longer than the configured idle timeout.
	ErrIdleTimeout = errors.New("stream idle timeout")
	// ErrBusy rejects a request while another message is streaming.
	ErrBusy = errors.New("a message is already streaming")
	// ErrEmptyMessage rejects blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoSession is returned when an operation needs a selected session.
	ErrNoSession = errors.New("no session selected")
)

// AuthError describes why a credential was rejected.
type AuthError struct {
	StatusCode int    // 401 when the server rejected the request, 0 for pre-flight
	Reason     string // human readable cause
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("authentication expired (status %d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("authentication expired: %s", e.Reason)
}

// Is lets errors.Is(err, ErrAuthExpired) match every AuthError.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthExpired
}

// TransportError reports a network failure or a non-2xx response other than 401.
type TransportError struct {
	Op         string // logical operation, e.g. "stream" or "list sessions"
	StatusCode int    // HTTP status, 0 for network failures
	Body       string // truncated response body, if any
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Body != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": transport error"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// IsCancelled reports whether err represents a user-initiated stop.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsTransient reports whether a caller could reasonably retry err. The chat
// core itself never retries.
func IsTransient(err error) bool {
	if err == nil || IsAuth(err) || IsCancelled(err) {
		return false
	}
	if errors.Is(err, ErrIdleTimeout) {
		return true
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.StatusCode > 0 {
		return isTransientHTTPStatus(transportErr.StatusCode)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return isNetworkError(err) || isSyscallError(err)
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if IsAuth(err) {
		return true
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.StatusCode > 0 {
		return isPermanentHTTPStatus(transportErr.StatusCode)
	}
	return false
}

// FormatForDisplay converts errors into short user-facing messages used for
// task content and the session error banner.
func FormatForDisplay(err error) string {
	if err == nil {
		return ""
	}
	if IsCancelled(err) {
		return "Stopped by user."
	}
	if IsAuth(err) {
		return "Your session has expired. Please sign in again."
	}
	if errors.Is(err, ErrIdleTimeout) {
		return "The agent stopped responding. Please try again."
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.StatusCode > 0 {
		switch {
		case transportErr.StatusCode == http.StatusTooManyRequests:
			return "Rate limit reached. Please wait a moment and try again."
		case transportErr.StatusCode == http.StatusForbidden:
			return "Permission denied. You don't have access to this agent."
		case transportErr.StatusCode == http.StatusNotFound:
			return "Resource not found. Please verify the session or agent."
		case transportErr.StatusCode >= 500:
			return fmt.Sprintf("Server error (%d). The service is temporarily unavailable.", transportErr.StatusCode)
		default:
			return fmt.Sprintf("Request failed (%d): %s", transportErr.StatusCode, transportErr.Body)
		}
	}

	lowerErr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErr, "connection refused"):
		return "Service is not running. Please check the backend address."
	case strings.Contains(lowerErr, "timeout") || strings.Contains(lowerErr, "deadline exceeded"):
		return "Request timed out. Please try again."
	case strings.Contains(lowerErr, "network") || strings.Contains(lowerErr, "dns") || strings.Contains(lowerErr, "no such host"):
		return "Network connectivity issue. Please check your connection and try again."
	}
	return "Error: " + err.Error()
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"unexpected eof",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isPermanentHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusConflict,
		http.StatusGone,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}
