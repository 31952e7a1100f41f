package httpclient

import (
	"net/http"
	"time"

	"agentchat/internal/logging"
	id "agentchat/internal/utils/id"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// New returns an http.Client for short REST calls. Non-positive timeouts
// fall back to 30 seconds.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(logger),
	}
}

// NewStreaming returns an http.Client without a total timeout, for
// long-lived SSE responses that are bounded by context cancellation instead.
func NewStreaming(logger logging.Logger) *http.Client {
	return &http.Client{Transport: Transport(logger)}
}

// Transport returns an http.DefaultTransport clone with the package proxy
// policy, wrapped so every request carries a request id.
func Transport(logger logging.Logger) http.RoundTripper {
	var transport *http.Transport
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = base.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.Proxy = proxyFunc(logger)
	return &requestIDRoundTripper{base: transport}
}

type requestIDRoundTripper struct {
	base http.RoundTripper
}

func (rt *requestIDRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(RequestIDHeader) != "" {
		return rt.base.RoundTrip(req)
	}
	_, requestID := id.EnsureRequestID(req.Context(), nil)
	clone := req.Clone(req.Context())
	clone.Header.Set(RequestIDHeader, requestID)
	return rt.base.RoundTrip(clone)
}
