package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "agentchat/internal/utils/id"
)

func gatheredNames(t *testing.T, reg *promclient.Registry) []string {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, strings.ReplaceAll(family.GetName(), ".", "_"))
	}
	return names
}

func containsPrefix(names []string, prefix string) bool {
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func TestDisabledCollectorIsSafe(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	collector.RecordEvent(ctx, "thought")
	collector.RecordDroppedFrame(ctx, "malformed")
	collector.RecordSend(ctx, "completed", time.Second)
	collector.RecordParseFailure(ctx, "tool_calls")
	require.NoError(t, collector.Shutdown(ctx))

	var nilCollector *MetricsCollector
	nilCollector.RecordEvent(ctx, "answer")
	assert.NoError(t, nilCollector.Shutdown(ctx))
}

func TestCollectorExportsToRegistry(t *testing.T) {
	reg := promclient.NewRegistry()
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: true}, WithRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = collector.Shutdown(context.Background()) })

	ctx := context.Background()
	collector.RecordEvent(ctx, "recursion_start")
	collector.RecordDroppedFrame(ctx, "unknown_type")
	collector.RecordSend(ctx, "cancelled", 250*time.Millisecond)
	collector.RecordParseFailure(ctx, "tool_call_results")

	names := gatheredNames(t, reg)
	assert.True(t, containsPrefix(names, "agentchat_stream_events"), names)
	assert.True(t, containsPrefix(names, "agentchat_stream_dropped_frames"), names)
	assert.True(t, containsPrefix(names, "agentchat_sends"), names)
	assert.True(t, containsPrefix(names, "agentchat_stream_duration"), names)
	assert.True(t, containsPrefix(names, "agentchat_history_parse_failures"), names)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `kind="recursion_start"`)
}

func TestNoopTracerStartsSpansWithIDs(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: false})
	require.NoError(t, err)

	ctx := id.WithSessionID(context.Background(), "s-1")
	ctx, span := tp.StartSpan(ctx, SpanChatSend, IterationAttrs(1)...)
	require.NotNil(t, span)
	EndSpan(span, io.ErrUnexpectedEOF)
	assert.NotNil(t, ctx)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTracerRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestNewBundlesProviders(t *testing.T) {
	obs, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, obs.Metrics)
	require.NotNil(t, obs.Tracer)
	assert.NoError(t, obs.Shutdown(context.Background()))
}
