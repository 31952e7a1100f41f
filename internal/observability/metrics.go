package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"agentchat/internal/logging"
)

// MetricsCollector records stream, send and hydration metrics. A nil or
// disabled collector accepts every call and records nothing.
type MetricsCollector struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	gatherer promclient.Gatherer
	logger   logging.Logger

	// Stream metrics
	events        metric.Int64Counter
	droppedFrames metric.Int64Counter

	// Send metrics
	sends          metric.Int64Counter
	streamDuration metric.Float64Histogram

	// History metrics
	parseFailures metric.Int64Counter

	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// MetricsOption customises NewMetricsCollector.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	registerer promclient.Registerer
	gatherer   promclient.Gatherer
	logger     logging.Logger
}

// WithRegistry exports into reg instead of the default Prometheus registry.
func WithRegistry(reg *promclient.Registry) MetricsOption {
	return func(o *metricsOptions) {
		if reg != nil {
			o.registerer = reg
			o.gatherer = reg
		}
	}
}

// WithMetricsLogger sets the logger used by the scrape server.
func WithMetricsLogger(logger logging.Logger) MetricsOption {
	return func(o *metricsOptions) {
		o.logger = logger
	}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig, opts ...MetricsOption) (*MetricsCollector, error) {
	options := metricsOptions{
		registerer: promclient.DefaultRegisterer,
		gatherer:   promclient.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(&options)
	}
	logger := logging.OrNop(options.logger)

	if !config.Enabled {
		return &MetricsCollector{logger: logger}, nil
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(options.registerer))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("agentchat")

	events, err := meter.Int64Counter(
		"agentchat.stream.events",
		metric.WithDescription("Stream events folded into task state"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	droppedFrames, err := meter.Int64Counter(
		"agentchat.stream.dropped_frames",
		metric.WithDescription("SSE frames dropped by the decoder"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped_frames counter: %w", err)
	}

	sends, err := meter.Int64Counter(
		"agentchat.sends",
		metric.WithDescription("Chat sends by outcome"),
		metric.WithUnit("{send}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sends counter: %w", err)
	}

	streamDuration, err := meter.Float64Histogram(
		"agentchat.stream.duration",
		metric.WithDescription("Time from send to stream end in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream_duration histogram: %w", err)
	}

	parseFailures, err := meter.Int64Counter(
		"agentchat.history.parse_failures",
		metric.WithDescription("Nested history fields that failed to parse"),
		metric.WithUnit("{field}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create parse_failures counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:          meter,
		provider:       provider,
		gatherer:       options.gatherer,
		logger:         logger,
		events:         events,
		droppedFrames:  droppedFrames,
		sends:          sends,
		streamDuration: streamDuration,
		parseFailures:  parseFailures,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// Handler serves the Prometheus exposition of the collector's registry.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.prometheusServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Prometheus metrics server listening on %s", listener.Addr())
		if err := m.prometheusServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.prometheusServer != nil {
		errs = append(errs, m.prometheusServer.Shutdown(ctx))
	}
	if m.provider != nil {
		errs = append(errs, m.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// RecordEvent counts one folded stream event.
func (m *MetricsCollector) RecordEvent(ctx context.Context, kind string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDroppedFrame counts one SSE frame the decoder discarded.
func (m *MetricsCollector) RecordDroppedFrame(ctx context.Context, reason string) {
	if m == nil || m.droppedFrames == nil {
		return
	}
	m.droppedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSend records a finished send and how long its stream stayed open.
func (m *MetricsCollector) RecordSend(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.sends == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.sends.Add(ctx, 1, attrs)
	m.streamDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordParseFailure counts a nested history field that could not be parsed.
func (m *MetricsCollector) RecordParseFailure(ctx context.Context, field string) {
	if m == nil || m.parseFailures == nil {
		return
	}
	m.parseFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("field", field)))
}
