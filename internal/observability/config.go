package observability

import (
	"context"
	"errors"

	"agentchat/internal/logging"
)

// Config represents the complete observability configuration
type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// DefaultConfig returns the default observability configuration: both
// exporters off, OTLP selected for when tracing is turned on.
func DefaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{
			Enabled:        false,
			PrometheusPort: 9090,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "agentchat",
			ServiceVersion: "dev",
		},
	}
}

// Observability bundles the metrics collector and tracer provider built from
// one Config.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerProvider
}

// New builds both providers. On failure anything already started is shut down.
func New(cfg Config, logger logging.Logger, opts ...MetricsOption) (*Observability, error) {
	opts = append([]MetricsOption{WithMetricsLogger(logger)}, opts...)
	metrics, err := NewMetricsCollector(cfg.Metrics, opts...)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracerProvider(cfg.Tracing)
	if err != nil {
		_ = metrics.Shutdown(context.Background())
		return nil, err
	}
	return &Observability{Metrics: metrics, Tracer: tracer}, nil
}

// Shutdown flushes and stops both providers.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return errors.Join(o.Metrics.Shutdown(ctx), o.Tracer.Shutdown(ctx))
}
