package config

import (
	"time"

	"agentchat/internal/observability"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	DefaultBaseURL          = "http://localhost:8080"
	DefaultConfigFile       = ".agentchat.yaml"
	DefaultEnvPrefix        = "AGENTCHAT"
	DefaultHTTPTimeout      = 30
	DefaultHistoryCacheSize = 32
	DefaultStateCacheSize   = 256
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// RuntimeConfig captures user-configurable settings shared by the CLI and
// embedding hosts.
type RuntimeConfig struct {
	BaseURL            string                      `yaml:"base_url"`
	Token              string                      `yaml:"token"`
	User               string                      `yaml:"user"`
	AgentID            int                         `yaml:"agent_id"`
	RequireAuth        bool                        `yaml:"require_auth"`
	HTTPTimeoutSeconds int                         `yaml:"http_timeout_seconds"`
	IdleTimeoutSeconds int                         `yaml:"idle_timeout_seconds"`
	LogLevel           string                      `yaml:"log_level"`
	LogFormat          string                      `yaml:"log_format"`
	HistoryCacheSize   int                         `yaml:"history_cache_size"`
	StateCacheSize     int                         `yaml:"state_cache_size"`
	HistoryRepairJSON  bool                        `yaml:"history_repair_json"`
	Metrics            observability.MetricsConfig `yaml:"metrics"`
	Tracing            observability.TracingConfig `yaml:"tracing"`
}

// HTTPTimeout is the timeout applied to non-streaming REST calls.
func (c RuntimeConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// IdleTimeout is the maximum silence tolerated on an open stream; zero
// disables it and leaves stopping a stream to the user.
func (c RuntimeConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	path     string
	loadedAt time.Time
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// Path returns the config file consulted during load, if any.
func (m Metadata) Path() string {
	return m.path
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Overrides conveys caller-specified values that should win over env/file sources.
type Overrides struct {
	BaseURL            *string
	Token              *string
	User               *string
	AgentID            *int
	RequireAuth        *bool
	HTTPTimeoutSeconds *int
	IdleTimeoutSeconds *int
	LogLevel           *string
	LogFormat          *string
	HistoryRepairJSON  *bool
	MetricsEnabled     *bool
	MetricsPort        *int
}

// layer is the shape shared by the file and environment sources. Every field
// is optional so unset values never clobber lower layers.
type layer struct {
	BaseURL            *string `yaml:"base_url" envconfig:"BASE_URL"`
	Token              *string `yaml:"token" envconfig:"TOKEN"`
	User               *string `yaml:"user" envconfig:"USER"`
	AgentID            *int    `yaml:"agent_id" envconfig:"AGENT_ID"`
	RequireAuth        *bool   `yaml:"require_auth" envconfig:"REQUIRE_AUTH"`
	HTTPTimeoutSeconds *int    `yaml:"http_timeout_seconds" envconfig:"HTTP_TIMEOUT_SECONDS"`
	IdleTimeoutSeconds *int    `yaml:"idle_timeout_seconds" envconfig:"IDLE_TIMEOUT_SECONDS"`
	LogLevel           *string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat          *string `yaml:"log_format" envconfig:"LOG_FORMAT"`
	HistoryCacheSize   *int    `yaml:"history_cache_size" envconfig:"HISTORY_CACHE_SIZE"`
	StateCacheSize     *int    `yaml:"state_cache_size" envconfig:"STATE_CACHE_SIZE"`
	HistoryRepairJSON  *bool   `yaml:"history_repair_json" envconfig:"HISTORY_REPAIR_JSON"`

	Metrics *metricsLayer `yaml:"metrics" envconfig:"METRICS"`
	Tracing *tracingLayer `yaml:"tracing" envconfig:"TRACING"`
}

type metricsLayer struct {
	Enabled        *bool `yaml:"enabled" envconfig:"ENABLED"`
	PrometheusPort *int  `yaml:"prometheus_port" envconfig:"PROMETHEUS_PORT"`
}

type tracingLayer struct {
	Enabled        *bool    `yaml:"enabled" envconfig:"ENABLED"`
	Exporter       *string  `yaml:"exporter" envconfig:"EXPORTER"`
	OTLPEndpoint   *string  `yaml:"otlp_endpoint" envconfig:"OTLP_ENDPOINT"`
	ZipkinEndpoint *string  `yaml:"zipkin_endpoint" envconfig:"ZIPKIN_ENDPOINT"`
	SampleRate     *float64 `yaml:"sample_rate" envconfig:"SAMPLE_RATE"`
}
