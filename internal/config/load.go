package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"agentchat/internal/logging"
)

// Option customises Load.
type Option func(*loadOptions)

type loadOptions struct {
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	configPath string
	envPrefix  string
	overrides  Overrides
}

// WithOverrides applies caller-provided values after file and env layers.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the config file location.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader replaces os.ReadFile, mainly for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir replaces os.UserHomeDir, mainly for tests.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// WithEnvPrefix changes the environment variable prefix (default AGENTCHAT).
func WithEnvPrefix(prefix string) Option {
	return func(o *loadOptions) {
		o.envPrefix = prefix
	}
}

// Load resolves the runtime configuration: defaults, then the YAML file,
// then AGENTCHAT_* environment variables, then caller overrides.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	cfg := RuntimeConfig{
		BaseURL:            DefaultBaseURL,
		RequireAuth:        true,
		HTTPTimeoutSeconds: DefaultHTTPTimeout,
		LogLevel:           DefaultLogLevel,
		LogFormat:          DefaultLogFormat,
		HistoryCacheSize:   DefaultHistoryCacheSize,
		StateCacheSize:     DefaultStateCacheSize,
	}

	fileLayer, path, err := readFileLayer(options)
	if err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	meta.path = path
	applyLayer(&cfg, &meta, fileLayer, SourceFile)

	var envLayer layer
	if err := envconfig.Process(options.envPrefix, &envLayer); err != nil {
		return RuntimeConfig{}, Metadata{}, fmt.Errorf("parse environment: %w", err)
	}
	applyLayer(&cfg, &meta, envLayer, SourceEnv)

	applyOverrides(&cfg, &meta, options.overrides)
	normalizeRuntimeConfig(&cfg)

	if err := Validate(cfg); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	return cfg, meta, nil
}

func readFileLayer(opts loadOptions) (layer, string, error) {
	configPath := opts.configPath
	if configPath == "" {
		home, err := opts.homeDir()
		if err != nil {
			return layer{}, "", nil
		}
		configPath = filepath.Join(home, DefaultConfigFile)
	}

	data, err := opts.readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && opts.configPath == "" {
			return layer{}, "", nil
		}
		return layer{}, "", fmt.Errorf("read config file: %w", err)
	}

	var parsed layer
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return layer{}, "", fmt.Errorf("parse config file %s: %w", configPath, err)
	}
	return parsed, configPath, nil
}

func applyLayer(cfg *RuntimeConfig, meta *Metadata, l layer, source ValueSource) {
	setString(&cfg.BaseURL, l.BaseURL, "base_url", source, meta)
	setString(&cfg.Token, l.Token, "token", source, meta)
	setString(&cfg.User, l.User, "user", source, meta)
	setValue(&cfg.AgentID, l.AgentID, "agent_id", source, meta)
	setValue(&cfg.RequireAuth, l.RequireAuth, "require_auth", source, meta)
	setValue(&cfg.HTTPTimeoutSeconds, l.HTTPTimeoutSeconds, "http_timeout_seconds", source, meta)
	setValue(&cfg.IdleTimeoutSeconds, l.IdleTimeoutSeconds, "idle_timeout_seconds", source, meta)
	setString(&cfg.LogLevel, l.LogLevel, "log_level", source, meta)
	setString(&cfg.LogFormat, l.LogFormat, "log_format", source, meta)
	setValue(&cfg.HistoryCacheSize, l.HistoryCacheSize, "history_cache_size", source, meta)
	setValue(&cfg.StateCacheSize, l.StateCacheSize, "state_cache_size", source, meta)
	setValue(&cfg.HistoryRepairJSON, l.HistoryRepairJSON, "history_repair_json", source, meta)

	if m := l.Metrics; m != nil {
		setValue(&cfg.Metrics.Enabled, m.Enabled, "metrics.enabled", source, meta)
		setValue(&cfg.Metrics.PrometheusPort, m.PrometheusPort, "metrics.prometheus_port", source, meta)
	}
	if t := l.Tracing; t != nil {
		setValue(&cfg.Tracing.Enabled, t.Enabled, "tracing.enabled", source, meta)
		setString(&cfg.Tracing.Exporter, t.Exporter, "tracing.exporter", source, meta)
		setString(&cfg.Tracing.OTLPEndpoint, t.OTLPEndpoint, "tracing.otlp_endpoint", source, meta)
		setString(&cfg.Tracing.ZipkinEndpoint, t.ZipkinEndpoint, "tracing.zipkin_endpoint", source, meta)
		setValue(&cfg.Tracing.SampleRate, t.SampleRate, "tracing.sample_rate", source, meta)
	}
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, o Overrides) {
	setString(&cfg.BaseURL, o.BaseURL, "base_url", SourceOverride, meta)
	setString(&cfg.Token, o.Token, "token", SourceOverride, meta)
	setString(&cfg.User, o.User, "user", SourceOverride, meta)
	setValue(&cfg.AgentID, o.AgentID, "agent_id", SourceOverride, meta)
	setValue(&cfg.RequireAuth, o.RequireAuth, "require_auth", SourceOverride, meta)
	setValue(&cfg.HTTPTimeoutSeconds, o.HTTPTimeoutSeconds, "http_timeout_seconds", SourceOverride, meta)
	setValue(&cfg.IdleTimeoutSeconds, o.IdleTimeoutSeconds, "idle_timeout_seconds", SourceOverride, meta)
	setString(&cfg.LogLevel, o.LogLevel, "log_level", SourceOverride, meta)
	setString(&cfg.LogFormat, o.LogFormat, "log_format", SourceOverride, meta)
	setValue(&cfg.HistoryRepairJSON, o.HistoryRepairJSON, "history_repair_json", SourceOverride, meta)
	setValue(&cfg.Metrics.Enabled, o.MetricsEnabled, "metrics.enabled", SourceOverride, meta)
	setValue(&cfg.Metrics.PrometheusPort, o.MetricsPort, "metrics.prometheus_port", SourceOverride, meta)
}

// setString ignores blank values so an empty flag or variable never wipes a
// value configured in a lower layer.
func setString(dst *string, value *string, field string, source ValueSource, meta *Metadata) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return
	}
	*dst = *value
	meta.sources[field] = source
}

func setValue[T any](dst *T, value *T, field string, source ValueSource, meta *Metadata) {
	if value == nil {
		return
	}
	*dst = *value
	meta.sources[field] = source
}

func normalizeRuntimeConfig(cfg *RuntimeConfig) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.User = strings.TrimSpace(cfg.User)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if cfg.HTTPTimeoutSeconds <= 0 {
		cfg.HTTPTimeoutSeconds = DefaultHTTPTimeout
	}
	if cfg.IdleTimeoutSeconds < 0 {
		cfg.IdleTimeoutSeconds = 0
	}
	if cfg.HistoryCacheSize <= 0 {
		cfg.HistoryCacheSize = DefaultHistoryCacheSize
	}
	if cfg.StateCacheSize <= 0 {
		cfg.StateCacheSize = DefaultStateCacheSize
	}
}

// Validate rejects configurations the client cannot run with.
func Validate(cfg RuntimeConfig) error {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid base_url %q", cfg.BaseURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("base_url must use http or https, got %q", parsed.Scheme)
	}
	if cfg.AgentID < 0 {
		return fmt.Errorf("agent_id must be >= 0, got %d", cfg.AgentID)
	}
	if !logging.ParseLevel(cfg.LogLevel) {
		return fmt.Errorf("unsupported log_level %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("unsupported log_format %q", cfg.LogFormat)
	}
	return nil
}
