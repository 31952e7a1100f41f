package config

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeFS(files map[string]string) Option {
	return WithFileReader(func(path string) ([]byte, error) {
		if data, ok := files[path]; ok {
			return []byte(data), nil
		}
		return nil, os.ErrNotExist
	})
}

func fakeHome() Option {
	return WithHomeDir(func() (string, error) { return "/home/tester", nil })
}

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(fakeHome(), fakeFS(nil), WithEnvPrefix("AGENTCHAT_TEST_DEFAULTS"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.True(t, cfg.RequireAuth)
	assert.Equal(t, DefaultHTTPTimeout, cfg.HTTPTimeoutSeconds)
	assert.Zero(t, cfg.IdleTimeout())
	assert.Equal(t, SourceDefault, meta.Source("base_url"))
	assert.Empty(t, meta.Path())
}

func TestLoadLayersFileEnvOverrides(t *testing.T) {
	file := `
base_url: "https://agents.example.com/"
agent_id: 7
user: file-user
idle_timeout_seconds: 45
metrics:
  enabled: true
  prometheus_port: 9191
`
	t.Setenv("AGENTCHAT_TEST_LAYERS_USER", "env-user")
	t.Setenv("AGENTCHAT_TEST_LAYERS_TOKEN", "env-token")
	t.Setenv("AGENTCHAT_TEST_LAYERS_METRICS_PROMETHEUS_PORT", "9292")

	agent := 11
	cfg, meta, err := Load(
		fakeHome(),
		fakeFS(map[string]string{"/home/tester/.agentchat.yaml": file}),
		WithEnvPrefix("AGENTCHAT_TEST_LAYERS"),
		WithOverrides(Overrides{AgentID: &agent}),
	)
	require.NoError(t, err)

	assert.Equal(t, "https://agents.example.com", cfg.BaseURL)
	assert.Equal(t, SourceFile, meta.Source("base_url"))
	assert.Equal(t, "env-user", cfg.User)
	assert.Equal(t, SourceEnv, meta.Source("user"))
	assert.Equal(t, "env-token", cfg.Token)
	assert.Equal(t, 11, cfg.AgentID)
	assert.Equal(t, SourceOverride, meta.Source("agent_id"))
	assert.Equal(t, 45, cfg.IdleTimeoutSeconds)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9292, cfg.Metrics.PrometheusPort)
	assert.Equal(t, "/home/tester/.agentchat.yaml", meta.Path())
}

func TestLoadBlankOverrideKeepsLowerLayer(t *testing.T) {
	blank := ""
	cfg, _, err := Load(
		fakeHome(),
		fakeFS(map[string]string{"/home/tester/.agentchat.yaml": "token: from-file\n"}),
		WithEnvPrefix("AGENTCHAT_TEST_BLANK"),
		WithOverrides(Overrides{Token: &blank}),
	)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Token)
}

func TestLoadExplicitMissingPathFails(t *testing.T) {
	_, _, err := Load(fakeFS(nil), WithConfigPath("/etc/agentchat.yaml"), WithEnvPrefix("AGENTCHAT_TEST_MISSING"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		file string
	}{
		{"bad url", "base_url: not a url\n"},
		{"bad scheme", "base_url: ftp://example.com\n"},
		{"negative agent", "agent_id: -1\n"},
		{"bad level", "log_level: loud\n"},
		{"bad yaml", "base_url: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Load(
				fakeHome(),
				fakeFS(map[string]string{"/home/tester/.agentchat.yaml": tt.file}),
				WithEnvPrefix("AGENTCHAT_TEST_INVALID"),
			)
			require.Error(t, err)
		})
	}
}
