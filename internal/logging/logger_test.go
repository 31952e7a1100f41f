package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.lines = append(r.lines, "debug") }
func (r *recordingLogger) Info(format string, args ...any)  { r.lines = append(r.lines, "info") }
func (r *recordingLogger) Warn(format string, args ...any)  { r.lines = append(r.lines, "warn") }
func (r *recordingLogger) Error(format string, args ...any) { r.lines = append(r.lines, "error") }

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var typed *recordingLogger
	var logger Logger = typed
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world")
}

func TestComponentLoggerWritesThroughConfiguredHandler(t *testing.T) {
	buf := &bytes.Buffer{}
	Configure(Config{Level: "debug", Format: "text", Output: buf})
	t.Cleanup(func() { Configure(Config{}) })

	logger := With(NewComponentLogger("decoder"), "session_id", "s-1")
	logger.Debug("hello %s", "world")

	out := buf.String()
	assert.Contains(t, out, "hello world")
	assert.Contains(t, out, "component=decoder")
	assert.Contains(t, out, "session_id=s-1")
}

func TestComponentLoggerRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	Configure(Config{Level: "warn", Output: buf})
	t.Cleanup(func() { Configure(Config{}) })

	NewComponentLogger("x").Info("quiet")
	assert.Empty(t, buf.String())
}

func TestMultiFlattensAndSkipsNil(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	var typed *recordingLogger
	logger := Multi(a, typed, Multi(b))
	logger.Warn("x")
	assert.Equal(t, []string{"warn"}, a.lines)
	assert.Equal(t, []string{"warn"}, b.lines)
}

func TestSanitizeMasksBearerTokens(t *testing.T) {
	out := Sanitize(`Authorization: Bearer abc.def.ghi token=secret123`)
	assert.False(t, strings.Contains(out, "abc.def.ghi"))
	assert.False(t, strings.Contains(out, "secret123"))
	assert.Contains(t, out, Placeholder)
}
