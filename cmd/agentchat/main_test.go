package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentchat/internal/app/chat"
	"agentchat/internal/devserver"
	"agentchat/internal/domain/react"
	"agentchat/internal/domain/stream"
	"agentchat/internal/infra/backend"
)

const cliToken = "cli-token"

type cliEnv struct {
	server *httptest.Server
	config string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	srv := devserver.New(devserver.Config{Token: cliToken})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	path := filepath.Join(t.TempDir(), "agentchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: error\nagent_id: 2\n"), 0o600))
	return cliEnv{server: ts, config: path}
}

func (e cliEnv) run(t *testing.T, args ...string) string {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--config", e.config, "--base-url", e.server.URL, "--token", cliToken))
	require.NoError(t, root.Execute())
	return out.String()
}

func TestAskStreamsAndPrintsAnswer(t *testing.T) {
	env := newCLIEnv(t)

	out := env.run(t, "ask", "hello", "there")
	assert.Contains(t, out, "● Recursion 1")
	assert.Contains(t, out, "● Recursion 2")
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "You said: hello there")
	assert.Contains(t, out, "✓ completed")

	out = env.run(t, "history")
	assert.Contains(t, out, "› hello there")
	assert.Contains(t, out, "You said: hello there")

	out = env.run(t, "sessions")
	assert.Contains(t, out, "2 messages")
}

func TestAskReportsAgentError(t *testing.T) {
	env := newCLIEnv(t)

	out := env.run(t, "ask", "--new", "fail", "loudly")
	assert.Contains(t, out, "scripted failure: fail loudly")
	assert.Contains(t, out, "✗ error")
}

func TestStateDiffAgainstPreviousIteration(t *testing.T) {
	env := newCLIEnv(t)
	env.run(t, "ask", "inspect me")

	client := backend.New(backend.Config{BaseURL: env.server.URL, Token: cliToken, Timeout: 5 * time.Second})
	items, err := client.ListSessions(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	records, err := client.SessionHistory(context.Background(), items[0].SessionID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	out := env.run(t, "state", records[0].TaskID, "2", "--diff-prev")
	assert.Contains(t, out, "● Iteration 2")
	assert.NotContains(t, out, "● Iteration 1")
	assert.Contains(t, out, "--- iteration 1")
	assert.Contains(t, out, "+++ iteration 2")
}

func TestSessionsNewAndDelete(t *testing.T) {
	env := newCLIEnv(t)

	id := strings.TrimSpace(env.run(t, "sessions", "new"))
	require.NotEmpty(t, id)
	assert.Contains(t, env.run(t, "sessions"), id)

	assert.Contains(t, env.run(t, "sessions", "delete", id), "Deleted "+id)
	assert.NotContains(t, env.run(t, "sessions"), id)
}

func TestParseIterations(t *testing.T) {
	got, err := parseIterations([]string{"3", "1", "3", "2"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)

	_, err = parseIterations([]string{"0"})
	assert.Error(t, err)
	_, err = parseIterations([]string{"x"})
	assert.Error(t, err)
}

func TestOverridesOnlyIncludeChangedFlags(t *testing.T) {
	cli := &CLI{flags: viper.New()}
	root := newRootCommand(cli)
	require.NoError(t, root.ParseFlags([]string{"--agent", "9", "--metrics", "--token", ""}))

	o := cli.overrides(root)
	require.NotNil(t, o.AgentID)
	assert.Equal(t, 9, *o.AgentID)
	require.NotNil(t, o.MetricsEnabled)
	assert.True(t, *o.MetricsEnabled)
	require.NotNil(t, o.Token)
	assert.Empty(t, *o.Token)
	assert.Nil(t, o.BaseURL)
	assert.Nil(t, o.RequireAuth)
	assert.Nil(t, o.IdleTimeoutSeconds)
}

func chatState(task react.Task) chat.State {
	return chat.State{Phase: chat.PhaseStreaming, Tasks: []react.Task{task}}
}

func TestEventLine(t *testing.T) {
	delta := "look around"
	assert.Contains(t, eventLine(stream.Event{Type: stream.KindRecursionStart, Iteration: 3}), "Recursion 3")
	assert.Contains(t, eventLine(stream.Event{Type: stream.KindThought, Delta: &delta}), "look around")
	assert.Contains(t, eventLine(stream.Event{Type: stream.KindError, Data: []byte(`{"error":"boom"}`)}), "boom")
	assert.Contains(t, eventLine(stream.Event{
		Type: stream.KindToolCall,
		Data: []byte(`{"tool_calls":[{"name":"search"},{"function":{"name":"read"}}],"tool_results":[]}`),
	}), "search, read")
	assert.Empty(t, eventLine(stream.Event{Type: stream.KindAnswer, Data: []byte(`{"answer":"x"}`)}))
}

func TestPrinterOnlyPrintsNewEvents(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	thought := "first"
	task := react.Task{ID: "a-1", Role: react.RoleAssistant, Status: react.TaskRunning}
	task.Recursions = []react.Recursion{{Iteration: 1, Events: []stream.Event{
		{Type: stream.KindRecursionStart, Iteration: 1},
	}}}
	p.onState(chatState(task))
	task.Recursions[0].Events = append(task.Recursions[0].Events, stream.Event{Type: stream.KindThought, Iteration: 1, Delta: &thought})
	p.onState(chatState(task))

	assert.Equal(t, 1, strings.Count(out.String(), "Recursion 1"))
	assert.Equal(t, 1, strings.Count(out.String(), "first"))
}

func TestRenderTranscript(t *testing.T) {
	source := "## Plan\n\n- read the file\n- answer"

	plain := &MarkdownRenderer{width: 80, plain: true}
	assert.Equal(t, source, plain.RenderTranscript(source))
	assert.Equal(t, "just text", (&MarkdownRenderer{width: 80}).RenderTranscript("just text"))

	var nilRenderer *MarkdownRenderer
	assert.Equal(t, source, nilRenderer.RenderTranscript(source))

	rendered := (&MarkdownRenderer{width: 80}).RenderTranscript(source)
	assert.NotEqual(t, source, rendered)
	assert.Contains(t, rendered, "answer")
}
