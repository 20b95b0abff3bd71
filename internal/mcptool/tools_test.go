package mcptool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/acolita/ptymcp/internal/adapters/realclock"
	"github.com/acolita/ptymcp/internal/adapters/realrand"
	"github.com/acolita/ptymcp/internal/config"
	"github.com/acolita/ptymcp/internal/ptyproc"
	"github.com/acolita/ptymcp/internal/sessionmgr"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	manager := sessionmgr.New(cfg.MaxSessions, ptyproc.Deps{
		Clock:  realclock.New(),
		Random: realrand.New(),
	})
	t.Cleanup(manager.Shutdown)
	return NewServer(cfg, manager)
}

func makeRequest(args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	tc, ok := mcpgo.AsTextContent(result.Content[0])
	require.True(t, ok)
	return tc.Text
}

func resultJSON(t *testing.T, result *mcpgo.CallToolResult) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &m))
	return m
}

func startSession(t *testing.T, s *Server, command string) string {
	t.Helper()
	result, err := s.handleStartSession(context.Background(), makeRequest(map[string]any{
		"command": command,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	m := resultJSON(t, result)
	id, _ := m["session_id"].(string)
	require.NotEmpty(t, id)
	t.Cleanup(func() {
		_, _ = s.handleStopSession(context.Background(), makeRequest(map[string]any{"session_id": id}))
	})
	return id
}

func TestHandleStartSession_DefaultsAndExplicitCommand(t *testing.T) {
	s := newTestServer(t)
	id := startSession(t, s, "/bin/sh")
	assert.NotEmpty(t, id)
}

func TestHandleStartSession_WithArgsArray(t *testing.T) {
	s := newTestServer(t)

	argsJSON, err := json.Marshal([]string{"-c", "exit 0"})
	require.NoError(t, err)

	result, err := s.handleStartSession(context.Background(), makeRequest(map[string]any{
		"command": "/bin/sh",
		"args":    string(argsJSON),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	id, _ := resultJSON(t, result)["session_id"].(string)
	t.Cleanup(func() {
		_, _ = s.handleStopSession(context.Background(), makeRequest(map[string]any{"session_id": id}))
	})
}

func TestHandleStartSession_InvalidArgsJSONIsError(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleStartSession(context.Background(), makeRequest(map[string]any{
		"command": "/bin/sh",
		"args":    "not valid json",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRunCommand_EchoFilteredAndOutputReturned(t *testing.T) {
	s := newTestServer(t)
	id := startSession(t, s, "/bin/sh")

	result, err := s.handleRunCommand(context.Background(), makeRequest(map[string]any{
		"session_id": id,
		"command":    "echo hello",
		"timeout":    5,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	m := resultJSON(t, result)
	assert.Contains(t, m["output"], "hello")
	assert.NotContains(t, m["output"], "echo hello")
	assert.Equal(t, false, m["timedOut"])
}

func TestHandleRunCommand_UnknownSessionIsError(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRunCommand(context.Background(), makeRequest(map[string]any{
		"session_id": "no-such-session",
		"command":    "echo hi",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRunCommand_ZeroTimeoutReturnsImmediately(t *testing.T) {
	s := newTestServer(t)
	id := startSession(t, s, "/bin/sh")

	start := time.Now()
	result, err := s.handleRunCommand(context.Background(), makeRequest(map[string]any{
		"session_id": id,
		"command":    "sleep 5",
		"timeout":    0,
	}))
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	m := resultJSON(t, result)
	assert.Equal(t, true, m["timedOut"])
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestHandleSendKeysThenGetBuffer(t *testing.T) {
	s := newTestServer(t)
	id := startSession(t, s, "/bin/sh")

	result, err := s.handleSendKeys(context.Background(), makeRequest(map[string]any{
		"session_id": id,
		"keys":       "echo sent\n",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	time.Sleep(200 * time.Millisecond)

	bufResult, err := s.handleGetBuffer(context.Background(), makeRequest(map[string]any{
		"session_id": id,
	}))
	require.NoError(t, err)
	require.False(t, bufResult.IsError, resultText(t, bufResult))
	assert.Contains(t, resultText(t, bufResult), "sent")
}

func TestHandleGetBuffer_ZeroLinesReturnsEmpty(t *testing.T) {
	s := newTestServer(t)
	id := startSession(t, s, "/bin/sh")

	result, err := s.handleGetBuffer(context.Background(), makeRequest(map[string]any{
		"session_id": id,
		"lines":      0,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "", resultText(t, result))
}

func TestHandleSetSentinel_InvalidTemplateIsError(t *testing.T) {
	s := newTestServer(t)
	id := startSession(t, s, "/bin/sh")

	result, err := s.handleSetSentinel(context.Background(), makeRequest(map[string]any{
		"session_id":       id,
		"sentinel_command": "no placeholder",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSetSentinel_ValidTemplateOK(t *testing.T) {
	s := newTestServer(t)
	id := startSession(t, s, "/bin/sh")

	result, err := s.handleSetSentinel(context.Background(), makeRequest(map[string]any{
		"session_id":       id,
		"sentinel_command": "echo {sentinel}",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, resultText(t, result))
}

func TestHandleStopSession_ThenUnknown(t *testing.T) {
	s := newTestServer(t)
	id := startSession(t, s, "/bin/sh")

	result, err := s.handleStopSession(context.Background(), makeRequest(map[string]any{
		"session_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	again, err := s.handleStopSession(context.Background(), makeRequest(map[string]any{
		"session_id": id,
	}))
	require.NoError(t, err)
	assert.True(t, again.IsError)
}

func TestHandleListSessions_ReflectsRegistry(t *testing.T) {
	s := newTestServer(t)

	empty, err := s.handleListSessions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, empty.IsError)
	var emptyList []map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, empty)), &emptyList))
	assert.Empty(t, emptyList)

	id := startSession(t, s, "/bin/sh")

	result, err := s.handleListSessions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var list []map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0]["id"])
	assert.Equal(t, "running", list[0]["status"])
	pid, _ := list[0]["pid"].(float64)
	assert.Greater(t, pid, float64(0))
}

func TestHandleStartSession_CapacityExceeded(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxSessions = 1
	manager := sessionmgr.New(cfg.MaxSessions, ptyproc.Deps{
		Clock:  realclock.New(),
		Random: realrand.New(),
	})
	t.Cleanup(manager.Shutdown)
	s := NewServer(cfg, manager)

	startSession(t, s, "/bin/sh")

	result, err := s.handleStartSession(context.Background(), makeRequest(map[string]any{
		"command": "/bin/sh",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
