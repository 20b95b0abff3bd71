package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/acolita/ptymcp/internal/ptyproc"
	"github.com/acolita/ptymcp/internal/sessionerr"
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers spec.md §6's seven tool operations with the
// underlying MCP server.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(startSessionTool(), s.handleStartSession)
	s.mcpServer.AddTool(runCommandTool(), s.handleRunCommand)
	s.mcpServer.AddTool(sendKeysTool(), s.handleSendKeys)
	s.mcpServer.AddTool(getBufferTool(), s.handleGetBuffer)
	s.mcpServer.AddTool(setSentinelTool(), s.handleSetSentinel)
	s.mcpServer.AddTool(stopSessionTool(), s.handleStopSession)
	s.mcpServer.AddTool(listSessionsTool(), s.handleListSessions)
}

// Tool definitions

func startSessionTool() mcp.Tool {
	return mcp.NewTool("start_session",
		mcp.WithDescription("Start a new PTY-backed session running the given command"),
		mcp.WithString("command",
			mcp.Description("Command to run, defaults to $SHELL or /bin/bash. May include whitespace-separated arguments if args is omitted."),
		),
		mcp.WithString("args",
			mcp.Description("JSON array of string arguments, e.g. [\"-c\", \"echo hi\"]"),
		),
		mcp.WithString("cwd",
			mcp.Description("Working directory for the child process"),
		),
		mcp.WithNumber("timeout_session",
			mcp.Description("Idle timeout in seconds before the session is stopped automatically (default 86400)"),
		),
		mcp.WithNumber("buffer_size",
			mcp.Description("Scrollback capacity in lines (default 1000)"),
		),
		mcp.WithString("sentinel_command",
			mcp.Description("Template the active interpreter runs to emit the completion sentinel; must contain {sentinel} exactly once (default \"echo {sentinel}\")"),
		),
	)
}

func runCommandTool() mcp.Tool {
	return mcp.NewTool("run_command",
		mcp.WithDescription("Submit a command to a session and wait for its output, detected via the sentinel"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID returned by start_session")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Text to submit, followed by a newline")),
		mcp.WithNumber("timeout",
			mcp.Description("Seconds to wait for the sentinel before returning Timeout (default 1800); 0 returns immediately"),
		),
	)
}

func sendKeysTool() mcp.Tool {
	return mcp.NewTool("send_keys",
		mcp.WithDescription("Write raw keys/bytes to a session's PTY without waiting for a sentinel (e.g. Ctrl-C, a password line)"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithString("keys", mcp.Required(), mcp.Description("Raw text to write verbatim, exactly as given")),
	)
}

func getBufferTool() mcp.Tool {
	return mcp.NewTool("get_buffer",
		mcp.WithDescription("Read the last N lines of a session's scrollback buffer"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithNumber("lines",
			mcp.Description("Number of trailing lines to return; 0 returns empty, omitted or negative returns the full buffer"),
		),
	)
}

func setSentinelTool() mcp.Tool {
	return mcp.NewTool("set_sentinel",
		mcp.WithDescription("Change the sentinel template a session uses to detect run_command completion, e.g. when switching interpreters"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithString("sentinel_command", mcp.Required(), mcp.Description("New template; must contain {sentinel} exactly once")),
	)
}

func stopSessionTool() mcp.Tool {
	return mcp.NewTool("stop_session",
		mcp.WithDescription("Stop a session's child process and release its resources"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
	)
}

func listSessionsTool() mcp.Tool {
	return mcp.NewTool("list_sessions",
		mcp.WithDescription("List all sessions in the registry with their current status"),
	)
}

// Tool handlers

func (s *Server) handleStartSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command := mcp.ParseString(req, "command", "")
	if command == "" {
		command = defaultCommand()
	}

	args, err := parseArgs(mcp.ParseString(req, "args", ""))
	if err != nil {
		return toolError(fmt.Errorf("%w: args: %v", sessionerr.ErrInvalidConfig, err))
	}

	idleSeconds := int(s.cfg.IdleTimeout.Seconds())
	cfg := ptyproc.Config{
		Command:          command,
		Args:             args,
		Cwd:              mcp.ParseString(req, "cwd", ""),
		IdleTimeout:      time.Duration(mcp.ParseInt(req, "timeout_session", idleSeconds)) * time.Second,
		BufferLines:      mcp.ParseInt(req, "buffer_size", s.cfg.BufferLines),
		SentinelTemplate: mcp.ParseString(req, "sentinel_command", s.cfg.SentinelCommand),
	}

	slog.Info("starting session", slog.String("command", command))

	sess, err := s.manager.Create(cfg)
	if err != nil {
		return toolError(err)
	}

	return jsonResult(map[string]any{
		"session_id": sess.ID(),
	})
}

func (s *Server) handleRunCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	command := mcp.ParseString(req, "command", "")
	if sessionID == "" {
		return toolError(fmt.Errorf("%w: session_id is required", sessionerr.ErrInvalidConfig))
	}
	if command == "" {
		return toolError(fmt.Errorf("%w: command is required", sessionerr.ErrInvalidConfig))
	}
	timeoutSec := mcp.ParseInt(req, "timeout", int(s.cfg.RunCommandTimeout.Seconds()))

	sess, err := s.manager.Get(sessionID)
	if err != nil {
		return toolError(err)
	}

	slog.Info("running command", slog.String("session_id", sessionID))

	output, timedOut, err := sess.RunCommand(ctx, command, time.Duration(timeoutSec)*time.Second)
	if err != nil {
		return toolError(err)
	}

	return jsonResult(map[string]any{
		"output":   output,
		"timedOut": timedOut,
	})
}

func (s *Server) handleSendKeys(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	keys := mcp.ParseString(req, "keys", "")
	if sessionID == "" {
		return toolError(fmt.Errorf("%w: session_id is required", sessionerr.ErrInvalidConfig))
	}

	sess, err := s.manager.Get(sessionID)
	if err != nil {
		return toolError(err)
	}

	if err := sess.SendKeys(keys); err != nil {
		return toolError(err)
	}

	return mcp.NewToolResultText("ok"), nil
}

func (s *Server) handleGetBuffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return toolError(fmt.Errorf("%w: session_id is required", sessionerr.ErrInvalidConfig))
	}
	lines := mcp.ParseInt(req, "lines", -1)

	sess, err := s.manager.Get(sessionID)
	if err != nil {
		return toolError(err)
	}

	return mcp.NewToolResultText(sess.GetBuffer(lines)), nil
}

func (s *Server) handleSetSentinel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	template := mcp.ParseString(req, "sentinel_command", "")
	if sessionID == "" {
		return toolError(fmt.Errorf("%w: session_id is required", sessionerr.ErrInvalidConfig))
	}

	sess, err := s.manager.Get(sessionID)
	if err != nil {
		return toolError(err)
	}

	if err := sess.SetSentinel(template); err != nil {
		return toolError(err)
	}

	return mcp.NewToolResultText("ok"), nil
}

func (s *Server) handleStopSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return toolError(fmt.Errorf("%w: session_id is required", sessionerr.ErrInvalidConfig))
	}

	slog.Info("stopping session", slog.String("session_id", sessionID))

	if err := s.manager.Remove(sessionID); err != nil {
		return toolError(err)
	}

	return mcp.NewToolResultText("ok"), nil
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	descs := s.manager.List()

	out := make([]map[string]any, 0, len(descs))
	for _, d := range descs {
		out = append(out, map[string]any{
			"id":                          d.ID,
			"command":                     d.Command,
			"status":                      string(d.Status),
			"seconds_since_last_activity": d.SecondsSinceIdle,
			"buffer_lines":                d.BufferLineCount,
			"pid":                         d.Pid,
		})
	}

	return jsonResult(out)
}

// parseArgs decodes args as a JSON array of strings. An empty string
// yields nil (no args override). mcp-go v0.43.2's array-parameter
// support could not be confirmed against this module's vendored
// version without invoking the Go toolchain, so args travels as a
// JSON-encoded string parameter instead of a native array schema.
func parseArgs(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// toolError renders err as a tool-level error result. The message
// preserves the wrapped sessionerr sentinel's text (e.g. "unknown
// session: ...", "capacity exceeded: ...") so callers can distinguish
// error kinds by substring the same way they would with errors.Is.
func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

// jsonResult converts a value to a JSON tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
