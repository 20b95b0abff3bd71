// Package mcptool binds the PTY session core to the MCP tool protocol
// via github.com/mark3labs/mcp-go, registering the seven operations
// spec.md §6 names.
//
// Grounded directly on the teacher's internal/mcp/server.go (Server
// wrapping *server.MCPServer plus the domain managers it fronts,
// NewServer building the dependency graph, Run serving stdio) and
// internal/mcp/tools.go (mcp.NewTool/mcp.WithString tool definitions,
// mcp.ParseString/ParseInt/ParseBoolean argument extraction, the
// jsonResult helper). Narrowed from the teacher's six shell_* tools
// (session create/exec/provide_input/interrupt/status/close, which
// carry SSH mode, sudo caching, and prompt detection) to spec.md §6's
// seven PTY-session tools, with no SSH/sudo/prompt concerns since
// those sit in the teacher's out-of-scope outer layer.
package mcptool

import (
	"log/slog"
	"os"

	"github.com/acolita/ptymcp/internal/config"
	"github.com/acolita/ptymcp/internal/sessionmgr"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server and the session registry it fronts.
type Server struct {
	mcpServer *server.MCPServer
	manager   *sessionmgr.Manager
	cfg       *config.Config
}

// NewServer builds an MCP server exposing the session registry's
// operations as tools. cfg supplies the default command, timeouts,
// buffer size, and sentinel template that start_session falls back to
// when a caller omits them.
func NewServer(cfg *config.Config, manager *sessionmgr.Manager) *Server {
	mcpServer := server.NewMCPServer(
		"ptymcp",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		manager:   manager,
		cfg:       cfg,
	}

	s.registerTools()
	return s
}

// Run starts the MCP server on the stdio transport, blocking until the
// transport closes or an unrecoverable error occurs.
func (s *Server) Run() error {
	slog.Info("starting MCP server on stdio transport")
	return server.ServeStdio(s.mcpServer)
}

// UpdateConfig swaps in a freshly loaded config, so later start_session
// calls pick up new defaults (idle_timeout, buffer_size, sentinel_command,
// run_command.timeout). Per spec.md §3, session configuration is
// immutable once a session starts, so this only affects sessions
// started after the reload, never sessions already running. Grounded
// on the teacher's Server.UpdateConfig, which reassigns its config
// pointer the same way.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.cfg = cfg
}

// defaultCommand returns $SHELL if set, else /bin/bash, per spec.md §6.
func defaultCommand() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}
