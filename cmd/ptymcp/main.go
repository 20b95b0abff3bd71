// ptymcp is an MCP server providing persistent, sentinel-driven PTY
// sessions to an external tool-calling collaborator.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/acolita/ptymcp/internal/adapters/realclock"
	"github.com/acolita/ptymcp/internal/adapters/realrand"
	"github.com/acolita/ptymcp/internal/config"
	"github.com/acolita/ptymcp/internal/logging"
	"github.com/acolita/ptymcp/internal/mcptool"
	"github.com/acolita/ptymcp/internal/ptyproc"
	"github.com/acolita/ptymcp/internal/security"
	"github.com/acolita/ptymcp/internal/sessionmgr"
)

// Version information, set at build time.
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  string
		showVersion bool
		debug       bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&debug, "debug", false, "Enable debug mode with verbose PTY logging")
	flag.Parse()

	if showVersion {
		fmt.Printf("ptymcp version %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(2)
	}

	if debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Sanitize)

	slog.Info("starting ptymcp",
		slog.String("version", Version),
		slog.Int("max_sessions", cfg.MaxSessions),
	)

	filter, err := security.NewCommandFilter(cfg.Command.Blocklist, cfg.Command.Allowlist)
	if err != nil {
		slog.Error("invalid command filter config", slog.String("error", err.Error()))
		os.Exit(2)
	}

	deps := ptyproc.Deps{
		Clock:  realclock.New(),
		Random: realrand.New(),
		Filter: filter,
		LogDir: cfg.LogDir,
	}
	manager := sessionmgr.New(cfg.MaxSessions, deps)

	mcpServer := mcptool.NewServer(cfg, manager)

	var configWatcher *config.Watcher
	if configPath != "" {
		configWatcher, err = config.NewWatcher(configPath, func(newCfg *config.Config) {
			if debug {
				newCfg.Logging.Level = "debug"
			}
			logging.SetLevel(newCfg.Logging.Level)
			if ferr := filter.Update(newCfg.Command.Blocklist, newCfg.Command.Allowlist); ferr != nil {
				slog.Warn("failed to apply reloaded command filter, keeping previous",
					slog.String("error", ferr.Error()))
				return
			}
			manager.UpdateRuntimeConfig(newCfg.MaxSessions, newCfg.LogDir)
			mcpServer.UpdateConfig(newCfg)
			slog.Info("configuration hot-reloaded")
		})
		if err != nil {
			slog.Warn("config hot-reload disabled", slog.String("error", err.Error()))
		} else {
			slog.Info("config hot-reload enabled", slog.String("path", configPath))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal")
		if configWatcher != nil {
			configWatcher.Close()
		}
		manager.Shutdown()
		os.Exit(0)
	}()

	if err := mcpServer.Run(); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		if configWatcher != nil {
			configWatcher.Close()
		}
		manager.Shutdown()
		os.Exit(1)
	}

	manager.Shutdown()
}
