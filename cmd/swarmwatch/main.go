package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/mark3labs/swarmwatch/internal/config"
	"github.com/mark3labs/swarmwatch/internal/console"
	"github.com/mark3labs/swarmwatch/internal/logger"
	"github.com/mark3labs/swarmwatch/internal/state"
	"github.com/mark3labs/swarmwatch/internal/swarm"
	"github.com/spf13/cobra"
)

const (
	logoText1 = "█▀ █ █ █ ▄▀█ █▀█ █▀▄▀█ █ █ █ ▄▀█ ▀█▀ █▀▀ █ █"
	logoText2 = "▄█ ▀▄▀▄▀ █▀█ █▀▄ █ ▀ █ ▀▄▀▄▀ █▀█  █  █▄▄ █▀█"
)

// Version set via ldflags during build
var version = "dev"

var globalFlags struct {
	baseURL  string
	session  string
	dataDir  string
	logLevel string
	logFile  string
}

// cfg is loaded once per invocation by the root pre-run hook.
var cfg *config.Config

func main() {
	defer func() { _ = logger.Close() }()

	if err := fang.Execute(context.Background(), rootCmd, fang.WithVersion(version)); err != nil {
		logger.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "swarmwatch",
	Short:             "Stream, follow and control multi-agent swarm executions",
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
}

func renderLogo() string {
	t := console.NewCatppuccinMocha()
	line1 := console.ApplyGradient(logoText1, t.Primary, t.Secondary)
	line2 := console.ApplyGradient(logoText2, t.Primary, t.Secondary)
	return strings.Join([]string{line1, line2}, "\n")
}

func init() {
	rootCmd.Long = renderLogo() + `

swarmwatch streams a swarm execution over server-sent events, reduces the
event stream into a readable conversation with live agent activity and
tool calls, recovers outputs the stream dropped, and lets you stop the
execution gracefully or immediately.

Configuration is loaded with the following precedence:
  CLI flags > Environment variables (SWARMWATCH_*) > Project config > Global config > Defaults

Project config: ./swarmwatch.yml
Global config: ~/.config/swarmwatch/swarmwatch.yml`

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalFlags.baseURL, "base-url", "", "Swarm backend URL (default: http://localhost:8000)")
	pf.StringVarP(&globalFlags.session, "session", "s", "", "Session id")
	pf.StringVar(&globalFlags.dataDir, "data-dir", "", "Data directory for the event journal")
	pf.StringVar(&globalFlags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&globalFlags.logFile, "log-file", "", "Write logs to this file (logging is off otherwise)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(continueCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(outputsCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig resolves configuration and applies explicitly set flags on top.
func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		loaded.BaseURL = globalFlags.baseURL
	}
	if flags.Changed("session") {
		loaded.SessionID = globalFlags.session
	}
	if flags.Changed("data-dir") {
		loaded.DataDir = globalFlags.dataDir
	}
	if flags.Changed("log-level") {
		loaded.LogLevel = globalFlags.logLevel
	}
	if flags.Changed("log-file") {
		loaded.LogFile = globalFlags.logFile
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	if err := logger.Configure(loaded.LogLevel, loaded.LogFile); err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	cfg = loaded
	return nil
}

// newClient builds a swarm client from the loaded configuration.
func newClient() (*swarm.Client, error) {
	opts := []swarm.Option{swarm.WithRequestTimeout(cfg.RequestTimeout)}
	if cfg.Token != "" {
		opts = append(opts, swarm.WithBearerToken(cfg.Token))
	}
	client, err := swarm.New(cfg.BaseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create swarm client: %w", err)
	}
	return client, nil
}

// requireSession returns the configured session id, falling back to the
// last session run against the same backend.
func requireSession() (string, error) {
	if cfg.SessionID != "" {
		return cfg.SessionID, nil
	}
	if sid := state.LastSession(cfg.DataDir, cfg.BaseURL); sid != "" {
		logger.Debug("Using last session %s", sid)
		return sid, nil
	}
	return "", fmt.Errorf("no session id\n\nPass --session or set SWARMWATCH_SESSION_ID")
}
