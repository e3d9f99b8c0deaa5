package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mark3labs/swarmwatch/internal/logger"
	"github.com/mark3labs/swarmwatch/internal/orchestrator"
	"github.com/mark3labs/swarmwatch/internal/state"
	"github.com/spf13/cobra"
)

var runFlags struct {
	headless    bool
	mcp         bool
	mcpPort     int
	noJournal   bool
	agents      []string
	maxHandoffs int
}

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Start a new execution and follow it",
	Long: `Start a new swarm execution for a task and follow its event stream.

Press Ctrl+C once to stop gracefully, twice to abort immediately.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd.Context(), strings.Join(args, " "), false)
	},
}

var continueCmd = &cobra.Command{
	Use:   "continue <task>",
	Short: "Send a follow-up task to an existing session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd.Context(), strings.Join(args, " "), true)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, continueCmd} {
		f := cmd.Flags()
		f.BoolVar(&runFlags.headless, "headless", false, "Print only the final answer")
		f.BoolVar(&runFlags.mcp, "mcp", false, "Serve MCP control tools while running")
		f.IntVar(&runFlags.mcpPort, "mcp-port", 0, "Port for the MCP server (default: random)")
		f.BoolVar(&runFlags.noJournal, "no-journal", false, "Do not record events to the journal")
	}
	runCmd.Flags().StringSliceVar(&runFlags.agents, "agents", nil, "Restrict the swarm to these agents")
	runCmd.Flags().IntVar(&runFlags.maxHandoffs, "max-handoffs", 0, "Cap agent handoffs (default: server)")
}

func runTask(ctx context.Context, task string, cont bool) error {
	sessionID := cfg.SessionID
	if cont {
		sid, err := requireSession()
		if err != nil {
			return err
		}
		sessionID = sid
	}

	orch, err := orchestrator.New(orchestrator.Config{
		BaseURL:         cfg.BaseURL,
		Token:           cfg.Token,
		SessionID:       sessionID,
		Task:            task,
		Continue:        cont,
		Agents:          runFlags.agents,
		MaxHandoffs:     runFlags.maxHandoffs,
		DataDir:         cfg.DataDir,
		GracePeriod:     cfg.GracePeriod,
		RecoveryTimeout: cfg.RecoveryTimeout,
		RequestTimeout:  cfg.RequestTimeout,
		BlankSentinels:  cfg.BlankSentinels,
		Journal:         cfg.Journal && !runFlags.noJournal,
		MCP:             cfg.MCP || runFlags.mcp,
		MCPPort:         pick(runFlags.mcpPort, cfg.MCPPort),
		Headless:        cfg.Headless || runFlags.headless,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if err := orch.Start(ctx); err != nil {
		_ = orch.Stop()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer func() {
		if err := orch.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go orch.WatchInterrupts(watchCtx, sigChan)

	runErr := orch.Run(ctx)

	sid := orch.Controller().SessionID()
	if err := state.Remember(cfg.DataDir, cfg.BaseURL, sid); err != nil {
		logger.Warn("Failed to remember session: %v", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("execution failed: %w", runErr)
	}
	if sid != "" && !cont {
		fmt.Fprintf(os.Stderr, "Continue with: swarmwatch continue <task>  (session %s)\n", sid)
	}
	return nil
}

func pick(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}
