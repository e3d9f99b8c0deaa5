package main

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/mark3labs/swarmwatch/internal/swarm"
	"github.com/spf13/cobra"
)

var stopFlags struct {
	emergency bool
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the backend to stop a session's execution",
	RunE:  runStop,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Control individual agents in a session",
}

var agentStopCmd = &cobra.Command{
	Use:   "stop <agent>",
	Short: "Stop one agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentStop,
}

var agentTimeoutCmd = &cobra.Command{
	Use:   "timeout <agent> <duration>",
	Short: "Set an agent's timeout, e.g. 90s or 5m",
	Args:  cobra.ExactArgs(2),
	RunE:  runAgentTimeout,
}

var outputsFlags struct {
	json bool
}

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "Print the shared per-agent outputs of a session",
	RunE:  runOutputs,
}

func init() {
	stopCmd.Flags().BoolVar(&stopFlags.emergency, "emergency", false, "Terminate immediately instead of winding down")
	outputsCmd.Flags().BoolVar(&outputsFlags.json, "json", false, "Print as JSON")

	agentCmd.AddCommand(agentStopCmd)
	agentCmd.AddCommand(agentTimeoutCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	sid, err := requireSession()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	mode := swarm.StopGraceful
	if stopFlags.emergency {
		mode = swarm.StopEmergency
	}
	if err := client.Cancel(cmd.Context(), sid, mode); err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	fmt.Printf("Requested %s stop for session %s\n", mode, sid)
	return nil
}

func runAgentStop(cmd *cobra.Command, args []string) error {
	sid, err := requireSession()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.StopAgent(cmd.Context(), sid, args[0]); err != nil {
		return fmt.Errorf("failed to stop agent: %w", err)
	}
	fmt.Printf("Stopped agent %s\n", args[0])
	return nil
}

func runAgentTimeout(cmd *cobra.Command, args []string) error {
	sid, err := requireSession()
	if err != nil {
		return err
	}
	timeout, err := time.ParseDuration(args[1])
	if err != nil || timeout <= 0 {
		return fmt.Errorf("invalid duration %q", args[1])
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.SetAgentTimeout(cmd.Context(), sid, args[0], timeout); err != nil {
		return fmt.Errorf("failed to set agent timeout: %w", err)
	}
	fmt.Printf("Agent %s timeout set to %s\n", args[0], timeout)
	return nil
}

func runOutputs(cmd *cobra.Command, args []string) error {
	sid, err := requireSession()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	outputs, err := client.SharedOutputs(cmd.Context(), sid)
	if err != nil {
		return fmt.Errorf("failed to fetch outputs: %w", err)
	}

	if outputsFlags.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outputs)
	}
	agents := make([]string, 0, len(outputs))
	for agent := range outputs {
		agents = append(agents, agent)
	}
	slices.Sort(agents)
	for _, agent := range agents {
		fmt.Printf("=== %s ===\n%s\n\n", agent, outputs[agent])
	}
	return nil
}
