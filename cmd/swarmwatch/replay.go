package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/swarmwatch/internal/console"
	"github.com/mark3labs/swarmwatch/internal/journal"
	"github.com/mark3labs/swarmwatch/internal/reducer"
	"github.com/spf13/cobra"
)

var replayFlags struct {
	fetchOutputs bool
	json         bool
	unknown      bool
}

var replayCmd = &cobra.Command{
	Use:   "replay [session]",
	Short: "Rebuild a recorded session from the journal",
	Long: `Rebuild the conversation of a recorded session by feeding its journaled
frames through the reducer again. Each run starts from its journaled task.
Without a session, list recorded sessions.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayFlags.fetchOutputs, "fetch-outputs", false, "Resolve output recovery against the live backend")
	replayCmd.Flags().BoolVar(&replayFlags.json, "json", false, "Print the rebuilt snapshot as JSON")
	replayCmd.Flags().BoolVar(&replayFlags.unknown, "unknown", false, "Print frames with unrecognized event types instead")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := journal.Open(ctx, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() { _ = store.Close() }()

	if len(args) == 0 {
		sessions, err := store.Sessions(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No recorded sessions.")
			return nil
		}
		for _, s := range sessions {
			fmt.Println(s)
		}
		return nil
	}
	sid := args[0]

	if replayFlags.unknown {
		frames, err := store.LoadUnknown(ctx, sid)
		if err != nil {
			return fmt.Errorf("failed to load frames: %w", err)
		}
		for _, f := range frames {
			fmt.Printf("%s %s %s\n", f.ReceivedAt.Format("15:04:05.000"), f.Type, f.Data)
		}
		return nil
	}

	opts := journal.ReplayOptions{Reducer: reducer.Options{BlankSentinels: cfg.BlankSentinels}}
	if replayFlags.fetchOutputs {
		client, err := newClient()
		if err != nil {
			return err
		}
		opts.Outputs = client.SharedOutputs
	}
	snap, err := store.Replay(ctx, sid, opts)
	if err != nil {
		return fmt.Errorf("failed to replay session: %w", err)
	}

	if replayFlags.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	p := console.NewPrinter(os.Stdout, console.Options{})
	p.Handle(snap, reducer.Result{Appended: snap.Messages})
	p.Summary(snap)
	return nil
}
