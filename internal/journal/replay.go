package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/swarmwatch/internal/logger"
	"github.com/mark3labs/swarmwatch/internal/reducer"
	"github.com/mark3labs/swarmwatch/internal/stream"
)

// OutputsFunc fetches a session's shared outputs for recovery during replay.
type OutputsFunc func(ctx context.Context, session string) (map[string]string, error)

// ReplayOptions configures Replay.
type ReplayOptions struct {
	Reducer reducer.Options
	// Outputs answers recovery requests. When nil, recoveries are skipped
	// and the snapshot reflects the stream alone.
	Outputs OutputsFunc
}

// Replay rebuilds a session's display state from its journaled frames.
func (s *Store) Replay(ctx context.Context, session string, opts ReplayOptions) (reducer.Snapshot, error) {
	frames, err := s.LoadFrames(ctx, session)
	if err != nil {
		return reducer.Snapshot{}, err
	}
	if len(frames) == 0 {
		return reducer.Snapshot{}, fmt.Errorf("no journaled frames for session %q", session)
	}
	return ReplayFrames(ctx, frames, opts), nil
}

// ReplayFrames reduces frames in order. A prompt frame opens a new run and
// restores the user turn. Recoveries are answered synchronously after the
// frame that requested them.
func ReplayFrames(ctx context.Context, frames []Frame, opts ReplayOptions) reducer.Snapshot {
	red := reducer.New(opts.Reducer)
	if len(frames) > 0 {
		red.SetSessionID(frames[0].Session)
	}

	resolve := func(req *reducer.RecoveryRequest) {
		if req == nil || opts.Outputs == nil {
			return
		}
		outputs, err := opts.Outputs(ctx, req.SessionID)
		red.ApplyRecovery(reducer.RecoveryResult{Request: *req, Outputs: outputs, Err: err})
	}

	for _, f := range frames {
		if f.Type == PromptType {
			var p promptData
			if err := json.Unmarshal(f.Data, &p); err != nil {
				logger.Warn("Skipping undecodable prompt frame %d: %v", f.Seq, err)
				continue
			}
			red.NewRun()
			red.AddUserMessage(p.Content)
			continue
		}
		ev, err := stream.Decode(f.Data)
		if err != nil {
			logger.Warn("Skipping undecodable journal frame %d: %v", f.Seq, err)
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = f.ReceivedAt
		}
		resolve(red.Apply(ev).Recovery)
	}
	resolve(red.Finish().Recovery)
	return red.Snapshot()
}
