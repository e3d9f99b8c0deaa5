package reducer

import (
	"sort"
	"time"

	"github.com/mark3labs/swarmwatch/internal/logger"
	"github.com/mark3labs/swarmwatch/internal/stream"
)

// onAgentDone finalizes an agent's output at most once per run.
func (r *Reducer) onAgentDone(name, output string, ts time.Time) Result {
	if r.run.processed[name] {
		r.finish(name)
		return Result{}
	}
	r.run.processed[name] = true
	defer r.finish(name)

	if name == stream.AgentSystem {
		return Result{}
	}
	r.run.remember(name)

	text := output
	if text == "" {
		text = r.pendingText(name)
	}

	if name == stream.AgentCoordinator && r.blanks.IsBlank(text) {
		// The coordinator usually ends its turn with a blank transfer of
		// control; the real answer lives with the delegated agent.
		logger.Debug("Coordinator finished with blank output, requesting fallback")
		return Result{Recovery: &RecoveryRequest{
			Kind:      RecoveryFallback,
			Run:       r.run.id,
			SessionID: r.sessionID,
		}}
	}

	if msg, ok := r.finalize(name, text, ts); ok {
		return Result{Appended: []Message{msg}}
	}
	return Result{}
}

// fallbackCandidates orders the agents whose stored output may stand in
// for a blank coordinator: the last handoff target, the agents seen in this
// run, then any other agent present in the snapshot.
func (r *Reducer) fallbackCandidates(outputs map[string]string) []string {
	seen := map[string]bool{
		stream.AgentCoordinator: true,
		stream.AgentSystem:      true,
		"":                      true,
	}
	var out []string
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	add(r.run.lastHandoff)
	for _, name := range r.run.known {
		add(name)
	}
	for _, name := range sortedKeys(outputs) {
		add(name)
	}
	return out
}

func (r *Reducer) resolveFallback(outputs map[string]string, ts time.Time) Result {
	for _, name := range r.fallbackCandidates(outputs) {
		out, ok := outputs[name]
		if !ok {
			continue
		}
		if msg, ok := r.finalize(name, out, ts); ok {
			logger.Debug("Recovered coordinator output from %s", name)
			return Result{Appended: []Message{msg}}
		}
	}
	logger.Debug("No fallback output found for blank coordinator")
	return Result{}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
