package reducer

import (
	"strings"
	"time"

	"github.com/mark3labs/swarmwatch/internal/logger"
	"github.com/mark3labs/swarmwatch/internal/stream"
)

// onTerminal runs the synchronous half of reconciliation and asks for the
// shared-output snapshot. Repeated terminal frames in one run are ignored.
func (r *Reducer) onTerminal(kind stream.Terminal, text string, ts time.Time) Result {
	if r.run.terminal != stream.TerminalNone {
		return Result{}
	}

	res := r.flushLive(ts)
	r.run.terminal = kind

	switch kind {
	case stream.TerminalFailed:
		msg := "Execution failed"
		if t := strings.TrimSpace(text); t != "" {
			msg += ": " + t
		}
		res.merge(r.appendSystem(msg, ts))
	case stream.TerminalStopped:
		res.merge(r.appendSystem("Execution stopped", ts))
	}

	res.Recovery = &RecoveryRequest{
		Kind:      RecoveryReconcile,
		Run:       r.run.id,
		SessionID: r.sessionID,
	}
	return res
}

// Finish closes the run after a clean end of stream that carried no
// terminal frame. It behaves like a completed terminal.
func (r *Reducer) Finish() Result {
	return r.onTerminal(stream.TerminalCompleted, "", r.now())
}

// flushLive finalizes every agent that still holds streamed text and has
// not completed in this run (late text after AgentDone is dropped), then
// drops all transient per-run state. Completion dedupe still applies.
func (r *Reducer) flushLive(ts time.Time) Result {
	var res Result
	for _, name := range r.run.order {
		text := r.pendingText(name)
		if text == "" {
			continue
		}
		if r.run.processed[name] {
			logger.Debug("Dropping text from %s after completion", name)
			continue
		}
		r.run.processed[name] = true
		if msg, ok := r.finalize(name, text, ts); ok {
			res.Appended = append(res.Appended, msg)
		}
	}

	r.run.tools.reset()
	clear(r.run.buffered)
	clear(r.run.agents)
	r.run.order = nil
	return res
}

// ApplyRecovery feeds back a shared-output snapshot. Results for an older
// run and failed fetches are dropped without surfacing an error.
func (r *Reducer) ApplyRecovery(rr RecoveryResult) Result {
	if rr.Request.Run != r.run.id {
		logger.Debug("Dropping %s recovery for stale run %d (current %d)", rr.Request.Kind, rr.Request.Run, r.run.id)
		return Result{}
	}
	if rr.Err != nil {
		logger.Warn("Skipping %s recovery: %v", rr.Request.Kind, rr.Err)
		return Result{}
	}

	ts := r.now()
	switch rr.Request.Kind {
	case RecoveryFallback:
		return r.resolveFallback(rr.Outputs, ts)
	case RecoveryReconcile:
		return r.reconcile(rr.Outputs, ts)
	}
	return Result{}
}

// reconcile finalizes stored outputs that the stream never delivered.
func (r *Reducer) reconcile(outputs map[string]string, ts time.Time) Result {
	var res Result
	for _, name := range sortedKeys(outputs) {
		if name == stream.AgentSystem || name == "" {
			continue
		}
		out := outputs[name]
		if r.blanks.IsBlank(out) || r.hasContent(strings.TrimSpace(out)) {
			continue
		}
		if msg, ok := r.finalize(name, out, ts); ok {
			logger.Debug("Reconciled missing output from %s", name)
			res.Appended = append(res.Appended, msg)
		}
	}
	return res
}
