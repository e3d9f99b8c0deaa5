package reducer

import (
	"strings"
	"time"

	"github.com/mark3labs/swarmwatch/internal/stream"
)

// remember records name as known to this run, in first-seen order.
func (rn *run) remember(name string) {
	for _, k := range rn.known {
		if k == name {
			return
		}
	}
	rn.known = append(rn.known, name)
}

// ensureAgent returns the live activity for name, creating it as if the
// agent had just started.
func (r *Reducer) ensureAgent(name string, ts time.Time) *AgentActivity {
	if act, ok := r.run.agents[name]; ok {
		return act
	}
	act := &AgentActivity{Name: name, Status: StatusThinking, StartedAt: ts}
	r.run.agents[name] = act
	r.run.order = append(r.run.order, name)
	r.run.remember(name)
	return act
}

func (r *Reducer) onAgentStart(name string, ts time.Time) {
	if name == stream.AgentSystem {
		return
	}
	act := r.ensureAgent(name, ts)
	act.Status = StatusThinking
	act.Text = ""
	act.StartedAt = ts
	delete(r.run.buffered, name)
}

func (r *Reducer) onDelta(name, chunk string, ts time.Time) {
	if name == stream.AgentSystem || chunk == "" {
		return
	}
	act := r.ensureAgent(name, ts)
	act.Status = StatusTyping

	if r.paused {
		b, ok := r.run.buffered[name]
		if !ok {
			b = &strings.Builder{}
			r.run.buffered[name] = b
		}
		b.WriteString(chunk)
		return
	}
	act.Text += chunk
}

// SetPaused toggles pause. While paused, deltas are withheld per agent;
// resuming appends the withheld text to the live text in arrival order.
func (r *Reducer) SetPaused(paused bool) {
	if r.paused == paused {
		return
	}
	r.paused = paused
	if paused {
		return
	}
	for _, name := range r.run.order {
		b, ok := r.run.buffered[name]
		if !ok || b.Len() == 0 {
			continue
		}
		r.run.agents[name].Text += b.String()
	}
	clear(r.run.buffered)
}

// pendingText is everything the agent has streamed that is not finalized,
// including text withheld by a pause.
func (r *Reducer) pendingText(name string) string {
	var text string
	if act, ok := r.run.agents[name]; ok {
		text = act.Text
	}
	if b, ok := r.run.buffered[name]; ok {
		text += b.String()
	}
	return text
}

// finish clears the agent's streaming buffers and marks it done.
func (r *Reducer) finish(name string) {
	if act, ok := r.run.agents[name]; ok {
		act.Text = ""
		act.Status = StatusDone
	}
	delete(r.run.buffered, name)
	r.run.tools.discardAgent(name)
}
