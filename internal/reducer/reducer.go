// Package reducer folds the swarm event stream into a de-duplicated
// conversation and per-agent activity model.
//
// A Reducer is owned by a single goroutine. Apply is synchronous and never
// blocks; work that needs the network is returned as a RecoveryRequest and
// fed back later through ApplyRecovery.
package reducer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/swarmwatch/internal/logger"
	"github.com/mark3labs/swarmwatch/internal/stream"
)

// DefaultAgent is used for text events that do not name an agent.
const DefaultAgent = "assistant"

// Options configures a Reducer.
type Options struct {
	// BlankSentinels overrides DefaultBlankSentinels when non-nil.
	BlankSentinels []string
	// Now returns the time used when an event carries no timestamp.
	Now func() time.Time
	// NewID generates message ids.
	NewID func() string
}

// Reducer holds all conversation and per-run state.
type Reducer struct {
	blanks Blanks
	now    func() time.Time
	newID  func() string

	sessionID   string
	paused      bool
	messages    []Message
	lastContent map[string]string // agent -> trimmed content of its latest finalized message

	handoffs    []Handoff
	artifacts   []stream.Artifact
	approvals   []Approval
	notices     []string
	unknown     int
	lastEventAt time.Time

	runSeq int
	run    *run
}

// run is the state scoped to one execution. It is replaced wholesale when a
// new execution starts, which is what resets completion dedupe.
type run struct {
	id          int
	processed   map[string]bool
	agents      map[string]*AgentActivity
	order       []string
	known       []string
	buffered    map[string]*strings.Builder
	tools       *toolAccumulator
	lastHandoff string
	terminal    stream.Terminal
	progress    *stream.Progress
}

// New creates a Reducer with an open first run.
func New(opts Options) *Reducer {
	r := &Reducer{
		blanks:      NewBlanks(opts.BlankSentinels),
		now:         opts.Now,
		newID:       opts.NewID,
		lastContent: make(map[string]string),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	r.startRun()
	return r
}

func (r *Reducer) startRun() {
	r.runSeq++
	r.run = &run{
		id:        r.runSeq,
		processed: make(map[string]bool),
		agents:    make(map[string]*AgentActivity),
		buffered:  make(map[string]*strings.Builder),
		tools:     newToolAccumulator(),
	}
}

// SessionID returns the session id announced by the server, if any.
func (r *Reducer) SessionID() string {
	return r.sessionID
}

// SetSessionID records the session id chosen by the caller.
func (r *Reducer) SetSessionID(id string) {
	r.sessionID = id
}

// RunID identifies the current execution run.
func (r *Reducer) RunID() int {
	return r.run.id
}

// Apply reduces one event.
func (r *Reducer) Apply(ev stream.Event) Result {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	r.lastEventAt = ts

	switch ev.Kind {
	case stream.KindSessionStart:
		res := r.NewRun()
		if ev.SessionID != "" {
			r.sessionID = ev.SessionID
		}
		return res

	case stream.KindAgentStart:
		r.onAgentStart(agentName(ev.Agent), ts)

	case stream.KindDelta:
		r.onDelta(agentName(ev.Agent), ev.Text, ts)

	case stream.KindToolCall:
		return r.onToolCall(agentName(ev.Agent), ev.Tool, ev.Params, ts)

	case stream.KindToolResult:
		return r.onToolResult(agentName(ev.Agent), ev.Tool, ev.Result, ev.Success)

	case stream.KindHandoff:
		r.onHandoff(ev.From, ev.To, ev.Text, ts)

	case stream.KindAgentDone:
		return r.onAgentDone(agentName(ev.Agent), ev.Text, ts)

	case stream.KindExecutionTerminal:
		return r.onTerminal(ev.Terminal, ev.Text, ts)

	case stream.KindArtifact:
		if ev.Artifact != nil {
			r.artifacts = append(r.artifacts, *ev.Artifact)
		}

	case stream.KindApprovalRequired:
		r.approvals = append(r.approvals, Approval{
			ID:         ev.ApprovalID,
			Agent:      ev.Agent,
			Tool:       ev.Tool,
			Parameters: ev.Params,
			Message:    ev.Text,
			Timestamp:  ts,
		})

	case stream.KindError:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			text = "unknown error"
		}
		return r.appendSystem("Error: "+text, ts)

	case stream.KindTaskProgress:
		if ev.Progress != nil {
			p := *ev.Progress
			r.run.progress = &p
		}

	case stream.KindAgentNeeded:
		notice := "Agent needed"
		if ev.Agent != "" {
			notice += ": " + ev.Agent
		}
		if ev.Text != "" {
			notice += " (" + ev.Text + ")"
		}
		r.notices = append(r.notices, notice)

	case stream.KindKeepalive:
		// Only refreshes lastEventAt.

	default:
		r.unknown++
		logger.Debug("Ignoring unknown event type: %s", ev.Type)
	}

	return Result{}
}

// NewRun closes the current run and opens a fresh one. Text still streaming
// in the old run is finalized first so nothing is lost.
func (r *Reducer) NewRun() Result {
	res := r.flushLive(r.now())
	r.startRun()
	return res
}

// Abort discards transient state after a cancellation: unfinished tool-call
// fragments are dropped and partial agent text is finalized.
func (r *Reducer) Abort() Result {
	return r.flushLive(r.now())
}

// AddUserMessage appends the prompt that started a run.
func (r *Reducer) AddUserMessage(text string) Result {
	msg := Message{
		ID:        r.newID(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: r.now(),
	}
	r.messages = append(r.messages, msg)
	return Result{Appended: []Message{msg}}
}

// ReportError appends a single system message for a transport failure.
func (r *Reducer) ReportError(err error) Result {
	return r.appendSystem(fmt.Sprintf("Connection error: %v", err), r.now())
}

// Snapshot returns a deep copy of the display state.
func (r *Reducer) Snapshot() Snapshot {
	s := Snapshot{
		SessionID:         r.sessionID,
		Run:               r.run.id,
		Paused:            r.paused,
		Messages:          make([]Message, len(r.messages)),
		Agents:            make([]AgentActivity, 0, len(r.run.order)),
		Handoffs:          append([]Handoff(nil), r.handoffs...),
		Artifacts:         append([]stream.Artifact(nil), r.artifacts...),
		PendingApprovals:  append([]Approval(nil), r.approvals...),
		Notices:           append([]string(nil), r.notices...),
		LastHandoffTarget: r.run.lastHandoff,
		Terminal:          r.run.terminal,
		UnknownEvents:     r.unknown,
		PendingToolCalls:  r.run.tools.pending(),
		LastEventAt:       r.lastEventAt,
	}
	for i, m := range r.messages {
		s.Messages[i] = copyMessage(m)
	}
	for _, name := range r.run.order {
		s.Agents = append(s.Agents, *r.run.agents[name])
	}
	if r.run.progress != nil {
		p := *r.run.progress
		s.Progress = &p
	}
	return s
}

func (r *Reducer) appendSystem(content string, ts time.Time) Result {
	msg := Message{
		ID:        r.newID(),
		Role:      RoleSystem,
		Agent:     stream.AgentSystem,
		Content:   content,
		Timestamp: ts,
	}
	r.messages = append(r.messages, msg)
	return Result{Appended: []Message{msg}}
}

func (r *Reducer) onToolCall(agent, tool, fragment string, ts time.Time) Result {
	if agent == stream.AgentSystem || tool == "" {
		return Result{}
	}
	r.ensureAgent(agent, ts)

	params, ok := r.run.tools.observe(agent, tool, fragment)
	if !ok {
		return Result{}
	}
	if tool == HandoffTool {
		if target := handoffTarget(params); target != "" {
			r.onHandoff(agent, target, "", ts)
		}
	}

	rec := ToolCallRecord{
		Agent:      agent,
		Tool:       tool,
		Parameters: params,
		Timestamp:  ts,
	}
	msg := Message{
		ID:        "tool-" + r.newID(),
		Role:      RoleAssistant,
		Agent:     agent,
		Content:   fmt.Sprintf("Calling tool %s", tool),
		Timestamp: ts,
		ToolCall:  &rec,
	}
	r.messages = append(r.messages, msg)
	return Result{
		Appended:  []Message{copyMessage(msg)},
		ToolCalls: []ToolCallRecord{copyToolCall(rec)},
	}
}

// onToolResult updates the latest unresolved call for (agent, tool) in
// place.
func (r *Reducer) onToolResult(agent, tool, result string, success *bool) Result {
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := &r.messages[i]
		if m.ToolCall == nil || m.Agent != agent || m.ToolCall.Resolved() {
			continue
		}
		if tool != "" && m.ToolCall.Tool != tool {
			continue
		}
		rec := copyToolCall(*m.ToolCall)
		rec.Result = result
		if success != nil {
			ok := *success
			rec.Success = &ok
		} else {
			ok := true
			rec.Success = &ok
		}
		m.ToolCall = &rec
		return Result{Updated: []Message{copyMessage(*m)}}
	}
	logger.Debug("Tool result for %s/%s has no matching call", agent, tool)
	return Result{}
}

func (r *Reducer) onHandoff(from, to, reason string, ts time.Time) {
	if to == "" {
		return
	}
	r.run.lastHandoff = to
	r.run.remember(to)
	r.handoffs = append(r.handoffs, Handoff{From: from, To: to, Reason: reason, Timestamp: ts})
}

// finalize appends an assistant message unless text is blank or repeats
// the agent's most recent finalized message.
func (r *Reducer) finalize(agent, text string, ts time.Time) (Message, bool) {
	if r.blanks.IsBlank(text) {
		return Message{}, false
	}
	trimmed := strings.TrimSpace(text)
	if last, ok := r.lastContent[agent]; ok && last == trimmed {
		logger.Debug("Suppressing duplicate output from %s", agent)
		return Message{}, false
	}
	msg := Message{
		ID:        r.newID(),
		Role:      RoleAssistant,
		Agent:     agent,
		Content:   trimmed,
		Timestamp: ts,
	}
	r.messages = append(r.messages, msg)
	r.lastContent[agent] = trimmed
	return msg, true
}

// hasContent reports whether any finalized message carries exactly text.
func (r *Reducer) hasContent(trimmed string) bool {
	for _, m := range r.messages {
		if m.ToolCall == nil && strings.TrimSpace(m.Content) == trimmed {
			return true
		}
	}
	return false
}

func agentName(agent string) string {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return DefaultAgent
	}
	return agent
}

func copyMessage(m Message) Message {
	if m.ToolCall != nil {
		rec := copyToolCall(*m.ToolCall)
		m.ToolCall = &rec
	}
	return m
}

func copyToolCall(rec ToolCallRecord) ToolCallRecord {
	if rec.Parameters != nil {
		params := make(map[string]any, len(rec.Parameters))
		for k, v := range rec.Parameters {
			params[k] = v
		}
		rec.Parameters = params
	}
	if rec.Success != nil {
		ok := *rec.Success
		rec.Success = &ok
	}
	return rec
}
