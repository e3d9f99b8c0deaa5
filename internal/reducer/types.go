package reducer

import (
	"time"

	"github.com/mark3labs/swarmwatch/internal/stream"
)

// Role is the speaker of a finalized message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// AgentStatus is the live status of an agent within a run.
type AgentStatus int

const (
	StatusIdle AgentStatus = iota
	StatusThinking
	StatusTyping
	StatusDone
)

func (s AgentStatus) String() string {
	switch s {
	case StatusThinking:
		return "thinking"
	case StatusTyping:
		return "typing"
	case StatusDone:
		return "done"
	default:
		return "idle"
	}
}

// MarshalText renders the status by name in JSON output.
func (s AgentStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AgentActivity is the live state of one agent.
type AgentActivity struct {
	Name      string      `json:"name"`
	Status    AgentStatus `json:"status"`
	Text      string      `json:"text"`
	StartedAt time.Time   `json:"started_at"`
}

// ToolCallRecord is a tool invocation whose parameters parsed completely.
// Result and Success are filled in place when the matching tool_result
// arrives.
type ToolCallRecord struct {
	Agent      string         `json:"agent"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Timestamp  time.Time      `json:"timestamp"`
	Result     string         `json:"result,omitempty"`
	Success    *bool          `json:"success,omitempty"`
}

// Resolved reports whether a tool result has been attached.
func (t *ToolCallRecord) Resolved() bool {
	return t.Success != nil || t.Result != ""
}

// Message is an entry in the displayed conversation.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Agent     string          `json:"agent,omitempty"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	ToolCall  *ToolCallRecord `json:"tool_call,omitempty"`
}

// Handoff is an observed transfer of control between agents.
type Handoff struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Approval is a tool invocation waiting for a human decision.
type Approval struct {
	ID         string    `json:"id"`
	Agent      string    `json:"agent"`
	Tool       string    `json:"tool"`
	Parameters string    `json:"parameters,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RecoveryKind identifies which asynchronous recovery a request is for.
type RecoveryKind int

const (
	// RecoveryFallback resolves a blank coordinator completion.
	RecoveryFallback RecoveryKind = iota + 1
	// RecoveryReconcile backfills outputs after the execution terminated.
	RecoveryReconcile
)

func (k RecoveryKind) String() string {
	switch k {
	case RecoveryFallback:
		return "fallback"
	case RecoveryReconcile:
		return "reconcile"
	default:
		return "none"
	}
}

// RecoveryRequest asks the caller to fetch the shared-output snapshot and
// hand it back through ApplyRecovery.
type RecoveryRequest struct {
	Kind      RecoveryKind
	Run       int
	SessionID string
}

// RecoveryResult carries the fetched per-agent outputs for a request.
type RecoveryResult struct {
	Request RecoveryRequest
	Outputs map[string]string
	Err     error
}

// Result describes what one transition changed.
type Result struct {
	Appended  []Message
	Updated   []Message
	ToolCalls []ToolCallRecord
	Recovery  *RecoveryRequest
}

func (r *Result) merge(other Result) {
	r.Appended = append(r.Appended, other.Appended...)
	r.Updated = append(r.Updated, other.Updated...)
	r.ToolCalls = append(r.ToolCalls, other.ToolCalls...)
	if other.Recovery != nil {
		r.Recovery = other.Recovery
	}
}

// Empty reports whether nothing visible changed.
func (r Result) Empty() bool {
	return len(r.Appended) == 0 && len(r.Updated) == 0 && len(r.ToolCalls) == 0 && r.Recovery == nil
}

// Snapshot is the display-ready state. It shares no memory with the
// reducer.
type Snapshot struct {
	SessionID         string            `json:"session_id,omitempty"`
	Run               int               `json:"run"`
	Paused            bool              `json:"paused"`
	Messages          []Message         `json:"messages"`
	Agents            []AgentActivity   `json:"agents"`
	Handoffs          []Handoff         `json:"handoffs,omitempty"`
	Artifacts         []stream.Artifact `json:"artifacts,omitempty"`
	PendingApprovals  []Approval        `json:"pending_approvals,omitempty"`
	Notices           []string          `json:"notices,omitempty"`
	Progress          *stream.Progress  `json:"progress,omitempty"`
	LastHandoffTarget string            `json:"last_handoff_target,omitempty"`
	Terminal          stream.Terminal   `json:"terminal"`
	UnknownEvents     int               `json:"unknown_events"`
	PendingToolCalls  int               `json:"pending_tool_calls"`
	LastEventAt       time.Time         `json:"last_event_at"`
}

// Agent returns the live activity for name.
func (s Snapshot) Agent(name string) (AgentActivity, bool) {
	for _, a := range s.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentActivity{}, false
}

// MessagesFrom returns the finalized messages attributed to agent.
func (s Snapshot) MessagesFrom(agent string) []Message {
	var out []Message
	for _, m := range s.Messages {
		if m.Agent == agent {
			out = append(out, m)
		}
	}
	return out
}
