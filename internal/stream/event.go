package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Kind is the closed set of event kinds the reducer understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindSessionStart
	KindAgentStart
	KindDelta
	KindToolCall
	KindToolResult
	KindArtifact
	KindHandoff
	KindAgentDone
	KindApprovalRequired
	KindExecutionTerminal
	KindError
	KindKeepalive
	KindAgentNeeded
	KindTaskProgress
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindSessionStart:      "session_start",
	KindAgentStart:        "agent_start",
	KindDelta:             "delta",
	KindToolCall:          "tool_call",
	KindToolResult:        "tool_result",
	KindArtifact:          "artifact",
	KindHandoff:           "handoff",
	KindAgentDone:         "agent_done",
	KindApprovalRequired:  "approval_required",
	KindExecutionTerminal: "execution_terminal",
	KindError:             "error",
	KindKeepalive:         "keepalive",
	KindAgentNeeded:       "agent_needed",
	KindTaskProgress:      "task_progress",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Terminal distinguishes how an execution ended.
type Terminal int

const (
	TerminalNone Terminal = iota
	TerminalCompleted
	TerminalFailed
	TerminalStopped
)

func (t Terminal) String() string {
	switch t {
	case TerminalCompleted:
		return "completed"
	case TerminalFailed:
		return "failed"
	case TerminalStopped:
		return "stopped"
	default:
		return "none"
	}
}

func (t Terminal) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Reserved agent names.
const (
	AgentSystem      = "system"
	AgentCoordinator = "coordinator"
)

// wireTypes maps every recognized wire "type" onto its kind.
var wireTypes = map[string]Kind{
	"session_start":          KindSessionStart,
	"agent_start":            KindAgentStart,
	"agent_started":          KindAgentStart,
	"delta":                  KindDelta,
	"text_generation":        KindDelta,
	"tool_call":              KindToolCall,
	"tool_result":            KindToolResult,
	"artifact":               KindArtifact,
	"artifacts_created":      KindArtifact,
	"handoff":                KindHandoff,
	"handoff.requested":      KindHandoff,
	"agent_done":             KindAgentDone,
	"agent_completed":        KindAgentDone,
	"tool_approval_required": KindApprovalRequired,
	"execution_failed":       KindExecutionTerminal,
	"session_complete":       KindExecutionTerminal,
	"done":                   KindExecutionTerminal,
	"task.complete":          KindExecutionTerminal,
	"execution_stopped":      KindExecutionTerminal,
	"error":                  KindError,
	"keepalive":              KindKeepalive,
	"agent.needed":           KindAgentNeeded,
	"task.progress":          KindTaskProgress,
}

// Artifact describes a file or document produced during a run.
type Artifact struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content,omitempty"`
}

// Progress is a task progress report.
type Progress struct {
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// Event is one normalized server message. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind      Kind
	Terminal  Terminal
	Type      string // raw wire type
	Agent     string
	Timestamp time.Time

	Text       string // delta chunk, final output, or error message
	Tool       string
	Params     string // parameter fragment as received
	Success    *bool
	Result     string
	Artifact   *Artifact
	From       string
	To         string
	SessionID  string
	ApprovalID string
	Progress   *Progress

	Raw json.RawMessage
}

// ErrMissingType is returned by Decode for objects without a "type" field.
var ErrMissingType = errors.New("event has no type")

type wireEvent struct {
	Type      string          `json:"type"`
	Agent     string          `json:"agent"`
	Content   json.RawMessage `json:"content"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
	SessionID string          `json:"session_id"`
	Tool      string          `json:"tool"`
	Message   string          `json:"message"`
}

// Decode normalizes one JSON frame into an Event. This is the only place
// that knows about the alternative field names the backend uses.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if w.Type == "" {
		return Event{}, ErrMissingType
	}

	d := decodePayload(w.Data)
	ev := Event{
		Type:      w.Type,
		Kind:      wireTypes[w.Type],
		Agent:     firstNonEmpty(w.Agent, d.str("agent"), d.str("agent_name")),
		Timestamp: parseTimestamp(w.Timestamp),
		Raw:       append(json.RawMessage(nil), data...),
	}
	content := rawText(w.Content)

	switch ev.Kind {
	case KindSessionStart:
		ev.SessionID = firstNonEmpty(w.SessionID, d.str("session_id"), d.str("sessionId"))

	case KindDelta:
		ev.Text = firstNonEmpty(content, d.str("chunk"), d.str("text"), d.str("content"))

	case KindToolCall:
		ev.Tool = firstNonEmpty(d.str("tool"), d.str("tool_name"), w.Tool, d.str("name"))
		ev.Params = firstNonEmpty(d.text("parameters"), d.text("params"), d.text("arguments"), d.text("parameters_fragment"))

	case KindToolResult:
		ev.Tool = firstNonEmpty(d.str("tool"), d.str("tool_name"), w.Tool, d.str("name"))
		ev.Success = d.boolean("success")
		ev.Result = firstNonEmpty(d.text("result"), d.text("output"), content)

	case KindArtifact:
		ev.Artifact = &Artifact{
			Name:    firstNonEmpty(d.str("name"), d.str("filename"), d.str("title")),
			Type:    firstNonEmpty(d.str("type"), d.str("artifact_type"), d.str("mime_type")),
			URL:     firstNonEmpty(d.str("url"), d.str("path")),
			Content: firstNonEmpty(d.text("content"), content),
		}

	case KindHandoff:
		ev.From = firstNonEmpty(d.str("from_agent"), d.str("from"), ev.Agent)
		ev.To = firstNonEmpty(d.str("to_agent"), d.str("to"), d.str("target_agent"))
		ev.Text = firstNonEmpty(d.str("reason"), content)

	case KindAgentDone:
		ev.Text = firstNonEmpty(d.text("output"), content, d.text("content"))

	case KindApprovalRequired:
		ev.Tool = firstNonEmpty(d.str("tool"), d.str("tool_name"), w.Tool)
		ev.ApprovalID = firstNonEmpty(d.str("approval_id"), d.str("id"))
		ev.Params = firstNonEmpty(d.text("parameters"), d.text("params"), d.text("arguments"))
		ev.Text = firstNonEmpty(content, d.str("message"), w.Message)

	case KindExecutionTerminal:
		switch w.Type {
		case "execution_failed":
			ev.Terminal = TerminalFailed
		case "execution_stopped":
			ev.Terminal = TerminalStopped
		default:
			ev.Terminal = TerminalCompleted
		}
		ev.Text = firstNonEmpty(d.str("error"), d.str("message"), content, w.Message)

	case KindError:
		ev.Text = firstNonEmpty(d.str("error"), d.str("message"), content, w.Message)

	case KindAgentNeeded:
		ev.Text = firstNonEmpty(d.str("reason"), d.str("message"), content)

	case KindTaskProgress:
		ev.Progress = &Progress{
			Percent: d.number("progress", "percent", "percentage"),
			Message: firstNonEmpty(d.str("message"), d.str("status"), content),
		}
	}

	return ev, nil
}

// payload wraps the optional "data" object with typed accessors.
type payload map[string]json.RawMessage

// decodePayload tolerates a missing or non-object "data" field.
func decodePayload(raw json.RawMessage) payload {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return p
}

// str returns the field when it is a JSON string.
func (p payload) str(key string) string {
	raw, ok := p[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// text returns a string field as-is, or any other JSON value in its
// compact encoded form.
func (p payload) text(key string) string {
	return rawText(p[key])
}

func (p payload) boolean(key string) *bool {
	raw, ok := p[key]
	if !ok {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	return &b
}

func (p payload) number(keys ...string) float64 {
	for _, key := range keys {
		raw, ok := p[key]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f
		}
	}
	return 0
}

func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// parseTimestamp accepts RFC3339 strings or unix seconds / milliseconds.
// Unparseable or missing values yield the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixTime(f)
		}
		return time.Time{}
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return time.Time{}
	}
	return unixTime(f)
}

func unixTime(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	// Values this large are milliseconds.
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
