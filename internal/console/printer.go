// Package console renders the reduced conversation to a terminal.
package console

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mark3labs/swarmwatch/internal/reducer"
	"github.com/mark3labs/swarmwatch/internal/stream"
)

const maxResultLen = 200

// Options configures a Printer.
type Options struct {
	// NoColor disables styling.
	NoColor bool
	Theme   *Theme
}

// Printer writes finalized messages, tool activity, handoffs and notices as
// they are produced. Handle has the session listener signature.
type Printer struct {
	mu       sync.Mutex
	w        io.Writer
	s        *Styles
	handoffs int
	notices  int
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, opts Options) *Printer {
	p := &Printer{w: w}
	switch {
	case opts.NoColor:
		p.s = plainStyles()
	case opts.Theme != nil:
		p.s = opts.Theme.S()
	default:
		p.s = NewCatppuccinMocha().S()
	}
	return p
}

// Handle prints what res changed. snap supplies handoffs and notices that
// are not carried as messages.
func (p *Printer) Handle(snap reducer.Snapshot, res reducer.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range res.Appended {
		p.message(m)
	}
	for _, m := range res.Updated {
		if m.ToolCall != nil && m.ToolCall.Resolved() {
			p.toolResult(m.ToolCall)
		}
	}
	// Handoffs and notices accumulate for the whole session.
	if len(snap.Handoffs) < p.handoffs {
		p.handoffs = 0
	}
	for _, h := range snap.Handoffs[p.handoffs:] {
		line := fmt.Sprintf("↪ %s → %s", displayAgent(h.From), h.To)
		if h.Reason != "" {
			line += " (" + h.Reason + ")"
		}
		p.println(p.s.Handoff.Render(line))
	}
	p.handoffs = len(snap.Handoffs)

	if len(snap.Notices) < p.notices {
		p.notices = 0
	}
	for _, n := range snap.Notices[p.notices:] {
		p.println(p.s.System.Render("! " + n))
	}
	p.notices = len(snap.Notices)
}

func (p *Printer) message(m reducer.Message) {
	switch {
	case m.ToolCall != nil:
		p.toolCall(m.ToolCall)
	case m.Role == reducer.RoleUser:
		p.println(p.s.User.Render("▶ you"))
		p.println(p.s.Content.Render(m.Content))
	case m.Role == reducer.RoleSystem:
		p.println(p.s.System.Render("• " + m.Content))
	default:
		p.println(p.s.Agent.Render("◆ " + displayAgent(m.Agent)))
		p.println(p.s.Content.Render(m.Content))
	}
}

func (p *Printer) toolCall(tc *reducer.ToolCallRecord) {
	params := ""
	if len(tc.Parameters) > 0 {
		if data, err := json.Marshal(tc.Parameters); err == nil {
			params = " " + truncate(string(data), maxResultLen)
		}
	}
	p.println(p.s.Tool.Render(fmt.Sprintf("⚙ %s → %s", displayAgent(tc.Agent), tc.Tool)) + p.s.Muted.Render(params))
}

func (p *Printer) toolResult(tc *reducer.ToolCallRecord) {
	ok := tc.Success == nil || *tc.Success
	mark, style := "✓", p.s.ToolOK
	if !ok {
		mark, style = "✗", p.s.ToolError
	}
	line := fmt.Sprintf("  %s %s", mark, tc.Tool)
	if tc.Result != "" {
		line += ": " + truncate(oneLine(tc.Result), maxResultLen)
	}
	p.println(style.Render(line))
}

// Summary prints a one-line description of how the run ended.
func (p *Printer) Summary(snap reducer.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := snap.Terminal
	label := status.String()
	if status == stream.TerminalNone {
		label = "ended"
	}
	parts := []string{fmt.Sprintf("Run %s", label), fmt.Sprintf("%d messages", len(snap.Messages))}
	if n := len(snap.Handoffs); n > 0 {
		parts = append(parts, fmt.Sprintf("%d handoffs", n))
	}
	if snap.SessionID != "" {
		parts = append(parts, "session "+snap.SessionID)
	}
	p.println(p.s.Summary.Render(strings.Join(parts, " · ")))
}

func (p *Printer) println(s string) {
	_, _ = fmt.Fprintln(p.w, s)
}

func displayAgent(name string) string {
	if name == "" {
		return reducer.DefaultAgent
	}
	return name
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
