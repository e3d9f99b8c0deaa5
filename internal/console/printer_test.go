package console

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/swarmwatch/internal/reducer"
	"github.com/mark3labs/swarmwatch/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plainPrinter() (*Printer, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewPrinter(&buf, Options{NoColor: true}), &buf
}

func TestPrinterMessages(t *testing.T) {
	p, buf := plainPrinter()

	p.Handle(reducer.Snapshot{}, reducer.Result{Appended: []reducer.Message{
		{Role: reducer.RoleUser, Content: "What is the capital of France?"},
		{Role: reducer.RoleAssistant, Agent: "researcher", Content: "Paris"},
		{Role: reducer.RoleAssistant, Content: "unnamed"},
		{Role: reducer.RoleSystem, Content: "Execution stopped"},
	}})

	want := strings.Join([]string{
		"▶ you",
		"What is the capital of France?",
		"◆ researcher",
		"Paris",
		"◆ assistant",
		"unnamed",
		"• Execution stopped",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
}

func TestPrinterToolCalls(t *testing.T) {
	p, buf := plainPrinter()

	call := &reducer.ToolCallRecord{Agent: "researcher", Tool: "search", Parameters: map[string]any{"q": "paris"}}
	p.Handle(reducer.Snapshot{}, reducer.Result{Appended: []reducer.Message{
		{Role: reducer.RoleAssistant, Agent: "researcher", Content: "Calling tool search", ToolCall: call},
	}})
	assert.Equal(t, "⚙ researcher → search {\"q\":\"paris\"}\n", buf.String())

	buf.Reset()
	ok := true
	resolved := *call
	resolved.Result = "Paris is\nthe capital"
	resolved.Success = &ok
	p.Handle(reducer.Snapshot{}, reducer.Result{Updated: []reducer.Message{
		{ToolCall: &resolved},
		{ToolCall: &reducer.ToolCallRecord{Tool: "pending"}},
	}})
	assert.Equal(t, "  ✓ search: Paris is the capital\n", buf.String())

	buf.Reset()
	failed := false
	p.Handle(reducer.Snapshot{}, reducer.Result{Updated: []reducer.Message{
		{ToolCall: &reducer.ToolCallRecord{Tool: "fetch", Result: "timeout", Success: &failed}},
	}})
	assert.Equal(t, "  ✗ fetch: timeout\n", buf.String())
}

func TestPrinterHandoffsAndNoticesPrintedOnce(t *testing.T) {
	p, buf := plainPrinter()

	snap := reducer.Snapshot{
		Handoffs: []reducer.Handoff{{From: "researcher", To: "reviewer", Reason: "check facts"}},
		Notices:  []string{"Agent needed: legal (contract review)"},
	}
	p.Handle(snap, reducer.Result{})
	p.Handle(snap, reducer.Result{})

	assert.Equal(t, "↪ researcher → reviewer (check facts)\n! Agent needed: legal (contract review)\n", buf.String())

	buf.Reset()
	snap.Handoffs = append(snap.Handoffs, reducer.Handoff{To: "writer"})
	p.Handle(snap, reducer.Result{})
	assert.Equal(t, "↪ assistant → writer\n", buf.String())
}

func TestPrinterSummary(t *testing.T) {
	p, buf := plainPrinter()

	p.Summary(reducer.Snapshot{
		SessionID: "sess-1",
		Messages:  make([]reducer.Message, 3),
		Handoffs:  make([]reducer.Handoff, 1),
		Terminal:  stream.TerminalCompleted,
	})
	assert.Equal(t, "Run completed · 3 messages · 1 handoffs · session sess-1\n", buf.String())

	buf.Reset()
	p.Summary(reducer.Snapshot{})
	assert.Equal(t, "Run ended · 0 messages\n", buf.String())
}

func TestPrinterTruncatesLongResults(t *testing.T) {
	p, buf := plainPrinter()

	long := strings.Repeat("x", maxResultLen+50)
	p.Handle(reducer.Snapshot{}, reducer.Result{Updated: []reducer.Message{
		{ToolCall: &reducer.ToolCallRecord{Tool: "dump", Result: long, Timestamp: time.Now()}},
	}})
	out := strings.TrimSuffix(buf.String(), "\n")
	assert.True(t, strings.HasSuffix(out, "…"))
	assert.Len(t, []rune(out), len([]rune("  ✓ dump: "))+maxResultLen+1)
}

func TestColorPrinterKeepsContent(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, Options{})

	p.Handle(reducer.Snapshot{}, reducer.Result{Appended: []reducer.Message{
		{Role: reducer.RoleAssistant, Agent: "researcher", Content: "Paris"},
	}})
	require.Contains(t, buf.String(), "researcher")
	assert.Contains(t, buf.String(), "Paris")
}

func TestInterpolateColor(t *testing.T) {
	assert.Equal(t, "#000000", InterpolateColor("#000000", "#ffffff", 0))
	assert.Equal(t, "#ffffff", InterpolateColor("#000000", "#ffffff", 1))
	assert.Equal(t, "#7f7f7f", InterpolateColor("#000000", "#ffffff", 0.5))

	r, g, b := ParseHexColor("bad")
	assert.Equal(t, [3]uint8{0, 0, 0}, [3]uint8{r, g, b})
	assert.Equal(t, "", ApplyGradient("", "#000000", "#ffffff"))
}
