package reducer

import (
	"encoding/json"
	"strings"
)

// HandoffTool is the tool name the backend uses to transfer control.
const HandoffTool = "handoff_to_agent"

type toolKey struct {
	agent string
	tool  string
}

// toolAccumulator buffers parameter fragments per (agent, tool) until they
// form a complete JSON object. Incomplete entries are never surfaced.
type toolAccumulator struct {
	entries map[toolKey]*strings.Builder
}

func newToolAccumulator() *toolAccumulator {
	return &toolAccumulator{entries: make(map[toolKey]*strings.Builder)}
}

// observe appends fragment and returns the parsed parameters the first time
// the accumulated text is a complete object. The entry is deleted on
// completion, so a later fragment for the same key starts a new call.
func (a *toolAccumulator) observe(agent, tool, fragment string) (map[string]any, bool) {
	key := toolKey{agent: agent, tool: tool}
	b, ok := a.entries[key]
	if !ok {
		if fragment == "" {
			return nil, false
		}
		b = &strings.Builder{}
		a.entries[key] = b
	}
	b.WriteString(fragment)

	text := strings.TrimSpace(b.String())
	if !strings.HasPrefix(text, "{") || !strings.HasSuffix(text, "}") {
		return nil, false
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(text), &params); err != nil {
		return nil, false
	}

	delete(a.entries, key)
	if params == nil {
		params = map[string]any{}
	}
	return params, true
}

// discardAgent drops every unfinished entry owned by agent.
func (a *toolAccumulator) discardAgent(agent string) {
	for key := range a.entries {
		if key.agent == agent {
			delete(a.entries, key)
		}
	}
}

func (a *toolAccumulator) reset() {
	clear(a.entries)
}

func (a *toolAccumulator) pending() int {
	return len(a.entries)
}

// handoffTarget extracts the destination agent from handoff_to_agent
// parameters.
func handoffTarget(params map[string]any) string {
	for _, key := range []string{"agent_name", "agent", "target_agent", "to_agent", "to"} {
		if v, ok := params[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
