package reducer

import "strings"

// DefaultBlankSentinels are the placeholder strings the backend emits in
// place of an empty output.
var DefaultBlankSentinels = []string{
	"[blank text]",
	"(no content)",
	"<blank>",
	"[empty]",
	"(empty)",
	"no content",
}

// Blanks recognizes placeholder outputs. Matching is case-insensitive on
// the trimmed text; empty and whitespace-only text is always blank.
type Blanks struct {
	set map[string]struct{}
}

// NewBlanks builds a matcher from sentinels. A nil slice selects
// DefaultBlankSentinels; an empty non-nil slice disables sentinel matching.
func NewBlanks(sentinels []string) Blanks {
	if sentinels == nil {
		sentinels = DefaultBlankSentinels
	}
	set := make(map[string]struct{}, len(sentinels))
	for _, s := range sentinels {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return Blanks{set: set}
}

// IsBlank reports whether text carries no real content.
func (b Blanks) IsBlank(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return true
	}
	_, ok := b.set[t]
	return ok
}
