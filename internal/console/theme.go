package console

import (
	"fmt"
	"strings"
	"sync"

	"charm.land/lipgloss/v2"
)

// Theme is the palette used for console output.
type Theme struct {
	Name string

	Primary   string
	Secondary string

	FgMuted string
	FgBase  string

	Success string
	Warning string
	Error   string
	Info    string

	styles     *Styles
	stylesOnce sync.Once
}

// Styles holds the pre-built styles for a theme.
type Styles struct {
	User      lipgloss.Style
	Agent     lipgloss.Style
	Content   lipgloss.Style
	System    lipgloss.Style
	Tool      lipgloss.Style
	ToolOK    lipgloss.Style
	ToolError lipgloss.Style
	Handoff   lipgloss.Style
	Muted     lipgloss.Style
	Summary   lipgloss.Style
}

// NewCatppuccinMocha returns the default palette.
func NewCatppuccinMocha() *Theme {
	return &Theme{
		Name:      "catppuccin-mocha",
		Primary:   "#cba6f7", // Mauve
		Secondary: "#89b4fa", // Blue
		FgMuted:   "#6c7086", // Overlay0
		FgBase:    "#cdd6f4", // Text
		Success:   "#a6e3a1", // Green
		Warning:   "#f9e2af", // Yellow
		Error:     "#f38ba8", // Red
		Info:      "#94e2d5", // Teal
	}
}

// S returns the styles for this theme, building them on first use.
func (t *Theme) S() *Styles {
	t.stylesOnce.Do(func() {
		t.styles = t.buildStyles()
	})
	return t.styles
}

func (t *Theme) buildStyles() *Styles {
	return &Styles{
		User:      lipgloss.NewStyle().Foreground(lipgloss.Color(t.Secondary)).Bold(true),
		Agent:     lipgloss.NewStyle().Foreground(lipgloss.Color(t.Primary)).Bold(true),
		Content:   lipgloss.NewStyle().Foreground(lipgloss.Color(t.FgBase)),
		System:    lipgloss.NewStyle().Foreground(lipgloss.Color(t.Warning)).Italic(true),
		Tool:      lipgloss.NewStyle().Foreground(lipgloss.Color(t.Info)),
		ToolOK:    lipgloss.NewStyle().Foreground(lipgloss.Color(t.Success)),
		ToolError: lipgloss.NewStyle().Foreground(lipgloss.Color(t.Error)),
		Handoff:   lipgloss.NewStyle().Foreground(lipgloss.Color(t.Secondary)).Italic(true),
		Muted:     lipgloss.NewStyle().Foreground(lipgloss.Color(t.FgMuted)),
		Summary:   lipgloss.NewStyle().Foreground(lipgloss.Color(t.Primary)).Bold(true),
	}
}

// plainStyles renders text unchanged.
func plainStyles() *Styles {
	s := lipgloss.NewStyle()
	return &Styles{
		User: s, Agent: s, Content: s, System: s, Tool: s,
		ToolOK: s, ToolError: s, Handoff: s, Muted: s, Summary: s,
	}
}

// ApplyGradient colors each rune of text along a gradient from colorA to
// colorB.
func ApplyGradient(text, colorA, colorB string) string {
	runes := []rune(text)
	if len(runes) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range runes {
		pos := 0.0
		if len(runes) > 1 {
			pos = float64(i) / float64(len(runes)-1)
		}
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(InterpolateColor(colorA, colorB, pos)))
		b.WriteString(style.Render(string(r)))
	}
	return b.String()
}

// InterpolateColor blends two #RRGGBB colors at pos in [0, 1].
func InterpolateColor(colorA, colorB string, pos float64) string {
	r1, g1, b1 := ParseHexColor(colorA)
	r2, g2, b2 := ParseHexColor(colorB)
	mix := func(a, b uint8) uint8 {
		return uint8(float64(a)*(1-pos) + float64(b)*pos)
	}
	return FormatHexColor(mix(r1, r2), mix(g1, g2), mix(b1, b2))
}

// ParseHexColor extracts RGB values from a #RRGGBB string. Malformed input
// yields black.
func ParseHexColor(hex string) (uint8, uint8, uint8) {
	hex = strings.TrimPrefix(hex, "#")
	var r, g, b uint8
	if len(hex) == 6 {
		_, _ = fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b)
	}
	return r, g, b
}

// FormatHexColor renders RGB values as #rrggbb.
func FormatHexColor(r, g, b uint8) string {
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}
