package output

import (
	"github.com/fatih/color"

	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

// ColorScheme defines the colors used for the parts of the console report
type ColorScheme struct {
	Title     *color.Color
	Rule      *color.Color
	Label     *color.Color
	Value     *color.Color
	Muted     *color.Color
	Pass      *color.Color
	Warn      *color.Color
	Fail      *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	s := &ColorScheme{
		Title:     color.New(color.Bold),
		Rule:      color.New(color.FgCyan),
		Label:     color.New(color.Bold),
		Value:     color.New(color.FgCyan),
		Muted:     color.New(color.Faint),
		Pass:      color.New(color.FgGreen),
		Warn:      color.New(color.FgYellow),
		Fail:      color.New(color.FgRed),
		Highlight: color.New(color.FgMagenta),
	}
	// the console decides on color itself, not fatih/color's stdout check
	for _, c := range s.all() {
		c.EnableColor()
	}
	return s
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	s := DefaultColorScheme()
	for _, c := range s.all() {
		c.DisableColor()
	}
	return s
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{s.Title, s.Rule, s.Label, s.Value, s.Muted, s.Pass, s.Warn, s.Fail, s.Highlight}
}

// Verdict returns the icon and color for a threshold verdict.
func (s *ColorScheme) Verdict(v threshold.Verdict) (string, *color.Color) {
	switch v {
	case threshold.Pass:
		return "✓", s.Pass
	case threshold.Fail:
		return "✗", s.Fail
	default:
		return "?", s.Warn
	}
}

// Ratio colors a success fraction: green at or above good, yellow at or
// above fair, red below.
func (s *ColorScheme) Ratio(r, good, fair float64) *color.Color {
	switch {
	case r >= good:
		return s.Pass
	case r >= fair:
		return s.Warn
	default:
		return s.Fail
	}
}
