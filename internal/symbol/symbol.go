// Package symbol turns raw metric samples into discretized trend symbols and
// keeps the rolling indicator windows the pattern matcher reads.
package symbol

import (
	"fmt"
	"strings"
)

// Symbol is a discretized trend direction. Symbols are ordered:
// StrongDown < Down < Flat < Up < StrongUp, and the integer value is the
// signed magnitude of the move.
type Symbol int8

// Trend symbols.
const (
	StrongDown Symbol = -2
	Down       Symbol = -1
	Flat       Symbol = 0
	Up         Symbol = 1
	StrongUp   Symbol = 2
)

// All lists every symbol in ascending order.
var All = []Symbol{StrongDown, Down, Flat, Up, StrongUp}

var names = map[Symbol]string{
	StrongDown: "strong_down",
	Down:       "down",
	Flat:       "flat",
	Up:         "up",
	StrongUp:   "strong_up",
}

var glyphs = map[Symbol]string{
	StrongDown: "⬇",
	Down:       "↘",
	Flat:       "→",
	Up:         "↗",
	StrongUp:   "⬆",
}

// String returns the canonical text form, e.g. "strong_up".
func (s Symbol) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("symbol(%d)", int8(s))
}

// Glyph returns the arrow glyph used in reasoning traces.
func (s Symbol) Glyph() string {
	if g, ok := glyphs[s]; ok {
		return g
	}
	return "?"
}

// IsValid reports whether s is one of the five defined symbols.
func (s Symbol) IsValid() bool {
	return s >= StrongDown && s <= StrongUp
}

// Sign returns -1, 0 or 1.
func (s Symbol) Sign() int {
	switch {
	case s > 0:
		return 1
	case s < 0:
		return -1
	}
	return 0
}

// Satisfies reports whether an observed symbol meets a wanted pattern
// symbol: Flat only meets Flat, otherwise the move must point the same way
// with at least the wanted magnitude (StrongUp meets Up, Up does not meet
// StrongUp).
//
// Equality would be too strict: an accelerating run [Up, Up, StrongUp] has
// to match an [Up, Up] requirement at its newest points.
func (s Symbol) Satisfies(want Symbol) bool {
	switch {
	case want == Flat:
		return s == Flat
	case want > 0:
		return s >= want
	}
	return s <= want
}

// Parse accepts the canonical text form (case-insensitive, "-" or "_" as
// separator) or an arrow glyph, with or without an emoji variation selector.
func Parse(text string) (Symbol, error) {
	v := strings.TrimSpace(text)
	v = strings.TrimSuffix(v, "\ufe0f")
	for s, g := range glyphs {
		if v == g {
			return s, nil
		}
	}
	v = strings.ReplaceAll(strings.ToLower(v), "-", "_")
	for s, n := range names {
		if v == n {
			return s, nil
		}
	}
	return Flat, fmt.Errorf("unknown symbol %q", text)
}

// ParsePattern parses a list of symbols.
func ParsePattern(items []string) ([]Symbol, error) {
	out := make([]Symbol, 0, len(items))
	for i, item := range items {
		s, err := Parse(item)
		if err != nil {
			return nil, fmt.Errorf("pattern[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// FormatPattern renders a pattern as glyphs, e.g. "↗↗⬆".
func FormatPattern(p []Symbol) string {
	var b strings.Builder
	for _, s := range p {
		b.WriteString(s.Glyph())
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (s Symbol) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid symbol %d", int8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Symbol) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
