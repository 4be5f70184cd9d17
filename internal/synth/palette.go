package synth

import (
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	// DefaultFillOpacity is the opacity fill colors are rendered at.
	DefaultFillOpacity = 0.15
	// DefaultColor is used when nothing else resolves.
	DefaultColor = "#808080"
)

// Palette resolves category values (priorities, statuses, subscriptions) to
// concrete colors. Configured colors may be hex values or symbolic tokens
// ("accent", "var(--color-red)") that are looked up in Symbols.
type Palette struct {
	Priorities    map[string]string
	Statuses      map[string]string
	Subscriptions map[string]string
	Symbols       map[string]string

	Default string
	Opacity float64
}

// Swatch is a resolved border/fill pair.
type Swatch struct {
	Border string
	Fill   string
}

// ForPriority resolves a priority value.
func (p Palette) ForPriority(v string) Swatch { return p.swatch(lookup(p.Priorities, v)) }

// ForStatus resolves a status value.
func (p Palette) ForStatus(v string) Swatch { return p.swatch(lookup(p.Statuses, v)) }

// ForSubscription resolves a feed color.
func (p Palette) ForSubscription(id string) Swatch { return p.swatch(lookup(p.Subscriptions, id)) }

func (p Palette) swatch(raw string) Swatch {
	c := p.resolve(raw)
	r, g, b := c.RGB255()
	return Swatch{
		Border: c.Hex(),
		Fill:   "rgba(" + strconv.Itoa(int(r)) + ", " + strconv.Itoa(int(g)) + ", " + strconv.Itoa(int(b)) + ", " + strconv.FormatFloat(p.opacity(), 'f', -1, 64) + ")",
	}
}

// resolve follows symbolic references and falls back to the default color
// for anything that does not end in a parseable color.
func (p Palette) resolve(raw string) colorful.Color {
	for _, candidate := range []string{raw, p.Default, DefaultColor} {
		if c, ok := p.parse(candidate); ok {
			return c
		}
	}
	// DefaultColor always parses.
	c, _ := colorful.Hex(DefaultColor)
	return c
}

func (p Palette) parse(raw string) (colorful.Color, bool) {
	v := strings.TrimSpace(raw)
	// Symbols may point at other symbols; bound the chain.
	for range 8 {
		if v == "" {
			return colorful.Color{}, false
		}
		if c, err := colorful.Hex(v); err == nil {
			return c, true
		}
		next := lookup(p.Symbols, symbolName(v))
		if next == "" {
			return colorful.Color{}, false
		}
		v = strings.TrimSpace(next)
	}
	return colorful.Color{}, false
}

func (p Palette) opacity() float64 {
	if p.Opacity <= 0 || p.Opacity > 1 {
		return DefaultFillOpacity
	}
	return p.Opacity
}

// symbolName strips a CSS var() wrapper: "var(--color-red)" -> "color-red".
func symbolName(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if strings.HasPrefix(v, "var(") && strings.HasSuffix(v, ")") {
		v = strings.TrimSpace(v[4 : len(v)-1])
		if i := strings.Index(v, ","); i >= 0 {
			v = strings.TrimSpace(v[:i])
		}
	}
	return strings.TrimPrefix(v, "--")
}

func lookup(m map[string]string, key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
