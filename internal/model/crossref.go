package model

import (
	"fmt"
	"path"
	"strings"
)

// RefKind tags a CrossRef.
type RefKind int

const (
	RefUnresolved RefKind = iota
	RefLiteral
	RefLink
)

// CrossRef is the normalized form of every task or feed cross-reference
// field (projects, blockedBy, RELATED-TO). Stores hand these fields over in
// several shapes: "[[Some Note]]" wikilinks, markdown links, plain strings,
// or maps such as {uid: ..., reltype: ...}. They are all folded into one of
// three variants at ingestion time.
type CrossRef struct {
	Kind RefKind
	// Text is the literal value for RefLiteral and the normalized note path
	// for RefLink.
	Text string
}

func Literal(text string) CrossRef { return CrossRef{Kind: RefLiteral, Text: text} }

func Link(p string) CrossRef { return CrossRef{Kind: RefLink, Text: normalizeLinkPath(p)} }

func Unresolved() CrossRef { return CrossRef{} }

// NormalizeRef converts a raw field value into a CrossRef.
func NormalizeRef(raw any) CrossRef {
	switch v := raw.(type) {
	case nil:
		return Unresolved()
	case string:
		return normalizeString(v)
	case map[string]any:
		for _, key := range []string{"path", "uid", "link", "value"} {
			if s, ok := v[key].(string); ok && s != "" {
				if key == "path" || key == "link" {
					return Link(s)
				}
				return normalizeString(s)
			}
		}
		return Unresolved()
	default:
		return Literal(strings.TrimSpace(fmt.Sprint(v)))
	}
}

// NormalizeRefs converts a scalar-or-list field into CrossRefs, dropping
// unresolved entries.
func NormalizeRefs(raw any) []CrossRef {
	var items []any
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	default:
		items = []any{v}
	}

	out := make([]CrossRef, 0, len(items))
	for _, it := range items {
		ref := NormalizeRef(it)
		if ref.Kind == RefUnresolved {
			continue
		}
		out = append(out, ref)
	}
	return out
}

func normalizeString(s string) CrossRef {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unresolved()
	}
	// [[Note]] or [[Note|Alias]]
	if strings.HasPrefix(s, "[[") && strings.HasSuffix(s, "]]") {
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "[["), "]]")
		if i := strings.Index(inner, "|"); i >= 0 {
			inner = inner[:i]
		}
		if strings.TrimSpace(inner) == "" {
			return Unresolved()
		}
		return Link(inner)
	}
	// [Alias](path/to/note.md)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, ")") {
		if i := strings.Index(s, "]("); i > 0 {
			return Link(s[i+2 : len(s)-1])
		}
	}
	return Literal(s)
}

func normalizeLinkPath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.Index(p, "#"); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimSuffix(path.Clean(strings.ReplaceAll(p, "\\", "/")), ".md")
	return strings.TrimPrefix(p, "./")
}

// Matches reports whether two references point at the same thing. A link
// matches a literal when the literal names the link's note.
func (r CrossRef) Matches(o CrossRef) bool {
	if r.Kind == RefUnresolved || o.Kind == RefUnresolved {
		return false
	}
	if r.Kind == o.Kind {
		return strings.EqualFold(r.Text, o.Text)
	}
	link, lit := r, o
	if r.Kind == RefLiteral {
		link, lit = o, r
	}
	return strings.EqualFold(path.Base(link.Text), lit.Text) || strings.EqualFold(link.Text, lit.Text)
}

func (r CrossRef) String() string {
	switch r.Kind {
	case RefLink:
		return "[[" + r.Text + "]]"
	case RefLiteral:
		return r.Text
	default:
		return "<unresolved>"
	}
}
