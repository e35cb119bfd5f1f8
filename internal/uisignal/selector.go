package uisignal

import (
	"fmt"
	"strings"
)

// Selector is a parsed targeting expression: one or more compound parts
// separated by whitespace (descendant combinator). Each compound part may
// combine a tag name, an #id, .classes, and [attr] / [attr=value] tests,
// e.g. "nav.sidebar button#create-task[data-role=primary]".
type Selector struct {
	parts []compound
	expr  string
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrTest
}

type attrTest struct {
	key      string
	value    string
	hasValue bool
}

// Parse parses a targeting expression. Malformed expressions return an error;
// callers are expected to treat a parse error as "matches nothing" rather
// than failing their whole arm cycle.
func Parse(expr string) (Selector, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return Selector{}, fmt.Errorf("uisignal: empty selector")
	}

	sel := Selector{expr: expr, parts: make([]compound, 0, len(fields))}
	for _, f := range fields {
		c, err := parseCompound(f)
		if err != nil {
			return Selector{}, fmt.Errorf("uisignal: selector %q: %w", expr, err)
		}
		sel.parts = append(sel.parts, c)
	}
	return sel, nil
}

// String returns the original expression.
func (s Selector) String() string { return s.expr }

func parseCompound(src string) (compound, error) {
	var c compound
	i := 0

	// Optional leading tag name.
	if i < len(src) && isNameChar(src[i]) {
		start := i
		for i < len(src) && isNameChar(src[i]) {
			i++
		}
		c.tag = src[start:i]
	}

	for i < len(src) {
		switch src[i] {
		case '#':
			i++
			name, n, err := readName(src[i:])
			if err != nil {
				return compound{}, fmt.Errorf("after '#': %w", err)
			}
			if c.id != "" {
				return compound{}, fmt.Errorf("multiple ids in %q", src)
			}
			c.id = name
			i += n
		case '.':
			i++
			name, n, err := readName(src[i:])
			if err != nil {
				return compound{}, fmt.Errorf("after '.': %w", err)
			}
			c.classes = append(c.classes, name)
			i += n
		case '[':
			end := strings.IndexByte(src[i:], ']')
			if end < 0 {
				return compound{}, fmt.Errorf("unterminated '[' in %q", src)
			}
			body := src[i+1 : i+end]
			if body == "" {
				return compound{}, fmt.Errorf("empty attribute test in %q", src)
			}
			if eq := strings.IndexByte(body, '='); eq >= 0 {
				key := body[:eq]
				if key == "" {
					return compound{}, fmt.Errorf("attribute test %q has no key", body)
				}
				val := strings.Trim(body[eq+1:], `"'`)
				c.attrs = append(c.attrs, attrTest{key: key, value: val, hasValue: true})
			} else {
				c.attrs = append(c.attrs, attrTest{key: body})
			}
			i += end + 1
		default:
			return compound{}, fmt.Errorf("unexpected character %q in %q", src[i], src)
		}
	}

	if c.tag == "" && c.id == "" && len(c.classes) == 0 && len(c.attrs) == 0 {
		return compound{}, fmt.Errorf("empty compound selector")
	}
	return c, nil
}

func readName(src string) (string, int, error) {
	i := 0
	for i < len(src) && isNameChar(src[i]) {
		i++
	}
	if i == 0 {
		return "", 0, fmt.Errorf("expected name")
	}
	return src[:i], i, nil
}

func isNameChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' ||
		b >= '0' && b <= '9' || b == '-' || b == '_'
}

// matchesCompound tests a single compound part against one element.
func matchesCompound(c compound, e *Element) bool {
	if e == nil {
		return false
	}
	if c.tag != "" && c.tag != e.Tag {
		return false
	}
	if c.id != "" && c.id != e.ID {
		return false
	}
	for _, cls := range c.classes {
		if !e.HasClass(cls) {
			return false
		}
	}
	for _, at := range c.attrs {
		v, ok := e.Attrs[at.key]
		if !ok {
			return false
		}
		if at.hasValue && v != at.value {
			return false
		}
	}
	return true
}

// Matches reports whether the selector matches the element directly: the last
// compound part matches e and any preceding parts match ancestors of e in
// order.
func (s Selector) Matches(e *Element) bool {
	if len(s.parts) == 0 || e == nil {
		return false
	}
	last := s.parts[len(s.parts)-1]
	if !matchesCompound(last, e) {
		return false
	}
	return matchesAncestors(s.parts[:len(s.parts)-1], e.Parent)
}

// matchesAncestors checks that the given compound parts match some ancestor
// chain of start, rightmost part nearest.
func matchesAncestors(parts []compound, start *Element) bool {
	if len(parts) == 0 {
		return true
	}
	part := parts[len(parts)-1]
	for a := start; a != nil; a = a.Parent {
		if matchesCompound(part, a) && matchesAncestors(parts[:len(parts)-1], a.Parent) {
			return true
		}
	}
	return false
}

// Closest returns the nearest element, starting from e and walking up through
// its ancestors, that the selector matches. Returns nil when nothing on the
// chain matches.
func (s Selector) Closest(e *Element) *Element {
	for cur := e; cur != nil; cur = cur.Parent {
		if s.Matches(cur) {
			return cur
		}
	}
	return nil
}
