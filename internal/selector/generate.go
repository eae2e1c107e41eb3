package selector

import (
	"fmt"
	"strings"
)

// testAttrs are known test-hook conventions, in priority order.
var testAttrs = []string{"data-testid", "data-cy", "data-test", "data-automation-id"}

// maxPathDepth caps how many ancestor levels a positional fallback may
// include. Paths joined at this cap are not re-checked for uniqueness;
// on a deep, repetitive DOM the fallback is best-effort only.
const maxPathDepth = 5

// Generate returns a locator for target. It tries successively weaker
// strategies and accepts the first candidate that uniquely identifies
// the target within the tree; the positional fallback always produces a
// non-empty result.
func Generate(target *Node) string {
	root := target.Root()

	if s, ok := byID(root, target); ok {
		return s
	}
	if s, ok := byTestAttr(root, target); ok {
		return s
	}
	if s, ok := byClass(root, target); ok {
		return s
	}
	if s, ok := byTagAttr(root, target); ok {
		return s
	}
	return byPath(root, target)
}

// stableID reports whether an id value looks hand-written rather than
// generated. Numeric-leading and colon-containing ids (React, Ember,
// various SSR frameworks) churn between page loads.
func stableID(id string) bool {
	if id == "" {
		return false
	}
	if id[0] >= '0' && id[0] <= '9' {
		return false
	}
	return !strings.Contains(id, ":")
}

func byID(root, target *Node) (string, bool) {
	id := target.Attr("id")
	if !stableID(id) {
		return "", false
	}
	if count(root, func(n *Node) bool { return n.Attr("id") == id }) != 1 {
		return "", false
	}
	return "#" + id, true
}

func byTestAttr(root, target *Node) (string, bool) {
	for _, attr := range testAttrs {
		v := target.Attr(attr)
		if v == "" {
			continue
		}
		if count(root, func(n *Node) bool { return n.Attr(attr) == v }) == 1 {
			return fmt.Sprintf("[%s=%q]", attr, v), true
		}
	}
	return "", false
}

func byClass(root, target *Node) (string, bool) {
	classes := target.Classes()
	if len(classes) == 0 {
		return "", false
	}
	for _, c := range classes {
		if count(root, func(n *Node) bool { return n.hasClass(c) }) == 1 {
			return "." + c, true
		}
	}
	if len(classes) < 2 {
		return "", false
	}
	combo := classes
	if len(combo) > 3 {
		combo = combo[:3]
	}
	match := func(n *Node) bool {
		for _, c := range combo {
			if !n.hasClass(c) {
				return false
			}
		}
		return true
	}
	if count(root, match) == 1 {
		return "." + strings.Join(combo, "."), true
	}
	return "", false
}

// byTagAttr qualifies form and actionable elements by the attribute a
// human would recognize them by.
func byTagAttr(root, target *Node) (string, bool) {
	var attrs []string
	switch target.Tag {
	case "input", "textarea", "select":
		attrs = []string{"name", "placeholder"}
	case "button", "a":
		attrs = []string{"aria-label"}
	default:
		return "", false
	}
	for _, attr := range attrs {
		v := target.Attr(attr)
		if v == "" {
			continue
		}
		sel := fmt.Sprintf("%s[%s=%q]", target.Tag, attr, v)
		if count(root, func(n *Node) bool { return n.Tag == target.Tag && n.Attr(attr) == v }) == 1 {
			return sel, true
		}
	}
	return "", false
}

// byPath builds a positional path from target upward, excluding the
// document root, qualified by nth-child only where sibling tags collide.
// An ancestor with a unique stable id short-circuits the climb.
func byPath(root, target *Node) string {
	var parts []string
	n := target
	for depth := 0; n != nil && n.Parent != nil && depth <= maxPathDepth; depth++ {
		if depth > 0 {
			if id := n.Attr("id"); stableID(id) &&
				count(root, func(m *Node) bool { return m.Attr("id") == id }) == 1 {
				parts = append([]string{"#" + id}, parts...)
				return strings.Join(parts, " > ")
			}
		}
		parts = append([]string{segment(n)}, parts...)
		n = n.Parent
	}
	return strings.Join(parts, " > ")
}

// segment renders one path level, adding an nth-child index only when a
// sibling shares the same tag.
func segment(n *Node) string {
	if n.Parent == nil {
		return n.Tag
	}
	collision := false
	pos := 0
	for i, sib := range n.Parent.Children {
		if sib == n {
			pos = i + 1
			continue
		}
		if sib.Tag == n.Tag {
			collision = true
		}
	}
	if collision {
		return fmt.Sprintf("%s:nth-child(%d)", n.Tag, pos)
	}
	return n.Tag
}
