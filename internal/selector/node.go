// Package selector derives stable CSS locators for DOM-like elements.
// Generation is deterministic for a fixed tree and every candidate is
// verified unique against the tree before it is accepted.
package selector

import "strings"

// Node is a DOM-like element. Trees are built by the capture layer from
// serialized page snapshots; the generator never touches a live page.
type Node struct {
	Tag      string
	Attrs    map[string]string
	Parent   *Node
	Children []*Node
}

// Append adds c as the last child of n and sets its parent link.
func (n *Node) Append(c *Node) *Node {
	c.Parent = n
	n.Children = append(n.Children, c)
	return c
}

// Attr returns the value of the named attribute, or "".
func (n *Node) Attr(key string) string {
	if n.Attrs == nil {
		return ""
	}
	return n.Attrs[key]
}

// Classes returns the element's class list in document order.
func (n *Node) Classes() []string {
	return strings.Fields(n.Attr("class"))
}

func (n *Node) hasClass(name string) bool {
	for _, c := range n.Classes() {
		if c == name {
			return true
		}
	}
	return false
}

// Root walks parent links to the top of the tree.
func (n *Node) Root() *Node {
	r := n
	for r.Parent != nil {
		r = r.Parent
	}
	return r
}

// walk visits every node in the tree in document order.
func walk(n *Node, fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		walk(c, fn)
	}
}

// count returns how many nodes in the tree rooted at root satisfy pred.
func count(root *Node, pred func(*Node) bool) int {
	total := 0
	walk(root, func(n *Node) {
		if pred(n) {
			total++
		}
	})
	return total
}
