package selector

import (
	"encoding/json"
	"fmt"
)

type jsonNode struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []jsonNode        `json:"children,omitempty"`
}

// DecodeTree builds a node tree from its serialized form and resolves
// the capture target by its child-index path from the root. The capture
// script ships the pruned document alongside every event so uniqueness
// checks run against the page state at capture time.
func DecodeTree(data []byte, path []int) (*Node, error) {
	var jn jsonNode
	if err := json.Unmarshal(data, &jn); err != nil {
		return nil, fmt.Errorf("decode dom tree: %w", err)
	}
	root := build(jn, nil)
	target := root
	for i, idx := range path {
		if idx < 0 || idx >= len(target.Children) {
			return nil, fmt.Errorf("target path invalid at step %d: index %d of %d children", i, idx, len(target.Children))
		}
		target = target.Children[idx]
	}
	return target, nil
}

func build(jn jsonNode, parent *Node) *Node {
	n := &Node{Tag: jn.Tag, Attrs: jn.Attrs, Parent: parent}
	for _, c := range jn.Children {
		n.Children = append(n.Children, build(c, n))
	}
	return n
}
