// ABOUTME: Cursor path over one immutable tree version
// ABOUTME: Stack of (node, index) pairs with forward/backward stepping

package btree

// NodeIdxPair is one level of a cursor path: a node and the index taken
// within it (child index for branches, key index for leaves).
type NodeIdxPair struct {
	Node *Node
	Idx  int
}

// Cursor is the root-to-leaf trail identifying the currently selected
// key within one version. It is only meaningful for the exact version
// that filled it; rebinding a transaction to another version must clear
// it.
type Cursor []NodeIdxPair

// Clear invalidates the cursor.
func (c *Cursor) Clear() {
	*c = (*c)[:0]
}

// Valid reports whether the cursor points at a leaf entry.
func (c Cursor) Valid() bool {
	return len(c) > 0
}

// Key returns the full key at the cursor position.
func (c Cursor) Key() []byte {
	top := c[len(c)-1]
	return top.Node.keys[top.Idx]
}

// ValueAddr returns the value address at the cursor position.
func (c Cursor) ValueAddr() ValueAddr {
	top := c[len(c)-1]
	return top.Node.vals[top.Idx]
}

// Next steps the cursor one position forward in whole-tree order.
// Stepping off the end clears the cursor and returns false.
func (c *Cursor) Next() bool {
	s := *c
	if len(s) == 0 {
		return false
	}

	// Advance within the current leaf if possible.
	li := len(s) - 1
	s[li].Idx++
	if s[li].Idx < len(s[li].Node.keys) {
		return true
	}

	// Backtrack to the first ancestor with a further child.
	s = s[:li]
	for len(s) > 0 {
		pi := len(s) - 1
		s[pi].Idx++
		if s[pi].Idx < len(s[pi].Node.children) {
			*c = descendLeftmost(s, s[pi].Node.children[s[pi].Idx])
			return true
		}
		s = s[:pi]
	}

	*c = s
	return false
}

// Prev steps the cursor one position back in whole-tree order.
// Stepping off the front clears the cursor and returns false.
func (c *Cursor) Prev() bool {
	s := *c
	if len(s) == 0 {
		return false
	}

	li := len(s) - 1
	s[li].Idx--
	if s[li].Idx >= 0 {
		return true
	}

	s = s[:li]
	for len(s) > 0 {
		pi := len(s) - 1
		s[pi].Idx--
		if s[pi].Idx >= 0 {
			*c = descendRightmost(s, s[pi].Node.children[s[pi].Idx])
			return true
		}
		s = s[:pi]
	}

	*c = s
	return false
}

func descendLeftmost(s Cursor, n *Node) Cursor {
	for !n.leaf {
		s = append(s, NodeIdxPair{Node: n, Idx: 0})
		n = n.children[0]
	}
	return append(s, NodeIdxPair{Node: n, Idx: 0})
}

func descendRightmost(s Cursor, n *Node) Cursor {
	for !n.leaf {
		last := len(n.children) - 1
		s = append(s, NodeIdxPair{Node: n, Idx: last})
		n = n.children[last]
	}
	return append(s, NodeIdxPair{Node: n, Idx: len(n.keys) - 1})
}
