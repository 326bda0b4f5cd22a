// ABOUTME: Immutable versioned B-tree root with copy-on-write mutation
// ABOUTME: Supports keyed find, ordinal navigation and prefix-bound search

package btree

import (
	"bytes"
)

// FindResult describes the outcome of a keyed search.
type FindResult int

const (
	// FindNotFound means the tree is empty; the cursor is cleared.
	FindNotFound FindResult = iota
	// FindExact means the key exists; the cursor points at it.
	FindExact
	// FindPrevious means the key does not exist; the cursor points at
	// the largest key smaller than it.
	FindPrevious
	// FindNext means the key does not exist and nothing is smaller;
	// the cursor points at the first key of the tree.
	FindNext
)

// RootNode is one immutable snapshot of the whole ordered key space,
// identified by the transaction id that produced it. A sealed root is
// never mutated; NewWritableRoot derives a mutable successor sharing
// all unchanged subtrees.
type RootNode struct {
	txnID    uint64
	root     *Node
	writable bool
}

// NewRootNode returns the empty sealed root at transaction id 0.
func NewRootNode() *RootNode {
	return &RootNode{}
}

// NewWritableRoot derives a writable copy-on-write successor version.
func (r *RootNode) NewWritableRoot(txnID uint64) *RootNode {
	return &RootNode{txnID: txnID, root: r.root, writable: true}
}

// Seal freezes the root; it is called exactly once, on publish.
func (r *RootNode) Seal() {
	r.writable = false
}

// Writable reports whether the root still accepts mutations.
func (r *RootNode) Writable() bool {
	return r.writable
}

// TransactionID returns the id of the transaction this version belongs to.
func (r *RootNode) TransactionID() uint64 {
	return r.txnID
}

// SetTransactionID renumbers a writable root. Used by recovery, where
// the version number is learned from the commit marker after the
// operations were already applied.
func (r *RootNode) SetTransactionID(txnID uint64) {
	r.txnID = txnID
}

// KeyCount returns the total number of keys in this version.
func (r *RootNode) KeyCount() int {
	if r.root == nil {
		return 0
	}
	return r.root.count
}

// lowerBound returns the ordinal of the first key >= target and whether
// that key equals target. The ordinal may equal KeyCount() when target
// is greater than every key.
func (r *RootNode) lowerBound(target []byte) (int, bool) {
	n := r.root
	if n == nil {
		return 0, false
	}
	idx := 0
	for !n.leaf {
		i := n.childIndex(target)
		for j := 0; j < i; j++ {
			idx += n.children[j].count
		}
		n = n.children[i]
	}
	i, found := n.leafSearch(target)
	return idx + i, found
}

// keyAt returns the key with the given ordinal. The caller guarantees
// 0 <= idx < KeyCount().
func (r *RootNode) keyAt(idx int) []byte {
	n := r.root
	for !n.leaf {
		i := 0
		for idx >= n.children[i].count {
			idx -= n.children[i].count
			i++
		}
		n = n.children[i]
	}
	return n.keys[idx]
}

// FindKey binary-searches for prefix+key and positions the cursor at
// the matched or adjacent entry. The returned ordinal is the position
// of the key the cursor ends up on, or -1 for an empty tree.
func (r *RootNode) FindKey(c *Cursor, prefix, key []byte) (FindResult, int) {
	c.Clear()
	if r.KeyCount() == 0 {
		return FindNotFound, -1
	}
	target := joinKey(prefix, key)
	idx, found := r.lowerBound(target)
	switch {
	case found:
		r.FillCursorByIndex(c, idx)
		return FindExact, idx
	case idx > 0:
		r.FillCursorByIndex(c, idx-1)
		return FindPrevious, idx - 1
	default:
		r.FillCursorByIndex(c, 0)
		return FindNext, 0
	}
}

// FillCursorByIndex fills the cursor path for an absolute ordinal.
// Returns false without touching the cursor validity if the ordinal is
// out of range.
func (r *RootNode) FillCursorByIndex(c *Cursor, idx int) bool {
	c.Clear()
	if idx < 0 || idx >= r.KeyCount() {
		return false
	}
	n := r.root
	for !n.leaf {
		i := 0
		for idx >= n.children[i].count {
			idx -= n.children[i].count
			i++
		}
		*c = append(*c, NodeIdxPair{Node: n, Idx: i})
		n = n.children[i]
	}
	*c = append(*c, NodeIdxPair{Node: n, Idx: idx})
	return true
}

// FindFirstWithPrefix returns the ordinal of the first key starting
// with prefix, or -1 if no key does.
func (r *RootNode) FindFirstWithPrefix(prefix []byte) int {
	if r.KeyCount() == 0 {
		return -1
	}
	if len(prefix) == 0 {
		return 0
	}
	idx, _ := r.lowerBound(prefix)
	if idx >= r.KeyCount() || !bytes.HasPrefix(r.keyAt(idx), prefix) {
		return -1
	}
	return idx
}

// FindLastWithPrefix returns the ordinal of the last key starting with
// prefix, or -1 if no key does.
func (r *RootNode) FindLastWithPrefix(prefix []byte) int {
	if r.KeyCount() == 0 {
		return -1
	}
	if len(prefix) == 0 {
		return r.KeyCount() - 1
	}
	idx := r.KeyCount()
	if end := prefixSuccessor(prefix); end != nil {
		idx, _ = r.lowerBound(end)
	}
	idx--
	if idx < 0 || !bytes.HasPrefix(r.keyAt(idx), prefix) {
		return -1
	}
	return idx
}

// CreateOrUpdate upserts prefix+key to point at addr and fills the
// cursor at the resulting position. Returns whether the key was newly
// created and its absolute ordinal.
func (r *RootNode) CreateOrUpdate(c *Cursor, prefix, key []byte, addr ValueAddr) (bool, int) {
	r.mustBeWritable()
	full := joinKey(prefix, key)

	created := false
	if r.root == nil {
		r.root = &Node{
			txn:   r.txnID,
			leaf:  true,
			keys:  [][]byte{full},
			vals:  []ValueAddr{addr},
			count: 1,
		}
		created = true
	} else {
		var split *Node
		r.root, split, created = r.insert(r.root, full, addr)
		if split != nil {
			left := r.root
			r.root = &Node{
				txn:      r.txnID,
				keys:     [][]byte{left.keys[0], split.keys[0]},
				children: []*Node{left, split},
				count:    left.count + split.count,
			}
		}
	}

	idx, _ := r.lowerBound(full)
	r.FillCursorByIndex(c, idx)
	return created, idx
}

func (r *RootNode) insert(n *Node, key []byte, addr ValueAddr) (*Node, *Node, bool) {
	n = n.cloneForTxn(r.txnID)

	if n.leaf {
		i, found := n.leafSearch(key)
		if found {
			n.vals[i] = addr
			return n, nil, false
		}
		n.keys = append(n.keys, nil)
		copy(n.keys[i+1:], n.keys[i:])
		n.keys[i] = key
		n.vals = append(n.vals, ValueAddr{})
		copy(n.vals[i+1:], n.vals[i:])
		n.vals[i] = addr
		n.count++
		if len(n.keys) > maxNodeEntries {
			return n, splitLeaf(n), true
		}
		return n, nil, true
	}

	i := n.childIndex(key)
	child, split, created := r.insert(n.children[i], key, addr)
	n.children[i] = child
	n.keys[i] = child.keys[0]
	if created {
		n.count++
	}
	if split != nil {
		n.keys = append(n.keys, nil)
		copy(n.keys[i+2:], n.keys[i+1:])
		n.keys[i+1] = split.keys[0]
		n.children = append(n.children, nil)
		copy(n.children[i+2:], n.children[i+1:])
		n.children[i+1] = split
	}
	if len(n.children) > maxNodeEntries {
		return n, splitBranch(n), created
	}
	return n, nil, created
}

// splitLeaf moves the upper half of n into a new right sibling.
func splitLeaf(n *Node) *Node {
	mid := len(n.keys) / 2
	right := &Node{
		txn:  n.txn,
		leaf: true,
		keys: append([][]byte(nil), n.keys[mid:]...),
		vals: append([]ValueAddr(nil), n.vals[mid:]...),
	}
	right.count = len(right.keys)
	n.keys = n.keys[:mid]
	n.vals = n.vals[:mid]
	n.count = len(n.keys)
	return right
}

// splitBranch moves the upper half of n's children into a new right sibling.
func splitBranch(n *Node) *Node {
	mid := len(n.children) / 2
	right := &Node{
		txn:      n.txn,
		keys:     append([][]byte(nil), n.keys[mid:]...),
		children: append([]*Node(nil), n.children[mid:]...),
	}
	for _, c := range right.children {
		right.count += c.count
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid]
	n.count -= right.count
	return right
}

// UpdateValueAtIndex replaces the value address of the key at an
// absolute ordinal and refills the cursor there.
func (r *RootNode) UpdateValueAtIndex(c *Cursor, idx int, addr ValueAddr) {
	r.mustBeWritable()
	r.root = r.updateValue(r.root, idx, addr)
	r.FillCursorByIndex(c, idx)
}

func (r *RootNode) updateValue(n *Node, idx int, addr ValueAddr) *Node {
	n = n.cloneForTxn(r.txnID)
	if n.leaf {
		n.vals[idx] = addr
		return n
	}
	i := 0
	for idx >= n.children[i].count {
		idx -= n.children[i].count
		i++
	}
	n.children[i] = r.updateValue(n.children[i], idx, addr)
	return n
}

// EraseRange removes the keys with absolute ordinals [first, last].
// Bounds outside the tree are ignored after clamping; an inverted range
// is a no-op.
func (r *RootNode) EraseRange(first, last int) {
	r.mustBeWritable()
	if r.root == nil {
		return
	}
	if first < 0 {
		first = 0
	}
	if last >= r.root.count {
		last = r.root.count - 1
	}
	if first > last {
		return
	}
	r.root = r.erase(r.root, first, last)
	for r.root != nil && !r.root.leaf && len(r.root.children) == 1 {
		r.root = r.root.children[0]
	}
}

// erase removes subtree-relative ordinals [first, last] from n and
// returns the replacement node, or nil when the subtree empties.
func (r *RootNode) erase(n *Node, first, last int) *Node {
	if first <= 0 && last >= n.count-1 {
		return nil
	}
	n = n.cloneForTxn(r.txnID)

	if n.leaf {
		n.keys = append(n.keys[:first], n.keys[last+1:]...)
		n.vals = append(n.vals[:first], n.vals[last+1:]...)
		n.count = len(n.keys)
		return n
	}

	offset := 0
	i := 0
	for i < len(n.children) {
		child := n.children[i]
		cf, cl := first-offset, last-offset
		offset += child.count
		if cl < 0 || cf >= child.count {
			i++
			continue
		}
		if cf < 0 {
			cf = 0
		}
		if cl > child.count-1 {
			cl = child.count - 1
		}
		replaced := r.erase(child, cf, cl)
		if replaced == nil {
			n.keys = append(n.keys[:i], n.keys[i+1:]...)
			n.children = append(n.children[:i], n.children[i+1:]...)
			continue
		}
		n.children[i] = replaced
		n.keys[i] = replaced.keys[0]
		i++
	}

	if len(n.children) == 0 {
		return nil
	}
	n.count = 0
	for _, child := range n.children {
		n.count += child.count
	}
	return n
}

func (r *RootNode) mustBeWritable() {
	if !r.writable {
		panic("btree: mutation of a sealed root")
	}
}
