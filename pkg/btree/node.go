// ABOUTME: In-memory B-tree node with per-subtree key counts
// ABOUTME: Implements copy-on-write cloning keyed by owning transaction id

package btree

import (
	"bytes"
	"sort"
)

// maxNodeEntries is the split threshold for both leaves and branches.
const maxNodeEntries = 32

// ValueAddr locates a value inside the append-only value log.
// The tree never interprets it.
type ValueAddr struct {
	FileIndex uint32
	Offset    uint64
	Size      int32
}

// Node is one tree node. Nodes are immutable once their owning version
// is sealed; a writable version clones any node it does not own before
// mutating it (see cloneForTxn).
//
// Invariants:
//   - leaf: keys and vals are parallel, keys sorted ascending
//   - branch: keys[i] is the smallest key in children[i]'s subtree
//   - count is the total number of keys in the subtree
type Node struct {
	txn      uint64
	leaf     bool
	keys     [][]byte
	vals     []ValueAddr // leaf only
	children []*Node     // branch only
	count    int
}

// cloneForTxn returns a node owned by txn, cloning if necessary.
// A node already created by txn is mutated in place; anything else
// belongs to an older sealed version and must be copied.
func (n *Node) cloneForTxn(txn uint64) *Node {
	if n.txn == txn {
		return n
	}
	c := &Node{txn: txn, leaf: n.leaf, count: n.count}
	c.keys = append([][]byte(nil), n.keys...)
	if n.leaf {
		c.vals = append([]ValueAddr(nil), n.vals...)
	} else {
		c.children = append([]*Node(nil), n.children...)
	}
	return c
}

// leafSearch returns the position of the first key >= target.
func (n *Node) leafSearch(target []byte) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], target) >= 0
	})
	found := i < len(n.keys) && bytes.Equal(n.keys[i], target)
	return i, found
}

// childIndex returns the child whose key range covers target: the last
// child whose smallest key is <= target, floored at 0.
func (n *Node) childIndex(target []byte) int {
	i := sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], target) > 0
	}) - 1
	if i < 0 {
		i = 0
	}
	return i
}

// joinKey concatenates prefix and key into a freshly allocated slice so
// the tree never aliases caller-owned memory.
func joinKey(prefix, key []byte) []byte {
	full := make([]byte, 0, len(prefix)+len(key))
	full = append(full, prefix...)
	return append(full, key...)
}

// prefixSuccessor returns the smallest byte string greater than every
// string starting with prefix, or nil if no such bound exists (prefix
// is all 0xFF).
func prefixSuccessor(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xFF {
			end := make([]byte, i+1)
			copy(end, prefix)
			end[i]++
			return end
		}
	}
	return nil
}
