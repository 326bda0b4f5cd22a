// ABOUTME: Snapshot-bound transaction with prefix-scoped cursor navigation
// ABOUTME: Reads stay on the bound version; the first write promotes it

package kv

import (
	"bytes"
	"time"

	"github.com/nainya/treekv/pkg/btree"
	"github.com/nainya/treekv/pkg/vlog"
)

// FindResult re-exports the tree's keyed-search discriminants so
// callers don't need the btree package for the common case.
type FindResult = btree.FindResult

const (
	FindNotFound = btree.FindNotFound
	FindExact    = btree.FindExact
	FindPrevious = btree.FindPrevious
	FindNext     = btree.FindNext
)

// Transaction is a stateful view over exactly one tree version. Ordinal
// positions are absolute within the version; the key prefix restricts
// what navigation exposes, with positions reported relative to the
// first prefixed key. A transaction is not safe for concurrent use.
type Transaction struct {
	db   *DB
	root *btree.RootNode // nil once committed or disposed

	cursor   btree.Cursor
	keyIndex int // absolute ordinal of the current key, -1 = invalid

	keyPrefix      []byte
	prefixKeyStart int // ordinal of the first prefixed key, -1 = unknown
	prefixKeyCount int // keys within the prefix, -1 = unknown

	writing            bool
	preapprovedWriting bool
}

func newTransaction(d *DB, root *btree.RootNode, preapproved bool) *Transaction {
	return &Transaction{
		db:                 d,
		root:               root,
		keyIndex:           -1,
		prefixKeyStart:     0, // empty prefix matches everything
		prefixKeyCount:     -1,
		preapprovedWriting: preapproved,
	}
}

// GetTransactionNumber returns the id of the bound tree version, or 0
// for a finished transaction.
func (t *Transaction) GetTransactionNumber() uint64 {
	if t.root == nil {
		return 0
	}
	return t.root.TransactionID()
}

// SetKeyPrefix restricts the visible key range to keys starting with
// prefix and invalidates the current key. Cached prefix bounds are
// reset to unknown; the empty prefix trivially starts at ordinal 0.
func (t *Transaction) SetKeyPrefix(prefix []byte) {
	t.keyPrefix = append(t.keyPrefix[:0], prefix...)
	t.prefixKeyCount = -1
	t.prefixKeyStart = -1
	if len(prefix) == 0 {
		t.prefixKeyStart = 0
	}
	t.invalidateCurrentKey()
}

// GetKeyValueCount returns the number of keys within the prefix.
func (t *Transaction) GetKeyValueCount() int {
	if t.prefixKeyCount >= 0 {
		return t.prefixKeyCount
	}
	if t.root == nil {
		return 0
	}
	if len(t.keyPrefix) == 0 {
		t.prefixKeyCount = t.root.KeyCount()
		return t.prefixKeyCount
	}

	start := t.calcPrefixKeyStart()
	if start < 0 {
		t.prefixKeyCount = 0
		return 0
	}
	last := t.root.FindLastWithPrefix(t.keyPrefix)
	t.prefixKeyCount = last - start + 1
	return t.prefixKeyCount
}

// calcPrefixKeyStart locates the ordinal of the first key starting
// with the prefix, caching the result. -1 means no key matches (and
// doubles as the unknown sentinel, so a miss is recomputed on the next
// call).
func (t *Transaction) calcPrefixKeyStart() int {
	if t.prefixKeyStart >= 0 {
		return t.prefixKeyStart
	}
	t.prefixKeyStart = t.root.FindFirstWithPrefix(t.keyPrefix)
	return t.prefixKeyStart
}

// GetKeyIndex returns the prefix-relative index of the current key, or
// -1 when no current key is set.
func (t *Transaction) GetKeyIndex() int {
	if t.keyIndex < 0 {
		return -1
	}
	start := t.calcPrefixKeyStart()
	if start < 0 {
		return -1
	}
	return t.keyIndex - start
}

// SetKeyIndex positions the cursor at a prefix-relative ordinal.
// Returns false and invalidates the current key when the position does
// not exist within the prefix.
func (t *Transaction) SetKeyIndex(relIndex int) bool {
	if t.root == nil {
		return false
	}
	start := t.calcPrefixKeyStart()
	if start < 0 || relIndex < 0 {
		t.invalidateCurrentKey()
		return false
	}
	if t.prefixKeyCount >= 0 && relIndex >= t.prefixKeyCount {
		t.invalidateCurrentKey()
		return false
	}

	idx := start + relIndex
	if idx >= t.root.KeyCount() {
		t.invalidateCurrentKey()
		return false
	}
	t.root.FillCursorByIndex(&t.cursor, idx)

	// When the prefix key count was never confirmed, the landed key
	// must be re-checked: the optimistic start bound alone does not
	// prove the position is still inside the prefix.
	if t.prefixKeyCount < 0 && !bytes.HasPrefix(t.cursor.Key(), t.keyPrefix) {
		t.invalidateCurrentKey()
		return false
	}

	t.keyIndex = idx
	return true
}

// FindFirstKey positions the cursor at the first key within the prefix.
func (t *Transaction) FindFirstKey() bool {
	return t.SetKeyIndex(0)
}

// FindLastKey positions the cursor at the last key within the prefix.
// Returns false without touching the current key when the prefix is
// empty of keys.
func (t *Transaction) FindLastKey() bool {
	count := t.GetKeyValueCount()
	if count == 0 {
		return false
	}
	return t.SetKeyIndex(count - 1)
}

// FindNextKey steps to the next key in tree order. Stepping outside
// the prefix (or off the end of the tree) invalidates the current key
// and returns false.
func (t *Transaction) FindNextKey() bool {
	if t.root == nil {
		return false
	}
	if t.keyIndex < 0 {
		return t.FindFirstKey()
	}
	if !t.cursor.Valid() {
		t.root.FillCursorByIndex(&t.cursor, t.keyIndex)
	}
	// Step first, then verify membership: the successor in whole-tree
	// order may fall outside the prefix's contiguous range.
	if !t.cursor.Next() || !bytes.HasPrefix(t.cursor.Key(), t.keyPrefix) {
		t.invalidateCurrentKey()
		return false
	}
	t.keyIndex++
	return true
}

// FindPreviousKey steps to the previous key in tree order, with the
// same prefix-boundary behavior as FindNextKey.
func (t *Transaction) FindPreviousKey() bool {
	if t.root == nil {
		return false
	}
	if t.keyIndex < 0 {
		return t.FindLastKey()
	}
	if !t.cursor.Valid() {
		t.root.FillCursorByIndex(&t.cursor, t.keyIndex)
	}
	if !t.cursor.Prev() || !bytes.HasPrefix(t.cursor.Key(), t.keyPrefix) {
		t.invalidateCurrentKey()
		return false
	}
	t.keyIndex--
	return true
}

// Find binary-searches the bound version for prefix+key and positions
// the cursor at the matched or adjacent entry. The discriminant is the
// tree's contract; adjacent positions may lie outside the prefix.
func (t *Transaction) Find(key []byte) btree.FindResult {
	if t.root == nil {
		return btree.FindNotFound
	}
	res, idx := t.root.FindKey(&t.cursor, t.keyPrefix, key)
	t.keyIndex = idx
	return res
}

// GetKey returns the current key with the prefix stripped, or nil when
// no current key is set. Navigation misses already signalled via their
// boolean returns, so this never errors. An adjacent Find landing may
// sit outside the prefix; such positions have no in-prefix key.
func (t *Transaction) GetKey() []byte {
	if t.keyIndex < 0 || !t.cursor.Valid() {
		return nil
	}
	key := t.cursor.Key()
	if !bytes.HasPrefix(key, t.keyPrefix) {
		return nil
	}
	return key[len(t.keyPrefix):]
}

// GetValue resolves the current value through the value store, or nil
// when no current key is set.
func (t *Transaction) GetValue() ([]byte, error) {
	if t.keyIndex < 0 || !t.cursor.Valid() {
		return nil, nil
	}
	return t.db.log.ReadValue(t.cursor.ValueAddr())
}

// CreateOrUpdateKeyValue durably records and applies an upsert of
// prefix+key. The transaction is promoted to writable first. Returns
// whether the key was newly created.
func (t *Transaction) CreateOrUpdateKeyValue(key, value []byte) (bool, error) {
	start := time.Now()
	if err := t.makeWritable(); err != nil {
		return false, err
	}

	addr, err := t.db.log.WriteCreateOrUpdate(t.root.TransactionID(), t.keyPrefix, key, value)
	if err != nil {
		return false, err
	}
	if t.db.met != nil {
		t.db.met.LogBytesWritten.Add(float64(vlog.EntryHeaderSize + len(t.keyPrefix) + len(key) + len(value) + 4))
		defer func() { t.db.met.RecordOperation("create_or_update", time.Since(start)) }()
	}

	created, idx := t.root.CreateOrUpdate(&t.cursor, t.keyPrefix, key, addr)
	t.keyIndex = idx
	if created && t.prefixKeyCount >= 0 {
		t.prefixKeyCount++
	}
	return created, nil
}

// SetValue durably replaces the value of the current key in place.
// Promotion may rebind the transaction to a new version; the target
// ordinal survives it and the cursor path is refilled before the
// update.
func (t *Transaction) SetValue(value []byte) error {
	if t.root == nil {
		return ErrTransactionFinished
	}
	if t.keyIndex < 0 {
		return ErrInvalidCursor
	}

	ind := t.keyIndex
	if err := t.makeWritable(); err != nil {
		return err
	}
	if !t.cursor.Valid() {
		t.root.FillCursorByIndex(&t.cursor, ind)
	}

	addr, err := t.db.log.WriteCreateOrUpdate(t.root.TransactionID(), nil, t.cursor.Key(), value)
	if err != nil {
		return err
	}

	t.root.UpdateValueAtIndex(&t.cursor, ind, addr)
	t.keyIndex = ind
	return nil
}

// EraseCurrent removes the key at the cursor position.
func (t *Transaction) EraseCurrent() error {
	if t.root == nil {
		return ErrTransactionFinished
	}
	relIndex := t.GetKeyIndex()
	if relIndex < 0 {
		return ErrInvalidCursor
	}
	return t.EraseRange(relIndex, relIndex)
}

// EraseAll removes every key within the prefix.
func (t *Transaction) EraseAll() error {
	return t.EraseRange(0, t.GetKeyValueCount()-1)
}

// EraseRange removes the keys between two prefix-relative ordinals,
// inclusive. Out-of-range bounds are silently clamped; an empty
// clamped range is a no-op. The literal boundary keys, not ordinals,
// go to the durability log. Always invalidates the current key.
func (t *Transaction) EraseRange(firstIndex, lastIndex int) error {
	if t.root == nil {
		return ErrTransactionFinished
	}
	if t.db.met != nil {
		start := time.Now()
		defer func() { t.db.met.RecordOperation("erase_range", time.Since(start)) }()
	}

	if firstIndex < 0 {
		firstIndex = 0
	}
	if count := t.GetKeyValueCount(); lastIndex >= count {
		lastIndex = count - 1
	}
	if firstIndex > lastIndex {
		return nil
	}

	if err := t.makeWritable(); err != nil {
		return err
	}

	start := t.calcPrefixKeyStart()
	firstAbs := start + firstIndex
	lastAbs := start + lastIndex

	var c btree.Cursor
	t.root.FillCursorByIndex(&c, firstAbs)
	firstKey := c.Key()

	var err error
	if firstAbs == lastAbs {
		err = t.db.log.WriteEraseOne(t.root.TransactionID(), firstKey)
	} else {
		t.root.FillCursorByIndex(&c, lastAbs)
		err = t.db.log.WriteEraseRange(t.root.TransactionID(), firstKey, c.Key())
	}
	if err != nil {
		return err
	}

	t.root.EraseRange(firstAbs, lastAbs)
	if t.prefixKeyCount >= 0 {
		t.prefixKeyCount -= lastAbs - firstAbs + 1
	}
	t.invalidateCurrentKey()
	return nil
}

// makeWritable promotes the transaction to writable on its first
// mutation. A preapproved transaction only flips its flag and opens
// the log scope; an ordinary read transaction requests a new writable
// version derived from its bound snapshot, which invalidates the
// cursor path against the old version.
func (t *Transaction) makeWritable() error {
	if t.root == nil {
		return ErrTransactionFinished
	}
	if t.writing {
		return nil
	}

	if t.preapprovedWriting {
		t.preapprovedWriting = false
		t.writing = true
		return t.db.log.BeginTransaction(t.root.TransactionID())
	}

	writable, err := t.db.promote(t.root)
	if err != nil {
		return err
	}
	old := t.root
	t.root = writable
	t.db.releaseRoot(old)

	// The path referred to nodes of the old version. The derived
	// version is content-identical, so the ordinal and the prefix
	// caches survive; only the path must be rebuilt.
	t.cursor.Clear()
	if t.keyIndex >= 0 {
		t.root.FillCursorByIndex(&t.cursor, t.keyIndex)
	}

	t.writing = true
	return t.db.log.BeginTransaction(writable.TransactionID())
}

// Commit publishes the written version, or cleanly releases a
// transaction that never wrote. Fails with ErrTransactionFinished when
// the transaction holds no version.
func (t *Transaction) Commit() error {
	if t.root == nil {
		return ErrTransactionFinished
	}

	root := t.root
	t.finish()

	switch {
	case t.writing:
		t.writing = false
		return t.db.commitWriting(root)
	case t.preapprovedWriting:
		// Granted write access but never used it: plain rollback,
		// nothing published, no log scope was ever opened.
		t.preapprovedWriting = false
		t.db.revertWriting(root, false)
		return nil
	default:
		t.db.releaseRoot(root)
		return nil
	}
}

// Dispose abandons the transaction without publishing anything.
// Idempotent.
func (t *Transaction) Dispose() {
	if t.root == nil {
		return
	}

	root := t.root
	t.finish()

	switch {
	case t.writing:
		t.writing = false
		t.db.revertWriting(root, true)
	case t.preapprovedWriting:
		t.preapprovedWriting = false
		t.db.revertWriting(root, false)
	default:
		t.db.releaseRoot(root)
	}
}

func (t *Transaction) finish() {
	t.root = nil
	t.invalidateCurrentKey()
	t.db.transactionDone()
}

func (t *Transaction) invalidateCurrentKey() {
	t.keyIndex = -1
	t.cursor.Clear()
}
