// ABOUTME: Root lifecycle manager for the versioned B-tree engine
// ABOUTME: Publishes committed versions, refcounts live ones, serializes writers

package kv

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/nainya/treekv/internal/logger"
	"github.com/nainya/treekv/internal/metrics"
	"github.com/nainya/treekv/pkg/btree"
	"github.com/nainya/treekv/pkg/vlog"
)

const dataBaseName = "treekv.data"

// Options configures an engine instance.
type Options struct {
	// Dir is the directory holding the value log files.
	Dir string

	// MaxLogFileSize rotates value log files at this size;
	// 0 selects the vlog default.
	MaxLogFileSize int64

	// Logger receives structured engine events; nil discards them.
	Logger *logger.Logger

	// Metrics receives engine metrics; nil disables them.
	Metrics *metrics.Metrics
}

// DB owns the engine state: the currently published tree version, the
// reference counts of versions still visible to open transactions, and
// the single-writer exclusion. It is explicit state with Open/Close,
// never a singleton.
type DB struct {
	opts Options
	log  *vlog.Log
	lg   *logger.Logger
	met  *metrics.Metrics

	mu         sync.Mutex
	current    *btree.RootNode
	usedRoots  map[uint64]*rootUsage
	openTxns   int
	closed     bool
	compacting bool

	// writerMu is held for the entire life of a writable transaction:
	// acquired by StartWritingTransaction or lazy promotion, released
	// by commit or revert. It is the engine's only write-exclusion
	// point.
	writerMu sync.Mutex
}

// rootUsage tracks one version still referenced by transactions.
type rootUsage struct {
	root *btree.RootNode
	refs int
}

// Open opens the engine in opts.Dir, replaying the durability log to
// rebuild the current version.
func Open(opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	log, err := vlog.Open(filepath.Join(opts.Dir, dataBaseName), opts.MaxLogFileSize)
	if err != nil {
		return nil, fmt.Errorf("kv: open value log: %w", err)
	}

	d := &DB{
		opts:      opts,
		log:       log,
		lg:        opts.Logger,
		met:       opts.Metrics,
		current:   btree.NewRootNode(),
		usedRoots: make(map[uint64]*rootUsage),
	}

	stats, err := d.recover()
	if err != nil {
		log.Close()
		return nil, err
	}

	d.lg.Info("database opened").
		Str("dir", opts.Dir).
		Uint64("version", d.current.TransactionID()).
		Int("keys", d.current.KeyCount()).
		Int("replayed_txns", stats.CommittedTxns).
		Int("discarded_txns", stats.UncommittedTxns).
		Msg("open")

	d.updateStatsMetrics()
	return d, nil
}

// recover replays committed transaction runs from the log into a fresh
// chain of tree versions.
func (d *DB) recover() (*vlog.RecoveryStats, error) {
	stats, err := d.log.Replay(func(version uint64, ops []vlog.ReplayOp) error {
		w := d.current.NewWritableRoot(version)
		var c btree.Cursor
		for _, op := range ops {
			switch op.Type {
			case vlog.OpCreateOrUpdate:
				w.CreateOrUpdate(&c, nil, op.Key, op.Addr)
			case vlog.OpEraseOne:
				if res, idx := w.FindKey(&c, nil, op.Key); res == btree.FindExact {
					w.EraseRange(idx, idx)
				}
			case vlog.OpEraseRange:
				first, last, ok := resolveEraseBounds(w, op.Key, op.LastKey)
				if ok {
					w.EraseRange(first, last)
				}
			}
		}
		w.Seal()
		d.current = w
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kv: recovery: %w", err)
	}
	return stats, nil
}

// resolveEraseBounds maps the literal keys of a logged range erase back
// to current ordinals. The keys existed when the command was logged,
// but the lookup stays defensive about adjacent misses.
func resolveEraseBounds(root *btree.RootNode, firstKey, lastKey []byte) (int, int, bool) {
	var c btree.Cursor

	res, first := root.FindKey(&c, nil, firstKey)
	switch res {
	case btree.FindNotFound:
		return 0, 0, false
	case btree.FindPrevious:
		first++ // first key strictly greater than the recorded bound
	}

	res, last := root.FindKey(&c, nil, lastKey)
	switch res {
	case btree.FindNotFound:
		return 0, 0, false
	case btree.FindNext:
		return 0, 0, false // every key is greater than the upper bound
	}

	if first > last {
		return 0, 0, false
	}
	return first, last, true
}

// Close closes the engine. Open transactions must be finished first;
// Close is idempotent.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	version := d.current.TransactionID()
	d.mu.Unlock()

	d.lg.Info("database closed").Uint64("version", version).Msg("close")
	return d.log.Close()
}

// StartTransaction opens a read transaction bound to the currently
// published version. It never blocks on the writer. While compaction
// is rewriting the log it fails with ErrCompacting, since a snapshot
// taken mid-rewrite would resolve values against files about to be
// removed.
func (d *DB) StartTransaction() (*Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if d.compacting {
		return nil, ErrCompacting
	}

	root := d.current
	d.retainLocked(root)
	d.openTxns++

	if d.met != nil {
		d.met.TransactionsStarted.WithLabelValues("read").Inc()
		d.met.OpenTransactions.Inc()
	}
	return newTransaction(d, root, false), nil
}

// StartWritingTransaction opens a preapproved-writable transaction:
// exclusive write access is granted up front, before any key is
// touched. Blocks until the current writer finishes.
func (d *DB) StartWritingTransaction() (*Transaction, error) {
	d.writerMu.Lock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.writerMu.Unlock()
		return nil, ErrClosed
	}
	writable := d.current.NewWritableRoot(d.current.TransactionID() + 1)
	d.openTxns++
	d.mu.Unlock()

	if d.met != nil {
		d.met.TransactionsStarted.WithLabelValues("write").Inc()
		d.met.OpenTransactions.Inc()
	}
	return newTransaction(d, writable, true), nil
}

// promote grants write access to a read transaction, deriving a
// writable version from its bound snapshot. Fails with
// ErrWriteConflict when another commit has been published since the
// snapshot was taken; the new writable root would silently discard it.
func (d *DB) promote(bound *btree.RootNode) (*btree.RootNode, error) {
	d.writerMu.Lock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.writerMu.Unlock()
		return nil, ErrClosed
	}
	if d.current.TransactionID() != bound.TransactionID() {
		d.writerMu.Unlock()
		return nil, ErrWriteConflict
	}

	if d.met != nil {
		d.met.WritePromotions.Inc()
	}
	return bound.NewWritableRoot(bound.TransactionID() + 1), nil
}

// commitWriting publishes the writable root as the current version and
// releases the writer. On a failed commit marker nothing is published;
// replay will discard the run.
func (d *DB) commitWriting(root *btree.RootNode) error {
	if err := d.log.CommitTransaction(root.TransactionID()); err != nil {
		d.writerMu.Unlock()
		return err
	}

	d.mu.Lock()
	root.Seal()
	old := d.current
	d.current = root
	d.dropUnusedLocked(old)
	d.mu.Unlock()
	d.writerMu.Unlock()

	if d.met != nil {
		d.met.CommitsTotal.Inc()
	}
	d.lg.Debug("transaction committed").
		Uint64("version", root.TransactionID()).
		Int("keys", root.KeyCount()).
		Msg("commit")
	d.updateStatsMetrics()
	return nil
}

// revertWriting abandons the writable root, publishing nothing.
func (d *DB) revertWriting(root *btree.RootNode, scopeOpen bool) {
	if scopeOpen {
		if err := d.log.RevertTransaction(root.TransactionID()); err != nil {
			d.lg.Warn("revert marker write failed").Err(err).Msg("revert")
		}
	}
	d.writerMu.Unlock()

	if d.met != nil {
		d.met.RevertsTotal.Inc()
	}
	d.lg.Debug("transaction reverted").
		Uint64("version", root.TransactionID()).
		Bool("logged", scopeOpen).
		Msg("revert")
}

// retainLocked adds a reference to a published version (d.mu held).
func (d *DB) retainLocked(root *btree.RootNode) {
	u, ok := d.usedRoots[root.TransactionID()]
	if !ok {
		u = &rootUsage{root: root}
		d.usedRoots[root.TransactionID()] = u
	}
	u.refs++
}

// releaseRoot drops a reference; a fully released version that is no
// longer current becomes unreachable and is reclaimed by the garbage
// collector.
func (d *DB) releaseRoot(root *btree.RootNode) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.usedRoots[root.TransactionID()]
	if !ok {
		return
	}
	u.refs--
	if u.refs <= 0 && root != d.current {
		delete(d.usedRoots, root.TransactionID())
	}
}

// dropUnusedLocked removes the bookkeeping entry of a superseded
// version nobody references (d.mu held).
func (d *DB) dropUnusedLocked(root *btree.RootNode) {
	if u, ok := d.usedRoots[root.TransactionID()]; ok && u.refs <= 0 {
		delete(d.usedRoots, root.TransactionID())
	}
}

// transactionDone is called once per transaction end.
func (d *DB) transactionDone() {
	d.mu.Lock()
	d.openTxns--
	d.mu.Unlock()
	if d.met != nil {
		d.met.OpenTransactions.Dec()
	}
}

// Stats describes the engine state at a point in time.
type Stats struct {
	Version      uint64
	Keys         int
	LiveVersions int
	LogFiles     int
}

// Stats returns a snapshot of the engine state.
func (d *DB) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		Version:      d.current.TransactionID(),
		Keys:         d.current.KeyCount(),
		LiveVersions: len(d.usedRoots),
	}
	d.mu.Unlock()

	if files, err := d.log.Files(); err == nil {
		s.LogFiles = len(files)
	}
	return s
}

func (d *DB) updateStatsMetrics() {
	if d.met == nil {
		return
	}
	s := d.Stats()
	d.met.KeysTotal.Set(float64(s.Keys))
	d.met.CurrentVersion.Set(float64(s.Version))
	d.met.LiveVersions.Set(float64(s.LiveVersions))
	d.met.LogFilesTotal.Set(float64(s.LogFiles))
}
