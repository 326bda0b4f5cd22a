// ABOUTME: Log compaction: rewrites live pairs into a fresh file chain
// ABOUTME: Requires exclusive access, swaps the chain atomically on disk

package kv

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nainya/treekv/pkg/btree"
	"github.com/nainya/treekv/pkg/vlog"
)

const compactBaseName = "treekv.compact"

// Compact rewrites every live key/value pair of the current version
// into a fresh log generation and removes the old files, reclaiming
// the space held by erased and superseded entries. It is explicit and
// exclusive: it blocks behind a running writer, fails with
// ErrActiveTransactions while any transaction is open, and refuses new
// transaction starts with ErrCompacting for its duration, since older
// versions hold addresses into the old files.
func (d *DB) Compact() error {
	d.writerMu.Lock()
	defer d.writerMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.openTxns > 0 {
		d.mu.Unlock()
		return ErrActiveTransactions
	}
	// Keep transaction starts out for the whole rewrite. A read opened
	// mid-compaction would bind the old root, whose value addresses
	// point into the files removed below. Writers are already excluded
	// by writerMu, which is held until after the flag clears.
	d.compacting = true
	root := d.current
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.compacting = false
		d.mu.Unlock()
	}()

	version := root.TransactionID()
	tmpBase := filepath.Join(d.opts.Dir, compactBaseName)

	fresh, err := vlog.Open(tmpBase, d.opts.MaxLogFileSize)
	if err != nil {
		return fmt.Errorf("kv: compact: open fresh log: %w", err)
	}
	abort := func(err error) error {
		fresh.Close()
		if files, ferr := listFiles(tmpBase); ferr == nil {
			for _, f := range files {
				os.Remove(f)
			}
		}
		return err
	}

	// One committed run holding the whole live state at the current
	// version; replay of the fresh chain reproduces it exactly.
	if err := fresh.BeginTransaction(version); err != nil {
		return abort(fmt.Errorf("kv: compact: %w", err))
	}

	rebuilt := btree.NewRootNode().NewWritableRoot(version)
	if root.KeyCount() > 0 {
		var c, rc btree.Cursor
		root.FillCursorByIndex(&c, 0)
		for ok := true; ok; ok = c.Next() {
			value, err := d.log.ReadValue(c.ValueAddr())
			if err != nil {
				return abort(fmt.Errorf("kv: compact: read value: %w", err))
			}
			addr, err := fresh.WriteCreateOrUpdate(version, nil, c.Key(), value)
			if err != nil {
				return abort(fmt.Errorf("kv: compact: %w", err))
			}
			rebuilt.CreateOrUpdate(&rc, nil, c.Key(), addr)
		}
	}

	if err := fresh.CommitTransaction(version); err != nil {
		return abort(fmt.Errorf("kv: compact: %w", err))
	}
	rebuilt.Seal()

	// Swap the file chains. The fresh chain is durable at this point;
	// a crash between the removes and renames is recovered manually
	// from the compact-named files.
	oldFiles, err := d.log.Files()
	if err != nil {
		return abort(fmt.Errorf("kv: compact: %w", err))
	}
	newFiles, err := fresh.Files()
	if err != nil {
		return abort(fmt.Errorf("kv: compact: %w", err))
	}
	if err := fresh.Close(); err != nil {
		return abort(err)
	}
	if err := d.log.Close(); err != nil {
		return err
	}
	for _, f := range oldFiles {
		if err := os.Remove(f); err != nil {
			return err
		}
	}
	dataBase := filepath.Join(d.opts.Dir, dataBaseName)
	for _, f := range newFiles {
		target := dataBase + filepath.Ext(f)
		if err := os.Rename(f, target); err != nil {
			return err
		}
	}

	reopened, err := vlog.Open(dataBase, d.opts.MaxLogFileSize)
	if err != nil {
		return fmt.Errorf("kv: compact: reopen log: %w", err)
	}

	d.mu.Lock()
	d.log = reopened
	d.current = rebuilt
	d.mu.Unlock()

	if d.met != nil {
		d.met.CompactionsTotal.Inc()
	}
	d.lg.Info("log compacted").
		Uint64("version", version).
		Int("keys", rebuilt.KeyCount()).
		Int("files_before", len(oldFiles)).
		Int("files_after", len(newFiles)).
		Msg("compact")
	d.updateStatsMetrics()
	return nil
}

// listFiles mirrors the log's own file discovery for cleanup of an
// aborted compaction.
func listFiles(base string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Dir(base))
	if err != nil {
		return nil, err
	}
	pattern := filepath.Base(base) + ".%d"
	var files []string
	for _, e := range entries {
		var idx int
		if !e.IsDir() {
			if _, err := fmt.Sscanf(e.Name(), pattern, &idx); err == nil {
				files = append(files, filepath.Join(filepath.Dir(base), e.Name()))
			}
		}
	}
	return files, nil
}
