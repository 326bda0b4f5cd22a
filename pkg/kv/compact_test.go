// ABOUTME: Tests for value log compaction
// ABOUTME: Verifies space reclaim, content preservation and exclusion rules

package kv

import (
	"fmt"
	"os"
	"testing"
)

func TestCompactPreservesContent(t *testing.T) {
	dir, err := os.MkdirTemp("", "kv-compact-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	// Small log files so the churn spreads over several generations
	db, err := Open(Options{Dir: dir, MaxLogFileSize: 4096})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	pairs := make(map[string]string)
	for i := 0; i < 100; i++ {
		pairs[fmt.Sprintf("key-%03d", i)] = fmt.Sprintf("value-%d", i)
	}
	seed(t, db, pairs)

	// Rewrite half the values and erase a quarter of the keys
	w, err := db.StartWritingTransaction()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i += 2 {
		key := fmt.Sprintf("key-%03d", i)
		value := fmt.Sprintf("rewritten-%d", i)
		if _, err := w.CreateOrUpdateKeyValue([]byte(key), []byte(value)); err != nil {
			t.Fatal(err)
		}
		pairs[key] = value
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	w2, err := db.StartWritingTransaction()
	if err != nil {
		t.Fatal(err)
	}
	if err := w2.EraseRange(0, 24); err != nil {
		t.Fatal(err)
	}
	if err := w2.Commit(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 25; i++ {
		delete(pairs, fmt.Sprintf("key-%03d", i))
	}

	filesBefore := db.Stats().LogFiles
	version := db.Stats().Version

	if err := db.Compact(); err != nil {
		t.Fatal(err)
	}

	s := db.Stats()
	if s.Version != version {
		t.Errorf("compaction changed the version: got %d, want %d", s.Version, version)
	}
	if s.Keys != len(pairs) {
		t.Errorf("key count after compaction: got %d, want %d", s.Keys, len(pairs))
	}
	if s.LogFiles >= filesBefore {
		t.Errorf("compaction did not shrink the chain: %d -> %d files", filesBefore, s.LogFiles)
	}

	verify := func(stage string) {
		tx, err := db.StartTransaction()
		if err != nil {
			t.Fatal(err)
		}
		defer tx.Dispose()
		if n := tx.GetKeyValueCount(); n != len(pairs) {
			t.Fatalf("%s: count %d, want %d", stage, n, len(pairs))
		}
		for key, want := range pairs {
			if res := tx.Find([]byte(key)); res != FindExact {
				t.Fatalf("%s: key %s missing", stage, key)
			}
			value, err := tx.GetValue()
			if err != nil {
				t.Fatal(err)
			}
			if string(value) != want {
				t.Errorf("%s: key %s: got %s, want %s", stage, key, value, want)
			}
		}
	}
	verify("after compaction")

	// The compacted chain must replay to the same state
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db2, err := Open(Options{Dir: dir, MaxLogFileSize: 4096})
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	if v := db2.Stats().Version; v != version {
		t.Errorf("version after reopen: got %d, want %d", v, version)
	}
	db = db2
	verify("after reopen")
}

func TestCompactRefusedWhileTransactionsOpen(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, map[string]string{"k": "v"})

	tx, err := db.StartTransaction()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Compact(); err != ErrActiveTransactions {
		t.Errorf("expected ErrActiveTransactions, got %v", err)
	}
	tx.Dispose()

	if err := db.Compact(); err != nil {
		t.Errorf("compaction after the transaction finished: %v", err)
	}
}

func TestCompactEmptyEngine(t *testing.T) {
	db := openTestDB(t)
	if err := db.Compact(); err != nil {
		t.Fatal(err)
	}
	if n := db.Stats().Keys; n != 0 {
		t.Errorf("expected empty engine, got %d keys", n)
	}
}

func TestStartTransactionRefusedDuringCompaction(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, map[string]string{"k": "v"})

	// Hold the compaction window open directly. A transaction started
	// inside it would bind a root whose value addresses point into the
	// files the rewrite is about to remove.
	db.mu.Lock()
	db.compacting = true
	db.mu.Unlock()

	if _, err := db.StartTransaction(); err != ErrCompacting {
		t.Errorf("expected ErrCompacting, got %v", err)
	}

	db.mu.Lock()
	db.compacting = false
	db.mu.Unlock()

	tx, err := db.StartTransaction()
	if err != nil {
		t.Fatalf("start after compaction finished: %v", err)
	}
	tx.Dispose()
}

func TestCompactClearsCompactingFlag(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, map[string]string{"k": "v"})

	if err := db.Compact(); err != nil {
		t.Fatal(err)
	}
	tx, err := db.StartTransaction()
	if err != nil {
		t.Fatalf("start after compaction: %v", err)
	}
	defer tx.Dispose()
	if res := tx.Find([]byte("k")); res != FindExact {
		t.Fatalf("find after compaction: got %v, want FindExact", res)
	}
	value, err := tx.GetValue()
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != "v" {
		t.Errorf("value after compaction: got %s, want v", value)
	}
}
