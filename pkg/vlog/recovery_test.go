// ABOUTME: Tests for commit-marker replay of the value log
// ABOUTME: Covers committed runs, discarded runs and damaged tails

package vlog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "vlog-recovery-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "test.data")
	l, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	return l, path
}

func TestReplayCommittedTransactions(t *testing.T) {
	l, path := openTestLog(t)

	// Three committed runs, one key each
	for txn := uint64(1); txn <= 3; txn++ {
		if err := l.BeginTransaction(txn); err != nil {
			t.Fatal(err)
		}
		key := fmt.Sprintf("key-%d", txn)
		value := fmt.Sprintf("value-%d", txn)
		if _, err := l.WriteCreateOrUpdate(txn, nil, []byte(key), []byte(value)); err != nil {
			t.Fatal(err)
		}
		if err := l.CommitTransaction(txn); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	l2, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	replayed := make(map[uint64][]ReplayOp)
	stats, err := l2.Replay(func(version uint64, ops []ReplayOp) error {
		cp := make([]ReplayOp, len(ops))
		copy(cp, ops)
		replayed[version] = cp
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if stats.CommittedTxns != 3 {
		t.Errorf("expected 3 committed transactions, got %d", stats.CommittedTxns)
	}
	if stats.UncommittedTxns != 0 {
		t.Errorf("expected 0 uncommitted transactions, got %d", stats.UncommittedTxns)
	}
	if stats.LastVersion != 3 {
		t.Errorf("expected last version 3, got %d", stats.LastVersion)
	}

	for txn := uint64(1); txn <= 3; txn++ {
		ops := replayed[txn]
		if len(ops) != 1 {
			t.Fatalf("version %d: expected 1 op, got %d", txn, len(ops))
		}
		if string(ops[0].Key) != fmt.Sprintf("key-%d", txn) {
			t.Errorf("version %d: got key %s", txn, ops[0].Key)
		}
		// The recovered address must resolve to the logged value
		value, err := l2.ReadValue(ops[0].Addr)
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("value-%d", txn); string(value) != want {
			t.Errorf("version %d: got value %s, want %s", txn, value, want)
		}
	}
}

func TestReplayDiscardsUncommitted(t *testing.T) {
	l, path := openTestLog(t)

	// Committed run
	l.BeginTransaction(1)
	l.WriteCreateOrUpdate(1, nil, []byte("committed"), []byte("yes"))
	l.CommitTransaction(1)

	// Reverted run
	l.BeginTransaction(2)
	l.WriteCreateOrUpdate(2, nil, []byte("reverted"), []byte("no"))
	l.RevertTransaction(2)

	// Run without any closing marker, as after a crash
	l.BeginTransaction(3)
	l.WriteCreateOrUpdate(3, nil, []byte("dangling"), []byte("no"))
	l.Close()

	l2, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	var keys []string
	stats, err := l2.Replay(func(version uint64, ops []ReplayOp) error {
		for _, op := range ops {
			keys = append(keys, string(op.Key))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if stats.CommittedTxns != 1 {
		t.Errorf("expected 1 committed transaction, got %d", stats.CommittedTxns)
	}
	if stats.UncommittedTxns != 2 {
		t.Errorf("expected 2 uncommitted transactions, got %d", stats.UncommittedTxns)
	}
	if len(keys) != 1 || keys[0] != "committed" {
		t.Errorf("expected only the committed key, got %v", keys)
	}
}

func TestReplayEraseOps(t *testing.T) {
	l, path := openTestLog(t)

	l.BeginTransaction(1)
	l.WriteEraseOne(1, []byte("gone"))
	l.WriteEraseRange(1, []byte("first"), []byte("last"))
	l.CommitTransaction(1)
	l.Close()

	l2, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	var got []ReplayOp
	if _, err := l2.Replay(func(version uint64, ops []ReplayOp) error {
		got = append(got, ops...)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 ops, got %d", len(got))
	}
	if got[0].Type != OpEraseOne || string(got[0].Key) != "gone" {
		t.Errorf("unexpected first op: %+v", got[0])
	}
	if got[1].Type != OpEraseRange || string(got[1].Key) != "first" || string(got[1].LastKey) != "last" {
		t.Errorf("unexpected second op: %+v", got[1])
	}
}

func TestReplayStopsAtDamagedTail(t *testing.T) {
	l, path := openTestLog(t)

	l.BeginTransaction(1)
	l.WriteCreateOrUpdate(1, nil, []byte("safe"), []byte("v"))
	l.CommitTransaction(1)
	l.Close()

	// Append a torn write: half a header
	fd, err := os.OpenFile(path+".000", os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	fd.Write(bytes.Repeat([]byte{0xAB}, 10))
	fd.Close()

	l2, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	var keys []string
	stats, err := l2.Replay(func(version uint64, ops []ReplayOp) error {
		for _, op := range ops {
			keys = append(keys, string(op.Key))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.CommittedTxns != 1 || len(keys) != 1 || keys[0] != "safe" {
		t.Errorf("committed prefix lost: txns=%d keys=%v", stats.CommittedTxns, keys)
	}
}

func TestReplayEmptyLog(t *testing.T) {
	l, _ := openTestLog(t)
	defer l.Close()

	stats, err := l.Replay(func(version uint64, ops []ReplayOp) error {
		t.Fatal("replay callback on an empty log")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 0 {
		t.Errorf("expected 0 entries, got %d", stats.TotalEntries)
	}
}

func TestReplayIgnoresCommitsAfterMidChainDamage(t *testing.T) {
	dir, err := os.MkdirTemp("", "vlog-midchain-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	// A file size that fits exactly one committed run per file.
	path := filepath.Join(dir, "test.data")
	l, err := Open(path, 160)
	if err != nil {
		t.Fatal(err)
	}
	for i, key := range []string{"alpha", "bravo"} {
		txn := uint64(i + 1)
		if err := l.BeginTransaction(txn); err != nil {
			t.Fatal(err)
		}
		if _, err := l.WriteCreateOrUpdate(txn, nil, []byte(key), bytes.Repeat([]byte("x"), 50)); err != nil {
			t.Fatal(err)
		}
		if err := l.CommitTransaction(txn); err != nil {
			t.Fatal(err)
		}
	}
	files, err := l.Files()
	if err != nil {
		t.Fatal(err)
	}
	l.Close()
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}

	// Torn write in the first file. The second file's commit sits
	// behind the damage and must not be replayed: entries after a hole
	// have no trustworthy predecessor state.
	fd, err := os.OpenFile(files[0], os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	fd.Write(bytes.Repeat([]byte{0xAB}, 10))
	fd.Close()

	l2, err := Open(path, 160)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	var keys []string
	stats, err := l2.Replay(func(version uint64, ops []ReplayOp) error {
		for _, op := range ops {
			keys = append(keys, string(op.Key))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.CommittedTxns != 1 || len(keys) != 1 || keys[0] != "alpha" {
		t.Errorf("replayed past the damage: txns=%d keys=%v", stats.CommittedTxns, keys)
	}
}
