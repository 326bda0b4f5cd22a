package vlog

import (
	"fmt"
	"io"
	"os"

	"github.com/nainya/treekv/pkg/btree"
)

// ReplayOp is one structural operation recovered from a committed
// write transaction.
type ReplayOp struct {
	Type    OpType
	Key     []byte          // full key (create, erase-one) or range first key
	LastKey []byte          // range last key, erase-range only
	Addr    btree.ValueAddr // value address, create only
}

// ReplayFunc is called once per committed write transaction, with the
// published version and its operations in log order.
type ReplayFunc func(version uint64, ops []ReplayOp) error

// RecoveryStats summarizes a replay pass.
type RecoveryStats struct {
	TotalEntries    int
	CommittedTxns   int
	UncommittedTxns int
	ReplayedOps     int
	LastVersion     uint64
}

// Replay walks the log and delivers every committed transaction run to
// fn. Runs without a commit marker (crash or revert) are discarded;
// standalone values are skipped, since only create commands bind them
// into the tree.
func (l *Log) Replay(fn ReplayFunc) (*RecoveryStats, error) {
	stats := &RecoveryStats{}

	files, err := l.findLogFiles()
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return nil, err
	}
	if len(files) == 0 {
		return stats, nil
	}

	r := NewReader(files)
	if err := r.Open(); err != nil {
		return nil, err
	}
	defer r.Close()

	var pending []ReplayOp
	open := false

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err == ErrCorrupted || err == ErrTruncated {
			// Damaged tail: nothing after it was committed.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("vlog: replay: %w", err)
		}

		stats.TotalEntries++
		e := rec.Entry

		switch e.OpType {
		case OpBegin:
			if open {
				stats.UncommittedTxns++
			}
			open = true
			pending = pending[:0]

		case OpCreateOrUpdate:
			pending = append(pending, ReplayOp{
				Type: OpCreateOrUpdate,
				Key:  e.Key,
				Addr: btree.ValueAddr{
					FileIndex: rec.FileIndex,
					Offset:    rec.ValueAddrOffset(),
					Size:      int32(len(e.Value)),
				},
			})

		case OpEraseOne:
			pending = append(pending, ReplayOp{Type: OpEraseOne, Key: e.Key})

		case OpEraseRange:
			pending = append(pending, ReplayOp{Type: OpEraseRange, Key: e.Key, LastKey: e.Value})

		case OpCommit:
			if !open {
				break
			}
			if err := fn(e.TxnID, pending); err != nil {
				return nil, err
			}
			stats.CommittedTxns++
			stats.ReplayedOps += len(pending)
			stats.LastVersion = e.TxnID
			pending = pending[:0]
			open = false

		case OpRevert:
			if open {
				stats.UncommittedTxns++
			}
			pending = pending[:0]
			open = false

		case OpValue:
			// addressable payload only, no structural effect
		}
	}

	if open {
		stats.UncommittedTxns++
	}

	return stats, nil
}
