// Package kv implements the transaction engine over the versioned
// B-tree: snapshot-isolated reads, a single lazily-promoted writer and
// prefix-scoped cursor navigation.
package kv

import "errors"

var (
	// ErrInvalidCursor indicates an operation that requires a current
	// key while none is set.
	ErrInvalidCursor = errors.New("kv: transaction has no current key")

	// ErrTransactionFinished indicates use of an already committed or
	// disposed transaction.
	ErrTransactionFinished = errors.New("kv: transaction already finished")

	// ErrWriteConflict indicates a promotion attempt from a snapshot
	// that is no longer the current version. The caller should retry
	// on a fresh transaction.
	ErrWriteConflict = errors.New("kv: snapshot out of date, retry transaction")

	// ErrClosed indicates an operation on a closed database.
	ErrClosed = errors.New("kv: database closed")

	// ErrActiveTransactions indicates an exclusive maintenance
	// operation was attempted while transactions are open.
	ErrActiveTransactions = errors.New("kv: active transactions")

	// ErrCompacting indicates a transaction start while compaction is
	// rewriting the log. The caller should retry once it finishes.
	ErrCompacting = errors.New("kv: compaction in progress, retry")
)
