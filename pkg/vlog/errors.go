// Package vlog implements the append-only value log: content-addressed
// value storage and the write-ahead command log sharing one file chain.
package vlog

import "errors"

var (
	// ErrCorrupted indicates a corrupted log entry (CRC mismatch).
	ErrCorrupted = errors.New("vlog: corrupted entry")

	// ErrTruncated indicates a truncated log entry.
	ErrTruncated = errors.New("vlog: truncated entry")

	// ErrLogClosed indicates an operation on a closed log.
	ErrLogClosed = errors.New("vlog: log closed")

	// ErrLogNotFound indicates log files don't exist.
	ErrLogNotFound = errors.New("vlog: log not found")

	// ErrBadAddress indicates a value address outside the log.
	ErrBadAddress = errors.New("vlog: bad value address")
)
