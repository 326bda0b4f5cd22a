// ABOUTME: Append-only value log with size-based file rotation
// ABOUTME: Values and write commands share one durable file chain

package vlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nainya/treekv/pkg/btree"
)

const (
	// DefaultMaxFileSize is the rotation threshold for a single log file.
	DefaultMaxFileSize = 64 << 20
)

// Log is the append-only value store and write-ahead command log. A
// value address is (file index, byte offset, size); rotation never
// deletes files, since live values may reside in any generation —
// reclaiming space is compaction's job.
type Log struct {
	path string // base path, e.g. "/data/treekv.data"

	mu          sync.Mutex
	fd          *os.File
	fileIndex   int
	fileSize    int64
	lsn         uint64
	maxFileSize int64
	readers     map[uint32]*os.File
	closed      bool
}

// Open opens or creates the log rooted at the given base path.
// maxFileSize <= 0 selects DefaultMaxFileSize.
func Open(path string, maxFileSize int64) (*Log, error) {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	l := &Log{
		path:        path,
		maxFileSize: maxFileSize,
		readers:     make(map[uint32]*os.File),
	}

	files, err := l.findLogFiles()
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if len(files) > 0 {
		latest := files[len(files)-1]
		fd, err := os.OpenFile(latest, os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		stat, err := fd.Stat()
		if err != nil {
			fd.Close()
			return nil, err
		}
		l.fd = fd
		l.fileSize = stat.Size()
		if _, err := fmt.Sscanf(filepath.Base(latest), l.baseName()+".%d", &l.fileIndex); err != nil {
			l.fileIndex = 0
		}
		maxLSN, err := scanForHighestLSN(files)
		if err != nil {
			fd.Close()
			return nil, err
		}
		l.lsn = maxLSN
	} else {
		logPath := l.logFilePath(0)
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, err
		}
		fd, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		l.fd = fd
	}

	return l, nil
}

// WriteValue appends a standalone value and returns its address.
func (l *Log) WriteValue(txn uint64, value []byte) (btree.ValueAddr, error) {
	return l.appendAddressed(&Entry{TxnID: txn, OpType: OpValue, Value: value})
}

// WriteCreateOrUpdate durably records the mapping prefix+key -> value
// and returns the address of the value bytes inside the entry.
func (l *Log) WriteCreateOrUpdate(txn uint64, prefix, key, value []byte) (btree.ValueAddr, error) {
	full := make([]byte, 0, len(prefix)+len(key))
	full = append(full, prefix...)
	full = append(full, key...)
	return l.appendAddressed(&Entry{TxnID: txn, OpType: OpCreateOrUpdate, Key: full, Value: value})
}

// WriteEraseOne records the removal of a single key.
func (l *Log) WriteEraseOne(txn uint64, key []byte) error {
	_, err := l.appendAddressed(&Entry{TxnID: txn, OpType: OpEraseOne, Key: key})
	return err
}

// WriteEraseRange records the removal of all keys between firstKey and
// lastKey inclusive. The literal keys are recorded, not ordinals.
func (l *Log) WriteEraseRange(txn uint64, firstKey, lastKey []byte) error {
	_, err := l.appendAddressed(&Entry{TxnID: txn, OpType: OpEraseRange, Key: firstKey, Value: lastKey})
	return err
}

// BeginTransaction opens the write transaction scope in the log.
func (l *Log) BeginTransaction(txn uint64) error {
	_, err := l.appendAddressed(&Entry{TxnID: txn, OpType: OpBegin})
	return err
}

// CommitTransaction closes the scope with a commit marker for the
// published version and makes everything before it durable.
func (l *Log) CommitTransaction(version uint64) error {
	if _, err := l.appendAddressed(&Entry{TxnID: version, OpType: OpCommit}); err != nil {
		return err
	}
	return l.Sync()
}

// RevertTransaction marks the open scope as abandoned. Replay discards
// everything since the matching begin marker.
func (l *Log) RevertTransaction(txn uint64) error {
	_, err := l.appendAddressed(&Entry{TxnID: txn, OpType: OpRevert})
	return err
}

// ReadValue resolves a value address back to bytes.
func (l *Log) ReadValue(addr btree.ValueAddr) ([]byte, error) {
	if addr.Size < 0 {
		return nil, ErrBadAddress
	}
	if addr.Size == 0 {
		return []byte{}, nil
	}

	fd, err := l.readerFor(addr.FileIndex)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, addr.Size)
	if _, err := fd.ReadAt(buf, int64(addr.Offset)); err != nil {
		return nil, fmt.Errorf("vlog: read value at %d.%d: %w", addr.FileIndex, addr.Offset, err)
	}
	return buf, nil
}

// Sync flushes the current file to disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	return l.fd.Sync()
}

// Close closes the log and all reader handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	for _, fd := range l.readers {
		fd.Close()
	}
	l.readers = nil
	return l.fd.Close()
}

// Files returns all log files sorted by index.
func (l *Log) Files() ([]string, error) {
	return l.findLogFiles()
}

// Path returns the base path of the log.
func (l *Log) Path() string {
	return l.path
}

// appendAddressed appends an entry and returns the address of its
// value bytes.
func (l *Log) appendAddressed(e *Entry) (btree.ValueAddr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return btree.ValueAddr{}, ErrLogClosed
	}

	e.LSN = l.lsn + 1
	data := e.Encode()

	// Rotate before the write so an entry never spans files.
	if l.fileSize > 0 && l.fileSize+int64(len(data)) > l.maxFileSize {
		if err := l.rotateNoLock(); err != nil {
			return btree.ValueAddr{}, err
		}
	}

	offset := l.fileSize
	n, err := l.fd.Write(data)
	if err != nil {
		return btree.ValueAddr{}, err
	}
	l.fileSize += int64(n)
	l.lsn = e.LSN

	return btree.ValueAddr{
		FileIndex: uint32(l.fileIndex),
		Offset:    uint64(offset) + EntryHeaderSize + uint64(len(e.Key)),
		Size:      int32(len(e.Value)),
	}, nil
}

// rotateNoLock switches to the next log file (caller must hold mu).
func (l *Log) rotateNoLock() error {
	if err := l.fd.Sync(); err != nil {
		return err
	}
	if err := l.fd.Close(); err != nil {
		return err
	}

	l.fileIndex++
	fd, err := os.OpenFile(l.logFilePath(l.fileIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	l.fd = fd
	l.fileSize = 0
	return nil
}

// readerFor returns a lazily opened read handle for a file index.
func (l *Log) readerFor(index uint32) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLogClosed
	}
	if fd, ok := l.readers[index]; ok {
		return fd, nil
	}

	fd, err := os.Open(l.logFilePath(int(index)))
	if err != nil {
		return nil, err
	}
	l.readers[index] = fd
	return fd, nil
}

func (l *Log) baseName() string {
	return filepath.Base(l.path)
}

func (l *Log) logFilePath(index int) string {
	return fmt.Sprintf("%s.%03d", l.path, index)
}

// findLogFiles returns all log files for this base path sorted by index.
func (l *Log) findLogFiles() ([]string, error) {
	dir := filepath.Dir(l.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	pattern := l.baseName() + ".%d"
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var index int
		if _, err := fmt.Sscanf(entry.Name(), pattern, &index); err == nil {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Slice(files, func(i, j int) bool {
		var idxI, idxJ int
		fmt.Sscanf(filepath.Base(files[i]), pattern, &idxI)
		fmt.Sscanf(filepath.Base(files[j]), pattern, &idxJ)
		return idxI < idxJ
	})

	return files, nil
}

// scanForHighestLSN reads the file chain and returns the last LSN.
func scanForHighestLSN(files []string) (uint64, error) {
	r := NewReader(files)
	if err := r.Open(); err != nil {
		if err == ErrLogNotFound {
			return 0, nil
		}
		return 0, err
	}
	defer r.Close()

	var maxLSN uint64
	for {
		rec, err := r.Next()
		if err != nil {
			break
		}
		if rec.Entry.LSN > maxLSN {
			maxLSN = rec.Entry.LSN
		}
	}
	return maxLSN, nil
}
