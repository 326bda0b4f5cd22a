package vlog

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Record is one decoded entry together with its physical position,
// which replay needs to rebuild value addresses.
type Record struct {
	Entry     *Entry
	FileIndex uint32
	Offset    int64 // offset of the entry start within its file
}

// ValueAddrOffset returns the in-file offset of the record's value bytes.
func (r *Record) ValueAddrOffset() uint64 {
	return uint64(r.Offset) + EntryHeaderSize + uint64(len(r.Entry.Key))
}

// Reader reads log entries sequentially across the file chain.
// A corrupted or truncated entry ends the stream: everything behind it
// was never acknowledged as committed.
type Reader struct {
	files   []string
	current int
	fd      *os.File
	offset  int64
	size    int64
	index   uint32
}

// NewReader creates a reader over the given log files, in order.
func NewReader(files []string) *Reader {
	return &Reader{files: files}
}

// Open opens the reader at the first file.
func (r *Reader) Open() error {
	if len(r.files) == 0 {
		return ErrLogNotFound
	}
	return r.openFile(0)
}

// Next reads the next record. Returns io.EOF at the end of the chain
// and ErrCorrupted/ErrTruncated on a damaged entry. A clean end of a
// non-final file is a rotation boundary; a partial entry anywhere is
// damage, and replay must not skip past it into later files.
func (r *Reader) Next() (*Record, error) {
	for {
		rec, err := r.readRecord()
		if err == nil {
			return rec, nil
		}
		if err == io.EOF {
			if r.current+1 >= len(r.files) {
				return nil, io.EOF
			}
			if err := r.openFile(r.current + 1); err != nil {
				return nil, err
			}
			continue
		}
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.fd != nil {
		return r.fd.Close()
	}
	return nil
}

func (r *Reader) openFile(i int) error {
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}
	fd, err := os.Open(r.files[i])
	if err != nil {
		return err
	}
	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return err
	}
	r.fd = fd
	r.current = i
	r.offset = 0
	r.size = info.Size()
	r.index = parseFileIndex(r.files[i])
	return nil
}

func (r *Reader) readRecord() (*Record, error) {
	start := r.offset

	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(r.fd, header); err != nil {
		return nil, err
	}

	keyLen := binary.LittleEndian.Uint32(header[20:24])
	valLen := binary.LittleEndian.Uint32(header[24:28])

	// The lengths are untrusted until the CRC passes. An entry cannot
	// extend past its file, so a header claiming more than the bytes
	// that remain is damage; reject it before sizing the read buffer.
	need := int64(EntryHeaderSize) + int64(keyLen) + int64(valLen) + 4
	if need > r.size-start {
		return nil, ErrTruncated
	}

	data := make([]byte, EntryHeaderSize+int(keyLen)+int(valLen)+4)
	copy(data, header)
	if _, err := io.ReadFull(r.fd, data[EntryHeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	entry, err := DecodeEntry(data)
	if err != nil {
		return nil, err
	}

	r.offset = start + int64(len(data))
	return &Record{Entry: entry, FileIndex: r.index, Offset: start}, nil
}

// parseFileIndex extracts the numeric suffix of a log file name.
func parseFileIndex(path string) uint32 {
	name := filepath.Base(path)
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return 0
	}
	index, err := strconv.Atoi(name[dot+1:])
	if err != nil {
		return 0
	}
	return uint32(index)
}
