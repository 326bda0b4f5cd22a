package vlog

import (
	"encoding/binary"
	"hash/crc32"
)

// OpType represents the type of log entry.
type OpType byte

const (
	// OpValue is a standalone value payload, addressable by reads.
	OpValue OpType = 1

	// OpCreateOrUpdate maps a full key to the value carried inline.
	OpCreateOrUpdate OpType = 2

	// OpEraseOne removes a single key.
	OpEraseOne OpType = 3

	// OpEraseRange removes the keys between Key and Value (both are
	// literal keys, inclusive).
	OpEraseRange OpType = 4

	// OpBegin opens a write transaction scope.
	OpBegin OpType = 5

	// OpCommit closes a write transaction scope; TxnID is the
	// published version.
	OpCommit OpType = 6

	// OpRevert abandons the open write transaction scope.
	OpRevert OpType = 7
)

const (
	// EntryHeaderSize is the fixed size of the entry header.
	// Layout: LSN(8) + TxnID(8) + OpType(1) + Reserved(3) + KeyLen(4) + ValLen(4)
	EntryHeaderSize = 28
)

// Entry is a single log entry. Key and Value are operation-dependent;
// see the OpType constants.
type Entry struct {
	LSN    uint64
	TxnID  uint64
	OpType OpType
	Key    []byte
	Value  []byte
}

// Encode serializes the entry with a trailing CRC32 checksum.
// Format: [Header(28)] [Key] [Value] [CRC32(4)]
func (e *Entry) Encode() []byte {
	keyLen := len(e.Key)
	valLen := len(e.Value)
	buf := make([]byte, EntryHeaderSize+keyLen+valLen+4)

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.TxnID)
	buf[16] = byte(e.OpType)
	// bytes 17-19 are reserved
	binary.LittleEndian.PutUint32(buf[20:24], uint32(keyLen))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(valLen))

	offset := EntryHeaderSize
	copy(buf[offset:], e.Key)
	offset += keyLen
	copy(buf[offset:], e.Value)
	offset += valLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// DecodeEntry deserializes an entry and verifies its checksum.
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}

	storedCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	computedCRC := crc32.ChecksumIEEE(data[:len(data)-4])
	if storedCRC != computedCRC {
		return nil, ErrCorrupted
	}

	entry := &Entry{
		LSN:    binary.LittleEndian.Uint64(data[0:8]),
		TxnID:  binary.LittleEndian.Uint64(data[8:16]),
		OpType: OpType(data[16]),
	}

	keyLen := binary.LittleEndian.Uint32(data[20:24])
	valLen := binary.LittleEndian.Uint32(data[24:28])
	if len(data) < EntryHeaderSize+int(keyLen)+int(valLen)+4 {
		return nil, ErrTruncated
	}

	offset := EntryHeaderSize
	if keyLen > 0 {
		entry.Key = make([]byte, keyLen)
		copy(entry.Key, data[offset:offset+int(keyLen)])
		offset += int(keyLen)
	}
	if valLen > 0 {
		entry.Value = make([]byte, valLen)
		copy(entry.Value, data[offset:offset+int(valLen)])
	}

	return entry, nil
}
