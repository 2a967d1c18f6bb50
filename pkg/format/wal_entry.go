package format

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// OpKind tags a WAL entry.
type OpKind uint8

const (
	OpBegin OpKind = iota + 1
	OpCommit
	OpAbort
	OpInsert
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpBegin:
		return "begin"
	case OpCommit:
		return "commit"
	case OpAbort:
		return "abort"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Terminal reports whether the kind ends a transaction.
func (k OpKind) Terminal() bool {
	return k == OpCommit || k == OpAbort
}

// Mutation reports whether the kind carries a block operation.
func (k OpKind) Mutation() bool {
	return k == OpInsert || k == OpUpdate || k == OpDelete
}

// WALEntry is one fixed-size, self-checksummed slot in the circular log.
//
// [lsn 8B] [txID 8B] [kind 1B] [payloadLen 2B] [payload NB] [crc 4B]
type WALEntry struct {
	LSN     uint64
	TxID    uint64
	Kind    OpKind
	Payload []byte
}

const walEntryOverhead = 8 + 8 + 1 + 2 + 4 // 23

// WALPayloadCapacity is the payload room left in a slot of the given size.
func WALPayloadCapacity(entrySize uint32) int {
	return int(entrySize) - walEntryOverhead
}

// MarshalSlot serializes the entry into a slot of exactly entrySize bytes.
func (e *WALEntry) MarshalSlot(entrySize uint32) ([]byte, error) {
	if len(e.Payload) > WALPayloadCapacity(entrySize) {
		return nil, fmt.Errorf("format: wal payload %d exceeds slot capacity %d",
			len(e.Payload), WALPayloadCapacity(entrySize))
	}
	buf := make([]byte, entrySize)
	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.TxID)
	buf[16] = byte(e.Kind)
	binary.LittleEndian.PutUint16(buf[17:19], uint16(len(e.Payload)))
	copy(buf[19:], e.Payload)
	end := 19 + len(e.Payload)
	binary.LittleEndian.PutUint32(buf[end:end+4], crc32.ChecksumIEEE(buf[:end]))
	return buf, nil
}

// UnmarshalSlot parses a slot, verifying its checksum. A mismatch returns
// ErrBadChecksum; readers treat everything at and after that slot as never
// written.
func (e *WALEntry) UnmarshalSlot(buf []byte) error {
	if len(buf) < walEntryOverhead {
		return ErrTruncated
	}
	payloadLen := int(binary.LittleEndian.Uint16(buf[17:19]))
	if 19+payloadLen+4 > len(buf) {
		return fmt.Errorf("%w: wal entry", ErrBadChecksum)
	}
	end := 19 + payloadLen
	if crc32.ChecksumIEEE(buf[:end]) != binary.LittleEndian.Uint32(buf[end:end+4]) {
		return fmt.Errorf("%w: wal entry", ErrBadChecksum)
	}
	e.LSN = binary.LittleEndian.Uint64(buf[0:8])
	e.TxID = binary.LittleEndian.Uint64(buf[8:16])
	e.Kind = OpKind(buf[16])
	e.Payload = make([]byte, payloadLen)
	copy(e.Payload, buf[19:end])
	return nil
}

// BlockOp is the REDO payload of a mutation entry. Insert and Update carry
// an absolute byte image at an offset inside the named block, so replaying
// an operation twice writes the same bytes; Delete carries only the name.
type BlockOp struct {
	Name   string
	Offset uint64
	Data   []byte
}

// MarshalBlockOp encodes an op payload:
// [uvarint nameLen] [name] [offset 8B] [uvarint dataLen] [data].
// Delete entries stop after the name.
func MarshalBlockOp(kind OpKind, op *BlockOp) []byte {
	buf := make([]byte, 0, 2+len(op.Name)+8+4+len(op.Data))
	buf = binary.AppendUvarint(buf, uint64(len(op.Name)))
	buf = append(buf, op.Name...)
	if kind == OpDelete {
		return buf
	}
	buf = binary.LittleEndian.AppendUint64(buf, op.Offset)
	buf = binary.AppendUvarint(buf, uint64(len(op.Data)))
	buf = append(buf, op.Data...)
	return buf
}

// UnmarshalBlockOp decodes a mutation payload written by MarshalBlockOp.
func UnmarshalBlockOp(kind OpKind, payload []byte) (*BlockOp, error) {
	nameLen, n := binary.Uvarint(payload)
	if n <= 0 || nameLen > maxEntryNameLen || int(nameLen) > len(payload)-n {
		return nil, fmt.Errorf("format: malformed block op name")
	}
	op := &BlockOp{Name: string(payload[n : n+int(nameLen)])}
	rest := payload[n+int(nameLen):]
	if kind == OpDelete {
		return op, nil
	}
	if len(rest) < 8 {
		return nil, fmt.Errorf("format: malformed block op offset")
	}
	op.Offset = binary.LittleEndian.Uint64(rest[0:8])
	rest = rest[8:]
	dataLen, n := binary.Uvarint(rest)
	if n <= 0 || int(dataLen) > len(rest)-n {
		return nil, fmt.Errorf("format: malformed block op data")
	}
	op.Data = make([]byte, dataLen)
	copy(op.Data, rest[n:n+int(dataLen)])
	return op, nil
}

// BlockOpOverhead is the worst-case payload overhead of a mutation entry,
// used to split oversized writes across slots.
func BlockOpOverhead(name string) int {
	return binary.MaxVarintLen16 + len(name) + 8 + binary.MaxVarintLen32
}
