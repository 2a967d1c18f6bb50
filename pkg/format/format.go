// Package format defines the on-disk layout of a slabdb file: the file
// header, the block registry, the free-space map and the write-ahead log.
// All integers are little-endian; every header is crc32-guarded.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const Version uint16 = 1

var (
	FileMagic     = [4]byte{'s', 'l', 'a', 'b'}
	RegistryMagic = [4]byte{'s', 'r', 'e', 'g'}
	FreeMapMagic  = [4]byte{'s', 'f', 's', 'm'}
	WALMagic      = [4]byte{'s', 'w', 'a', 'l'}
)

var (
	ErrBadMagic    = errors.New("format: bad magic")
	ErrBadVersion  = errors.New("format: unsupported version")
	ErrBadChecksum = errors.New("format: checksum mismatch")
	ErrTruncated   = errors.New("format: buffer too short")
)

// Checksum is the engine-wide content checksum.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// FileHeader sits at offset 0 and makes the file self-describing: it
// records where the registry, free-space map and WAL regions live.
//
// [magic 4B] [version 2B] [flags 2B] [pageSize 4B] [totalPages 8B]
// [registryOff 8B] [registryPages 4B] [freeMapOff 8B] [freeMapPages 4B]
// [walOff 8B] [walPages 4B] [reserved 4B] [crc 4B]
type FileHeader struct {
	Version       uint16
	Flags         uint16
	PageSize      uint32
	TotalPages    uint64
	RegistryOff   uint64
	RegistryPages uint32
	FreeMapOff    uint64
	FreeMapPages  uint32
	WALOff        uint64
	WALPages      uint32
}

const FileHeaderSize = 4 + 2 + 2 + 4 + 8 + 8 + 4 + 8 + 4 + 8 + 4 + 4 + 4 // 64

func (h *FileHeader) Marshal() []byte {
	buf := make([]byte, FileHeaderSize)
	copy(buf[0:4], FileMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint64(buf[12:20], h.TotalPages)
	binary.LittleEndian.PutUint64(buf[20:28], h.RegistryOff)
	binary.LittleEndian.PutUint32(buf[28:32], h.RegistryPages)
	binary.LittleEndian.PutUint64(buf[32:40], h.FreeMapOff)
	binary.LittleEndian.PutUint32(buf[40:44], h.FreeMapPages)
	binary.LittleEndian.PutUint64(buf[44:52], h.WALOff)
	binary.LittleEndian.PutUint32(buf[52:56], h.WALPages)
	binary.LittleEndian.PutUint32(buf[60:64], crc32.ChecksumIEEE(buf[:60]))
	return buf
}

func (h *FileHeader) Unmarshal(buf []byte) error {
	if len(buf) < FileHeaderSize {
		return ErrTruncated
	}
	if [4]byte(buf[0:4]) != FileMagic {
		return fmt.Errorf("%w: file header", ErrBadMagic)
	}
	if crc32.ChecksumIEEE(buf[:60]) != binary.LittleEndian.Uint32(buf[60:64]) {
		return fmt.Errorf("%w: file header", ErrBadChecksum)
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if h.Version != Version {
		return fmt.Errorf("%w: file header version %d", ErrBadVersion, h.Version)
	}
	h.Flags = binary.LittleEndian.Uint16(buf[6:8])
	h.PageSize = binary.LittleEndian.Uint32(buf[8:12])
	h.TotalPages = binary.LittleEndian.Uint64(buf[12:20])
	h.RegistryOff = binary.LittleEndian.Uint64(buf[20:28])
	h.RegistryPages = binary.LittleEndian.Uint32(buf[28:32])
	h.FreeMapOff = binary.LittleEndian.Uint64(buf[32:40])
	h.FreeMapPages = binary.LittleEndian.Uint32(buf[40:44])
	h.WALOff = binary.LittleEndian.Uint64(buf[44:52])
	h.WALPages = binary.LittleEndian.Uint32(buf[52:56])
	return nil
}

// RegistryHeader prefixes the registry region.
//
// [magic 4B] [version 2B] [reserved 2B] [blockCount 4B] [totalSize 8B]
// [lastModified 8B] [crc 4B]
type RegistryHeader struct {
	Version      uint16
	BlockCount   uint32
	TotalSize    uint64
	LastModified int64
}

const RegistryHeaderSize = 4 + 2 + 2 + 4 + 8 + 8 + 4 // 32

func (h *RegistryHeader) Marshal() []byte {
	buf := make([]byte, RegistryHeaderSize)
	copy(buf[0:4], RegistryMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.BlockCount)
	binary.LittleEndian.PutUint64(buf[12:20], h.TotalSize)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.LastModified))
	binary.LittleEndian.PutUint32(buf[28:32], crc32.ChecksumIEEE(buf[:28]))
	return buf
}

func (h *RegistryHeader) Unmarshal(buf []byte) error {
	if len(buf) < RegistryHeaderSize {
		return ErrTruncated
	}
	if [4]byte(buf[0:4]) != RegistryMagic {
		return fmt.Errorf("%w: registry header", ErrBadMagic)
	}
	if crc32.ChecksumIEEE(buf[:28]) != binary.LittleEndian.Uint32(buf[28:32]) {
		return fmt.Errorf("%w: registry header", ErrBadChecksum)
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if h.Version != Version {
		return fmt.Errorf("%w: registry version %d", ErrBadVersion, h.Version)
	}
	h.BlockCount = binary.LittleEndian.Uint32(buf[8:12])
	h.TotalSize = binary.LittleEndian.Uint64(buf[12:20])
	h.LastModified = int64(binary.LittleEndian.Uint64(buf[20:28]))
	return nil
}

// RegistryEntry is one fixed-size slot in the registry table.
//
// [nameLen 2B] [name 64B] [offset 8B] [length 8B] [checksum 4B] [flags 4B]
// [pad 6B]
type RegistryEntry struct {
	Name     string
	Offset   uint64
	Length   uint64
	Checksum uint32
	Flags    uint32
}

const (
	RegistryEntrySize = 2 + 64 + 8 + 8 + 4 + 4 + 6 // 96
	maxEntryNameLen   = 64
)

// BlockFlagGrowing marks a block expected to keep growing; the allocator
// places it with the worst-fit strategy.
const BlockFlagGrowing uint32 = 1 << 0

func (e *RegistryEntry) Marshal() []byte {
	buf := make([]byte, RegistryEntrySize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(e.Name)))
	copy(buf[2:2+maxEntryNameLen], e.Name)
	binary.LittleEndian.PutUint64(buf[66:74], e.Offset)
	binary.LittleEndian.PutUint64(buf[74:82], e.Length)
	binary.LittleEndian.PutUint32(buf[82:86], e.Checksum)
	binary.LittleEndian.PutUint32(buf[86:90], e.Flags)
	return buf
}

func (e *RegistryEntry) Unmarshal(buf []byte) error {
	if len(buf) < RegistryEntrySize {
		return ErrTruncated
	}
	nameLen := binary.LittleEndian.Uint16(buf[0:2])
	if nameLen > maxEntryNameLen {
		return fmt.Errorf("format: registry entry name length %d out of range", nameLen)
	}
	e.Name = string(buf[2 : 2+nameLen])
	e.Offset = binary.LittleEndian.Uint64(buf[66:74])
	e.Length = binary.LittleEndian.Uint64(buf[74:82])
	e.Checksum = binary.LittleEndian.Uint32(buf[82:86])
	e.Flags = binary.LittleEndian.Uint32(buf[86:90])
	return nil
}

// FreeMapHeader prefixes the free-space region. Bitmap and extent offsets
// are relative to the region start.
//
// [magic 4B] [version 2B] [reserved 2B] [totalPages 8B] [freePages 8B]
// [largestExtent 8B] [bitmapOff 4B] [extentMapOff 4B] [extentCount 4B]
// [crc 4B]
type FreeMapHeader struct {
	Version       uint16
	TotalPages    uint64
	FreePages     uint64
	LargestExtent uint64
	BitmapOff     uint32
	ExtentMapOff  uint32
	ExtentCount   uint32
}

const FreeMapHeaderSize = 4 + 2 + 2 + 8 + 8 + 8 + 4 + 4 + 4 + 4 // 48

// MaxPersistedExtents bounds the extent records written to disk. A more
// fragmented map is persisted as bitmap-only and the extent list is rebuilt
// on open.
const MaxPersistedExtents = 4096

func (h *FreeMapHeader) Marshal() []byte {
	buf := make([]byte, FreeMapHeaderSize)
	copy(buf[0:4], FreeMapMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.TotalPages)
	binary.LittleEndian.PutUint64(buf[16:24], h.FreePages)
	binary.LittleEndian.PutUint64(buf[24:32], h.LargestExtent)
	binary.LittleEndian.PutUint32(buf[32:36], h.BitmapOff)
	binary.LittleEndian.PutUint32(buf[36:40], h.ExtentMapOff)
	binary.LittleEndian.PutUint32(buf[40:44], h.ExtentCount)
	binary.LittleEndian.PutUint32(buf[44:48], crc32.ChecksumIEEE(buf[:44]))
	return buf
}

func (h *FreeMapHeader) Unmarshal(buf []byte) error {
	if len(buf) < FreeMapHeaderSize {
		return ErrTruncated
	}
	if [4]byte(buf[0:4]) != FreeMapMagic {
		return fmt.Errorf("%w: free-space header", ErrBadMagic)
	}
	if crc32.ChecksumIEEE(buf[:44]) != binary.LittleEndian.Uint32(buf[44:48]) {
		return fmt.Errorf("%w: free-space header", ErrBadChecksum)
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if h.Version != Version {
		return fmt.Errorf("%w: free-space version %d", ErrBadVersion, h.Version)
	}
	h.TotalPages = binary.LittleEndian.Uint64(buf[8:16])
	h.FreePages = binary.LittleEndian.Uint64(buf[16:24])
	h.LargestExtent = binary.LittleEndian.Uint64(buf[24:32])
	h.BitmapOff = binary.LittleEndian.Uint32(buf[32:36])
	h.ExtentMapOff = binary.LittleEndian.Uint32(buf[36:40])
	h.ExtentCount = binary.LittleEndian.Uint32(buf[40:44])
	return nil
}

// ExtentRecord is one persisted free extent: [start 8B] [count 8B].
const ExtentRecordSize = 16

func MarshalExtent(buf []byte, start, count uint64) {
	binary.LittleEndian.PutUint64(buf[0:8], start)
	binary.LittleEndian.PutUint64(buf[8:16], count)
}

func UnmarshalExtent(buf []byte) (start, count uint64) {
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16])
}

// WALHeader prefixes the WAL region; the slot array starts one page after
// the region start so header rewrites never touch entry slots.
//
// [magic 4B] [version 2B] [reserved 2B] [currentLSN 8B] [lastCheckpoint 8B]
// [entrySize 4B] [maxEntries 4B] [headSlot 4B] [tailSlot 4B] [reserved 4B]
// [crc 4B]
type WALHeader struct {
	Version        uint16
	CurrentLSN     uint64
	LastCheckpoint uint64
	EntrySize      uint32
	MaxEntries     uint32
	HeadSlot       uint32
	TailSlot       uint32
}

const WALHeaderSize = 4 + 2 + 2 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4 // 48

func (h *WALHeader) Marshal() []byte {
	buf := make([]byte, WALHeaderSize)
	copy(buf[0:4], WALMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.CurrentLSN)
	binary.LittleEndian.PutUint64(buf[16:24], h.LastCheckpoint)
	binary.LittleEndian.PutUint32(buf[24:28], h.EntrySize)
	binary.LittleEndian.PutUint32(buf[28:32], h.MaxEntries)
	binary.LittleEndian.PutUint32(buf[32:36], h.HeadSlot)
	binary.LittleEndian.PutUint32(buf[36:40], h.TailSlot)
	binary.LittleEndian.PutUint32(buf[44:48], crc32.ChecksumIEEE(buf[:44]))
	return buf
}

func (h *WALHeader) Unmarshal(buf []byte) error {
	if len(buf) < WALHeaderSize {
		return ErrTruncated
	}
	if [4]byte(buf[0:4]) != WALMagic {
		return fmt.Errorf("%w: wal header", ErrBadMagic)
	}
	if crc32.ChecksumIEEE(buf[:44]) != binary.LittleEndian.Uint32(buf[44:48]) {
		return fmt.Errorf("%w: wal header", ErrBadChecksum)
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if h.Version != Version {
		return fmt.Errorf("%w: wal version %d", ErrBadVersion, h.Version)
	}
	h.CurrentLSN = binary.LittleEndian.Uint64(buf[8:16])
	h.LastCheckpoint = binary.LittleEndian.Uint64(buf[16:24])
	h.EntrySize = binary.LittleEndian.Uint32(buf[24:28])
	h.MaxEntries = binary.LittleEndian.Uint32(buf[28:32])
	h.HeadSlot = binary.LittleEndian.Uint32(buf[32:36])
	h.TailSlot = binary.LittleEndian.Uint32(buf[36:40])
	return nil
}
