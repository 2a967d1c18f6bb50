package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"slabdb/pkg/common"
	"slabdb/pkg/config"
	"slabdb/pkg/format"
)

// blockFile owns the single database file: the OS-level exclusive lock,
// positional I/O and the bootstrap header at offset 0. All region offsets
// come out of that header, so a file is self-describing from byte 0.
type blockFile struct {
	f           *os.File
	path        string
	pageSize    uint32
	maxFileSize int64
	header      format.FileHeader
	log         *slog.Logger
}

func openBlockFile(path string, cfg *config.Config, logger *slog.Logger) (bf *blockFile, created bool, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}
	// single-writer-per-file discipline
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, ErrLocked
		}
		return nil, false, fmt.Errorf("lock %s: %w", path, err)
	}

	bf = &blockFile{
		f:           f,
		path:        path,
		pageSize:    cfg.Storage.PageSize,
		maxFileSize: cfg.Storage.MaxFileSize,
		log:         logger,
	}

	stat, err := f.Stat()
	if err != nil {
		bf.close()
		return nil, false, err
	}
	if stat.Size() == 0 {
		if err := bf.create(cfg); err != nil {
			bf.close()
			return nil, false, err
		}
		return bf, true, nil
	}

	buf := make([]byte, format.FileHeaderSize)
	if err := bf.readAt(0, buf); err != nil {
		bf.close()
		return nil, false, fmt.Errorf("read file header: %w", err)
	}
	if err := bf.header.Unmarshal(buf); err != nil {
		bf.close()
		return nil, false, err
	}
	bf.pageSize = bf.header.PageSize
	return bf, false, nil
}

// create lays out an empty file: header page, registry region, free-space
// region, WAL region, then the initial run of data pages.
func (bf *blockFile) create(cfg *config.Config) error {
	p := uint64(bf.pageSize)

	registryBytes := uint64(format.RegistryHeaderSize) +
		uint64(cfg.Storage.RegistryCapacity)*format.RegistryEntrySize
	registryPages := (registryBytes + p - 1) / p

	freeMapBytes := uint64(format.FreeMapHeaderSize) +
		(cfg.Storage.MaxPages+7)/8 +
		format.MaxPersistedExtents*format.ExtentRecordSize
	freeMapPages := (freeMapBytes + p - 1) / p

	walSlotBytes := uint64(cfg.WAL.EntrySize) * uint64(cfg.WAL.MaxEntries)
	walPages := 1 + (walSlotBytes+p-1)/p // one page reserved for the WAL header

	dataStart := 1 + registryPages + freeMapPages + walPages
	totalPages := dataStart + cfg.Storage.InitialPages

	bf.header = format.FileHeader{
		Version:       format.Version,
		PageSize:      bf.pageSize,
		TotalPages:    totalPages,
		RegistryOff:   p,
		RegistryPages: uint32(registryPages),
		FreeMapOff:    (1 + registryPages) * p,
		FreeMapPages:  uint32(freeMapPages),
		WALOff:        (1 + registryPages + freeMapPages) * p,
		WALPages:      uint32(walPages),
	}

	size := int64(totalPages * p)
	if bf.maxFileSize > 0 && size > bf.maxFileSize {
		return fmt.Errorf("%w: initial layout needs %d bytes", ErrFileSizeCap, size)
	}
	if err := bf.f.Truncate(size); err != nil {
		return fmt.Errorf("size new file: %w", err)
	}
	if err := bf.writeHeader(); err != nil {
		return err
	}
	bf.log.Info("created database file",
		"path", bf.path, "pages", totalPages, "page_size", bf.pageSize)
	return bf.sync()
}

// dataStartPage is the first page usable for block data.
func (bf *blockFile) dataStartPage() common.PageID {
	return common.PageID(1 + uint64(bf.header.RegistryPages) +
		uint64(bf.header.FreeMapPages) + uint64(bf.header.WALPages))
}

func (bf *blockFile) pageOffset(p common.PageID) int64 {
	return int64(uint64(p) * uint64(bf.pageSize))
}

func (bf *blockFile) readAt(off int64, buf []byte) error {
	n, err := bf.f.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read at %d: %d of %d bytes", off, n, len(buf))
	}
	return nil
}

func (bf *blockFile) writeAt(off int64, buf []byte) error {
	n, err := bf.f.WriteAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write at %d: %d of %d bytes", off, n, len(buf))
	}
	return nil
}

func (bf *blockFile) writeHeader() error {
	return bf.writeAt(0, bf.header.Marshal())
}

func (bf *blockFile) sync() error {
	return bf.f.Sync()
}

// grow extends the file tail by addPages, honoring the size cap.
func (bf *blockFile) grow(addPages uint64) error {
	newTotal := bf.header.TotalPages + addPages
	newSize := int64(newTotal * uint64(bf.pageSize))
	if bf.maxFileSize > 0 && newSize > bf.maxFileSize {
		return ErrFileSizeCap
	}
	if err := bf.f.Truncate(newSize); err != nil {
		return fmt.Errorf("grow file: %w", err)
	}
	bf.header.TotalPages = newTotal
	if err := bf.writeHeader(); err != nil {
		return err
	}
	bf.log.Debug("grew file", "path", bf.path, "total_pages", newTotal)
	return nil
}

// shrink cuts the file back to toPages, releasing tail space to the OS.
func (bf *blockFile) shrink(toPages uint64) error {
	if err := bf.f.Truncate(int64(toPages * uint64(bf.pageSize))); err != nil {
		return fmt.Errorf("shrink file: %w", err)
	}
	bf.header.TotalPages = toPages
	return bf.writeHeader()
}

func (bf *blockFile) size() int64 {
	return int64(bf.header.TotalPages * uint64(bf.pageSize))
}

func (bf *blockFile) close() error {
	if bf.f == nil {
		return nil
	}
	unix.Flock(int(bf.f.Fd()), unix.LOCK_UN)
	err := bf.f.Close()
	bf.f = nil
	return err
}
