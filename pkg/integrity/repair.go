package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"

	"slabdb/pkg/format"
)

var (
	// ErrUnrepairable is returned when the report contains damage the
	// tool cannot act on under the given options.
	ErrUnrepairable = errors.New("integrity: report is not repairable under these options")
	// ErrRepairFailed is returned when issues remain after repair; the
	// pre-repair backup has been restored.
	ErrRepairFailed = errors.New("integrity: repair did not clear all issues")
)

// Aggressiveness bounds what the repair tool may attempt.
type Aggressiveness int

const (
	Conservative Aggressiveness = iota // refuse anything it cannot fully fix
	Moderate                           // best effort, leave manual issues flagged
	Aggressive                         // best effort plus structural resets
)

func (a Aggressiveness) String() string {
	switch a {
	case Conservative:
		return "conservative"
	case Moderate:
		return "moderate"
	case Aggressive:
		return "aggressive"
	default:
		return fmt.Sprintf("aggressiveness(%d)", int(a))
	}
}

// Options control a repair run.
type Options struct {
	CreateBackup   bool // snapshot the file before any mutation
	AllowDataLoss  bool // permit deleting damaged blocks
	Aggressiveness Aggressiveness
}

func DefaultOptions() Options {
	return Options{CreateBackup: true, AllowDataLoss: false, Aggressiveness: Conservative}
}

// Result reports what a repair run did.
type Result struct {
	Repaired        bool
	Actions         []string
	RemainingIssues []Issue
	BackupPath      string
	Elapsed         time.Duration
}

// Repair acts on a validation report. It snapshots the file first, applies
// what the options permit per issue, then re-validates at Standard; if
// corruption remains the backup is restored, so the file is never left
// worse than it was found.
func Repair(ctx context.Context, path string, report *Report, opts Options, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	start := time.Now()
	res := &Result{}

	if report == nil || !report.Corrupted {
		res.Repaired = true
		res.Elapsed = time.Since(start)
		return res, nil
	}
	if opts.Aggressiveness == Conservative {
		for _, issue := range report.Issues {
			if !actionable(issue, opts) {
				return res, fmt.Errorf("%w: %s", ErrUnrepairable, issue)
			}
		}
	}

	if opts.CreateBackup {
		backup, err := snapshotFile(path)
		if err != nil {
			return res, fmt.Errorf("create backup: %w", err)
		}
		res.BackupPath = backup
		logger.Info("backup written", "path", backup)
	}

	if err := applyRepairs(ctx, path, report, opts, res, logger); err != nil {
		restoreErr := restoreBackup(path, res.BackupPath)
		if restoreErr != nil {
			return res, fmt.Errorf("repair failed (%v) and restore failed: %w", err, restoreErr)
		}
		return res, fmt.Errorf("repair failed, backup restored: %w", err)
	}

	// the file must come back clean, not merely different
	after, err := NewDetector(path, logger).Validate(ctx, Standard)
	if err != nil {
		return res, err
	}
	if after.Corrupted {
		res.RemainingIssues = after.Issues
		if err := restoreBackup(path, res.BackupPath); err != nil {
			return res, fmt.Errorf("%w; restore also failed: %v", ErrRepairFailed, err)
		}
		res.Elapsed = time.Since(start)
		return res, ErrRepairFailed
	}

	res.Repaired = true
	res.Elapsed = time.Since(start)
	logger.Info("repair complete", "actions", len(res.Actions), "elapsed", res.Elapsed)
	return res, nil
}

// actionable reports whether the tool can do anything about an issue under
// the given options. Header and registry damage always needs a human.
func actionable(issue Issue, opts Options) bool {
	switch issue.Type {
	case IssueWAL, IssueFreeMap:
		return true
	case IssueBlockUnreadable, IssueChecksumMismatch:
		return opts.AllowDataLoss
	default:
		return false
	}
}

func applyRepairs(ctx context.Context, path string, report *Report, opts Options, res *Result, logger *slog.Logger) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr format.FileHeader
	buf := make([]byte, format.FileHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("read file header: %w", err)
	}
	if err := hdr.Unmarshal(buf); err != nil {
		return fmt.Errorf("file header requires manual intervention: %w", err)
	}

	var dropBlocks []string
	resetWAL := false
	rebuildFreeMap := false
	for _, issue := range report.Issues {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch issue.Type {
		case IssueHeader:
			res.Actions = append(res.Actions,
				fmt.Sprintf("header: manual intervention required (%s)", issue.Description))
		case IssueRegistry:
			res.Actions = append(res.Actions,
				fmt.Sprintf("registry: full rescan/rebuild required (%s)", issue.Description))
		case IssueWAL:
			resetWAL = true
		case IssueFreeMap:
			rebuildFreeMap = true
		case IssueBlockUnreadable, IssueChecksumMismatch:
			if opts.AllowDataLoss {
				dropBlocks = append(dropBlocks, issue.Block)
			} else {
				res.Actions = append(res.Actions,
					fmt.Sprintf("block %q: left in place, data loss not permitted", issue.Block))
			}
		}
	}

	if len(dropBlocks) > 0 {
		if err := dropRegistryBlocks(f, &hdr, dropBlocks); err != nil {
			return fmt.Errorf("drop damaged blocks: %w", err)
		}
		for _, name := range dropBlocks {
			res.Actions = append(res.Actions,
				fmt.Sprintf("block %q: deleted (data loss accepted)", name))
			logger.Warn("damaged block deleted", "block", name)
		}
		// deleted blocks leave their pages marked used; rebuild the map
		rebuildFreeMap = true
	}
	if resetWAL {
		if err := resetWALRegion(f, &hdr); err != nil {
			return fmt.Errorf("reset wal: %w", err)
		}
		res.Actions = append(res.Actions, "wal: reset to a checkpointed empty log")
	}
	if rebuildFreeMap {
		if err := rebuildFreeMapRegion(f, &hdr); err != nil {
			return fmt.Errorf("rebuild free map: %w", err)
		}
		res.Actions = append(res.Actions, "free map: rebuilt from the registry")
	}
	return f.Sync()
}

// snapshotFile writes an s2-compressed copy next to the original. The
// name carries a uuid so repeated repairs never clobber an older backup.
func snapshotFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	backup := fmt.Sprintf("%s.bak-%s.s2", path, uuid.NewString())
	dst, err := os.Create(backup)
	if err != nil {
		return "", err
	}
	enc := s2.NewWriter(dst)
	if _, err := io.Copy(enc, src); err != nil {
		dst.Close()
		os.Remove(backup)
		return "", err
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(backup)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(backup)
		return "", err
	}
	return backup, nil
}

func restoreBackup(path, backup string) error {
	if backup == "" {
		return errors.New("no backup to restore")
	}
	src, err := os.Open(backup)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	dec := s2.NewReader(src)
	if _, err := io.Copy(dst, dec); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// dropRegistryBlocks rewrites the registry region without the named
// blocks. The table is rewritten whole, exactly as the engine flushes it.
func dropRegistryBlocks(f *os.File, hdr *format.FileHeader, names []string) error {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}

	buf := make([]byte, format.RegistryHeaderSize)
	if _, err := f.ReadAt(buf, int64(hdr.RegistryOff)); err != nil {
		return err
	}
	var regHdr format.RegistryHeader
	if err := regHdr.Unmarshal(buf); err != nil {
		return err
	}

	table := make([]byte, uint64(regHdr.BlockCount)*format.RegistryEntrySize)
	if len(table) > 0 {
		if _, err := f.ReadAt(table, int64(hdr.RegistryOff)+format.RegistryHeaderSize); err != nil {
			return err
		}
	}
	var kept []format.RegistryEntry
	var totalSize uint64
	for i := uint32(0); i < regHdr.BlockCount; i++ {
		var e format.RegistryEntry
		if err := e.Unmarshal(table[uint64(i)*format.RegistryEntrySize:]); err != nil {
			return err
		}
		if _, gone := drop[e.Name]; gone {
			continue
		}
		kept = append(kept, e)
		totalSize += e.Length
	}

	out := make([]byte, format.RegistryHeaderSize+len(kept)*format.RegistryEntrySize)
	newHdr := format.RegistryHeader{
		Version:      format.Version,
		BlockCount:   uint32(len(kept)),
		TotalSize:    totalSize,
		LastModified: time.Now().Unix(),
	}
	copy(out, newHdr.Marshal())
	for i := range kept {
		copy(out[format.RegistryHeaderSize+i*format.RegistryEntrySize:], kept[i].Marshal())
	}
	_, err := f.WriteAt(out, int64(hdr.RegistryOff))
	return err
}

// resetWALRegion writes a fresh checkpointed header. Slot geometry is kept
// from the old header when it still parses; otherwise it is derived from
// the region size assuming the default one-page slot payload.
func resetWALRegion(f *os.File, hdr *format.FileHeader) error {
	old := format.WALHeader{}
	buf := make([]byte, format.WALHeaderSize)
	parsed := false
	if _, err := f.ReadAt(buf, int64(hdr.WALOff)); err == nil {
		if err := old.Unmarshal(buf); err == nil {
			parsed = true
		}
	}

	fresh := format.WALHeader{Version: format.Version}
	if parsed && old.EntrySize > 0 && old.MaxEntries > 0 {
		fresh.EntrySize = old.EntrySize
		fresh.MaxEntries = old.MaxEntries
		// keep the LSN clock monotonic across the reset
		fresh.CurrentLSN = old.CurrentLSN
		fresh.LastCheckpoint = old.CurrentLSN
	} else {
		fresh.EntrySize = hdr.PageSize + 512
		slotBytes := uint64(hdr.WALPages-1) * uint64(hdr.PageSize)
		fresh.MaxEntries = uint32(slotBytes / uint64(fresh.EntrySize))
	}
	_, err := f.WriteAt(fresh.Marshal(), int64(hdr.WALOff))
	return err
}

// rebuildFreeMapRegion recomputes the bitmap from the registry: metadata
// pages and registered extents are used, everything else up to the file
// end is free.
func rebuildFreeMapRegion(f *os.File, hdr *format.FileHeader) error {
	page := uint64(hdr.PageSize)
	regionBytes := uint64(hdr.FreeMapPages) * page
	bitmapBytes := regionBytes - format.FreeMapHeaderSize -
		format.MaxPersistedExtents*format.ExtentRecordSize
	maxPages := bitmapBytes * 8

	dataStart := hdr.RegistryOff/page + uint64(hdr.RegistryPages) +
		uint64(hdr.FreeMapPages) + uint64(hdr.WALPages)

	bitmap := make([]byte, bitmapBytes)
	limit := hdr.TotalPages
	if limit > maxPages {
		limit = maxPages
	}
	free := uint64(0)
	for p := dataStart; p < limit; p++ {
		bitmap[p/8] |= 1 << (p % 8)
		free++
	}

	buf := make([]byte, format.RegistryHeaderSize)
	if _, err := f.ReadAt(buf, int64(hdr.RegistryOff)); err != nil {
		return err
	}
	var regHdr format.RegistryHeader
	if err := regHdr.Unmarshal(buf); err != nil {
		return err
	}
	table := make([]byte, uint64(regHdr.BlockCount)*format.RegistryEntrySize)
	if len(table) > 0 {
		if _, err := f.ReadAt(table, int64(hdr.RegistryOff)+format.RegistryHeaderSize); err != nil {
			return err
		}
	}
	for i := uint32(0); i < regHdr.BlockCount; i++ {
		var e format.RegistryEntry
		if err := e.Unmarshal(table[uint64(i)*format.RegistryEntrySize:]); err != nil {
			return err
		}
		pages := (e.Length + page - 1) / page
		if pages == 0 {
			pages = 1
		}
		for p := e.Offset / page; p < e.Offset/page+pages && p < limit; p++ {
			if bitmap[p/8]&(1<<(p%8)) != 0 {
				bitmap[p/8] &^= 1 << (p % 8)
				free--
			}
		}
	}

	mapHdr := format.FreeMapHeader{
		Version:      format.Version,
		TotalPages:   hdr.TotalPages,
		FreePages:    free,
		BitmapOff:    format.FreeMapHeaderSize,
		ExtentMapOff: format.FreeMapHeaderSize + uint32(bitmapBytes),
		ExtentCount:  0, // the extent list is rebuilt from the bitmap on open
	}
	out := make([]byte, format.FreeMapHeaderSize+bitmapBytes)
	copy(out, mapHdr.Marshal())
	copy(out[format.FreeMapHeaderSize:], bitmap)
	_, err := f.WriteAt(out, int64(hdr.FreeMapOff))
	return err
}
