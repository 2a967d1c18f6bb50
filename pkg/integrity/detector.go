package integrity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/spaolacci/murmur3"

	"slabdb/pkg/common"
	"slabdb/pkg/format"
)

// Mode selects the validation tier. Each tier includes everything the
// cheaper ones check.
type Mode int

const (
	Quick    Mode = iota + 1 // file header only
	Standard                 // + registry consistency, block readability and checksums
	Deep                     // + WAL and free-map region verification
	Paranoid                 // + re-read every block and compare content hashes
)

func (m Mode) String() string {
	switch m {
	case Quick:
		return "quick"
	case Standard:
		return "standard"
	case Deep:
		return "deep"
	case Paranoid:
		return "paranoid"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Detector validates a closed slabdb file. It opens the file read-only
// itself; run it on a file no engine holds open.
type Detector struct {
	path string
	log  *slog.Logger
}

func NewDetector(path string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Detector{path: path, log: logger}
}

// fileView is a raw, parse-as-you-go view of the file. Validation and
// repair both walk regions through it without engine involvement.
type fileView struct {
	f    *os.File
	size int64
	hdr  format.FileHeader
}

func openView(path string) (*fileView, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileView{f: f, size: stat.Size()}, nil
}

func (v *fileView) close() error { return v.f.Close() }

func (v *fileView) readAt(off int64, buf []byte) error {
	n, err := v.f.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return format.ErrTruncated
	}
	return nil
}

// registryEntries parses the registry table. The returned error covers the
// header and table structure; individual entries that fail to parse are
// reported through the issues channel by the caller instead.
func (v *fileView) registryEntries() ([]format.RegistryEntry, error) {
	buf := make([]byte, format.RegistryHeaderSize)
	if err := v.readAt(int64(v.hdr.RegistryOff), buf); err != nil {
		return nil, fmt.Errorf("read registry header: %w", err)
	}
	var hdr format.RegistryHeader
	if err := hdr.Unmarshal(buf); err != nil {
		return nil, err
	}
	regionCap := (uint64(v.hdr.RegistryPages)*uint64(v.hdr.PageSize) -
		format.RegistryHeaderSize) / format.RegistryEntrySize
	if uint64(hdr.BlockCount) > regionCap {
		return nil, fmt.Errorf("registry block count %d exceeds region capacity %d",
			hdr.BlockCount, regionCap)
	}

	entries := make([]format.RegistryEntry, 0, hdr.BlockCount)
	table := make([]byte, uint64(hdr.BlockCount)*format.RegistryEntrySize)
	if len(table) > 0 {
		if err := v.readAt(int64(v.hdr.RegistryOff)+format.RegistryHeaderSize, table); err != nil {
			return nil, fmt.Errorf("read registry table: %w", err)
		}
	}
	for i := uint32(0); i < hdr.BlockCount; i++ {
		var e format.RegistryEntry
		if err := e.Unmarshal(table[uint64(i)*format.RegistryEntrySize:]); err != nil {
			return nil, fmt.Errorf("registry entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Validate runs the selected tier and returns a structured report. An
// error is returned only when the file cannot be opened at all or the
// context is cancelled; corruption findings land in the report.
func (d *Detector) Validate(ctx context.Context, mode Mode) (*Report, error) {
	start := time.Now()
	report := &Report{Mode: mode}

	v, err := openView(d.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.path, err)
	}
	defer v.close()

	d.checkFileHeader(v, report)
	if mode >= Standard && !hasIssue(report, IssueHeader) {
		if err := d.checkBlocks(ctx, v, mode, report); err != nil {
			return nil, err
		}
	}
	if mode >= Deep && !hasIssue(report, IssueHeader) {
		d.checkWAL(v, report)
		d.checkFreeMap(v, report)
	}

	report.ValidationTime = time.Since(start)
	report.finish()
	d.log.Info("validation finished",
		"mode", mode,
		"issues", len(report.Issues),
		"severity", report.Severity,
		"blocks", report.BlocksValidated,
		"elapsed", report.ValidationTime)
	return report, nil
}

func hasIssue(r *Report, t IssueType) bool {
	for _, i := range r.Issues {
		if i.Type == t {
			return true
		}
	}
	return false
}

func (d *Detector) checkFileHeader(v *fileView, report *Report) {
	buf := make([]byte, format.FileHeaderSize)
	if err := v.readAt(0, buf); err != nil {
		report.Issues = append(report.Issues, Issue{
			Type:        IssueHeader,
			Description: fmt.Sprintf("file header unreadable: %v", err),
		})
		return
	}
	report.BytesScanned += format.FileHeaderSize
	if err := v.hdr.Unmarshal(buf); err != nil {
		report.Issues = append(report.Issues, Issue{
			Type:        IssueHeader,
			Description: err.Error(),
		})
		return
	}
	if expect := int64(v.hdr.TotalPages) * int64(v.hdr.PageSize); expect != v.size {
		report.Issues = append(report.Issues, Issue{
			Type: IssueHeader,
			Description: fmt.Sprintf("header claims %d bytes, file has %d",
				expect, v.size),
		})
	}
}

// checkBlocks walks the registry and every block it names, verifying each
// block's stored checksum against its bytes. Paranoid additionally reads
// each block twice and compares content hashes to catch unstable media.
func (d *Detector) checkBlocks(ctx context.Context, v *fileView, mode Mode, report *Report) error {
	entries, err := v.registryEntries()
	if err != nil {
		report.Issues = append(report.Issues, Issue{
			Type:        IssueRegistry,
			Description: err.Error(),
			Offset:      v.hdr.RegistryOff,
		})
		return nil
	}
	report.BytesScanned += format.RegistryHeaderSize +
		uint64(len(entries))*format.RegistryEntrySize

	d.checkRegistryOverlaps(v, entries, report)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := common.ValidateBlockName(e.Name); err != nil {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueRegistry,
				Description: fmt.Sprintf("invalid block name: %v", err),
				Block:       e.Name,
			})
			continue
		}
		report.BlocksValidated++
		if e.Offset+e.Length > uint64(v.size) {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueBlockUnreadable,
				Description: fmt.Sprintf("extent [%d,+%d) past end of file", e.Offset, e.Length),
				Block:       e.Name,
				Offset:      e.Offset,
			})
			continue
		}
		if e.Length == 0 {
			continue
		}

		data := make([]byte, e.Length)
		if err := v.readAt(int64(e.Offset), data); err != nil {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueBlockUnreadable,
				Description: fmt.Sprintf("read failed: %v", err),
				Block:       e.Name,
				Offset:      e.Offset,
			})
			continue
		}
		report.BytesScanned += e.Length

		if format.Checksum(data) != e.Checksum {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueChecksumMismatch,
				Description: "stored checksum does not match block content",
				Block:       e.Name,
				Offset:      e.Offset,
			})
			continue
		}
		if mode >= Paranoid {
			again := make([]byte, e.Length)
			if err := v.readAt(int64(e.Offset), again); err != nil {
				report.Issues = append(report.Issues, Issue{
					Type:        IssueBlockUnreadable,
					Description: fmt.Sprintf("re-read failed: %v", err),
					Block:       e.Name,
					Offset:      e.Offset,
				})
				continue
			}
			report.BytesScanned += e.Length
			if murmur3.Sum64(data) != murmur3.Sum64(again) {
				report.Issues = append(report.Issues, Issue{
					Type:        IssueBlockUnreadable,
					Description: "re-read returned different content (unstable media)",
					Block:       e.Name,
					Offset:      e.Offset,
				})
			}
		}
	}
	return nil
}

// checkRegistryOverlaps flags blocks whose page extents collide. Overlap
// means the registry itself is wrong, not the blocks.
func (d *Detector) checkRegistryOverlaps(v *fileView, entries []format.RegistryEntry, report *Report) {
	if len(entries) < 2 {
		return
	}
	page := uint64(v.hdr.PageSize)
	type span struct {
		name       string
		start, end uint64 // pages
	}
	spans := make([]span, 0, len(entries))
	for _, e := range entries {
		pages := (e.Length + page - 1) / page
		if pages == 0 {
			pages = 1
		}
		spans = append(spans, span{e.Name, e.Offset / page, e.Offset/page + pages})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			report.Issues = append(report.Issues, Issue{
				Type: IssueRegistry,
				Description: fmt.Sprintf("blocks %q and %q overlap at page %d",
					spans[i-1].name, spans[i].name, spans[i].start),
				Block: spans[i].name,
			})
		}
	}
}

func (d *Detector) checkWAL(v *fileView, report *Report) {
	buf := make([]byte, format.WALHeaderSize)
	if err := v.readAt(int64(v.hdr.WALOff), buf); err != nil {
		report.Issues = append(report.Issues, Issue{
			Type:        IssueWAL,
			Description: fmt.Sprintf("wal header unreadable: %v", err),
			Offset:      v.hdr.WALOff,
			Repairable:  true,
		})
		return
	}
	report.BytesScanned += format.WALHeaderSize
	var hdr format.WALHeader
	if err := hdr.Unmarshal(buf); err != nil {
		report.Issues = append(report.Issues, Issue{
			Type:        IssueWAL,
			Description: err.Error(),
			Offset:      v.hdr.WALOff,
			Repairable:  true,
		})
		return
	}
	if hdr.LastCheckpoint > hdr.CurrentLSN ||
		hdr.HeadSlot >= hdr.MaxEntries || hdr.TailSlot >= hdr.MaxEntries {
		report.Issues = append(report.Issues, Issue{
			Type:        IssueWAL,
			Description: "wal header state is inconsistent",
			Offset:      v.hdr.WALOff,
			Repairable:  true,
		})
	}
}

func (d *Detector) checkFreeMap(v *fileView, report *Report) {
	buf := make([]byte, format.FreeMapHeaderSize)
	if err := v.readAt(int64(v.hdr.FreeMapOff), buf); err != nil {
		report.Issues = append(report.Issues, Issue{
			Type:        IssueFreeMap,
			Description: fmt.Sprintf("free-space header unreadable: %v", err),
			Offset:      v.hdr.FreeMapOff,
			Repairable:  true,
		})
		return
	}
	report.BytesScanned += format.FreeMapHeaderSize
	var hdr format.FreeMapHeader
	if err := hdr.Unmarshal(buf); err != nil {
		report.Issues = append(report.Issues, Issue{
			Type:        IssueFreeMap,
			Description: err.Error(),
			Offset:      v.hdr.FreeMapOff,
			Repairable:  true,
		})
		return
	}
	if hdr.FreePages > hdr.TotalPages {
		report.Issues = append(report.Issues, Issue{
			Type:        IssueFreeMap,
			Description: fmt.Sprintf("free pages %d exceed total %d", hdr.FreePages, hdr.TotalPages),
			Offset:      v.hdr.FreeMapOff,
			Repairable:  true,
		})
	}
}
