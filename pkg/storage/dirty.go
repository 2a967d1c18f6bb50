package storage

import "fmt"

// DirtyRange marks bytes of a block modified since its last flush, rounded
// to page granularity.
type DirtyRange struct {
	Offset uint64
	Length uint64
}

func (r DirtyRange) String() string {
	return fmt.Sprintf("[%d,+%d)", r.Offset, r.Length)
}

// dirtyPageTracker keeps a page-granularity bitmap per block. Marking is
// O(pages touched); extracting ranges is a single scan that yields minimal
// merged (offset, length) pairs.
type dirtyPageTracker struct {
	pageSize uint64
	blocks   map[string][]uint64
}

func newDirtyPageTracker(pageSize uint32) *dirtyPageTracker {
	return &dirtyPageTracker{
		pageSize: uint64(pageSize),
		blocks:   make(map[string][]uint64),
	}
}

func (t *dirtyPageTracker) markDirty(block string, offset, length uint64) {
	if length == 0 {
		return
	}
	first := offset / t.pageSize
	last := (offset + length - 1) / t.pageSize

	bm := t.blocks[block]
	if need := int(last/64) + 1; len(bm) < need {
		grown := make([]uint64, need)
		copy(grown, bm)
		bm = grown
	}
	for p := first; p <= last; p++ {
		bm[p/64] |= 1 << (p % 64)
	}
	t.blocks[block] = bm
}

// dirtyRanges returns the minimal set of page-aligned ranges covering every
// mark since the last clear: no two returned ranges overlap or touch.
func (t *dirtyPageTracker) dirtyRanges(block string) []DirtyRange {
	bm, ok := t.blocks[block]
	if !ok {
		return nil
	}
	var ranges []DirtyRange
	var run DirtyRange
	inRun := false
	for w, word := range bm {
		if word == 0 {
			if inRun {
				ranges = append(ranges, run)
				inRun = false
			}
			continue
		}
		base := uint64(w) * 64
		for b := uint64(0); b < 64; b++ {
			if word&(1<<b) == 0 {
				if inRun {
					ranges = append(ranges, run)
					inRun = false
				}
				continue
			}
			off := (base + b) * t.pageSize
			if inRun && run.Offset+run.Length == off {
				run.Length += t.pageSize
			} else {
				if inRun {
					ranges = append(ranges, run)
				}
				run = DirtyRange{Offset: off, Length: t.pageSize}
				inRun = true
			}
		}
	}
	if inRun {
		ranges = append(ranges, run)
	}
	return ranges
}

func (t *dirtyPageTracker) clear(block string) {
	delete(t.blocks, block)
}

func (t *dirtyPageTracker) clearAll() {
	t.blocks = make(map[string][]uint64)
}

// stagedBlock buffers pending writes to one block. The buffer grows by
// doubling and never drops data.
type stagedBlock struct {
	data []byte
	size uint64 // logical block length after the pending writes
	full bool   // a full-block write supersedes all partials
}

func (sb *stagedBlock) ensure(n uint64) {
	if uint64(len(sb.data)) >= n {
		return
	}
	cap2 := uint64(len(sb.data))
	if cap2 == 0 {
		cap2 = 4096
	}
	for cap2 < n {
		cap2 *= 2
	}
	grown := make([]byte, cap2)
	copy(grown, sb.data)
	sb.data = grown
}

// CoalescedWrite is one consolidated write for a block: either the full
// image or just its dirty ranges. Data holds the whole staged image; range
// slices index into it.
type CoalescedWrite struct {
	Name   string
	Size   uint64
	Full   bool
	Ranges []DirtyRange
	Data   []byte
}

// coalescedWriteBuffer stages logical writes per block so N overlapping
// updates collapse into one write per touched block at flush time.
type coalescedWriteBuffer struct {
	pageSize uint32
	tracker  *dirtyPageTracker
	staged   map[string]*stagedBlock
}

func newCoalescedWriteBuffer(pageSize uint32) *coalescedWriteBuffer {
	return &coalescedWriteBuffer{
		pageSize: pageSize,
		tracker:  newDirtyPageTracker(pageSize),
		staged:   make(map[string]*stagedBlock),
	}
}

// seed installs the current on-disk image of a block without marking
// anything dirty, so later partial writes merge into real content.
func (b *coalescedWriteBuffer) seed(name string, data []byte) {
	sb := &stagedBlock{size: uint64(len(data))}
	sb.ensure(uint64(len(data)))
	copy(sb.data, data)
	b.staged[name] = sb
}

func (b *coalescedWriteBuffer) has(name string) bool {
	_, ok := b.staged[name]
	return ok
}

// read returns the staged image of a block, if any (read-your-writes).
func (b *coalescedWriteBuffer) read(name string) ([]byte, bool) {
	sb, ok := b.staged[name]
	if !ok {
		return nil, false
	}
	out := make([]byte, sb.size)
	copy(out, sb.data[:sb.size])
	return out, true
}

// addWrite merges a partial write into the staging buffer and extends the
// dirty-range set.
func (b *coalescedWriteBuffer) addWrite(name string, offset uint64, data []byte) {
	sb, ok := b.staged[name]
	if !ok {
		sb = &stagedBlock{}
		b.staged[name] = sb
	}
	end := offset + uint64(len(data))
	sb.ensure(end)
	copy(sb.data[offset:], data)
	if end > sb.size {
		sb.size = end
	}
	b.tracker.markDirty(name, offset, uint64(len(data)))
}

// addFullWrite replaces all pending partial writes with one whole-block
// image.
func (b *coalescedWriteBuffer) addFullWrite(name string, data []byte) {
	sb := &stagedBlock{size: uint64(len(data)), full: true}
	sb.ensure(uint64(len(data)))
	copy(sb.data, data)
	b.staged[name] = sb
	b.tracker.clear(name)
	b.tracker.markDirty(name, 0, uint64(len(data)))
}

// drop discards pending writes for a block (it was deleted in the same
// transaction).
func (b *coalescedWriteBuffer) drop(name string) {
	delete(b.staged, name)
	b.tracker.clear(name)
}

// coalescedWrites yields one consolidated write per dirty block. Ranges are
// clipped to the block's logical size.
func (b *coalescedWriteBuffer) coalescedWrites() []CoalescedWrite {
	writes := make([]CoalescedWrite, 0, len(b.staged))
	for name, sb := range b.staged {
		ranges := b.tracker.dirtyRanges(name)
		if len(ranges) == 0 && !sb.full {
			continue // seeded but never written
		}
		w := CoalescedWrite{
			Name: name,
			Size: sb.size,
			Full: sb.full,
			Data: sb.data[:sb.size],
		}
		if !sb.full {
			for _, r := range ranges {
				if r.Offset >= sb.size {
					continue
				}
				if r.Offset+r.Length > sb.size {
					r.Length = sb.size - r.Offset
				}
				w.Ranges = append(w.Ranges, r)
			}
		}
		writes = append(writes, w)
	}
	return writes
}

func (b *coalescedWriteBuffer) reset() {
	b.staged = make(map[string]*stagedBlock)
	b.tracker.clearAll()
}

func (b *coalescedWriteBuffer) empty() bool {
	return len(b.staged) == 0
}
