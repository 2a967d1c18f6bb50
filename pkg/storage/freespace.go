package storage

import (
	"fmt"
	"math/bits"

	"github.com/google/btree"

	"slabdb/pkg/common"
	"slabdb/pkg/format"
)

// freeSpace tracks page allocation for the whole file. The fine bitmap
// (one bit per page, 1 = free) is the authoritative state and is what gets
// persisted; a coarse bitmap with one bit per 64-page group gives the
// single-page fast path, and two ordered extent maps (by start offset and
// by run length) answer multi-page requests in O(log n).
type freeSpace struct {
	bf *blockFile

	bitmap   []uint64 // fine: bit per page
	groups   []uint64 // coarse: bit per bitmap word
	maxPages uint64   // bitmap coverage, fixed at create

	totalPages uint64
	freePages  uint64

	byStart *btree.BTree
	bySize  *btree.BTree

	// opportunistic coalescing: run a merge pass every few frees instead
	// of on each call, to bound per-call latency
	freesSinceCoalesce int
}

const coalesceEvery = 8

type startItem common.Extent

func (a startItem) Less(than btree.Item) bool {
	return a.Start < than.(startItem).Start
}

type sizeItem common.Extent

func (a sizeItem) Less(than btree.Item) bool {
	b := than.(sizeItem)
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	return a.Start < b.Start
}

func newFreeSpace(bf *blockFile, maxPages uint64) *freeSpace {
	words := (maxPages + 63) / 64
	return &freeSpace{
		bf:       bf,
		bitmap:   make([]uint64, words),
		groups:   make([]uint64, (words+63)/64),
		maxPages: maxPages,
		byStart:  btree.New(32),
		bySize:   btree.New(32),
	}
}

// initFreeSpace builds the map for a fresh file: metadata pages used, the
// initial data run free.
func initFreeSpace(bf *blockFile, maxPages uint64) (*freeSpace, error) {
	fs := newFreeSpace(bf, maxPages)
	fs.totalPages = bf.header.TotalPages
	dataStart := uint64(bf.dataStartPage())
	for p := dataStart; p < fs.totalPages; p++ {
		fs.setBit(p)
	}
	fs.freePages = fs.totalPages - dataStart
	fs.rebuildExtents()
	if err := fs.flush(); err != nil {
		return nil, err
	}
	return fs, nil
}

// loadFreeSpace reads the persisted bitmap and rebuilds the derived state.
// The extent maps come out of the bitmap, so they start fully coalesced.
func loadFreeSpace(bf *blockFile) (*freeSpace, error) {
	buf := make([]byte, format.FreeMapHeaderSize)
	if err := bf.readAt(int64(bf.header.FreeMapOff), buf); err != nil {
		return nil, fmt.Errorf("read free-space header: %w", err)
	}
	var hdr format.FreeMapHeader
	if err := hdr.Unmarshal(buf); err != nil {
		return nil, err
	}
	if hdr.ExtentMapOff < hdr.BitmapOff {
		return nil, fmt.Errorf("free-space header: extent map before bitmap")
	}
	bitmapBytes := uint64(hdr.ExtentMapOff - hdr.BitmapOff)
	raw := make([]byte, bitmapBytes)
	if err := bf.readAt(int64(bf.header.FreeMapOff)+int64(hdr.BitmapOff), raw); err != nil {
		return nil, fmt.Errorf("read free-space bitmap: %w", err)
	}

	fs := newFreeSpace(bf, bitmapBytes*8)
	fs.totalPages = bf.header.TotalPages
	for i, b := range raw {
		if b == 0 {
			continue
		}
		fs.bitmap[i/8] |= uint64(b) << (8 * uint(i%8))
	}
	var free uint64
	for wi, w := range fs.bitmap {
		if w != 0 {
			fs.groups[wi/64] |= 1 << uint(wi%64)
			free += uint64(bits.OnesCount64(w))
		}
	}
	fs.freePages = free
	fs.rebuildExtents()
	return fs, nil
}

func (fs *freeSpace) setBit(p uint64) {
	fs.bitmap[p/64] |= 1 << (p % 64)
	fs.groups[p/64/64] |= 1 << (p / 64 % 64)
}

func (fs *freeSpace) clearBit(p uint64) {
	w := p / 64
	fs.bitmap[w] &^= 1 << (p % 64)
	if fs.bitmap[w] == 0 {
		fs.groups[w/64] &^= 1 << (w % 64)
	}
}

func (fs *freeSpace) isFree(p uint64) bool {
	if p >= fs.maxPages {
		return false
	}
	return fs.bitmap[p/64]&(1<<(p%64)) != 0
}

// rebuildExtents derives the ordered extent maps from bitmap runs.
func (fs *freeSpace) rebuildExtents() {
	fs.byStart.Clear(false)
	fs.bySize.Clear(false)
	var run common.Extent
	flush := func() {
		if run.Count > 0 {
			fs.byStart.ReplaceOrInsert(startItem(run))
			fs.bySize.ReplaceOrInsert(sizeItem(run))
		}
		run = common.Extent{}
	}
	limit := fs.totalPages
	if limit > fs.maxPages {
		limit = fs.maxPages
	}
	for p := uint64(0); p < limit; p++ {
		// skip whole empty words
		if p%64 == 0 && fs.bitmap[p/64] == 0 {
			flush()
			p += 63
			continue
		}
		if fs.isFree(p) {
			if run.Count == 0 {
				run.Start = common.PageID(p)
			}
			run.Count++
		} else {
			flush()
		}
	}
	flush()
	fs.freesSinceCoalesce = 0
}

func (fs *freeSpace) insertExtent(e common.Extent) {
	fs.byStart.ReplaceOrInsert(startItem(e))
	fs.bySize.ReplaceOrInsert(sizeItem(e))
}

func (fs *freeSpace) deleteExtent(e common.Extent) {
	fs.byStart.Delete(startItem(e))
	fs.bySize.Delete(sizeItem(e))
}

// take carves e out of the free map. e must lie inside one free extent.
func (fs *freeSpace) take(e common.Extent) error {
	var container common.Extent
	fs.byStart.DescendLessOrEqual(startItem{Start: e.Start, Count: ^uint64(0)}, func(i btree.Item) bool {
		container = common.Extent(i.(startItem))
		return false
	})
	if container.Count == 0 || e.Start < container.Start || e.End() > container.End() {
		return fmt.Errorf("allocator state: %v not inside a free extent", e)
	}
	fs.deleteExtent(container)
	if left := (common.Extent{Start: container.Start, Count: uint64(e.Start - container.Start)}); left.Count > 0 {
		fs.insertExtent(left)
	}
	if right := (common.Extent{Start: e.End(), Count: uint64(container.End() - e.End())}); right.Count > 0 {
		fs.insertExtent(right)
	}
	for p := uint64(e.Start); p < uint64(e.End()); p++ {
		fs.clearBit(p)
	}
	fs.freePages -= e.Count
	return nil
}

// give returns e to the free map. Double frees are rejected via the bitmap.
func (fs *freeSpace) give(e common.Extent) error {
	if e.Count == 0 {
		return nil
	}
	if uint64(e.End()) > fs.totalPages {
		return fmt.Errorf("free of %v beyond file end (%d pages)", e, fs.totalPages)
	}
	if uint64(e.Start) < uint64(fs.bf.dataStartPage()) {
		return fmt.Errorf("free of %v inside metadata region", e)
	}
	for p := uint64(e.Start); p < uint64(e.End()); p++ {
		if fs.isFree(p) {
			return fmt.Errorf("double free of page %d", p)
		}
	}
	for p := uint64(e.Start); p < uint64(e.End()); p++ {
		fs.setBit(p)
	}
	fs.freePages += e.Count
	fs.insertExtent(e)

	fs.freesSinceCoalesce++
	if fs.freesSinceCoalesce >= coalesceEvery {
		fs.coalesce()
	}
	return nil
}

// coalesce merges adjacent free extents in one ordered pass.
func (fs *freeSpace) coalesce() {
	if fs.byStart.Len() < 2 {
		fs.freesSinceCoalesce = 0
		return
	}
	merged := make([]common.Extent, 0, fs.byStart.Len())
	fs.byStart.Ascend(func(i btree.Item) bool {
		e := common.Extent(i.(startItem))
		if n := len(merged); n > 0 && merged[n-1].Adjacent(e) {
			merged[n-1].Count += e.Count
		} else {
			merged = append(merged, e)
		}
		return true
	})
	fs.byStart.Clear(false)
	fs.bySize.Clear(false)
	for _, e := range merged {
		fs.insertExtent(e)
	}
	fs.freesSinceCoalesce = 0
}

// allocatePage hands out one page using the coarse/fine bitmap fast path.
func (fs *freeSpace) allocatePage() (common.PageID, error) {
	for gi, gw := range fs.groups {
		if gw == 0 {
			continue
		}
		wi := uint64(gi)*64 + uint64(bits.TrailingZeros64(gw))
		w := fs.bitmap[wi]
		p := wi*64 + uint64(bits.TrailingZeros64(w))
		if err := fs.take(common.Extent{Start: common.PageID(p), Count: 1}); err != nil {
			return 0, err
		}
		return common.PageID(p), nil
	}
	// nothing free: extend the file and retry
	if err := fs.growTail(1); err != nil {
		return 0, err
	}
	return fs.allocatePage()
}

func (fs *freeSpace) freePage(p common.PageID) error {
	return fs.give(common.Extent{Start: p, Count: 1})
}

// allocateExtent finds a contiguous run of pageCount pages. When no free
// extent is large enough it first coalesces (fragmentation may be hiding a
// fit), then grows the file at the tail.
func (fs *freeSpace) allocateExtent(pageCount uint64, strategy common.AllocStrategy) (common.Extent, error) {
	if pageCount == 0 {
		return common.Extent{}, fmt.Errorf("zero-length extent requested")
	}
	for attempt := 0; ; attempt++ {
		if e, ok := fs.findExtent(pageCount, strategy); ok {
			take := common.Extent{Start: e.Start, Count: pageCount}
			if err := fs.take(take); err != nil {
				return common.Extent{}, err
			}
			return take, nil
		}
		switch attempt {
		case 0:
			fs.coalesce()
		case 1:
			if err := fs.growTail(pageCount); err != nil {
				return common.Extent{}, err
			}
		default:
			return common.Extent{}, ErrNoSpace
		}
	}
}

func (fs *freeSpace) findExtent(pageCount uint64, strategy common.AllocStrategy) (common.Extent, bool) {
	var found common.Extent
	switch strategy {
	case common.FirstFit:
		fs.byStart.Ascend(func(i btree.Item) bool {
			e := common.Extent(i.(startItem))
			if e.Count >= pageCount {
				found = e
				return false
			}
			return true
		})
	case common.WorstFit:
		if max := fs.bySize.Max(); max != nil {
			if e := common.Extent(max.(sizeItem)); e.Count >= pageCount {
				found = e
			}
		}
	default: // BestFit
		fs.bySize.AscendGreaterOrEqual(sizeItem{Count: pageCount}, func(i btree.Item) bool {
			found = common.Extent(i.(sizeItem))
			return false
		})
	}
	return found, found.Count >= pageCount
}

func (fs *freeSpace) freeExtent(e common.Extent) error {
	return fs.give(e)
}

// growTail extends the file so at least need free pages exist at the end.
// Growth doubles the file up to the bitmap capacity, but never less than
// the request.
func (fs *freeSpace) growTail(need uint64) error {
	if fs.totalPages >= fs.maxPages {
		return ErrNoSpace
	}
	add := fs.totalPages // double
	if add < need {
		add = need
	}
	if fs.totalPages+add > fs.maxPages {
		add = fs.maxPages - fs.totalPages
	}
	if add < need {
		return ErrNoSpace
	}
	if err := fs.bf.grow(add); err != nil {
		return err
	}
	oldTotal := fs.totalPages
	fs.totalPages += add
	for p := oldTotal; p < fs.totalPages; p++ {
		fs.setBit(p)
	}
	fs.freePages += add
	fs.insertExtent(common.Extent{Start: common.PageID(oldTotal), Count: add})
	fs.coalesce()
	return nil
}

// truncateTail releases the trailing run of free pages back to the OS.
// The file never shrinks below the metadata regions or keepMin pages.
func (fs *freeSpace) truncateTail(keepMin uint64) (uint64, error) {
	end := fs.totalPages
	floor := uint64(fs.bf.dataStartPage())
	if keepMin > floor {
		floor = keepMin
	}
	for end > floor && fs.isFree(end-1) {
		end--
	}
	released := fs.totalPages - end
	if released == 0 {
		return 0, nil
	}
	for p := end; p < fs.totalPages; p++ {
		fs.clearBit(p)
	}
	fs.freePages -= released
	fs.totalPages = end
	fs.rebuildExtents()
	if err := fs.bf.shrink(end); err != nil {
		return 0, err
	}
	return released, nil
}

// reconcile rebuilds the free map from the registry: metadata pages and
// every registered block's extent are occupied, everything else up to the
// file end is free. The persisted map can lag commits replayed from the
// WAL; the registry is authoritative after recovery.
func (fs *freeSpace) reconcile(reg *registry) error {
	pageSize := uint64(fs.bf.pageSize)
	dataStart := uint64(fs.bf.dataStartPage())

	for i := range fs.bitmap {
		fs.bitmap[i] = 0
	}
	for i := range fs.groups {
		fs.groups[i] = 0
	}
	limit := fs.totalPages
	if limit > fs.maxPages {
		limit = fs.maxPages
	}
	for p := dataStart; p < limit; p++ {
		fs.setBit(p)
	}
	fs.freePages = limit - dataStart

	for _, name := range reg.enumerate() {
		entry, _ := reg.lookup(name)
		start := entry.Offset / pageSize
		count := (entry.Length + pageSize - 1) / pageSize
		if count == 0 {
			count = 1
		}
		if start < dataStart || start+count > limit {
			return fmt.Errorf("block %q extent [%d,+%d) outside data region", name, start, count)
		}
		for p := start; p < start+count; p++ {
			if !fs.isFree(p) {
				return fmt.Errorf("block %q overlaps another block at page %d", name, p)
			}
			fs.clearBit(p)
		}
		fs.freePages -= count
	}
	fs.rebuildExtents()
	return nil
}

// SpaceStats summarizes allocator occupancy for VACUUM decisions.
type SpaceStats struct {
	TotalPages    uint64
	FreePages     uint64
	UsedPages     uint64
	LargestExtent uint64
	Fragmentation float64 // 1 - largestFree/totalFree
	FreeExtents   int
}

func (fs *freeSpace) stats() SpaceStats {
	s := SpaceStats{
		TotalPages:  fs.totalPages,
		FreePages:   fs.freePages,
		UsedPages:   fs.totalPages - fs.freePages,
		FreeExtents: fs.byStart.Len(),
	}
	if max := fs.bySize.Max(); max != nil {
		s.LargestExtent = max.(sizeItem).Count
	}
	if s.FreePages > 0 {
		s.Fragmentation = 1 - float64(s.LargestExtent)/float64(s.FreePages)
	}
	return s
}

// flush persists the header, the bitmap, and up to MaxPersistedExtents
// extent records. A noisier map is persisted bitmap-only; the extent list
// is rebuilt on open either way.
func (fs *freeSpace) flush() error {
	fs.coalesce()
	bitmapBytes := (fs.maxPages + 7) / 8

	extents := make([]common.Extent, 0, fs.byStart.Len())
	fs.byStart.Ascend(func(i btree.Item) bool {
		extents = append(extents, common.Extent(i.(startItem)))
		return true
	})
	if len(extents) > format.MaxPersistedExtents {
		extents = extents[:0]
	}

	hdr := format.FreeMapHeader{
		Version:       format.Version,
		TotalPages:    fs.totalPages,
		FreePages:     fs.freePages,
		LargestExtent: fs.stats().LargestExtent,
		BitmapOff:     format.FreeMapHeaderSize,
		ExtentMapOff:  format.FreeMapHeaderSize + uint32(bitmapBytes),
		ExtentCount:   uint32(len(extents)),
	}

	buf := make([]byte, format.FreeMapHeaderSize+bitmapBytes+
		uint64(len(extents))*format.ExtentRecordSize)
	copy(buf, hdr.Marshal())
	for wi, w := range fs.bitmap {
		for b := 0; b < 8; b++ {
			idx := format.FreeMapHeaderSize + uint64(wi)*8 + uint64(b)
			if idx >= format.FreeMapHeaderSize+bitmapBytes {
				break
			}
			buf[idx] = byte(w >> (8 * uint(b)))
		}
	}
	off := format.FreeMapHeaderSize + bitmapBytes
	for i, e := range extents {
		format.MarshalExtent(buf[off+uint64(i)*format.ExtentRecordSize:], uint64(e.Start), e.Count)
	}
	return fs.bf.writeAt(int64(fs.bf.header.FreeMapOff), buf)
}
