package storage

import (
	"context"
	"fmt"
	"sort"

	"slabdb/pkg/common"
	"slabdb/pkg/format"
)

// VacuumResult reports what a vacuum pass accomplished.
type VacuumResult struct {
	MovedBlocks    int
	ReleasedPages  uint64
	ReleasedBytes  uint64
	FragmentBefore float64
	FragmentAfter  float64
}

// Vacuum compacts the file. When fragmentation is at or above the
// configured threshold, blocks sitting high in the file are copied into
// free extents lower down; the trailing free run is then truncated off
// the file. Relocation copies data before the registry is rewritten, so
// a crash mid-vacuum leaves every block readable at its old home.
func (e *Engine) Vacuum(ctx context.Context) (VacuumResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return VacuumResult{}, ErrClosed
	}
	if e.tx != nil {
		return VacuumResult{}, ErrTxActive
	}
	if err := e.flushInternal(); err != nil {
		return VacuumResult{}, err
	}

	res := VacuumResult{FragmentBefore: e.fs.stats().Fragmentation}
	if res.FragmentBefore >= e.cfg.Vacuum.FragmentationThreshold {
		moved, err := e.relocateHighBlocks(ctx)
		if err != nil {
			return res, err
		}
		res.MovedBlocks = moved
	}

	released, err := e.fs.truncateTail(0)
	if err != nil {
		return res, err
	}
	res.ReleasedPages = released
	res.ReleasedBytes = released * uint64(e.bf.pageSize)

	if err := e.fs.flush(); err != nil {
		return res, err
	}
	if err := e.bf.sync(); err != nil {
		return res, err
	}
	res.FragmentAfter = e.fs.stats().Fragmentation
	e.log.Info("vacuum complete",
		"moved_blocks", res.MovedBlocks,
		"released_pages", res.ReleasedPages,
		"fragmentation", res.FragmentAfter)
	return res, nil
}

type relocation struct {
	entry  format.RegistryEntry
	oldExt common.Extent
	newExt common.Extent
}

// relocateHighBlocks walks blocks from the top of the file down and
// copies each into the lowest free extent that can hold it, when that
// extent sits strictly below the block's current home. Data lands and
// syncs before the registry is rewritten; the old extents are freed
// only after the rewrite is durable.
func (e *Engine) relocateHighBlocks(ctx context.Context) (int, error) {
	type candidate struct {
		name  string
		entry format.RegistryEntry
	}
	var blocks []candidate
	for _, name := range e.reg.enumerate() {
		entry, _ := e.reg.lookup(name)
		blocks = append(blocks, candidate{name, entry})
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].entry.Offset > blocks[j].entry.Offset
	})

	pageSize := uint64(e.bf.pageSize)
	var moves []relocation
	for _, c := range blocks {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		need := e.pagesFor(c.entry.Length)
		src := common.Extent{
			Start: common.PageID(c.entry.Offset / pageSize),
			Count: need,
		}
		found, ok := e.fs.findExtent(need, common.BestFit)
		if !ok || found.Start >= src.Start {
			continue
		}
		dst := common.Extent{Start: found.Start, Count: need}
		if err := e.fs.take(dst); err != nil {
			return 0, fmt.Errorf("vacuum reserve extent: %w", err)
		}
		img, err := e.readRaw(c.entry)
		if err != nil {
			return 0, fmt.Errorf("vacuum read %q: %w", c.name, err)
		}
		if err := e.bf.writeAt(e.bf.pageOffset(dst.Start), img); err != nil {
			return 0, fmt.Errorf("vacuum copy %q: %w", c.name, err)
		}
		moves = append(moves, relocation{entry: c.entry, oldExt: src, newExt: dst})
	}
	if len(moves) == 0 {
		return 0, nil
	}
	if err := e.bf.sync(); err != nil {
		return 0, err
	}

	if err := e.reg.beginBatch(); err != nil {
		return 0, err
	}
	for _, m := range moves {
		m.entry.Offset = uint64(e.bf.pageOffset(m.newExt.Start))
		if err := e.reg.register(m.entry); err != nil {
			e.reg.endBatch()
			return 0, err
		}
	}
	if err := e.reg.endBatch(); err != nil {
		return 0, err
	}
	if err := e.bf.sync(); err != nil {
		return 0, err
	}

	for _, m := range moves {
		if err := e.fs.freeExtent(m.oldExt); err != nil {
			return 0, err
		}
	}
	return len(moves), nil
}
