package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"slabdb/pkg/common"
	"slabdb/pkg/config"
	"slabdb/pkg/format"
	"slabdb/pkg/monitor"
)

// Engine is one open slabdb file. Every operation serializes under a single
// mutex held by the caller-facing methods; the OS file lock keeps other
// processes out. All I/O is positional, so serialized operations never race
// on a shared cursor.
//
// Writes are staged in the coalesced write buffer and only reach the file
// at commit, after the WAL has durably recorded them: a crash at any point
// before the commit entry is fsynced is equivalent to the transaction never
// happening.
type Engine struct {
	mu sync.Mutex

	bf    *blockFile
	reg   *registry
	fs    *freeSpace
	wal   *walManager
	buf   *coalescedWriteBuffer
	stats *monitor.EngineStats
	cfg   *config.Config
	log   *slog.Logger

	closed bool

	tx         *txState
	nextTxID   uint64
	logFromLSN uint64 // first LSN of the commit currently being logged

	// first LSN of the oldest committed-but-unapplied transaction; the
	// WAL is never reclaimed past it, so recovery can finish the apply
	unappliedLSN uint64

	lastRecovery RecoveryInfo
}

type txState struct {
	id      uint64
	deletes map[string]struct{}
}

// writePressureThreshold switches extent placement to first-fit when a
// commit touches many blocks: latency over packing.
const writePressureThreshold = 16

// Open opens or creates a database file and runs crash recovery before any
// other operation is permitted. A nil logger discards diagnostics.
func Open(ctx context.Context, path string, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	bf, created, err := openBlockFile(path, cfg, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		bf:    bf,
		buf:   newCoalescedWriteBuffer(bf.pageSize),
		stats: monitor.NewEngineStats(),
		cfg:   cfg,
		log:   logger,
	}

	if created {
		if e.reg, err = initRegistry(bf, cfg.Storage.RegistryCapacity); err != nil {
			bf.close()
			return nil, err
		}
		if e.fs, err = initFreeSpace(bf, cfg.Storage.MaxPages); err != nil {
			bf.close()
			return nil, err
		}
		if e.wal, err = initWAL(bf, cfg, logger); err != nil {
			bf.close()
			return nil, err
		}
		if err = bf.sync(); err != nil {
			bf.close()
			return nil, err
		}
	} else {
		if e.reg, err = loadRegistry(bf, cfg.Storage.RegistryCapacity); err != nil {
			bf.close()
			return nil, fmt.Errorf("open registry (run repair?): %w", err)
		}
		if e.fs, err = loadFreeSpace(bf); err != nil {
			bf.close()
			return nil, fmt.Errorf("open free-space map (run repair?): %w", err)
		}
		if e.wal, err = loadWAL(bf, logger); err != nil {
			bf.close()
			return nil, fmt.Errorf("open wal (run repair?): %w", err)
		}
		rm := newRecoveryManager(e.wal, (*engineApplier)(e), logger)
		e.lastRecovery, err = rm.run(ctx)
		if err != nil {
			bf.close()
			return nil, fmt.Errorf("recovery: %w", err)
		}
		// the persisted free-space map can lag replayed commits; the
		// registry is the source of truth for what is occupied
		if err = e.fs.reconcile(e.reg); err != nil {
			bf.close()
			return nil, fmt.Errorf("reconcile free space (run repair?): %w", err)
		}
	}
	e.wal.setReclaimer((*engineApplier)(e))
	e.nextTxID = e.wal.hdr.CurrentLSN + 1
	return e, nil
}

// LastRecovery reports what the recovery manager did at open time.
func (e *Engine) LastRecovery() RecoveryInfo {
	return e.lastRecovery
}

// Stats exposes the workload counters.
func (e *Engine) Stats() *monitor.EngineStats {
	return e.stats
}

// Begin opens a transaction. The engine is single-writer: a second Begin
// before Commit or Rollback fails.
func (e *Engine) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.tx != nil {
		return ErrTxActive
	}
	e.tx = &txState{id: e.nextTxID, deletes: make(map[string]struct{})}
	e.nextTxID++
	return nil
}

// Rollback discards every staged write of the open transaction. Nothing
// was applied, so there is nothing to undo.
func (e *Engine) Rollback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.tx == nil {
		return ErrNoTx
	}
	e.buf.reset()
	e.tx = nil
	e.stats.RecordRollback()
	return nil
}

// Commit logs the coalesced writes (Begin, one entry per consolidated
// range, Commit), fsyncs the log, and only then applies them to the store.
func (e *Engine) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.tx == nil {
		return ErrNoTx
	}
	err := e.commitLocked()
	e.tx = nil
	if err == nil {
		e.stats.RecordCommit()
	}
	return err
}

func (e *Engine) commitLocked() error {
	tx := e.tx
	writes := e.buf.coalescedWrites()
	if len(writes) == 0 && len(tx.deletes) == 0 {
		e.buf.reset()
		return nil
	}
	sort.Slice(writes, func(i, j int) bool { return writes[i].Name < writes[j].Name })
	deletes := make([]string, 0, len(tx.deletes))
	for name := range tx.deletes {
		deletes = append(deletes, name)
	}
	sort.Strings(deletes)

	// log first
	beginLSN, err := e.wal.append(tx.id, format.OpBegin, nil)
	if err != nil {
		e.buf.reset()
		return err
	}
	e.logFromLSN = beginLSN
	defer func() { e.logFromLSN = 0 }()

	logOne := func(kind format.OpKind, op *format.BlockOp) error {
		_, err := e.wal.append(tx.id, kind, format.MarshalBlockOp(kind, op))
		if err == nil {
			e.stats.RecordWALAppend()
		}
		return err
	}
	for _, w := range writes {
		kind := format.OpUpdate
		if _, exists := e.reg.lookup(w.Name); !exists {
			kind = format.OpInsert
		}
		if w.Full || len(w.Ranges) == 0 {
			err = e.logChunked(logOne, kind, w.Name, 0, w.Data)
		} else {
			for _, r := range w.Ranges {
				if err = e.logChunked(logOne, kind, w.Name, r.Offset,
					w.Data[r.Offset:r.Offset+r.Length]); err != nil {
					break
				}
				kind = format.OpUpdate
			}
		}
		if err != nil {
			e.abortLogged(tx.id)
			return err
		}
	}
	for _, name := range deletes {
		if err = logOne(format.OpDelete, &format.BlockOp{Name: name}); err != nil {
			e.abortLogged(tx.id)
			return err
		}
	}
	if _, err = e.wal.append(tx.id, format.OpCommit, nil); err != nil {
		e.abortLogged(tx.id)
		return err
	}
	if err = e.wal.sync(); err != nil {
		e.buf.reset()
		return fmt.Errorf("commit fsync: %w", err)
	}
	// commit point reached; now apply
	return e.applyCommitted(writes, deletes)
}

// logChunked splits an op across slots when it exceeds payload capacity.
func (e *Engine) logChunked(logOne func(format.OpKind, *format.BlockOp) error,
	kind format.OpKind, name string, offset uint64, data []byte) error {
	chunk := e.wal.payloadCapacity() - format.BlockOpOverhead(name)
	if chunk <= 0 {
		return fmt.Errorf("wal entry size %d too small for block %q", e.wal.hdr.EntrySize, name)
	}
	if len(data) == 0 {
		return logOne(kind, &format.BlockOp{Name: name, Offset: offset})
	}
	for pos := 0; pos < len(data); pos += chunk {
		end := pos + chunk
		if end > len(data) {
			end = len(data)
		}
		if err := logOne(kind, &format.BlockOp{
			Name:   name,
			Offset: offset + uint64(pos),
			Data:   data[pos:end],
		}); err != nil {
			return err
		}
		kind = format.OpUpdate
	}
	return nil
}

// abortLogged closes a half-logged transaction with an Abort entry so
// recovery discards it even if the appends so far hit the disk.
func (e *Engine) abortLogged(txID uint64) {
	e.buf.reset()
	if _, err := e.wal.append(txID, format.OpAbort, nil); err != nil {
		e.log.Warn("abort entry append failed", "err", err)
	}
}

func (e *Engine) applyCommitted(writes []CoalescedWrite, deletes []string) error {
	strategy := common.BestFit
	if len(writes) >= writePressureThreshold {
		strategy = common.FirstFit
	}
	// a caller-held metadata batch stays open; the commit's registry
	// changes flush when the caller ends it
	ownBatch := !e.reg.batch
	if ownBatch {
		if err := e.reg.beginBatch(); err != nil {
			e.buf.reset()
			return e.applyFailed(err)
		}
	}
	var firstErr error
	for _, w := range writes {
		if err := e.applyWrite(w, strategy); err != nil {
			firstErr = err
			break
		}
	}
	if firstErr == nil {
		for _, name := range deletes {
			if err := e.applyDelete(name); err != nil {
				firstErr = err
				break
			}
		}
	}
	if ownBatch {
		if err := e.reg.endBatch(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.buf.reset()
	if firstErr != nil {
		return e.applyFailed(firstErr)
	}
	return nil
}

// applyFailed records that a durably-logged commit did not reach the
// store. The WAL holds the truth from its first LSN on; reclamation stops
// there until a reopen replays it.
func (e *Engine) applyFailed(err error) error {
	if e.logFromLSN != 0 && (e.unappliedLSN == 0 || e.logFromLSN < e.unappliedLSN) {
		e.unappliedLSN = e.logFromLSN
	}
	e.log.Error("committed transaction not applied; wal reclaim fenced",
		"from_lsn", e.unappliedLSN, "err", err)
	return fmt.Errorf("apply committed writes: %w", err)
}

// reclaimableLSN bounds WAL reclamation: everything up to it has been
// applied to the store.
func (e *Engine) reclaimableLSN() uint64 {
	if e.unappliedLSN != 0 {
		return e.unappliedLSN - 1
	}
	return e.wal.hdr.CurrentLSN
}

func (e *Engine) pagesFor(length uint64) uint64 {
	p := uint64(e.bf.pageSize)
	n := (length + p - 1) / p
	if n == 0 {
		n = 1
	}
	return n
}

// applyWrite lands one coalesced write. Blocks live in a single contiguous
// extent; a write that still fits updates in place (only the dirty ranges
// touch the disk), anything else allocates a new extent and relocates.
func (e *Engine) applyWrite(w CoalescedWrite, strategy common.AllocStrategy) error {
	entry, exists := e.reg.lookup(w.Name)
	need := e.pagesFor(w.Size)

	if exists && need <= e.pagesFor(entry.Length) {
		have := e.pagesFor(entry.Length)
		if w.Full || len(w.Ranges) == 0 {
			if err := e.bf.writeAt(int64(entry.Offset), w.Data); err != nil {
				return err
			}
			e.stats.RecordFlush(len(w.Data))
		} else {
			for _, r := range w.Ranges {
				if err := e.bf.writeAt(int64(entry.Offset+r.Offset),
					w.Data[r.Offset:r.Offset+r.Length]); err != nil {
					return err
				}
				e.stats.RecordFlush(int(r.Length))
			}
		}
		if need < have {
			startPage := common.PageID(entry.Offset / uint64(e.bf.pageSize))
			if err := e.fs.freeExtent(common.Extent{
				Start: startPage + common.PageID(need),
				Count: have - need,
			}); err != nil {
				return err
			}
		}
		entry.Length = w.Size
		entry.Checksum = format.Checksum(w.Data)
		return e.reg.register(entry)
	}

	if exists && entry.Flags&format.BlockFlagGrowing != 0 {
		strategy = common.WorstFit
	}
	ext, err := e.fs.allocateExtent(need, strategy)
	if err != nil {
		return err
	}
	if err := e.bf.writeAt(e.bf.pageOffset(ext.Start), w.Data); err != nil {
		e.fs.freeExtent(ext)
		return err
	}
	e.stats.RecordFlush(len(w.Data))
	if exists {
		if err := e.fs.freeExtent(common.Extent{
			Start: common.PageID(entry.Offset / uint64(e.bf.pageSize)),
			Count: e.pagesFor(entry.Length),
		}); err != nil {
			return err
		}
	}
	return e.reg.register(format.RegistryEntry{
		Name:     w.Name,
		Offset:   uint64(e.bf.pageOffset(ext.Start)),
		Length:   w.Size,
		Checksum: format.Checksum(w.Data),
		Flags:    entry.Flags,
	})
}

func (e *Engine) applyDelete(name string) error {
	entry, ok, err := e.reg.remove(name)
	if err != nil || !ok {
		return err
	}
	return e.fs.freeExtent(common.Extent{
		Start: common.PageID(entry.Offset / uint64(e.bf.pageSize)),
		Count: e.pagesFor(entry.Length),
	})
}

// ensureTx wraps a staging call in an implicit transaction when none is
// open (autocommit).
func (e *Engine) ensureTx(stage func() error) error {
	if e.tx != nil {
		return stage()
	}
	e.tx = &txState{id: e.nextTxID, deletes: make(map[string]struct{})}
	e.nextTxID++
	err := stage()
	if err == nil {
		err = e.commitLocked()
		if err == nil {
			e.stats.RecordCommit()
		}
	} else {
		e.buf.reset()
	}
	e.tx = nil
	return err
}

// WriteBlock stages a whole-block write; the block is created on first
// write.
func (e *Engine) WriteBlock(name string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := common.ValidateBlockName(name); err != nil {
		return err
	}
	return e.ensureTx(func() error {
		delete(e.tx.deletes, name)
		e.buf.addFullWrite(name, data)
		e.stats.RecordWrite(len(data))
		return nil
	})
}

// WriteBlockAt stages a partial write. The block's current image is seeded
// into the staging buffer on first touch so dirty-range flushes never
// clobber untouched bytes.
func (e *Engine) WriteBlockAt(name string, offset uint64, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := common.ValidateBlockName(name); err != nil {
		return err
	}
	return e.ensureTx(func() error {
		if !e.buf.has(name) {
			if _, deleted := e.tx.deletes[name]; !deleted {
				if entry, ok := e.reg.lookup(name); ok {
					img, err := e.readRaw(entry)
					if err != nil {
						return err
					}
					e.buf.seed(name, img)
				}
			}
		}
		delete(e.tx.deletes, name)
		e.buf.addWrite(name, offset, data)
		e.stats.RecordWrite(len(data))
		return nil
	})
}

// ReadBlock returns the current content of a block, honoring
// read-your-writes inside an open transaction.
func (e *Engine) ReadBlock(name string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	e.stats.RecordRead()
	if e.tx != nil {
		if _, deleted := e.tx.deletes[name]; deleted {
			return nil, ErrBlockNotFound
		}
		if img, ok := e.buf.read(name); ok {
			return img, nil
		}
	}
	entry, ok := e.reg.lookup(name)
	if !ok {
		return nil, ErrBlockNotFound
	}
	return e.readRaw(entry)
}

func (e *Engine) readRaw(entry format.RegistryEntry) ([]byte, error) {
	buf := make([]byte, entry.Length)
	if entry.Length == 0 {
		return buf, nil
	}
	if err := e.bf.readAt(int64(entry.Offset), buf); err != nil {
		return nil, fmt.Errorf("read block %q: %w", entry.Name, err)
	}
	return buf, nil
}

// DeleteBlock removes a block and frees its extent at commit.
func (e *Engine) DeleteBlock(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.ensureTx(func() error {
		staged := e.buf.has(name)
		_, onDisk := e.reg.lookup(name)
		if !staged && !onDisk {
			return ErrBlockNotFound
		}
		e.buf.drop(name)
		if onDisk {
			e.tx.deletes[name] = struct{}{}
		}
		return nil
	})
}

// EnumerateBlocks lists every registered block name in lexical order.
func (e *Engine) EnumerateBlocks() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return e.reg.enumerate(), nil
}

// BlockMeta is the externally visible registry entry of a block.
type BlockMeta struct {
	Offset   uint64
	Length   uint64
	Checksum uint32
	Flags    uint32
}

// BlockMetadata returns a block's registry entry.
func (e *Engine) BlockMetadata(name string) (BlockMeta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return BlockMeta{}, ErrClosed
	}
	entry, ok := e.reg.lookup(name)
	if !ok {
		return BlockMeta{}, ErrBlockNotFound
	}
	return BlockMeta{
		Offset:   entry.Offset,
		Length:   entry.Length,
		Checksum: entry.Checksum,
		Flags:    entry.Flags,
	}, nil
}

// SetBlockGrowing marks a block as expected to keep growing; the allocator
// then places it with worst-fit so the run behind it stays large.
func (e *Engine) SetBlockGrowing(name string, growing bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	entry, ok := e.reg.lookup(name)
	if !ok {
		return ErrBlockNotFound
	}
	if growing {
		entry.Flags |= format.BlockFlagGrowing
	} else {
		entry.Flags &^= format.BlockFlagGrowing
	}
	return e.reg.register(entry)
}

// BeginBatch defers registry metadata flushes across many mutations; for
// bulk loads it turns O(n) metadata rewrites into one. Batches do not nest.
func (e *Engine) BeginBatch() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.reg.beginBatch()
}

// EndBatch flushes the deferred registry metadata.
func (e *Engine) EndBatch() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.reg.endBatch()
}

// Flush persists all metadata (registry, free-space map, file header) and
// fsyncs.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.flushInternal()
}

func (e *Engine) flushInternal() error {
	if err := e.reg.flush(); err != nil {
		return err
	}
	if err := e.fs.flush(); err != nil {
		return err
	}
	if err := e.bf.writeHeader(); err != nil {
		return err
	}
	return e.bf.sync()
}

// Checkpoint flushes everything implied by committed entries and reclaims
// the WAL. Committed work is applied eagerly at commit, so this is a
// metadata flush plus log reclamation.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := e.flushInternal(); err != nil {
		return err
	}
	e.wal.reclaimThrough(e.reclaimableLSN())
	if err := e.wal.checkpointDone(); err != nil {
		return err
	}
	if err := e.bf.sync(); err != nil {
		return err
	}
	e.stats.RecordCheckpoint()
	return nil
}

// Statistics summarizes the open file for tooling.
type Statistics struct {
	Path          string
	TotalSize     int64
	PageSize      uint32
	BlockCount    int
	Space         SpaceStats
	WALEntries    uint32
	WALCapacity   uint32
	WALCurrentLSN uint64
}

func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Statistics{
		Path:          e.bf.path,
		TotalSize:     e.bf.size(),
		PageSize:      e.bf.pageSize,
		BlockCount:    e.reg.count(),
		Space:         e.fs.stats(),
		WALEntries:    e.wal.count,
		WALCapacity:   e.wal.hdr.MaxEntries,
		WALCurrentLSN: e.wal.hdr.CurrentLSN,
	}
}

// Close flushes, checkpoints and releases the file lock. An open
// transaction is rolled back.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if e.tx != nil {
		e.buf.reset()
		e.tx = nil
	}
	err := e.flushInternal()
	if err == nil {
		e.wal.reclaimThrough(e.reclaimableLSN())
		err = e.wal.checkpointDone()
	}
	if err == nil {
		err = e.bf.sync()
	}
	if cerr := e.bf.close(); err == nil {
		err = cerr
	}
	e.closed = true
	return err
}

// engineApplier adapts the engine for the recovery manager and the WAL's
// inline-checkpoint path without exposing engine internals.
type engineApplier Engine

func (a *engineApplier) applyOp(kind format.OpKind, op *format.BlockOp) error {
	e := (*Engine)(a)
	switch kind {
	case format.OpDelete:
		return e.applyDelete(op.Name)
	case format.OpInsert, format.OpUpdate:
		var img []byte
		if entry, ok := e.reg.lookup(op.Name); ok {
			var err error
			if img, err = e.readRaw(entry); err != nil {
				return err
			}
		}
		end := op.Offset + uint64(len(op.Data))
		if uint64(len(img)) < end {
			grown := make([]byte, end)
			copy(grown, img)
			img = grown
		}
		copy(img[op.Offset:], op.Data)
		return e.applyWrite(CoalescedWrite{
			Name: op.Name,
			Size: uint64(len(img)),
			Full: true,
			Data: img,
		}, common.BestFit)
	default:
		return fmt.Errorf("replay of non-mutation entry %s", kind)
	}
}

func (a *engineApplier) flushAll() error {
	return (*Engine)(a).flushInternal()
}

// inlineCheckpoint services a full WAL during commit logging: metadata is
// flushed and everything before the in-flight transaction's first entry
// may be reclaimed.
func (a *engineApplier) inlineCheckpoint() (uint64, error) {
	e := (*Engine)(a)
	if err := e.flushInternal(); err != nil {
		return 0, err
	}
	e.stats.RecordCheckpoint()
	preserve := e.logFromLSN
	if preserve == 0 {
		preserve = e.wal.hdr.CurrentLSN + 1
	}
	if e.unappliedLSN != 0 && e.unappliedLSN < preserve {
		preserve = e.unappliedLSN
	}
	return preserve, nil
}
