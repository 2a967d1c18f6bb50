package storage

import (
	"errors"
	"fmt"
	"log/slog"

	"slabdb/pkg/config"
	"slabdb/pkg/format"
)

// ErrWALFull is returned when the circular log cannot hold another entry
// even after an inline checkpoint: a single transaction is larger than the
// whole buffer.
var ErrWALFull = errors.New("storage: wal full")

// walReclaimer is consulted when an append finds the buffer full. It must
// apply everything applied-but-not-yet-checkpointed and report the lowest
// LSN that still has to stay in the log (the begin of an in-flight
// transaction, or currentLSN+1 when none). Injected at construction so the
// WAL never reaches into engine internals.
type walReclaimer interface {
	inlineCheckpoint() (preserveFrom uint64, err error)
}

// walManager owns the fixed circular log region. Slots hold fixed-size
// self-checksummed entries; the header is rewritten (and synced) only at
// checkpoint time, so after a crash the live entry range is rebuilt by
// scanning forward from the last checkpointed head until a checksum or LSN
// break.
type walManager struct {
	bf        *blockFile
	hdr       format.WALHeader
	count     uint32 // live slots
	reclaimer walReclaimer
	log       *slog.Logger
}

func initWAL(bf *blockFile, cfg *config.Config, logger *slog.Logger) (*walManager, error) {
	w := &walManager{
		bf: bf,
		hdr: format.WALHeader{
			Version:    format.Version,
			EntrySize:  cfg.WAL.EntrySize,
			MaxEntries: cfg.WAL.MaxEntries,
		},
		log: logger,
	}
	if err := w.writeHeader(); err != nil {
		return nil, err
	}
	return w, nil
}

func loadWAL(bf *blockFile, logger *slog.Logger) (*walManager, error) {
	buf := make([]byte, format.WALHeaderSize)
	if err := bf.readAt(int64(bf.header.WALOff), buf); err != nil {
		return nil, fmt.Errorf("read wal header: %w", err)
	}
	w := &walManager{bf: bf, log: logger}
	if err := w.hdr.Unmarshal(buf); err != nil {
		return nil, err
	}
	w.recoverLiveRange()
	return w, nil
}

func (w *walManager) setReclaimer(r walReclaimer) {
	w.reclaimer = r
}

// recoverLiveRange rebuilds count/tail/currentLSN by scanning forward from
// the checkpointed head. Appends after the last checkpoint never rewrote
// the header, so the persisted tail may be stale; the slots themselves are
// the truth. A checksum break or a non-consecutive LSN ends the scan;
// everything from there on is treated as never written.
func (w *walManager) recoverLiveRange() {
	expect := w.hdr.LastCheckpoint + 1
	slot := w.hdr.HeadSlot
	var scanned uint32
	for scanned < w.hdr.MaxEntries {
		e, err := w.readSlot(slot)
		if err != nil || e.LSN != expect {
			break
		}
		expect++
		scanned++
		slot = (slot + 1) % w.hdr.MaxEntries
	}
	w.count = scanned
	w.hdr.TailSlot = slot
	w.hdr.CurrentLSN = w.hdr.LastCheckpoint + uint64(scanned)
}

func (w *walManager) slotOffset(slot uint32) int64 {
	// slots begin one page after the region start
	return int64(w.bf.header.WALOff) + int64(w.bf.pageSize) +
		int64(slot)*int64(w.hdr.EntrySize)
}

func (w *walManager) readSlot(slot uint32) (*format.WALEntry, error) {
	buf := make([]byte, w.hdr.EntrySize)
	if err := w.bf.readAt(w.slotOffset(slot), buf); err != nil {
		return nil, err
	}
	var e format.WALEntry
	if err := e.UnmarshalSlot(buf); err != nil {
		return nil, err
	}
	return &e, nil
}

func (w *walManager) headLSN() uint64 {
	return w.hdr.CurrentLSN - uint64(w.count) + 1
}

func (w *walManager) full() bool {
	return w.count == w.hdr.MaxEntries
}

// payloadCapacity is the largest op payload a single slot can carry.
func (w *walManager) payloadCapacity() int {
	return format.WALPayloadCapacity(w.hdr.EntrySize)
}

// append assigns the next LSN and writes the entry at the tail. A full
// buffer forces an inline checkpoint first; the append stalls briefly but
// never silently discards undurable data.
func (w *walManager) append(txID uint64, kind format.OpKind, payload []byte) (uint64, error) {
	if w.full() {
		if w.reclaimer == nil {
			return 0, ErrWALFull
		}
		preserveFrom, err := w.reclaimer.inlineCheckpoint()
		if err != nil {
			return 0, fmt.Errorf("inline checkpoint: %w", err)
		}
		w.reclaimThrough(preserveFrom - 1)
		if w.full() {
			return 0, ErrWALFull
		}
		// persist the advanced head before reusing slots: a crash after
		// the overwrite must not leave recovery scanning a stale head
		if err := w.writeHeader(); err != nil {
			return 0, err
		}
		if err := w.bf.sync(); err != nil {
			return 0, err
		}
		w.log.Warn("wal buffer filled, forced inline checkpoint",
			"preserved_entries", w.count)
	}

	entry := &format.WALEntry{
		LSN:     w.hdr.CurrentLSN + 1,
		TxID:    txID,
		Kind:    kind,
		Payload: payload,
	}
	slotBuf, err := entry.MarshalSlot(w.hdr.EntrySize)
	if err != nil {
		return 0, err
	}
	if err := w.bf.writeAt(w.slotOffset(w.hdr.TailSlot), slotBuf); err != nil {
		return 0, err
	}
	w.hdr.TailSlot = (w.hdr.TailSlot + 1) % w.hdr.MaxEntries
	w.hdr.CurrentLSN++
	w.count++
	return entry.LSN, nil
}

// sync makes every appended entry durable. Called after the commit entry;
// an operation is only considered committed once this returns.
func (w *walManager) sync() error {
	return w.bf.sync()
}

// entriesSinceCheckpoint returns the live entries in LSN order. truncated
// reports that a checksum break cut the scan short of the in-memory count
// (possible only on a file scribbled on behind our back).
func (w *walManager) entriesSinceCheckpoint() (entries []*format.WALEntry, truncated bool) {
	slot := w.hdr.HeadSlot
	expect := w.headLSN()
	for i := uint32(0); i < w.count; i++ {
		e, err := w.readSlot(slot)
		if err != nil || e.LSN != expect {
			return entries, true
		}
		entries = append(entries, e)
		expect++
		slot = (slot + 1) % w.hdr.MaxEntries
	}
	return entries, false
}

// reclaimThrough drops entries with LSN <= lsn and records the checkpoint.
// The caller must have applied those entries to the main store first.
func (w *walManager) reclaimThrough(lsn uint64) {
	if lsn < w.headLSN() {
		return
	}
	if lsn > w.hdr.CurrentLSN {
		lsn = w.hdr.CurrentLSN
	}
	drop := uint32(lsn - w.headLSN() + 1)
	w.hdr.HeadSlot = (w.hdr.HeadSlot + drop) % w.hdr.MaxEntries
	w.count -= drop
	w.hdr.LastCheckpoint = lsn
}

// checkpointDone persists the advanced head. Callers sync the file after.
func (w *walManager) checkpointDone() error {
	return w.writeHeader()
}

func (w *walManager) writeHeader() error {
	return w.bf.writeAt(int64(w.bf.header.WALOff), w.hdr.Marshal())
}
