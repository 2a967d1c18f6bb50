package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"slabdb/pkg/common"
)

// ErrRecordOutOfRange is returned for a record index past the store's end.
var ErrRecordOutOfRange = errors.New("record index out of range")

const deltaChainSuffix = "delta"

// chain entry: [recordIndex 4B] [deltaLen 2B] [delta]
const chainEntryOverhead = 6

// RecordStore keeps fixed-layout records in a baseline block and routes
// small updates through a delta chain in a sibling block. Reads fold the
// chain over the baseline; the compactor collapses a record back into
// the baseline once its chain grows past the configured bounds.
type RecordStore struct {
	eng     *Engine
	name    string
	layout  RecordLayout
	recSize int
	comp    *DeltaCompactor

	count      uint32
	chainBytes uint64
	chains     map[uint32][][]byte
}

// OpenRecordStore opens (or creates) the record store stored under name.
// The delta chain lives in a colon-suffixed sibling block flagged as
// growing, so the allocator leaves it room to extend in place.
func OpenRecordStore(eng *Engine, name string, layout RecordLayout) (*RecordStore, error) {
	if err := common.ValidateBlockName(name); err != nil {
		return nil, err
	}
	recSize := layout.Size()
	if recSize == 0 {
		return nil, fmt.Errorf("record store %q: layout has no fields", name)
	}
	rs := &RecordStore{
		eng:     eng,
		name:    name,
		layout:  layout,
		recSize: recSize,
		comp: NewDeltaCompactor(
			eng.cfg.Delta.MaxChainLength,
			eng.cfg.Delta.MaxSizeFraction,
		),
		chains: make(map[uint32][][]byte),
	}

	base, err := eng.ReadBlock(name)
	switch {
	case errors.Is(err, ErrBlockNotFound):
		if err := eng.WriteBlock(name, nil); err != nil {
			return nil, err
		}
		if err := eng.WriteBlock(rs.chainName(), nil); err != nil {
			return nil, err
		}
		if err := eng.SetBlockGrowing(rs.chainName(), true); err != nil {
			return nil, err
		}
		return rs, nil
	case err != nil:
		return nil, err
	}
	if len(base)%recSize != 0 {
		return nil, fmt.Errorf("record store %q: baseline length %d is not a whole number of %d-byte records",
			name, len(base), recSize)
	}
	rs.count = uint32(len(base) / recSize)

	chain, err := eng.ReadBlock(rs.chainName())
	if err != nil && !errors.Is(err, ErrBlockNotFound) {
		return nil, err
	}
	if err := rs.loadChain(chain); err != nil {
		return nil, err
	}
	return rs, nil
}

func (rs *RecordStore) chainName() string {
	return common.BlockName(rs.name, deltaChainSuffix)
}

func (rs *RecordStore) loadChain(raw []byte) error {
	pos := 0
	for pos < len(raw) {
		if pos+chainEntryOverhead > len(raw) {
			return fmt.Errorf("record store %q: truncated chain entry at byte %d", rs.name, pos)
		}
		idx := binary.LittleEndian.Uint32(raw[pos : pos+4])
		dlen := int(binary.LittleEndian.Uint16(raw[pos+4 : pos+6]))
		pos += chainEntryOverhead
		if pos+dlen > len(raw) {
			return fmt.Errorf("record store %q: truncated chain delta at byte %d", rs.name, pos)
		}
		if idx >= rs.count {
			return fmt.Errorf("record store %q: chain references record %d of %d", rs.name, idx, rs.count)
		}
		delta := append([]byte(nil), raw[pos:pos+dlen]...)
		pos += dlen
		rs.chains[idx] = append(rs.chains[idx], delta)
		rs.comp.Track(rs.chainKey(idx), len(delta))
	}
	rs.chainBytes = uint64(len(raw))
	return nil
}

func (rs *RecordStore) chainKey(idx uint32) string {
	return fmt.Sprintf("%s#%d", rs.name, idx)
}

// Count is the number of records in the store.
func (rs *RecordStore) Count() uint32 { return rs.count }

// Append adds a record at the end of the baseline and returns its index.
func (rs *RecordStore) Append(record []byte) (uint32, error) {
	if len(record) != rs.recSize {
		return 0, fmt.Errorf("record store %q: record length %d, layout size %d",
			rs.name, len(record), rs.recSize)
	}
	idx := rs.count
	off := uint64(idx) * uint64(rs.recSize)
	if err := rs.eng.WriteBlockAt(rs.name, off, record); err != nil {
		return 0, err
	}
	rs.count++
	return idx, nil
}

// Get returns the current snapshot of record idx: the baseline image with
// the record's delta chain folded over it, oldest delta first.
func (rs *RecordStore) Get(idx uint32) ([]byte, error) {
	base, err := rs.baseline(idx)
	if err != nil {
		return nil, err
	}
	deltas := rs.chains[idx]
	if len(deltas) == 0 {
		return base, nil
	}
	return CompactChain(rs.layout, base, deltas)
}

func (rs *RecordStore) baseline(idx uint32) ([]byte, error) {
	if idx >= rs.count {
		return nil, fmt.Errorf("%w: %d of %d", ErrRecordOutOfRange, idx, rs.count)
	}
	img, err := rs.eng.ReadBlock(rs.name)
	if err != nil {
		return nil, err
	}
	off := int(idx) * rs.recSize
	return append([]byte(nil), img[off:off+rs.recSize]...), nil
}

// Update replaces record idx with the given snapshot. The change is
// stored as a field delta when that is smaller than the record and the
// chain is still within bounds; otherwise the record's chain collapses
// into a fresh baseline write.
func (rs *RecordStore) Update(idx uint32, record []byte) error {
	if len(record) != rs.recSize {
		return fmt.Errorf("record store %q: record length %d, layout size %d",
			rs.name, len(record), rs.recSize)
	}
	cur, err := rs.Get(idx)
	if err != nil {
		return err
	}
	delta, err := EncodeDelta(rs.layout, cur, record)
	if err != nil {
		return err
	}
	rs.eng.stats.RecordDeltaEncode()

	key := rs.chainKey(idx)
	rs.comp.Track(key, len(delta))
	if len(delta) >= rs.recSize || rs.comp.NeedsCompaction(key, rs.recSize) {
		return rs.rebaseline(idx, record)
	}

	entry := make([]byte, chainEntryOverhead, chainEntryOverhead+len(delta))
	binary.LittleEndian.PutUint32(entry[0:4], idx)
	binary.LittleEndian.PutUint16(entry[4:6], uint16(len(delta)))
	entry = append(entry, delta...)

	if err := rs.eng.WriteBlockAt(rs.chainName(), rs.chainBytes, entry); err != nil {
		return err
	}
	rs.chainBytes += uint64(len(entry))
	rs.chains[idx] = append(rs.chains[idx], delta)
	return nil
}

// Compact collapses record idx's chain into the baseline immediately,
// regardless of the compactor's thresholds.
func (rs *RecordStore) Compact(idx uint32) error {
	snap, err := rs.Get(idx)
	if err != nil {
		return err
	}
	return rs.rebaseline(idx, snap)
}

// rebaseline writes the full snapshot into the baseline block and drops
// the record's entries from the chain block.
func (rs *RecordStore) rebaseline(idx uint32, snapshot []byte) error {
	off := uint64(idx) * uint64(rs.recSize)
	if err := rs.eng.WriteBlockAt(rs.name, off, snapshot); err != nil {
		return err
	}
	delete(rs.chains, idx)
	rs.comp.Reset(rs.chainKey(idx))
	rs.eng.stats.RecordDeltaCompact()
	return rs.rewriteChain()
}

func (rs *RecordStore) rewriteChain() error {
	var buf []byte
	for idx := uint32(0); idx < rs.count; idx++ {
		for _, d := range rs.chains[idx] {
			entry := make([]byte, chainEntryOverhead)
			binary.LittleEndian.PutUint32(entry[0:4], idx)
			binary.LittleEndian.PutUint16(entry[4:6], uint16(len(d)))
			buf = append(buf, entry...)
			buf = append(buf, d...)
		}
	}
	rs.chainBytes = uint64(len(buf))
	return rs.eng.WriteBlock(rs.chainName(), buf)
}
