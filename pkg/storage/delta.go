package storage

import (
	"encoding/binary"
	"fmt"
)

// RecordLayout describes a fixed-layout record as a run of fixed-width
// fields. Deltas are expressed against field indexes of such a layout.
type RecordLayout struct {
	FieldWidths []int
}

// UniformLayout builds a layout of fieldCount equal-width fields.
func UniformLayout(fieldCount, width int) RecordLayout {
	widths := make([]int, fieldCount)
	for i := range widths {
		widths[i] = width
	}
	return RecordLayout{FieldWidths: widths}
}

// Size is the total record length in bytes.
func (l RecordLayout) Size() int {
	total := 0
	for _, w := range l.FieldWidths {
		total += w
	}
	return total
}

func (l RecordLayout) fieldOffset(idx int) int {
	off := 0
	for i := 0; i < idx; i++ {
		off += l.FieldWidths[i]
	}
	return off
}

// EncodeDelta emits (changedCount, [fieldIndex, newValue]*) for two
// same-layout record snapshots: only fields whose bytes differ appear.
//
// [changedCount 2B] then per change: [fieldIndex 2B] [value widthB]
func EncodeDelta(layout RecordLayout, old, new []byte) ([]byte, error) {
	size := layout.Size()
	if len(old) != size || len(new) != size {
		return nil, fmt.Errorf("delta: record length %d/%d does not match layout size %d",
			len(old), len(new), size)
	}
	out := make([]byte, 2, 2+size/4)
	changed := 0
	off := 0
	for idx, w := range layout.FieldWidths {
		if string(old[off:off+w]) != string(new[off:off+w]) {
			out = binary.LittleEndian.AppendUint16(out, uint16(idx))
			out = append(out, new[off:off+w]...)
			changed++
		}
		off += w
	}
	binary.LittleEndian.PutUint16(out[0:2], uint16(changed))
	return out, nil
}

// ApplyDelta reconstructs the new snapshot: copy old, overwrite changed
// fields.
func ApplyDelta(layout RecordLayout, old, delta []byte) ([]byte, error) {
	size := layout.Size()
	if len(old) != size {
		return nil, fmt.Errorf("delta: record length %d does not match layout size %d",
			len(old), size)
	}
	if len(delta) < 2 {
		return nil, fmt.Errorf("delta: truncated header")
	}
	out := make([]byte, size)
	copy(out, old)

	changed := int(binary.LittleEndian.Uint16(delta[0:2]))
	pos := 2
	for i := 0; i < changed; i++ {
		if pos+2 > len(delta) {
			return nil, fmt.Errorf("delta: truncated at change %d", i)
		}
		idx := int(binary.LittleEndian.Uint16(delta[pos : pos+2]))
		pos += 2
		if idx >= len(layout.FieldWidths) {
			return nil, fmt.Errorf("delta: field index %d out of range", idx)
		}
		w := layout.FieldWidths[idx]
		if pos+w > len(delta) {
			return nil, fmt.Errorf("delta: truncated value at change %d", i)
		}
		copy(out[layout.fieldOffset(idx):], delta[pos:pos+w])
		pos += w
	}
	return out, nil
}

// DeltaCompactor decides, per record key, when a baseline plus its delta
// chain should collapse into a fresh baseline: chains keep reads cheap only
// while they stay short and small.
type DeltaCompactor struct {
	maxChainLength  int
	maxSizeFraction float64
	chains          map[string]*chainState
}

type chainState struct {
	count int
	bytes uint64
}

func NewDeltaCompactor(maxChainLength int, maxSizeFraction float64) *DeltaCompactor {
	return &DeltaCompactor{
		maxChainLength:  maxChainLength,
		maxSizeFraction: maxSizeFraction,
		chains:          make(map[string]*chainState),
	}
}

// Track records one more delta appended to key's chain.
func (c *DeltaCompactor) Track(key string, deltaBytes int) {
	st, ok := c.chains[key]
	if !ok {
		st = &chainState{}
		c.chains[key] = st
	}
	st.count++
	st.bytes += uint64(deltaBytes)
}

// ChainLength is the number of deltas since key's last baseline.
func (c *DeltaCompactor) ChainLength(key string) int {
	if st, ok := c.chains[key]; ok {
		return st.count
	}
	return 0
}

// NeedsCompaction is true once the chain is at the max length or its
// cumulative bytes pass the configured fraction of the full record size.
func (c *DeltaCompactor) NeedsCompaction(key string, recordSize int) bool {
	st, ok := c.chains[key]
	if !ok {
		return false
	}
	if st.count >= c.maxChainLength {
		return true
	}
	return recordSize > 0 &&
		float64(st.bytes) >= c.maxSizeFraction*float64(recordSize)
}

// Reset clears tracking after a chain collapsed into a new baseline.
func (c *DeltaCompactor) Reset(key string) {
	delete(c.chains, key)
}

// CompactChain folds a baseline and its ordered delta chain into the
// current snapshot.
func CompactChain(layout RecordLayout, baseline []byte, deltas [][]byte) ([]byte, error) {
	cur := baseline
	for i, d := range deltas {
		next, err := ApplyDelta(layout, cur, d)
		if err != nil {
			return nil, fmt.Errorf("delta %d of %d: %w", i+1, len(deltas), err)
		}
		cur = next
	}
	return cur, nil
}
