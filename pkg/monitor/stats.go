package monitor

import (
	"sync/atomic"
)

// EngineStats counts engine-level I/O activity. All counters are safe for
// concurrent use.
type EngineStats struct {
	BlockReads    uint64
	BlockWrites   uint64
	BytesStaged   uint64 // logical bytes submitted by callers
	BytesWritten  uint64 // physical bytes issued to the file
	WALAppends    uint64
	Checkpoints   uint64
	TxCommits     uint64
	TxRollbacks   uint64
	DeltaEncodes  uint64
	DeltaCompacts uint64
}

func NewEngineStats() *EngineStats {
	return &EngineStats{}
}

func (es *EngineStats) RecordRead() {
	atomic.AddUint64(&es.BlockReads, 1)
}

func (es *EngineStats) RecordWrite(staged int) {
	atomic.AddUint64(&es.BlockWrites, 1)
	atomic.AddUint64(&es.BytesStaged, uint64(staged))
}

func (es *EngineStats) RecordFlush(written int) {
	atomic.AddUint64(&es.BytesWritten, uint64(written))
}

func (es *EngineStats) RecordWALAppend() {
	atomic.AddUint64(&es.WALAppends, 1)
}

func (es *EngineStats) RecordCheckpoint() {
	atomic.AddUint64(&es.Checkpoints, 1)
}

func (es *EngineStats) RecordCommit() {
	atomic.AddUint64(&es.TxCommits, 1)
}

func (es *EngineStats) RecordRollback() {
	atomic.AddUint64(&es.TxRollbacks, 1)
}

func (es *EngineStats) RecordDeltaEncode() {
	atomic.AddUint64(&es.DeltaEncodes, 1)
}

func (es *EngineStats) RecordDeltaCompact() {
	atomic.AddUint64(&es.DeltaCompacts, 1)
}

// CoalescingRatio reports physical bytes written per logical byte staged.
// Values well below 1.0 mean the write coalescer is collapsing redundant
// updates.
func (es *EngineStats) CoalescingRatio() float64 {
	staged := atomic.LoadUint64(&es.BytesStaged)
	written := atomic.LoadUint64(&es.BytesWritten)

	if staged == 0 {
		return 0.0
	}
	return float64(written) / float64(staged)
}
