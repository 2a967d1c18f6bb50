package storage

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slabdb/pkg/config"
	"slabdb/pkg/format"
)

func newTestWAL(t *testing.T, cfg *config.Config) (*blockFile, *walManager) {
	t.Helper()
	bf := newTestFile(t, cfg)
	w, err := initWAL(bf, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return bf, w
}

func TestWALAppendAndScan(t *testing.T) {
	_, w := newTestWAL(t, testConfig())

	lsn, err := w.append(1, format.OpBegin, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lsn)

	payload := format.MarshalBlockOp(format.OpInsert, &format.BlockOp{
		Name: "t:users", Offset: 0, Data: []byte("row"),
	})
	_, err = w.append(1, format.OpInsert, payload)
	require.NoError(t, err)
	_, err = w.append(1, format.OpCommit, nil)
	require.NoError(t, err)

	entries, truncated := w.entriesSinceCheckpoint()
	require.False(t, truncated)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.LSN)
		assert.Equal(t, uint64(1), e.TxID)
	}
	op, err := format.UnmarshalBlockOp(entries[1].Kind, entries[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, "t:users", op.Name)
	assert.Equal(t, []byte("row"), op.Data)
}

func TestWALCircularWrap(t *testing.T) {
	cfg := testConfig()
	cfg.WAL.MaxEntries = 8
	_, w := newTestWAL(t, cfg)

	for i := 0; i < 6; i++ {
		_, err := w.append(1, format.OpUpdate, nil)
		require.NoError(t, err)
	}
	w.reclaimThrough(6)
	require.NoError(t, w.checkpointDone())

	// five more wrap past the physical end of the slot array
	for i := 0; i < 5; i++ {
		_, err := w.append(2, format.OpUpdate, nil)
		require.NoError(t, err)
	}
	entries, truncated := w.entriesSinceCheckpoint()
	require.False(t, truncated)
	require.Len(t, entries, 5)
	assert.Equal(t, uint64(7), entries[0].LSN)
	assert.Equal(t, uint64(11), entries[4].LSN)
}

func TestWALLiveRangeSurvivesReopen(t *testing.T) {
	cfg := testConfig()
	path := ""
	{
		bf, w := newTestWAL(t, cfg)
		path = bf.path
		for i := 0; i < 3; i++ {
			_, err := w.append(1, format.OpUpdate, nil)
			require.NoError(t, err)
		}
		// no checkpoint: the persisted header still says the log is empty
		require.NoError(t, bf.sync())
		require.NoError(t, bf.close())
	}

	bf, _, err := openBlockFile(path, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer bf.close()
	w, err := loadWAL(bf, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, uint32(3), w.count, "slot scan should find the unacknowledged entries")
	assert.Equal(t, uint64(3), w.hdr.CurrentLSN)
}

func TestWALScanStopsAtCorruptSlot(t *testing.T) {
	cfg := testConfig()
	path := ""
	{
		bf, w := newTestWAL(t, cfg)
		path = bf.path
		for i := 0; i < 3; i++ {
			_, err := w.append(1, format.OpUpdate, nil)
			require.NoError(t, err)
		}
		// scribble over the middle entry
		junk := make([]byte, cfg.WAL.EntrySize)
		for i := range junk {
			junk[i] = 0xFF
		}
		require.NoError(t, bf.writeAt(w.slotOffset(1), junk))
		require.NoError(t, bf.sync())
		require.NoError(t, bf.close())
	}

	bf, _, err := openBlockFile(path, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer bf.close()
	w, err := loadWAL(bf, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, uint32(1), w.count,
		"everything at and after the corrupt slot is treated as never written")
}

func TestWALFullWithoutReclaimer(t *testing.T) {
	cfg := testConfig()
	cfg.WAL.MaxEntries = 8
	_, w := newTestWAL(t, cfg)

	for i := 0; i < 8; i++ {
		_, err := w.append(1, format.OpUpdate, nil)
		require.NoError(t, err)
	}
	_, err := w.append(1, format.OpUpdate, nil)
	assert.ErrorIs(t, err, ErrWALFull)
}

type stubReclaimer struct {
	preserveFrom uint64
	calls        int
	err          error
}

func (s *stubReclaimer) inlineCheckpoint() (uint64, error) {
	s.calls++
	return s.preserveFrom, s.err
}

func TestWALInlineCheckpointReclaims(t *testing.T) {
	cfg := testConfig()
	cfg.WAL.MaxEntries = 8
	bf, w := newTestWAL(t, cfg)

	for i := 0; i < 8; i++ {
		_, err := w.append(1, format.OpUpdate, nil)
		require.NoError(t, err)
	}
	rec := &stubReclaimer{preserveFrom: 7} // entries 1..6 are applied
	w.setReclaimer(rec)

	lsn, err := w.append(1, format.OpUpdate, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, uint64(9), lsn)
	assert.Equal(t, uint32(3), w.count, "entries 7,8 preserved plus the new append")
	assert.Equal(t, uint64(6), w.hdr.LastCheckpoint)

	// the advanced head must be durable before slots are reused
	buf := make([]byte, format.WALHeaderSize)
	require.NoError(t, bf.readAt(int64(bf.header.WALOff), buf))
	var onDisk format.WALHeader
	require.NoError(t, onDisk.Unmarshal(buf))
	assert.Equal(t, uint64(6), onDisk.LastCheckpoint)
}

func TestWALStillFullAfterCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.WAL.MaxEntries = 8
	_, w := newTestWAL(t, cfg)

	for i := 0; i < 8; i++ {
		_, err := w.append(1, format.OpUpdate, nil)
		require.NoError(t, err)
	}
	// one transaction spans the whole buffer: nothing can be reclaimed
	w.setReclaimer(&stubReclaimer{preserveFrom: 1})

	_, err := w.append(1, format.OpUpdate, nil)
	assert.ErrorIs(t, err, ErrWALFull)
}

func TestWALRejectsOversizedPayload(t *testing.T) {
	cfg := testConfig()
	_, w := newTestWAL(t, cfg)

	_, err := w.append(1, format.OpInsert, make([]byte, w.payloadCapacity()+1))
	assert.Error(t, err)
}
