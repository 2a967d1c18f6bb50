package storage

import (
	"bytes"
	"testing"
)

func TestDirtyTrackerMergesAdjacentPages(t *testing.T) {
	tr := newDirtyPageTracker(4096)
	tr.markDirty("b", 0, 10)          // page 0
	tr.markDirty("b", 4100, 1)        // page 1
	tr.markDirty("b", 5*4096, 100)    // page 5

	ranges := tr.dirtyRanges("b")
	if len(ranges) != 2 {
		t.Fatalf("expected 2 merged ranges, got %d: %v", len(ranges), ranges)
	}
	if ranges[0].Offset != 0 || ranges[0].Length != 2*4096 {
		t.Errorf("first range = %v, want [0,+8192)", ranges[0])
	}
	if ranges[1].Offset != 5*4096 || ranges[1].Length != 4096 {
		t.Errorf("second range = %v, want [20480,+4096)", ranges[1])
	}
}

func TestDirtyTrackerSpansPageBoundary(t *testing.T) {
	tr := newDirtyPageTracker(4096)
	tr.markDirty("b", 4090, 20) // straddles pages 0 and 1

	ranges := tr.dirtyRanges("b")
	if len(ranges) != 1 || ranges[0].Offset != 0 || ranges[0].Length != 2*4096 {
		t.Fatalf("ranges = %v, want one range covering pages 0-1", ranges)
	}
}

func TestDirtyTrackerClear(t *testing.T) {
	tr := newDirtyPageTracker(4096)
	tr.markDirty("a", 0, 1)
	tr.markDirty("b", 0, 1)
	tr.clear("a")
	if got := tr.dirtyRanges("a"); got != nil {
		t.Errorf("cleared block still dirty: %v", got)
	}
	if got := tr.dirtyRanges("b"); len(got) != 1 {
		t.Errorf("unrelated block lost its marks: %v", got)
	}
}

func TestCoalescingManySmallWrites(t *testing.T) {
	buf := newCoalescedWriteBuffer(4096)
	for i := 0; i < 1000; i++ {
		var b [8]byte
		b[0] = byte(i)
		buf.addWrite("hot", uint64(i%512)*8, b[:])
	}

	writes := buf.coalescedWrites()
	if len(writes) != 1 {
		t.Fatalf("expected 1 coalesced write, got %d", len(writes))
	}
	w := writes[0]
	if w.Name != "hot" || w.Size != 512*8 {
		t.Errorf("write = %q size %d, want hot size %d", w.Name, w.Size, 512*8)
	}
	if len(w.Ranges) != 1 {
		t.Fatalf("expected a single dirty range, got %v", w.Ranges)
	}
	if w.Ranges[0].Offset != 0 || w.Ranges[0].Length != w.Size {
		t.Errorf("range = %v, want [0,+%d)", w.Ranges[0], w.Size)
	}
}

func TestRangeClippedToBlockSize(t *testing.T) {
	buf := newCoalescedWriteBuffer(4096)
	buf.addWrite("b", 0, make([]byte, 100))

	writes := buf.coalescedWrites()
	if len(writes) != 1 || len(writes[0].Ranges) != 1 {
		t.Fatalf("writes = %+v", writes)
	}
	if writes[0].Ranges[0].Length != 100 {
		t.Errorf("range length = %d, want clipped to 100", writes[0].Ranges[0].Length)
	}
}

func TestFullWriteSupersedesPartials(t *testing.T) {
	buf := newCoalescedWriteBuffer(4096)
	buf.addWrite("b", 0, bytes.Repeat([]byte{1}, 100))
	buf.addWrite("b", 8192, bytes.Repeat([]byte{2}, 100))
	full := bytes.Repeat([]byte{9}, 300)
	buf.addFullWrite("b", full)

	writes := buf.coalescedWrites()
	if len(writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(writes))
	}
	w := writes[0]
	if !w.Full {
		t.Error("full flag lost")
	}
	if w.Size != 300 || !bytes.Equal(w.Data, full) {
		t.Errorf("staged image does not match the full write")
	}
}

func TestSeedPreservesUntouchedBytes(t *testing.T) {
	buf := newCoalescedWriteBuffer(4096)
	img := bytes.Repeat([]byte{0xAB}, 8192)
	buf.seed("b", img)
	buf.addWrite("b", 4096, []byte("hello"))

	got, ok := buf.read("b")
	if !ok {
		t.Fatal("staged block missing after seed")
	}
	if !bytes.Equal(got[:4096], img[:4096]) {
		t.Error("seeded prefix was clobbered")
	}
	if string(got[4096:4101]) != "hello" {
		t.Error("partial write not visible in staged image")
	}

	// only the touched page should flush
	writes := buf.coalescedWrites()
	if len(writes) != 1 || len(writes[0].Ranges) != 1 {
		t.Fatalf("writes = %+v", writes)
	}
	if r := writes[0].Ranges[0]; r.Offset != 4096 || r.Length != 4096 {
		t.Errorf("dirty range = %v, want [4096,+4096)", r)
	}
}

func TestEmptyFullWriteSurvivesCoalescing(t *testing.T) {
	buf := newCoalescedWriteBuffer(4096)
	buf.addFullWrite("empty", nil)

	writes := buf.coalescedWrites()
	if len(writes) != 1 || writes[0].Size != 0 || !writes[0].Full {
		t.Fatalf("zero-length block write dropped: %+v", writes)
	}
}

func TestDropAndReset(t *testing.T) {
	buf := newCoalescedWriteBuffer(4096)
	buf.addWrite("a", 0, []byte{1})
	buf.addWrite("b", 0, []byte{2})
	buf.drop("a")
	if buf.has("a") {
		t.Error("dropped block still staged")
	}
	buf.reset()
	if !buf.empty() {
		t.Error("buffer not empty after reset")
	}
}
