package format

import (
	"errors"
	"testing"
)

func TestFileHeaderDetectsCorruption(t *testing.T) {
	h := &FileHeader{
		Version:       Version,
		PageSize:      4096,
		TotalPages:    256,
		RegistryOff:   4096,
		RegistryPages: 25,
		FreeMapOff:    4096 * 26,
		FreeMapPages:  48,
		WALOff:        4096 * 74,
		WALPages:      1153,
	}
	buf := h.Marshal()

	var got FileHeader
	if err := got.Unmarshal(buf); err != nil {
		t.Fatalf("unmarshal clean header: %v", err)
	}
	if got != *h {
		t.Fatalf("header roundtrip mismatch: %+v != %+v", got, *h)
	}

	// flip one byte inside the covered range
	buf[13] ^= 0xff
	if err := got.Unmarshal(buf); !errors.Is(err, ErrBadChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}

	// wrong magic outranks the checksum
	buf[0] = 'x'
	if err := got.Unmarshal(buf); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected magic error, got %v", err)
	}
}

func TestWALEntrySlotChecksum(t *testing.T) {
	e := &WALEntry{LSN: 42, TxID: 7, Kind: OpUpdate, Payload: []byte("payload")}
	slot, err := e.MarshalSlot(128)
	if err != nil {
		t.Fatalf("marshal slot: %v", err)
	}
	if len(slot) != 128 {
		t.Fatalf("slot size: got %d", len(slot))
	}

	var got WALEntry
	if err := got.UnmarshalSlot(slot); err != nil {
		t.Fatalf("unmarshal slot: %v", err)
	}
	if got.LSN != 42 || got.TxID != 7 || got.Kind != OpUpdate || string(got.Payload) != "payload" {
		t.Fatalf("entry roundtrip mismatch: %+v", got)
	}

	slot[20] ^= 0x01
	if err := got.UnmarshalSlot(slot); !errors.Is(err, ErrBadChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestWALEntryPayloadTooLarge(t *testing.T) {
	e := &WALEntry{Kind: OpInsert, Payload: make([]byte, 200)}
	if _, err := e.MarshalSlot(128); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestBlockOpRoundtrip(t *testing.T) {
	op := &BlockOp{Name: "table:users:data", Offset: 8192, Data: []byte{1, 2, 3, 4}}
	payload := MarshalBlockOp(OpUpdate, op)
	got, err := UnmarshalBlockOp(OpUpdate, payload)
	if err != nil {
		t.Fatalf("unmarshal update op: %v", err)
	}
	if got.Name != op.Name || got.Offset != op.Offset || string(got.Data) != string(op.Data) {
		t.Fatalf("update op mismatch: %+v", got)
	}

	del := MarshalBlockOp(OpDelete, &BlockOp{Name: "table:users:data"})
	gotDel, err := UnmarshalBlockOp(OpDelete, del)
	if err != nil {
		t.Fatalf("unmarshal delete op: %v", err)
	}
	if gotDel.Name != "table:users:data" || gotDel.Data != nil {
		t.Fatalf("delete op mismatch: %+v", gotDel)
	}

	if _, err := UnmarshalBlockOp(OpUpdate, []byte{0xff}); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestRegistryEntryNameBounds(t *testing.T) {
	e := &RegistryEntry{Name: "page:users:42", Offset: 40960, Length: 4096, Checksum: 0xdead, Flags: BlockFlagGrowing}
	buf := e.Marshal()

	var got RegistryEntry
	if err := got.Unmarshal(buf); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if got != *e {
		t.Fatalf("entry mismatch: %+v != %+v", got, *e)
	}

	// poison the stored name length
	buf[0] = 0xff
	buf[1] = 0xff
	if err := got.Unmarshal(buf); err == nil {
		t.Fatal("expected error for out-of-range name length")
	}
}
