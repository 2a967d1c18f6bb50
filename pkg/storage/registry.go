package storage

import (
	"fmt"
	"sort"
	"time"

	"slabdb/pkg/common"
	"slabdb/pkg/format"
)

// registry maps block names to their on-disk entries. It lives in a fixed
// region recorded in the file header and is rewritten as a whole on flush;
// BeginBatch/EndBatch turn O(n) metadata rewrites into one for bulk loads.
type registry struct {
	bf       *blockFile
	entries  map[string]format.RegistryEntry
	capacity uint32

	batch     bool
	dirtyMeta bool
	modified  int64
}

func loadRegistry(bf *blockFile, capacity uint32) (*registry, error) {
	r := &registry{
		bf:       bf,
		entries:  make(map[string]format.RegistryEntry),
		capacity: capacity,
	}

	buf := make([]byte, format.RegistryHeaderSize)
	if err := bf.readAt(int64(bf.header.RegistryOff), buf); err != nil {
		return nil, fmt.Errorf("read registry header: %w", err)
	}
	var hdr format.RegistryHeader
	if err := hdr.Unmarshal(buf); err != nil {
		return nil, err
	}
	r.modified = hdr.LastModified

	regionCap := (uint64(bf.header.RegistryPages)*uint64(bf.pageSize) -
		format.RegistryHeaderSize) / format.RegistryEntrySize
	if uint64(r.capacity) > regionCap {
		r.capacity = uint32(regionCap)
	}
	if hdr.BlockCount > uint32(regionCap) {
		return nil, fmt.Errorf("registry block count %d exceeds region capacity %d",
			hdr.BlockCount, regionCap)
	}

	table := make([]byte, uint64(hdr.BlockCount)*format.RegistryEntrySize)
	if len(table) > 0 {
		off := int64(bf.header.RegistryOff) + format.RegistryHeaderSize
		if err := bf.readAt(off, table); err != nil {
			return nil, fmt.Errorf("read registry entries: %w", err)
		}
	}
	for i := uint32(0); i < hdr.BlockCount; i++ {
		var e format.RegistryEntry
		if err := e.Unmarshal(table[uint64(i)*format.RegistryEntrySize:]); err != nil {
			return nil, fmt.Errorf("registry entry %d: %w", i, err)
		}
		r.entries[e.Name] = e
	}
	return r, nil
}

// initRegistry writes an empty registry region into a fresh file.
func initRegistry(bf *blockFile, capacity uint32) (*registry, error) {
	r := &registry{
		bf:       bf,
		entries:  make(map[string]format.RegistryEntry),
		capacity: capacity,
		modified: time.Now().Unix(),
	}
	if err := r.flush(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *registry) register(entry format.RegistryEntry) error {
	if err := common.ValidateBlockName(entry.Name); err != nil {
		return err
	}
	if _, exists := r.entries[entry.Name]; !exists && uint32(len(r.entries)) >= r.capacity {
		return ErrRegistryFull
	}
	r.entries[entry.Name] = entry
	r.modified = time.Now().Unix()
	return r.flushUnlessBatched()
}

func (r *registry) lookup(name string) (format.RegistryEntry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

func (r *registry) remove(name string) (format.RegistryEntry, bool, error) {
	e, ok := r.entries[name]
	if !ok {
		return format.RegistryEntry{}, false, nil
	}
	delete(r.entries, name)
	r.modified = time.Now().Unix()
	return e, true, r.flushUnlessBatched()
}

// enumerate returns all block names in lexical order.
func (r *registry) enumerate() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *registry) count() int {
	return len(r.entries)
}

func (r *registry) totalSize() uint64 {
	var total uint64
	for _, e := range r.entries {
		total += e.Length
	}
	return total
}

// beginBatch defers the metadata flush until endBatch. Batches do not nest.
func (r *registry) beginBatch() error {
	if r.batch {
		return ErrBatchActive
	}
	r.batch = true
	return nil
}

func (r *registry) endBatch() error {
	if !r.batch {
		return ErrNoBatch
	}
	r.batch = false
	if r.dirtyMeta {
		r.dirtyMeta = false
		return r.flush()
	}
	return nil
}

func (r *registry) flushUnlessBatched() error {
	if r.batch {
		r.dirtyMeta = true
		return nil
	}
	return r.flush()
}

// flush rewrites the whole registry region. Entries are written in lexical
// name order so the on-disk table is deterministic.
func (r *registry) flush() error {
	hdr := format.RegistryHeader{
		Version:      format.Version,
		BlockCount:   uint32(len(r.entries)),
		TotalSize:    r.totalSize(),
		LastModified: r.modified,
	}
	buf := make([]byte, format.RegistryHeaderSize+len(r.entries)*format.RegistryEntrySize)
	copy(buf, hdr.Marshal())
	for i, name := range r.enumerate() {
		e := r.entries[name]
		copy(buf[format.RegistryHeaderSize+i*format.RegistryEntrySize:], e.Marshal())
	}
	return r.bf.writeAt(int64(r.bf.header.RegistryOff), buf)
}
