package common

import (
	"fmt"
	"strings"
)

// PageID identifies a fixed-size page inside the database file.
type PageID uint64

// Extent is a contiguous run of pages tracked as a single allocation unit.
type Extent struct {
	Start PageID
	Count uint64
}

// End returns the first page after the extent.
func (e Extent) End() PageID {
	return e.Start + PageID(e.Count)
}

func (e Extent) String() string {
	return fmt.Sprintf("Extent{start: %d, count: %d}", e.Start, e.Count)
}

// Adjacent reports whether other begins exactly where e ends.
func (e Extent) Adjacent(other Extent) bool {
	return e.End() == other.Start
}

// Overlaps reports whether the two extents share at least one page.
func (e Extent) Overlaps(other Extent) bool {
	return e.Start < other.End() && other.Start < e.End()
}

// AllocStrategy selects how the free-space manager picks an extent.
type AllocStrategy int

const (
	// BestFit minimizes the leftover fragment. Default for metadata and
	// index blocks.
	BestFit AllocStrategy = iota
	// FirstFit takes the lowest-offset extent that fits, lowest latency.
	FirstFit
	// WorstFit leaves the largest remaining free run, for blocks expected
	// to keep growing.
	WorstFit
)

func (s AllocStrategy) String() string {
	switch s {
	case BestFit:
		return "best-fit"
	case FirstFit:
		return "first-fit"
	case WorstFit:
		return "worst-fit"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Block names are colon-delimited hierarchical strings, e.g.
// "table:users:data" or "page:users:42". Independent subsystems share one
// flat namespace without collision.

// BlockName joins name parts with the hierarchy separator.
func BlockName(parts ...string) string {
	return strings.Join(parts, ":")
}

// SplitBlockName splits a block name into its hierarchy parts.
func SplitBlockName(name string) []string {
	return strings.Split(name, ":")
}

// MaxBlockNameLen is the longest name the registry can persist.
const MaxBlockNameLen = 64

// ValidateBlockName rejects names the registry cannot store.
func ValidateBlockName(name string) error {
	if name == "" {
		return fmt.Errorf("block name is empty")
	}
	if len(name) > MaxBlockNameLen {
		return fmt.Errorf("block name %q exceeds %d bytes", name, MaxBlockNameLen)
	}
	return nil
}
