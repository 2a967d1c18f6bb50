// Package integrity validates and repairs slabdb files offline. Detection
// never runs on the normal read/write path; it is an explicit maintenance
// pass over a closed file.
package integrity

import (
	"fmt"
	"time"
)

// Severity orders how bad a validation finding is. Worst issue dominates
// the report.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityModerate
	SeveritySevere
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityWarning:
		return "warning"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// IssueType classifies a finding. The type decides both severity
// derivation and what the repair tool may do about it.
type IssueType int

const (
	IssueHeader IssueType = iota + 1
	IssueRegistry
	IssueWAL
	IssueFreeMap
	IssueBlockUnreadable
	IssueChecksumMismatch
)

func (t IssueType) String() string {
	switch t {
	case IssueHeader:
		return "header"
	case IssueRegistry:
		return "registry"
	case IssueWAL:
		return "wal"
	case IssueFreeMap:
		return "free-map"
	case IssueBlockUnreadable:
		return "block-unreadable"
	case IssueChecksumMismatch:
		return "checksum-mismatch"
	default:
		return fmt.Sprintf("issue(%d)", int(t))
	}
}

// Issue is one validation finding. Repairable reflects what the repair
// tool can do under the given options: header and registry damage is never
// auto-repairable, checksum mismatches and unreadable blocks only with
// explicit data-loss consent.
type Issue struct {
	Type        IssueType
	Description string
	Block       string // block name, when the issue is block-scoped
	Offset      uint64 // file offset of the damaged region, when known
	Repairable  bool
}

func (i Issue) String() string {
	if i.Block != "" {
		return fmt.Sprintf("[%s] block %q: %s", i.Type, i.Block, i.Description)
	}
	return fmt.Sprintf("[%s] %s", i.Type, i.Description)
}

// Report aggregates a validation pass.
type Report struct {
	Mode            Mode
	Corrupted       bool
	Severity        Severity
	Issues          []Issue
	ValidationTime  time.Duration
	BytesScanned    uint64
	BlocksValidated int
	Repairable      bool
	Summary         string
}

// finish derives the aggregate fields from the issue list: Critical for
// header or registry damage, Severe for any checksum mismatch, Moderate
// past five block-level issues, Warning for anything else.
func (r *Report) finish() {
	r.Corrupted = len(r.Issues) > 0
	r.Repairable = r.Corrupted

	blockIssues := 0
	severity := SeverityNone
	for _, issue := range r.Issues {
		switch issue.Type {
		case IssueHeader, IssueRegistry:
			severity = max(severity, SeverityCritical)
		case IssueChecksumMismatch:
			severity = max(severity, SeveritySevere)
		case IssueBlockUnreadable:
			blockIssues++
			severity = max(severity, SeverityWarning)
		default:
			severity = max(severity, SeverityWarning)
		}
		if !issue.Repairable {
			r.Repairable = false
		}
	}
	if blockIssues > 5 {
		severity = max(severity, SeverityModerate)
	}
	r.Severity = severity

	if !r.Corrupted {
		r.Summary = fmt.Sprintf("%s validation passed: %d blocks, %d bytes scanned",
			r.Mode, r.BlocksValidated, r.BytesScanned)
		return
	}
	r.Summary = fmt.Sprintf("%s validation found %d issue(s), severity %s, repairable=%t",
		r.Mode, len(r.Issues), r.Severity, r.Repairable)
}
