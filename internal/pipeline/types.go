// Package pipeline implements the batch conversion orchestrator: source
// enumeration, policy filtering, the conversion worker pool, archive
// repacking, and the run controller that coordinates them.
package pipeline

import (
	"fmt"
	"time"

	"picshrink/internal/codec"
)

// Origin distinguishes where a work item's bytes came from.
type Origin int

const (
	// OriginFile is a loose image file on disk.
	OriginFile Origin = iota
	// OriginArchive is a member extracted from an archive.
	OriginArchive
)

// WorkItem is one image awaiting conversion. Immutable once created by the
// enumerator; claimed by exactly one worker.
type WorkItem struct {
	Origin  Origin
	Path    string      // on-disk location of the bytes
	Display string      // label shown on the dashboard and in reports
	Member  string      // path within the owning archive, "" for loose files
	Job     *ArchiveJob // nil for loose files
	Size    int64
}

// Status is the terminal state of one work item.
type Status int

const (
	StatusConverted Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConverted:
		return "converted"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConversionResult is the outcome of one work item. Output bytes are owned
// by the result until the repacker or the loose-file writer flushes them.
type ConversionResult struct {
	Item    WorkItem
	Status  Status
	Output  []byte
	OutSize int64
	Format  codec.Format // format actually produced: target, or fallback
	Elapsed time.Duration
	Reason  string // populated for skipped items
	Err     error  // populated for failed items
}

// EnumerationError reports a root or archive that could not be enumerated.
// Such failures skip the root and never abort sibling roots.
type EnumerationError struct {
	Root string
	Err  error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerate %s: %v", e.Root, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// ArchiveError reports a repack or commit failure for one archive job.
type ArchiveError struct {
	Archive string
	Err     error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("repack %s: %v", e.Archive, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }
