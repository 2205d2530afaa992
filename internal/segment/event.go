// Package segment implements DriftDB's append-only event log: the framed,
// crash-safe on-disk files that back every table (§4.1 of the spec).
//
// What: length/CRC-framed Event records grouped into rolling Segment files.
// How: generalizes tinySQL's pager/wal.go framing (length-prefixed,
// CRC-checked records with a self-describing header) from whole-page images
// to row-level Insert/Patch/SoftDelete events, and tinySQL's storage.Table
// row slice into a replayable event stream instead of mutable rows.
// Why: every past state must be reconstructable by replay; that requires an
// append-only, torn-write-detectable log rather than in-place row storage.
package segment

import (
	"encoding/json"
)

// Kind distinguishes the three event shapes a table's log can carry.
type Kind uint8

const (
	// KindInsert writes a brand new row; Payload is the full row.
	KindInsert Kind = iota + 1
	// KindPatch merges a partial JSON object onto the current row.
	KindPatch
	// KindSoftDelete marks the row not-visible without reclaiming storage.
	KindSoftDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindPatch:
		return "PATCH"
	case KindSoftDelete:
		return "SOFT_DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is the atomic, immutable log record (§3 Event).
type Event struct {
	// Sequence is strictly increasing within a table; assigned by the
	// engine at write time.
	Sequence uint64
	// TimestampMs is the wall clock at write time. Monotonicity across
	// clock skew is not guaranteed; AS OF TIMESTAMP lookups bisect on this
	// field and break ties by Sequence.
	TimestampMs uint64
	Kind        Kind
	// PrimaryKey locates the row within the table. Stored as a JSON-encoded
	// scalar/composite value so any comparable primary-key type round-trips
	// without a generic-value abstraction.
	PrimaryKey json.RawMessage
	// Payload is the full row for Insert, a merge-diff for Patch, and empty
	// for SoftDelete.
	Payload json.RawMessage
}

// PrimaryKeyString returns the primary key's JSON encoding as a string (a
// string key keeps its quotes, e.g. `"a"`), used as the map key throughout
// the snapshot/MVCC/index layers. Two keys are equal under this form only
// if their JSON encodings are byte-identical.
func (e *Event) PrimaryKeyString() string {
	return string(e.PrimaryKey)
}
