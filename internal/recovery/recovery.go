// Package recovery implements crash recovery (§4.7): on startup, anchor on
// the last WAL checkpoint, replay every committed transaction's operations
// forward onto the owning table's segment store, scan every table's
// segments (and the WAL itself) for a torn tail left by a crash mid-write,
// drop snapshots left dangling by a PITR restore, defer index rebuilds to
// first use, and write a fresh checkpoint plus clean-shutdown marker.
//
// What: Recover(wal, tables, opts) -> Result, bounded by
// opts.MaxWALRecoveryTime and surfacing driftdberr.KindTimeout
// (RecoveryTimeout) if exceeded, per §4.7's recovery time budget.
// How: generalizes tinySQL's storage.AdvancedWAL.Recover (gob-decode every
// record from the last checkpoint, replay inserts/updates/deletes) to a
// cross-table, transaction-grouped replay atop this engine's global WAL
// (internal/wal) and per-table Segment Stores (internal/segment), reusing
// their own VerifyAndFindCorruption/TruncateAt primitives rather than
// re-implementing frame validation here. Replay itself goes through the
// same segment.Store.Append a live Engine.appendToTable call uses, applied
// after the torn-tail truncation so it never writes past a corrupt frame.
// Why: the WAL only proves an operation was durably logged, not that it
// ever reached its table's segment store — Engine buffers a transaction's
// segment writes until after its WAL TXN_COMMIT record, so a crash in
// between leaves committed rows durable in the WAL but absent from
// segments, and only a real redo (not a dry-run op count) restores them.
// A crash between TXN_BEGIN and TXN_COMMIT, by contrast, is undone by
// omission (the group is simply never replayed), and a crash
// mid-frame-write is detected and truncated before anything downstream
// (redo, snapshots, indexes) trusts the tail of the log.
package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/internal/catalog"
	"github.com/driftdb/driftdb/internal/driftdberr"
	"github.com/driftdb/driftdb/internal/driftlog"
	"github.com/driftdb/driftdb/internal/index"
	"github.com/driftdb/driftdb/internal/segment"
	"github.com/driftdb/driftdb/internal/snapshot"
	"github.com/driftdb/driftdb/internal/wal"
)

// RecoveryTimeout is the sentinel cause wrapped by driftdberr.KindTimeout
// when a Recover call exceeds Options.MaxWALRecoveryTime.
var RecoveryTimeout = errors.New("crash recovery exceeded max_wal_recovery_time")

// TableHandle bundles the storage handles recovery needs for one table.
// Indexes is keyed by column name; entries are marked for lazy rebuild
// rather than rebuilt eagerly (§4.7 step 4).
type TableHandle struct {
	Name      string
	Dir       *catalog.Dir
	Segments  *segment.Store
	Snapshots *snapshot.Store
	Indexes   map[string]*index.Index
}

// Options bounds and configures a Recover run.
type Options struct {
	// MaxWALRecoveryTime bounds the whole call. Zero means unbounded.
	MaxWALRecoveryTime time.Duration
	// CleanShutdownMarker, if non-empty, is a file touched on successful
	// completion and checked/cleared by the engine around startup/shutdown
	// to decide whether a Recover pass is needed at all.
	CleanShutdownMarker string
}

// TableResult summarizes what recovery did to one table.
type TableResult struct {
	Table             string
	TruncatedSegment  bool
	SegmentID         uint64
	TruncateOffset    int64
	RedoneOps         int // committed ops actually appended to the segment store; see AlreadyDurableOps
	AlreadyDurableOps int // committed ops that were already the newest segment events, skipped rather than duplicated
	LastSequence      uint64
	IndexesDeferred   []string
}

// Result summarizes a full Recover run.
type Result struct {
	CheckpointSequence uint64
	ReplayedOps        int
	RedoneOps          int
	DiscardedTxns      int
	WALTruncated       bool
	WALTruncateOffset  int64
	RemovedSnapshots   int
	Tables             []TableResult
}

// Recover runs the full §4.7 algorithm. tables must cover every table the
// WAL's replayed operations may touch; a table absent from tables is simply
// not scanned for segment corruption or snapshot cleanup (the WAL replay
// count still includes its operations).
func Recover(ctx context.Context, w *wal.WAL, tables []*TableHandle, opts Options) (*Result, error) {
	deadline := time.Time{}
	if opts.MaxWALRecoveryTime > 0 {
		deadline = time.Now().Add(opts.MaxWALRecoveryTime)
	}
	checkDeadline := func() error {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return driftdberr.Wrap(driftdberr.KindTimeout, "crash recovery", RecoveryTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	log := driftlog.For("recovery")

	checkpointLSN := w.LastCheckpoint()
	checkpointSeq, groups, err := replayFromCheckpoint(w, checkpointLSN)
	if err != nil {
		return nil, err
	}

	res := &Result{CheckpointSequence: checkpointSeq}
	opsByTable := map[string][]wal.Entry{}
	for _, g := range groups {
		if !g.committed {
			res.DiscardedTxns++
			log.Warn().Uint64("txn_id", g.txnID).Int("ops", len(g.ops)).
				Msg("discarding incomplete transaction group during recovery")
			continue
		}
		res.ReplayedOps += len(g.ops)
		for _, e := range g.ops {
			switch e.Op.Type {
			case wal.OpInsert, wal.OpUpdate, wal.OpDelete:
				opsByTable[e.Op.Table] = append(opsByTable[e.Op.Table], e)
			}
		}
	}
	if err := checkDeadline(); err != nil {
		return nil, err
	}

	// The WAL file itself may have a torn tail past the last
	// fully-durable entry; truncate before anything downstream trusts it.
	if offset, found, err := w.VerifyAndFindCorruption(); err != nil {
		return nil, err
	} else if found {
		if err := w.TruncateAt(offset); err != nil {
			return nil, err
		}
		res.WALTruncated = true
		res.WALTruncateOffset = offset
		log.Warn().Int64("offset", offset).Msg("truncated torn wal tail")
	}
	if err := checkDeadline(); err != nil {
		return nil, err
	}

	maxLastSeq := uint64(0)
	for _, th := range tables {
		if err := checkDeadline(); err != nil {
			return nil, err
		}
		tr, err := recoverTable(th, opsByTable[th.Name], log)
		if err != nil {
			return nil, err
		}
		res.RedoneOps += tr.RedoneOps
		if tr.LastSequence > maxLastSeq {
			maxLastSeq = tr.LastSequence
		}
		res.Tables = append(res.Tables, tr)
	}

	// Snapshots past a table's now-authoritative last_sequence are
	// dangling — left behind by a PITR restore that rewound the log.
	for i, th := range tables {
		if th.Snapshots == nil {
			continue
		}
		removed, err := th.Snapshots.PITRCleanup(res.Tables[i].LastSequence)
		if err != nil {
			return nil, err
		}
		res.RemovedSnapshots += removed
	}

	if _, err := w.Checkpoint(maxLastSeq); err != nil {
		return nil, err
	}
	if opts.CleanShutdownMarker != "" {
		if err := writeCleanShutdownMarker(opts.CleanShutdownMarker); err != nil {
			return nil, err
		}
	}

	log.Info().
		Uint64("checkpoint_sequence", checkpointSeq).
		Int("replayed_ops", res.ReplayedOps).
		Int("redone_ops", res.RedoneOps).
		Int("discarded_txns", res.DiscardedTxns).
		Int("removed_snapshots", res.RemovedSnapshots).
		Msg("crash recovery complete")
	return res, nil
}

// recoverTable scans one table's segments for a torn tail, truncates it,
// redoes ops (committed WAL operations for this table, in log order) onto
// what remains, recomputes last_sequence from the result, and lists the
// indexes whose rebuild is deferred to first use.
func recoverTable(th *TableHandle, ops []wal.Entry, log zerolog.Logger) (TableResult, error) {
	tr := TableResult{Table: th.Name}

	if th.Segments != nil {
		segID, offset, found, err := th.Segments.VerifyAndFindCorruption()
		if err != nil {
			return tr, err
		}
		if found {
			if err := th.Segments.TruncateAt(segID, offset); err != nil {
				return tr, err
			}
			tr.TruncatedSegment = true
			tr.SegmentID = segID
			tr.TruncateOffset = offset
			log.Warn().Str("table", th.Name).Uint64("segment", segID).Int64("offset", offset).
				Msg("truncated corrupted segment tail")
		}

		if len(ops) > 0 {
			redone, skipped, err := redoTable(th, ops, log)
			if err != nil {
				return tr, err
			}
			tr.RedoneOps = redone
			tr.AlreadyDurableOps = skipped
		}

		var lastSeq uint64
		if err := th.Segments.ScanAll(0, func(e *segment.Event) error {
			if e.Sequence > lastSeq {
				lastSeq = e.Sequence
			}
			return nil
		}); err != nil {
			return tr, err
		}
		tr.LastSequence = lastSeq

		if th.Dir != nil {
			if err := th.Dir.UpdateLastSequence(lastSeq); err != nil {
				return tr, err
			}
		}
	}

	for col := range th.Indexes {
		tr.IndexesDeferred = append(tr.IndexesDeferred, col)
	}
	return tr, nil
}

// redoTable re-applies ops — already known to belong to committed
// transactions — to th's segment store via the same Append primitive a
// live Engine.appendToTable call uses. A crash can land after the durable
// TXN_COMMIT WAL record but before, or partway through, Engine's own
// appendToTable loop, so a prefix of ops may already be the newest events
// on disk; alreadyDurableCount finds exactly how many by comparing
// candidate events against the segment store's current tail content for
// content, so a second recovery pass over the same ops redoes nothing.
func redoTable(th *TableHandle, ops []wal.Entry, log zerolog.Logger) (redone, skipped int, err error) {
	candidates := make([]*segment.Event, 0, len(ops))
	for _, e := range ops {
		ev, err := operationToEvent(e)
		if err != nil {
			return 0, 0, err
		}
		candidates = append(candidates, ev)
	}

	var existing []*segment.Event
	if err := th.Segments.ScanAll(0, func(e *segment.Event) error {
		existing = append(existing, e)
		return nil
	}); err != nil {
		return 0, 0, err
	}

	skipped = alreadyDurableCount(existing, candidates)
	pending := candidates[skipped:]
	if len(pending) == 0 {
		return 0, skipped, nil
	}

	var lastSeq uint64
	if len(existing) > 0 {
		lastSeq = existing[len(existing)-1].Sequence
	}
	for _, ev := range pending {
		lastSeq++
		ev.Sequence = lastSeq
		if _, _, err := th.Segments.Append(ev, segment.FSync); err != nil {
			return redone, skipped, err
		}
		redone++
	}
	log.Warn().Str("table", th.Name).Int("ops", redone).Int("already_durable", skipped).
		Msg("redone committed wal operations onto segment store during crash recovery")
	return redone, skipped, nil
}

// alreadyDurableCount reports how many of candidates' leading elements are
// already the newest events in existing (by Kind/primary-key/payload, not
// identity), so redoTable only appends the suffix a crash genuinely left
// missing instead of duplicating rows that made it to disk before the
// crash.
func alreadyDurableCount(existing, candidates []*segment.Event) int {
	limit := len(candidates)
	if len(existing) < limit {
		limit = len(existing)
	}
	for k := limit; k > 0; k-- {
		if eventContentEqual(existing[len(existing)-k:], candidates[:k]) {
			return k
		}
	}
	return 0
}

func eventContentEqual(a, b []*segment.Event) bool {
	for i := range a {
		if a[i].Kind != b[i].Kind ||
			a[i].PrimaryKeyString() != b[i].PrimaryKeyString() ||
			!bytes.Equal(a[i].Payload, b[i].Payload) {
			return false
		}
	}
	return true
}

// operationToEvent converts one committed WAL operation back into the
// segment.Event shape Engine.appendToTable would have written at commit
// time, per each op type's §4.1 event shape (Patch logs the merge-diff in
// After, not the merged row).
func operationToEvent(e wal.Entry) (*segment.Event, error) {
	ts := uint64(e.Timestamp)
	switch e.Op.Type {
	case wal.OpInsert:
		return &segment.Event{TimestampMs: ts, Kind: segment.KindInsert, PrimaryKey: json.RawMessage(e.Op.Key), Payload: json.RawMessage(e.Op.After)}, nil
	case wal.OpUpdate:
		return &segment.Event{TimestampMs: ts, Kind: segment.KindPatch, PrimaryKey: json.RawMessage(e.Op.Key), Payload: json.RawMessage(e.Op.After)}, nil
	case wal.OpDelete:
		return &segment.Event{TimestampMs: ts, Kind: segment.KindSoftDelete, PrimaryKey: json.RawMessage(e.Op.Key)}, nil
	default:
		return nil, driftdberr.New(driftdberr.KindCorruption, "unexpected wal op type for segment redo: "+e.Op.Type.String())
	}
}

// txnGroup accumulates the operations logged under one TxnID between a
// TXN_BEGIN and whatever follows. TxnID 0 covers operations logged outside
// any transaction (DDL), which are always treated as committed. Entries,
// not bare Operations, are kept so a committed group's redo can stamp its
// segment events with the WAL's own record timestamp.
type txnGroup struct {
	txnID     uint64
	ops       []wal.Entry
	committed bool
}

// replayFromCheckpoint walks the whole WAL once: it notes the Sequence
// recorded on the checkpoint entry at checkpointLSN (the point every
// table's snapshot was current as of), then groups every operation at or
// after that LSN by transaction, so Recover can discard any group that
// never saw a TXN_COMMIT.
func replayFromCheckpoint(w *wal.WAL, checkpointLSN uint64) (uint64, []txnGroup, error) {
	fromLSN := checkpointLSN + 1
	var checkpointSeq uint64
	byTxn := map[uint64]*txnGroup{}
	var order []uint64

	err := w.ReplayFromSequence(0, func(e *wal.Entry) error {
		if e.LSN == checkpointLSN && e.Op.Type == wal.OpCheckpoint {
			checkpointSeq = e.Op.Sequence
		}
		if e.LSN < fromLSN {
			return nil
		}
		switch e.Op.Type {
		case wal.OpTransactionBegin:
			if _, exists := byTxn[e.Op.TxnID]; !exists {
				order = append(order, e.Op.TxnID)
			}
			byTxn[e.Op.TxnID] = &txnGroup{txnID: e.Op.TxnID}
		case wal.OpTransactionCommit:
			if g, ok := byTxn[e.Op.TxnID]; ok {
				g.committed = true
			}
		case wal.OpTransactionAbort:
			delete(byTxn, e.Op.TxnID)
		case wal.OpCheckpoint:
			// a second checkpoint past the anchor would mean the anchor
			// wasn't actually the last one; nothing to do defensively.
		default:
			g, ok := byTxn[e.Op.TxnID]
			if !ok {
				g = &txnGroup{txnID: e.Op.TxnID, committed: e.Op.TxnID == 0}
				byTxn[e.Op.TxnID] = g
				order = append(order, e.Op.TxnID)
			}
			g.ops = append(g.ops, *e)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	out := make([]txnGroup, 0, len(order))
	for _, id := range order {
		if g, ok := byTxn[id]; ok {
			out = append(out, *g)
		}
	}
	return checkpointSeq, out, nil
}

// LazyIndex defers an index rebuild until its first Lookup, per §4.7 step 4
// ("indexes rebuilt lazily on first use" rather than blocking startup on
// every secondary index).
type LazyIndex struct {
	once   sync.Once
	err    error
	idx    *index.Index
	segs   *segment.Store
	column string
}

// NewLazyIndex wraps idx so Rebuild runs once, on the first Lookup call.
func NewLazyIndex(idx *index.Index, segs *segment.Store, column string) *LazyIndex {
	return &LazyIndex{idx: idx, segs: segs, column: column}
}

func (l *LazyIndex) Lookup(value string) ([]string, error) {
	l.once.Do(func() {
		l.err = l.idx.Rebuild(l.segs, l.column)
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.idx.Lookup(value)
}

// MarkCleanShutdown touches the clean-shutdown marker directly, for the
// engine's orderly Close path (which has no reason to run a full Recover).
func MarkCleanShutdown(path string) error {
	if path == "" {
		return nil
	}
	return writeCleanShutdownMarker(path)
}

func writeCleanShutdownMarker(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "create clean shutdown marker directory", err)
	}
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339Nano)), 0o644); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "write clean shutdown marker", err)
	}
	return nil
}

// CleanShutdownMarkerPresent reports whether the engine shut down cleanly
// last time, i.e. whether Recover can plausibly be skipped on this startup.
func CleanShutdownMarkerPresent(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// ClearCleanShutdownMarker removes the marker; the engine calls this at the
// start of every run so a crash before the next clean shutdown leaves no
// stale marker behind to wrongly skip recovery.
func ClearCleanShutdownMarker(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return driftdberr.Wrap(driftdberr.KindIO, "clear clean shutdown marker", err)
	}
	return nil
}
