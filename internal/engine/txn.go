// Transaction lifecycle and row CRUD: Begin/Commit/Abort stage their
// effects through internal/mvcc for visibility and internal/wal +
// internal/segment for durability, in that order — a transaction's
// changes become visible to its own reads and to SSI conflict checking
// immediately, but only become durable, replayable history at Commit.
package engine

import (
	"encoding/json"
	"time"

	"github.com/benbjohnson/immutable"

	"github.com/driftdb/driftdb/internal/driftdberr"
	"github.com/driftdb/driftdb/internal/mvcc"
	"github.com/driftdb/driftdb/internal/segment"
	"github.com/driftdb/driftdb/internal/wal"
)

// pendingOp is one staged row mutation, buffered on a Txn until Commit
// appends it to its table's segment store. Buffering defers the durable,
// replayable write until the transaction is known to have committed,
// mirroring how the WAL's own TXN_COMMIT marker gates replay during
// recovery (internal/recovery).
type pendingOp struct {
	table   string
	kind    segment.Kind
	pk      json.RawMessage
	payload json.RawMessage // full row for insert, merge-diff for patch, nil for delete
}

// Txn is a handle to an in-flight DriftDB transaction.
type Txn struct {
	engine  *Engine
	mvcc    *mvcc.Txn
	pending []pendingOp
}

// Begin starts a transaction at the given isolation level (omitting level
// uses the engine's configured default), logs TXN_BEGIN to the WAL, and
// admits the transaction into the engine's active-transactions registry.
func (e *Engine) Begin(level ...mvcc.IsolationLevel) (*Txn, error) {
	lvl := e.cfg.isolationLevel()
	if len(level) > 0 {
		lvl = level[0]
	}
	mtx := e.mv.Begin(lvl)
	if _, err := e.wal.LogOperation(wal.Operation{Type: wal.OpTransactionBegin, TxnID: uint64(mtx.ID)}, 0); err != nil {
		e.mv.Abort(mtx)
		return nil, err
	}

	e.activeMu.Lock()
	e.activeTxns = e.activeTxns.Set(uint64(mtx.ID), struct{}{})
	e.activeMu.Unlock()

	return &Txn{engine: e, mvcc: mtx}, nil
}

func recID(table, pk string) mvcc.RecordID { return mvcc.RecordID{Table: table, Key: pk} }

// Insert stages a new row. pk must be the row's primary key, already
// canonicalized to its JSON scalar encoding (segment.Event.PrimaryKeyString
// form); row is the full row JSON.
func (t *Txn) Insert(table string, pk, row json.RawMessage) error {
	rec := recID(table, string(pk))
	if err := t.engine.mv.Write(t.mvcc, rec, row); err != nil {
		return err
	}
	if _, err := t.engine.wal.LogOperation(wal.Operation{
		Type: wal.OpInsert, TxnID: uint64(t.mvcc.ID), Table: table, Key: pk, After: row,
	}, 0); err != nil {
		return err
	}
	t.pending = append(t.pending, pendingOp{table: table, kind: segment.KindInsert, pk: pk, payload: row})
	return nil
}

// Patch stages a partial update: diff is merged onto the row's current
// value and the merged row is what future reads (within and after this
// txn) see, but only diff itself is what gets logged to the WAL and
// appended to the segment, per §4.1's Patch event shape.
func (t *Txn) Patch(table string, pk, diff json.RawMessage) error {
	rec := recID(table, string(pk))
	current, found, err := t.engine.mv.Read(t.mvcc, rec)
	if err != nil {
		return err
	}
	if !found {
		return driftdberr.New(driftdberr.KindNotFound, "patch: row not found")
	}
	merged, err := mergePatch(current, diff)
	if err != nil {
		return err
	}
	if err := t.engine.mv.Write(t.mvcc, rec, merged); err != nil {
		return err
	}
	if _, err := t.engine.wal.LogOperation(wal.Operation{
		Type: wal.OpUpdate, TxnID: uint64(t.mvcc.ID), Table: table, Key: pk, Before: current, After: diff,
	}, 0); err != nil {
		return err
	}
	t.pending = append(t.pending, pendingOp{table: table, kind: segment.KindPatch, pk: pk, payload: diff})
	return nil
}

// Delete stages a soft-delete: the row stops being visible but its history
// is retained for time travel (§4.1 KindSoftDelete).
func (t *Txn) Delete(table string, pk json.RawMessage) error {
	rec := recID(table, string(pk))
	if err := t.engine.mv.Delete(t.mvcc, rec); err != nil {
		return err
	}
	if _, err := t.engine.wal.LogOperation(wal.Operation{
		Type: wal.OpDelete, TxnID: uint64(t.mvcc.ID), Table: table, Key: pk,
	}, 0); err != nil {
		return err
	}
	t.pending = append(t.pending, pendingOp{table: table, kind: segment.KindSoftDelete, pk: pk})
	return nil
}

// Get reads a row as this transaction sees it (its own uncommitted writes,
// plus whatever else is visible under its isolation level).
func (t *Txn) Get(table string, pk json.RawMessage) (json.RawMessage, bool, error) {
	value, found, err := t.engine.mv.Read(t.mvcc, recID(table, string(pk)))
	if err != nil || !found {
		return nil, found, err
	}
	return json.RawMessage(value), true, nil
}

// Commit finalizes the transaction: mvcc.Commit assigns the commit
// timestamp and runs SSI write-skew detection, TXN_COMMIT is logged, and
// only then are the buffered row mutations appended to their tables'
// segment stores (the durable, replayable history).
func (t *Txn) Commit() error {
	if _, err := t.engine.mv.Commit(t.mvcc); err != nil {
		return err
	}
	if _, err := t.engine.wal.LogOperation(wal.Operation{Type: wal.OpTransactionCommit, TxnID: uint64(t.mvcc.ID)}, 0); err != nil {
		return err
	}
	t.retire()

	for _, op := range t.pending {
		if err := t.engine.appendToTable(op); err != nil {
			return err
		}
	}
	return nil
}

// Abort discards the transaction: mvcc.Abort releases locks and drops its
// write set, TXN_ABORT is logged, and the buffered mutations are simply
// dropped without ever reaching a segment store.
func (t *Txn) Abort() error {
	if err := t.engine.mv.Abort(t.mvcc); err != nil {
		return err
	}
	if _, err := t.engine.wal.LogOperation(wal.Operation{Type: wal.OpTransactionAbort, TxnID: uint64(t.mvcc.ID)}, 0); err != nil {
		return err
	}
	t.retire()
	t.pending = nil
	return nil
}

func (t *Txn) retire() {
	t.engine.activeMu.Lock()
	t.engine.activeTxns = t.engine.activeTxns.Delete(uint64(t.mvcc.ID))
	t.engine.activeMu.Unlock()
}

// activeTxnSnapshot returns the active-transaction registry pointer at this
// instant. Because *immutable.SortedMap is persistent, the caller's
// reference is unaffected by later Set/Delete calls on e.activeTxns, so it
// cannot observe transactions admitted afterward. Begin does not call it:
// transaction visibility is decided by internal/mvcc's own timestamps.
func (e *Engine) activeTxnSnapshot() *immutable.SortedMap[uint64, struct{}] {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return e.activeTxns
}

// appendToTable durably appends one buffered mutation to its table's
// segment store under the table's own monotonic sequence counter (distinct
// from the WAL's global LSN), then advances the table's persisted
// last_sequence.
func (e *Engine) appendToTable(op pendingOp) error {
	e.mu.RLock()
	ts, ok := e.tables[op.table]
	e.mu.RUnlock()
	if !ok {
		return driftdberr.New(driftdberr.KindNotFound, "table not found: "+op.table)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	seq := ts.nextSeq + 1

	_, _, err := ts.segments.Append(&segment.Event{
		Sequence:    seq,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Kind:        op.kind,
		PrimaryKey:  op.pk,
		Payload:     op.payload,
	}, segment.FSync)
	if err != nil {
		return err
	}
	if err := ts.dir.UpdateLastSequence(seq); err != nil {
		return err
	}
	ts.nextSeq = seq
	ts.meta.LastSequence = seq
	return nil
}

// mergePatch merges a partial JSON object onto the current row, matching
// internal/snapshot's and internal/index's own merge semantics; each
// package keeps its own copy rather than sharing one across storage-layer
// boundaries that must each stay independently correct without runtime
// coupling.
func mergePatch(existing, patch json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &base); err != nil {
			return nil, driftdberr.Wrap(driftdberr.KindCorruption, "unmarshal base row for patch", err)
		}
	}
	var diff map[string]json.RawMessage
	if err := json.Unmarshal(patch, &diff); err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindCorruption, "unmarshal patch payload", err)
	}
	for k, v := range diff {
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindInternal, "marshal patched row", err)
	}
	return out, nil
}
