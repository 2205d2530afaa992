// Package engine is the top-level DriftDB engine (§2A): it wires the
// segment/wal/catalog/snapshot/index/mvcc/planner/recovery packages
// together behind begin/commit/abort, row CRUD, query planning/execution,
// checkpointing, and backup/restore. See config.go for Config and
// txn.go/query.go/asof.go/backup.go for the rest of the surface.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/immutable"
	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/internal/catalog"
	"github.com/driftdb/driftdb/internal/driftdberr"
	"github.com/driftdb/driftdb/internal/driftlog"
	"github.com/driftdb/driftdb/internal/index"
	"github.com/driftdb/driftdb/internal/mvcc"
	"github.com/driftdb/driftdb/internal/planner"
	"github.com/driftdb/driftdb/internal/recovery"
	"github.com/driftdb/driftdb/internal/segment"
	"github.com/driftdb/driftdb/internal/snapshot"
	"github.com/driftdb/driftdb/internal/wal"
)

const cleanShutdownMarkerName = "clean_shutdown"

// tableState bundles one table's storage handles, the shape every engine
// operation (Insert/Patch/Delete/Get/Query, Checkpoint, Backup) touches.
type tableState struct {
	name     string
	dir      *catalog.Dir
	segments *segment.Store
	snaps    *snapshot.Store
	// rawIndexes owns the underlying index.Index handles (closed at
	// Engine.Close); lazyIndexes wraps each in a recovery.LazyIndex so the
	// first post-recovery Lookup rebuilds it rather than blocking startup.
	rawIndexes  map[string]*index.Index
	lazyIndexes map[string]*recovery.LazyIndex
	meta        *catalog.TableMeta

	mu      sync.Mutex
	nextSeq uint64
}

// Engine is the top-level DriftDB storage/transaction engine (§2A): the
// WAL, the per-table segment/snapshot/index handles, and the shared MVCC
// version store, wired together behind transaction and query entry points.
//
// How: generalizes tinySQL's storage.Database (the type owning a
// MVCCManager, an AdvancedWAL, and a Catalog together) to the event-sourced
// per-table layout this spec calls for.
type Engine struct {
	cfg Config
	wal *wal.WAL
	mv  *mvcc.Store
	log zerolog.Logger

	mu     sync.RWMutex
	tables map[string]*tableState

	// activeTxns is the engine-level active-transaction registry: Begin adds
	// a transaction, Commit/Abort remove it. It is a persistent map, so a
	// pointer read from it (activeTxnSnapshot) never observes a txn admitted
	// afterward — by construction, not by defensive copying. MVCC visibility
	// does not consult it; internal/mvcc decides that from its own
	// start/commit timestamps.
	activeMu   sync.Mutex
	activeTxns *immutable.SortedMap[uint64, struct{}]
}

func tablesRoot(dataRoot string) string {
	return filepath.Join(dataRoot, "tables")
}

func cleanShutdownMarkerPath(dataRoot string) string {
	return filepath.Join(dataRoot, cleanShutdownMarkerName)
}

// Open brings up the engine at cfg.DataRoot: opens the global WAL and MVCC
// store, discovers every existing table directory, runs crash recovery if
// the last run did not shut down cleanly, and hydrates each table's MVCC
// state from its durable storage.
func Open(cfg Config) (*Engine, error) {
	log := driftlog.For("engine")

	if err := os.MkdirAll(tablesRoot(cfg.DataRoot), 0o755); err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "create data root", err)
	}

	w, err := wal.Open(filepath.Join(cfg.DataRoot, "wal.log"), cfg.WALCheckpointEvery)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		wal:        w,
		mv:         mvcc.Open(cfg.MVCC),
		log:        log,
		tables:     map[string]*tableState{},
		activeTxns: &immutable.SortedMap[uint64, struct{}]{},
	}

	names, err := discoverTableNames(cfg.DataRoot)
	if err != nil {
		e.wal.Close()
		return nil, err
	}
	for _, name := range names {
		if err := e.openExistingTable(name); err != nil {
			e.wal.Close()
			return nil, err
		}
	}

	marker := cleanShutdownMarkerPath(cfg.DataRoot)
	cleanShutdown := recovery.CleanShutdownMarkerPresent(marker)
	if err := recovery.ClearCleanShutdownMarker(marker); err != nil {
		e.wal.Close()
		return nil, err
	}

	if !cleanShutdown {
		log.Warn().Msg("no clean shutdown marker found, running crash recovery")
		handles := make([]*recovery.TableHandle, 0, len(e.tables))
		for _, ts := range e.tables {
			handles = append(handles, ts.recoveryHandle())
		}
		res, err := recovery.Recover(context.Background(), e.wal, handles, recovery.Options{
			MaxWALRecoveryTime:  cfg.MaxWALRecoveryTime,
			CleanShutdownMarker: marker,
		})
		if err != nil {
			e.wal.Close()
			return nil, err
		}
		// recoverTable persists the corrected last_sequence to meta.json via
		// th.Dir.UpdateLastSequence, but the in-memory TableMeta this
		// process already loaded does not see that write; apply it here so
		// hydrateTable below replays up to the right point.
		for _, tr := range res.Tables {
			if ts, ok := e.tables[tr.Table]; ok {
				ts.meta.LastSequence = tr.LastSequence
				ts.nextSeq = tr.LastSequence
			}
		}
	}

	for _, ts := range e.tables {
		if err := e.hydrateTable(ts); err != nil {
			e.wal.Close()
			return nil, err
		}
	}

	return e, nil
}

// discoverTableNames lists <data_root>/tables/* directories, each one a
// table discovered from a previous run.
func discoverTableNames(dataRoot string) ([]string, error) {
	entries, err := os.ReadDir(tablesRoot(dataRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, driftdberr.Wrap(driftdberr.KindIO, "list table directories", err)
	}
	var names []string
	for _, ent := range entries {
		if ent.IsDir() {
			names = append(names, ent.Name())
		}
	}
	return names, nil
}

// openExistingTable opens the storage handles for a table directory found
// on disk at startup; CreateTable builds the same shape for a brand new
// table.
func (e *Engine) openExistingTable(name string) error {
	dir, err := catalog.NewDir(e.cfg.DataRoot, name)
	if err != nil {
		return err
	}
	meta, err := dir.ReadSchema()
	if err != nil {
		return err
	}
	return e.attachTable(name, dir, meta)
}

func (e *Engine) attachTable(name string, dir *catalog.Dir, meta *catalog.TableMeta) error {
	segs, err := segment.Open(dir.SegmentsDir(), e.cfg.SegmentMaxBytes)
	if err != nil {
		return err
	}
	snaps, err := snapshot.New(dir.SnapshotsDir())
	if err != nil {
		return err
	}

	ts := &tableState{
		name:        name,
		dir:         dir,
		segments:    segs,
		snaps:       snaps,
		rawIndexes:  map[string]*index.Index{},
		lazyIndexes: map[string]*recovery.LazyIndex{},
		meta:        meta,
		nextSeq:     meta.LastSequence,
	}
	for _, col := range meta.IndexedColumns() {
		idx, err := index.Open(dir.IndexesDir(), col.Name)
		if err != nil {
			return err
		}
		ts.rawIndexes[col.Name] = idx
		ts.lazyIndexes[col.Name] = recovery.NewLazyIndex(idx, segs, col.Name)
	}

	e.mu.Lock()
	e.tables[name] = ts
	e.mu.Unlock()
	return nil
}

func (ts *tableState) recoveryHandle() *recovery.TableHandle {
	return &recovery.TableHandle{
		Name:      ts.name,
		Dir:       ts.dir,
		Segments:  ts.segments,
		Snapshots: ts.snaps,
		Indexes:   ts.rawIndexes,
	}
}

// hydrateTable replays a table's current state into the shared MVCC store
// so reads immediately after Open see every durably committed row, per the
// MVCC/storage sync contract (§4.5's SyncFromStorage hook).
func (e *Engine) hydrateTable(ts *tableState) error {
	state, err := planner.ResolveAsOf(ts.snaps, ts.segments, planner.AsOf{
		Sequence:    ts.meta.LastSequence,
		HasSequence: true,
	})
	if err != nil {
		return err
	}
	raw := make(map[string][]byte, len(state))
	for k, v := range state {
		raw[k] = []byte(v)
	}
	e.mv.SyncFromStorage(ts.name, raw)
	return nil
}

// CreateTable creates a brand-new table directory, schema, and storage
// handles, and logs the DDL operation as a non-transactional (TxnID 0) WAL
// entry, which recovery always treats as committed.
func (e *Engine) CreateTable(meta *catalog.TableMeta) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	e.mu.RLock()
	_, exists := e.tables[meta.Name]
	e.mu.RUnlock()
	if exists {
		return driftdberr.New(driftdberr.KindIntegrityViolation, fmt.Sprintf("table %q already exists", meta.Name))
	}

	dir, err := catalog.NewDir(e.cfg.DataRoot, meta.Name)
	if err != nil {
		return err
	}
	if err := dir.WriteSchema(meta); err != nil {
		return err
	}
	if _, err := e.wal.LogOperation(wal.Operation{Type: wal.OpCreateTable, Table: meta.Name}, 0); err != nil {
		return err
	}
	return e.attachTable(meta.Name, dir, meta)
}

// Checkpoint snapshots every table at its current durable sequence and
// advances the WAL's checkpoint marker past all of them, bounding future
// recovery's replay window (§4.7).
func (e *Engine) Checkpoint() error {
	e.mu.RLock()
	tables := make([]*tableState, 0, len(e.tables))
	for _, ts := range e.tables {
		tables = append(tables, ts)
	}
	e.mu.RUnlock()

	maxSeq := uint64(0)
	for _, ts := range tables {
		ts.mu.Lock()
		seq := ts.nextSeq
		ts.mu.Unlock()
		if seq > 0 {
			if _, err := ts.snaps.Create(ts.segments, seq); err != nil {
				return err
			}
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	_, err := e.wal.Checkpoint(maxSeq)
	return err
}

// Close performs an orderly shutdown: it checkpoints every table, closes
// the WAL and table storage handles, and writes the clean-shutdown marker
// so the next Open can skip crash recovery.
func (e *Engine) Close() error {
	if err := e.Checkpoint(); err != nil {
		return err
	}

	e.mu.Lock()
	for _, ts := range e.tables {
		for _, idx := range ts.rawIndexes {
			idx.Close()
		}
		ts.segments.Close()
	}
	e.mu.Unlock()

	e.mv.Close()
	if err := e.wal.Close(); err != nil {
		return err
	}
	return recovery.MarkCleanShutdown(cleanShutdownMarkerPath(e.cfg.DataRoot))
}
