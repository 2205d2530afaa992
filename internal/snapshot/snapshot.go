// Package snapshot implements the Snapshot Store (§4.3): periodic
// materialized state of a table at a sequence, so time-travel and cold
// starts don't need a full replay from sequence 0.
//
// What: create(table, at_sequence) folds Insert/Patch/SoftDelete events
// into a {PrimaryKey: Value} map and serializes it; load(table,
// target_sequence) returns the newest snapshot at or below target plus the
// sequence range still needing replay from segments.
// How: grounded on catalog.writeFileAtomic's temp-then-rename discipline
// (itself grounded on tinySQL's durability conventions) and on
// internal/segment's event folding; gob is used for the map payload,
// matching the encoding/gob convention carried through segment and wal.
// Why: keeping a table read-only fast requires not replaying the entire
// event history on every cold start or AS OF query.
package snapshot

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/driftdb/driftdb/internal/driftdberr"
	"github.com/driftdb/driftdb/internal/segment"
)

// Snapshot is the materialized state of a table at Sequence.
type Snapshot struct {
	Sequence uint64
	Rows     map[string]json.RawMessage // primary key string -> row JSON
}

// Store manages a table's snapshots/ directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (a table's snapshots/ subdirectory,
// per the §6 layout: <data_root>/tables/<table>/snapshots/).
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "create snapshots dir", err)
	}
	return &Store{dir: dir}, nil
}

func snapshotFileName(seq uint64) string {
	return fmt.Sprintf("snapshot_%020d.snap", seq)
}

func parseSnapshotSequence(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "snapshot_") || !strings.HasSuffix(name, ".snap") {
		return 0, false
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(name, "snapshot_"), ".snap")
	seq, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// sequences returns every snapshot sequence present on disk, ascending.
func (s *Store) sequences() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "list snapshots dir", err)
	}
	var out []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seq, ok := parseSnapshotSequence(e.Name()); ok {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// NewestAtOrBelow returns the highest snapshot sequence <= target, or
// (0, false) if none exists.
func (s *Store) NewestAtOrBelow(target uint64) (uint64, bool, error) {
	seqs, err := s.sequences()
	if err != nil {
		return 0, false, err
	}
	var best uint64
	found := false
	for _, seq := range seqs {
		if seq <= target {
			best = seq
			found = true
		}
	}
	return best, found, nil
}

// Create walks segments from the newest existing snapshot's sequence
// forward through atSequence (inclusive), folding events into a
// {PrimaryKey: Value} map (SoftDelete removes the key), and writes the
// result atomically as a new snapshot file.
func (s *Store) Create(store *segment.Store, atSequence uint64) (*Snapshot, error) {
	baseSeq, hasBase, err := s.NewestAtOrBelow(atSequence)
	rows := map[string]json.RawMessage{}
	if err != nil {
		return nil, err
	}
	if hasBase {
		base, err := s.Load(baseSeq)
		if err != nil {
			return nil, err
		}
		for k, v := range base.Rows {
			rows[k] = v
		}
	}

	from := uint64(0)
	if hasBase {
		from = baseSeq + 1
	}

	err = store.ScanAll(from, func(e *segment.Event) error {
		if e.Sequence > atSequence {
			return errStopScan
		}
		pk := e.PrimaryKeyString()
		switch e.Kind {
		case segment.KindInsert:
			rows[pk] = e.Payload
		case segment.KindPatch:
			merged, err := mergePatch(rows[pk], e.Payload)
			if err != nil {
				return err
			}
			rows[pk] = merged
		case segment.KindSoftDelete:
			delete(rows, pk)
		}
		return nil
	})
	if err != nil && err != errStopScan {
		return nil, err
	}

	snap := &Snapshot{Sequence: atSequence, Rows: rows}
	if err := s.write(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// errStopScan is a sentinel used only to short-circuit ScanAll once the
// target sequence is passed; it never escapes Create.
var errStopScan = fmt.Errorf("snapshot: internal scan stop")

// mergePatch applies a shallow JSON merge-diff (RFC 7386-style, top-level
// keys only) onto an existing row, matching a Patch event's semantics from
// §3: "a merge-diff for Patch". A Patch with no prior Insert in range
// starts from an empty object.
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

// Load reads the snapshot file at exactly the given sequence.
func (s *Store) Load(sequence uint64) (*Snapshot, error) {
	path := filepath.Join(s.dir, snapshotFileName(sequence))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, driftdberr.Wrap(driftdberr.KindNotFound, "snapshot", err)
		}
		return nil, driftdberr.Wrap(driftdberr.KindIO, "read snapshot", err)
	}
	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindCorruption, "decode snapshot", err)
	}
	return &snap, nil
}

// LoadForTarget returns the newest snapshot with sequence <= targetSequence
// plus the inclusive range of segment sequences [snapshot.Sequence+1,
// targetSequence] the caller must still replay, per the §4.3 load contract.
func (s *Store) LoadForTarget(targetSequence uint64) (snap *Snapshot, remainingFrom uint64, remainingTo uint64, err error) {
	baseSeq, ok, err := s.NewestAtOrBelow(targetSequence)
	if err != nil {
		return nil, 0, 0, err
	}
	if !ok {
		return &Snapshot{Sequence: 0, Rows: map[string]json.RawMessage{}}, 1, targetSequence, nil
	}
	base, err := s.Load(baseSeq)
	if err != nil {
		return nil, 0, 0, err
	}
	return base, base.Sequence + 1, targetSequence, nil
}

func (s *Store) write(snap *Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return driftdberr.Wrap(driftdberr.KindInternal, "encode snapshot", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, snapshotFileName(snap.Sequence)), buf.Bytes())
}

// PITRCleanup deletes every snapshot whose sequence exceeds target, per
// §4.3's point-in-time-recovery cleanup step. The next read rebuilds from
// the remaining snapshots plus replay.
func (s *Store) PITRCleanup(target uint64) (removed int, err error) {
	seqs, err := s.sequences()
	if err != nil {
		return 0, err
	}
	for _, seq := range seqs {
		if seq > target {
			if err := os.Remove(filepath.Join(s.dir, snapshotFileName(seq))); err != nil && !os.IsNotExist(err) {
				return removed, driftdberr.Wrap(driftdberr.KindIO, "remove dangling snapshot", err)
			}
			removed++
		}
	}
	return removed, nil
}

// writeFileAtomic mirrors catalog.writeFileAtomic's temp-then-rename
// discipline; duplicated rather than imported to keep internal/catalog and
// internal/snapshot independent leaf packages with no edge between them.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "create temp snapshot file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return driftdberr.Wrap(driftdberr.KindIO, "write temp snapshot file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return driftdberr.Wrap(driftdberr.KindIO, "sync temp snapshot file", err)
	}
	if err := tmp.Close(); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "close temp snapshot file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "rename snapshot into place", err)
	}
	return nil
}
