// Package catalog manages the on-disk table directory layout (§6) and the
// per-table descriptor (TableMeta, §3).
//
// What: schema.yaml (immutable-ish descriptor: name, primary key, columns,
// schema version) and meta.json (the one mutable runtime field,
// last_sequence) as described in the table directory layout.
// How: generalizes tinySQL's storage.CatalogTable/CatalogColumn
// introspection metadata (catalog.go) from a pure in-memory registry to a
// durable per-table descriptor, serialized with gopkg.in/yaml.v3 — already a
// teacher dependency — exactly the way §6 names the file `schema.yaml`.
// Why: TableMeta.last_sequence must always equal the highest sequence
// durably present in any segment of the table; keeping it in a tiny
// separate JSON file (rewritten far more often than the schema) avoids
// rewriting the whole schema document on every commit.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/driftdb/driftdb/internal/driftdberr"
)

// ColumnType enumerates the scalar types DriftDB tracks for planner
// statistics and secondary-index eligibility. The SQL surface itself is an
// external collaborator (§1); this is only the subset the storage/planner
// layers need to reason about selectivity and comparisons.
type ColumnType string

const (
	TypeInteger ColumnType = "INTEGER"
	TypeFloat   ColumnType = "FLOAT"
	TypeText    ColumnType = "TEXT"
	TypeBoolean ColumnType = "BOOLEAN"
	TypeJSON    ColumnType = "JSON"
	TypeTime    ColumnType = "TIMESTAMP"
)

// Column describes one column of a table.
type Column struct {
	Name    string     `yaml:"name" json:"name"`
	Type    ColumnType `yaml:"type" json:"type"`
	Indexed bool       `yaml:"indexed" json:"indexed"`
}

// TableMeta is the per-table descriptor persisted as schema.yaml, plus the
// mutable last_sequence field persisted separately as meta.json.
//
// Invariant: LastSequence always equals the highest sequence durably
// present in any segment of this table (§3).
type TableMeta struct {
	Name          string   `yaml:"name" json:"name"`
	PrimaryKey    string   `yaml:"primary_key" json:"primary_key"`
	Columns       []Column `yaml:"columns" json:"columns"`
	SchemaVersion int      `yaml:"schema_version" json:"schema_version"`

	// LastSequence is runtime state, not schema, and is persisted to
	// meta.json rather than schema.yaml (see runtimeMeta below).
	LastSequence uint64 `yaml:"-" json:"-"`
}

// runtimeMeta is the small, frequently-rewritten sibling of schema.yaml.
type runtimeMeta struct {
	LastSequence uint64 `json:"last_sequence"`
}

// Dir describes one table's on-disk directory, matching §6:
//
//	<data_root>/tables/<table>/
//	  schema.yaml
//	  meta.json
//	  segments/<020-padded-id>.seg
//	  snapshots/snapshot_<seq>.snap
//	  indexes/<column>.idx
type Dir struct {
	mu   sync.Mutex
	root string // <data_root>/tables/<table>
}

func tableDir(dataRoot, table string) string {
	return filepath.Join(dataRoot, "tables", table)
}

// NewDir returns a Dir handle and ensures its subdirectories exist.
func NewDir(dataRoot, table string) (*Dir, error) {
	root := tableDir(dataRoot, table)
	for _, sub := range []string{"", "segments", "snapshots", "indexes"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, driftdberr.Wrap(driftdberr.KindIO, "create table directory", err)
		}
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Root() string           { return d.root }
func (d *Dir) SegmentsDir() string    { return filepath.Join(d.root, "segments") }
func (d *Dir) SnapshotsDir() string   { return filepath.Join(d.root, "snapshots") }
func (d *Dir) IndexesDir() string     { return filepath.Join(d.root, "indexes") }
func (d *Dir) schemaPath() string     { return filepath.Join(d.root, "schema.yaml") }
func (d *Dir) runtimeMetaPath() string { return filepath.Join(d.root, "meta.json") }

// Exists reports whether schema.yaml is present — i.e. whether CREATE TABLE
// has already run for this table directory.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.schemaPath())
	return err == nil
}

// WriteSchema persists the immutable part of TableMeta to schema.yaml.
func (d *Dir) WriteSchema(meta *TableMeta) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := yaml.Marshal(meta)
	if err != nil {
		return driftdberr.Wrap(driftdberr.KindInternal, "marshal schema.yaml", err)
	}
	if err := writeFileAtomic(d.schemaPath(), data); err != nil {
		return err
	}
	return d.writeRuntimeMetaLocked(meta.LastSequence)
}

// ReadSchema loads TableMeta (schema + last_sequence) from disk.
func (d *Dir) ReadSchema() (*TableMeta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.schemaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, driftdberr.Wrap(driftdberr.KindNotFound, "table schema", err)
		}
		return nil, driftdberr.Wrap(driftdberr.KindIO, "read schema.yaml", err)
	}
	var meta TableMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindCorruption, "parse schema.yaml", err)
	}

	rt, err := d.readRuntimeMetaLocked()
	if err != nil {
		return nil, err
	}
	meta.LastSequence = rt.LastSequence
	return &meta, nil
}

// UpdateLastSequence rewrites only meta.json, the frequently-touched half
// of TableMeta, without re-serializing the schema.
func (d *Dir) UpdateLastSequence(seq uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeRuntimeMetaLocked(seq)
}

func (d *Dir) writeRuntimeMetaLocked(seq uint64) error {
	data, err := json.Marshal(runtimeMeta{LastSequence: seq})
	if err != nil {
		return driftdberr.Wrap(driftdberr.KindInternal, "marshal meta.json", err)
	}
	return writeFileAtomic(d.runtimeMetaPath(), data)
}

func (d *Dir) readRuntimeMetaLocked() (runtimeMeta, error) {
	data, err := os.ReadFile(d.runtimeMetaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return runtimeMeta{}, nil
		}
		return runtimeMeta{}, driftdberr.Wrap(driftdberr.KindIO, "read meta.json", err)
	}
	var rt runtimeMeta
	if err := json.Unmarshal(data, &rt); err != nil {
		return runtimeMeta{}, driftdberr.Wrap(driftdberr.KindCorruption, "parse meta.json", err)
	}
	return rt, nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it into place, so readers never observe a partial write (the
// same write-to-temp-then-rename discipline §4.3 requires for snapshots).
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return driftdberr.Wrap(driftdberr.KindIO, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return driftdberr.Wrap(driftdberr.KindIO, "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "rename into place", err)
	}
	return nil
}

// FindColumn returns the column descriptor by name, if any.
func (m *TableMeta) FindColumn(name string) (Column, bool) {
	for _, c := range m.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// IndexedColumns returns the subset of columns declared with CREATE INDEX.
func (m *TableMeta) IndexedColumns() []Column {
	var out []Column
	for _, c := range m.Columns {
		if c.Indexed {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks the minimal schema invariants DDL must establish: a named
// primary key column that actually exists.
func (m *TableMeta) Validate() error {
	if m.Name == "" {
		return driftdberr.New(driftdberr.KindIntegrityViolation, "table name required")
	}
	if m.PrimaryKey == "" {
		return driftdberr.New(driftdberr.KindIntegrityViolation, fmt.Sprintf("table %q missing PRIMARY KEY", m.Name))
	}
	if _, ok := m.FindColumn(m.PrimaryKey); !ok {
		return driftdberr.New(driftdberr.KindIntegrityViolation, fmt.Sprintf("table %q primary key %q not in columns", m.Name, m.PrimaryKey))
	}
	return nil
}
