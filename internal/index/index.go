// Package index implements the Secondary Index (§4.4): a non-transactional,
// rebuildable Map<ColumnValue, Set<PrimaryKey>> per (table, column),
// maintained out-of-band from writes and rebuilt by a background process or
// during point-in-time recovery.
//
// What: lookup(column, value) -> Set<PrimaryKey>, rebuild(table, column).
// How: grounded on the bbolt cursor-scan idiom used for secondary lookups
// elsewhere in the example pack (storage-analyzer's queryEventsSince) —
// one bbolt bucket per column holding value -> set-of-primary-keys, with
// keys ordered via golang.org/x/text/collate so range-style prefix scans
// over text columns sort the way a human expects rather than by raw byte
// order.
// Why: indexes must be cheaply and safely rebuildable from segments alone
// (§4.4 explicitly: "not transactional"), so the durable form is disposable
// — deleting an index file and rebuilding it is always correct.
package index

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.etcd.io/bbolt"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/driftdb/driftdb/internal/driftdberr"
	"github.com/driftdb/driftdb/internal/driftlog"
	"github.com/driftdb/driftdb/internal/segment"
)

var bucketName = []byte("index")

// collator orders index keys the way a planner's range scan over a text
// column should read them back: locale-aware, not raw byte order. DriftDB
// does not expose locale configuration (§1 non-goal: no SQL surface beyond
// the storage/planner core), so the root collator is used uniformly.
var collator = collate.New(language.Und)

// Index is a single (table, column) secondary index, backed by one bbolt
// file under <data_root>/tables/<table>/indexes/<column>.idx.
type Index struct {
	db     *bbolt.DB
	column string
}

// Open opens (creating if absent) the index file for column at path.
func Open(dir, column string) (*Index, error) {
	path := filepath.Join(dir, column+".idx")
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "open index file", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, driftdberr.Wrap(driftdberr.KindIO, "init index bucket", err)
	}
	return &Index{db: db, column: column}, nil
}

// Close releases the underlying bbolt file handle.
func (idx *Index) Close() error { return idx.db.Close() }

// collKey builds the collation-ordered bbolt key for a column value, so
// range scans over the bucket's cursor yield locale-correct order; the raw
// value is appended after a separator so distinct values with the same
// collation weight remain distinguishable.
func collKey(value string) []byte {
	weighted := collator.KeyFromString(value)
	out := make([]byte, 0, len(weighted)+1+len(value))
	out = append(out, weighted...)
	out = append(out, 0x00)
	out = append(out, []byte(value)...)
	return out
}

// Lookup returns the set of primary keys whose column value equals value.
func (idx *Index) Lookup(value string) ([]string, error) {
	var pks []string
	err := idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(collKey(value))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &pks)
	})
	if err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "index lookup", err)
	}
	return pks, nil
}

// Rebuild discards all entries and rescans the table's segments from
// sequence 0, folding Insert/Patch/SoftDelete the same way the snapshot
// store does, then recomputes column value -> {primary keys} from the
// final state. Indexes are disposable by contract (§4.4): a rebuild never
// needs to consult the old index content.
func (idx *Index) Rebuild(store *segment.Store, column string) error {
	rows := map[string]json.RawMessage{}
	err := store.ScanAll(0, func(e *segment.Event) error {
		pk := e.PrimaryKeyString()
		switch e.Kind {
		case segment.KindInsert:
			rows[pk] = e.Payload
		case segment.KindPatch:
			merged, err := mergeShallow(rows[pk], e.Payload)
			if err != nil {
				return err
			}
			rows[pk] = merged
		case segment.KindSoftDelete:
			delete(rows, pk)
		}
		return nil
	})
	if err != nil {
		return err
	}

	byValue := map[string][]string{}
	for pk, row := range rows {
		val, ok, err := extractColumn(row, column)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		byValue[val] = append(byValue[val], pk)
	}

	err = idx.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketName)
		if err != nil {
			return err
		}
		for val, pks := range byValue {
			data, err := json.Marshal(pks)
			if err != nil {
				return err
			}
			if err := b.Put(collKey(val), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "rebuild index", err)
	}

	driftlog.For("index").Info().Str("column", column).Int("distinct_values", len(byValue)).Msg("index rebuilt")
	return nil
}

func extractColumn(row json.RawMessage, column string) (string, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return "", false, driftdberr.Wrap(driftdberr.KindCorruption, "unmarshal row for indexing", err)
	}
	raw, ok := fields[column]
	if !ok {
		return "", false, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, driftdberr.Wrap(driftdberr.KindCorruption, "unmarshal indexed column value", err)
	}
	return fmt.Sprintf("%v", v), true, nil
}

func mergeShallow(existing, patch json.RawMessage) (json.RawMessage, error) {
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
