package catalog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/internal/driftdberr"
)

func sampleMeta() *TableMeta {
	return &TableMeta{
		Name:       "orders",
		PrimaryKey: "id",
		Columns: []Column{
			{Name: "id", Type: TypeInteger},
			{Name: "customer", Type: TypeText, Indexed: true},
			{Name: "total", Type: TypeFloat},
		},
		SchemaVersion: 1,
	}
}

func TestWriteAndReadSchemaRoundTrip(t *testing.T) {
	root := t.TempDir()
	dir, err := NewDir(root, "orders")
	require.NoError(t, err)
	require.False(t, dir.Exists())

	meta := sampleMeta()
	meta.LastSequence = 42
	require.NoError(t, dir.WriteSchema(meta))
	require.True(t, dir.Exists())

	loaded, err := dir.ReadSchema()
	require.NoError(t, err)
	require.Equal(t, meta.Name, loaded.Name)
	require.Equal(t, meta.PrimaryKey, loaded.PrimaryKey)
	require.Equal(t, meta.Columns, loaded.Columns)
	require.Equal(t, uint64(42), loaded.LastSequence)
}

func TestUpdateLastSequenceDoesNotTouchSchema(t *testing.T) {
	root := t.TempDir()
	dir, err := NewDir(root, "orders")
	require.NoError(t, err)

	meta := sampleMeta()
	require.NoError(t, dir.WriteSchema(meta))

	require.NoError(t, dir.UpdateLastSequence(7))
	loaded, err := dir.ReadSchema()
	require.NoError(t, err)
	require.Equal(t, uint64(7), loaded.LastSequence)
	require.Equal(t, meta.Columns, loaded.Columns)
}

func TestReadSchemaMissingIsNotFound(t *testing.T) {
	root := t.TempDir()
	dir, err := NewDir(root, "ghost")
	require.NoError(t, err)

	_, err = dir.ReadSchema()
	require.Error(t, err)
	require.True(t, driftdberr.Is(err, driftdberr.KindNotFound))
}

func TestValidateRequiresKnownPrimaryKey(t *testing.T) {
	m := sampleMeta()
	require.NoError(t, m.Validate())

	m.PrimaryKey = "does_not_exist"
	require.Error(t, m.Validate())

	m.PrimaryKey = ""
	require.Error(t, m.Validate())
}

func TestIndexedColumns(t *testing.T) {
	m := sampleMeta()
	idx := m.IndexedColumns()
	require.Len(t, idx, 1)
	require.Equal(t, "customer", idx[0].Name)
}

func TestDirLayout(t *testing.T) {
	root := t.TempDir()
	dir, err := NewDir(root, "orders")
	require.NoError(t, err)

	for _, sub := range []string{dir.SegmentsDir(), dir.SnapshotsDir(), dir.IndexesDir()} {
		info, err := os.Stat(sub)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}
