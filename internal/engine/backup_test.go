package engine

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/internal/recovery"
)

func insertRow(t *testing.T, e *Engine, table, pk, row string) {
	t.Helper()
	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Insert(table, json.RawMessage(pk), json.RawMessage(row)))
	require.NoError(t, tx.Commit())
}

func TestFullBackupThenRestoreRoundTrip(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, e.CreateTable(ordersMeta()))
	insertRow(t, e, "orders", `"o1"`, `{"id":"o1","status":"open"}`)
	insertRow(t, e, "orders", `"o2"`, `{"id":"o2","status":"open"}`)

	backupDir := filepath.Join(t.TempDir(), "backup-full")
	meta, err := e.Backup(backupDir, recovery.BackupFull, nil, nil)
	require.NoError(t, err)
	require.Equal(t, recovery.BackupFull, meta.Type)
	require.EqualValues(t, 0, meta.StartingSequence)
	require.EqualValues(t, 2, meta.EndingSequence)
	require.NoError(t, e.Close())

	restoreRoot := t.TempDir()
	require.NoError(t, Restore(restoreRoot, []string{backupDir}))

	cfg := DefaultConfig(restoreRoot)
	e2, err := Open(cfg)
	require.NoError(t, err)
	defer e2.Close()

	rows, err := e2.Query(queryAll("orders"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestIncrementalBackupResolvesStartingSequenceFromParent(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.CreateTable(ordersMeta()))
	insertRow(t, e, "orders", `"o1"`, `{"id":"o1","status":"open"}`)

	fullDir := filepath.Join(t.TempDir(), "full")
	fullMeta, err := e.Backup(fullDir, recovery.BackupFull, nil, nil)
	require.NoError(t, err)

	insertRow(t, e, "orders", `"o2"`, `{"id":"o2","status":"open"}`)

	incDir := filepath.Join(t.TempDir(), "inc")
	incMeta, err := e.Backup(incDir, recovery.BackupIncremental, fullMeta, nil)
	require.NoError(t, err)
	require.EqualValues(t, fullMeta.EndingSequence, incMeta.StartingSequence)
	require.EqualValues(t, 2, incMeta.EndingSequence)
}
