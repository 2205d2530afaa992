package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/internal/catalog"
	"github.com/driftdb/driftdb/internal/planner"
)

func queryAll(table string) planner.Query {
	return planner.Query{Tables: []string{table}}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.MVCC.LockTimeout = 200 * time.Millisecond
	cfg.MVCC.DeadlockCheckInterval = 10 * time.Millisecond
	cfg.MVCC.ReapInterval = 50 * time.Millisecond
	cfg.MVCC.MaxTransactionDuration = time.Hour
	return cfg
}

func ordersMeta() *catalog.TableMeta {
	return &catalog.TableMeta{
		Name:       "orders",
		PrimaryKey: "id",
		Columns: []catalog.Column{
			{Name: "id", Type: catalog.TypeInteger},
			{Name: "status", Type: catalog.TypeText, Indexed: true},
		},
	}
}

func TestCreateTableThenInsertCommitAndGet(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.CreateTable(ordersMeta()))

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Insert("orders", json.RawMessage(`"o1"`), json.RawMessage(`{"id":"o1","status":"open"}`)))
	require.NoError(t, tx.Commit())

	tx2, err := e.Begin()
	require.NoError(t, err)
	row, found, err := tx2.Get("orders", json.RawMessage(`"o1"`))
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"id":"o1","status":"open"}`, string(row))
	require.NoError(t, tx2.Commit())
}

func TestAbortDiscardsWrite(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.CreateTable(ordersMeta()))

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Insert("orders", json.RawMessage(`"o1"`), json.RawMessage(`{"id":"o1","status":"open"}`)))
	require.NoError(t, tx.Abort())

	tx2, err := e.Begin()
	require.NoError(t, err)
	_, found, err := tx2.Get("orders", json.RawMessage(`"o1"`))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx2.Commit())
}

func TestPatchMergesOntoExistingRowButLogsOnlyDiff(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.CreateTable(ordersMeta()))

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Insert("orders", json.RawMessage(`"o1"`), json.RawMessage(`{"id":"o1","status":"open"}`)))
	require.NoError(t, tx.Commit())

	tx2, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx2.Patch("orders", json.RawMessage(`"o1"`), json.RawMessage(`{"status":"closed"}`)))
	require.NoError(t, tx2.Commit())

	tx3, err := e.Begin()
	require.NoError(t, err)
	row, found, err := tx3.Get("orders", json.RawMessage(`"o1"`))
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"id":"o1","status":"closed"}`, string(row))
	require.NoError(t, tx3.Commit())
}

func TestCommitPersistsAcrossCloseAndReopen(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.CreateTable(ordersMeta()))

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Insert("orders", json.RawMessage(`"o1"`), json.RawMessage(`{"id":"o1","status":"open"}`)))
	require.NoError(t, tx.Commit())
	require.NoError(t, e.Close())

	e2, err := Open(cfg)
	require.NoError(t, err)
	defer e2.Close()

	rows, err := e2.Query(queryAll("orders"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "o1", rows[0]["id"])
}

func TestCheckpointAllowsRecoveryAnchorToAdvance(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.CreateTable(ordersMeta()))

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Insert("orders", json.RawMessage(`"o1"`), json.RawMessage(`{"id":"o1","status":"open"}`)))
	require.NoError(t, tx.Commit())

	require.NoError(t, e.Checkpoint())
	require.Greater(t, e.wal.LastCheckpoint(), uint64(0))
}
