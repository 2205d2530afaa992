package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func op(typ OpType, table string, seq uint64) Operation {
	return Operation{Type: typ, Table: table, Key: []byte(`1`), After: []byte(`{"v":1}`), Sequence: seq}
}

func TestLogOperationAssignsMonotonicLSN(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"), 1000)
	require.NoError(t, err)
	defer w.Close()

	var lsns []uint64
	for i := uint64(1); i <= 5; i++ {
		lsn, err := w.LogOperation(op(OpInsert, "t", i), 0)
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	for i, lsn := range lsns {
		require.Equal(t, uint64(i+1), lsn)
	}
	require.Equal(t, uint64(5), w.CurrentSequence())
}

func TestReplayFromSequence(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"), 1000)
	require.NoError(t, err)
	defer w.Close()

	for i := uint64(1); i <= 10; i++ {
		_, err := w.LogOperation(op(OpInsert, "t", i), 0)
		require.NoError(t, err)
	}

	var replayed []uint64
	require.NoError(t, w.ReplayFromSequence(6, func(e *Entry) error {
		replayed = append(replayed, e.LSN)
		return nil
	}))
	require.Equal(t, []uint64{6, 7, 8, 9, 10}, replayed)
}

func TestCheckpointResetsCounterAndIsRecorded(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"), 3)
	require.NoError(t, err)
	defer w.Close()

	for i := uint64(1); i <= 3; i++ {
		_, err := w.LogOperation(op(OpInsert, "t", i), 0)
		require.NoError(t, err)
	}
	require.True(t, w.ShouldCheckpoint())

	cpLSN, err := w.Checkpoint(3)
	require.NoError(t, err)
	require.False(t, w.ShouldCheckpoint())
	require.Equal(t, cpLSN, w.LastCheckpoint())
}

func TestReopenRecoversNextLSNAndLastCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, 1000)
	require.NoError(t, err)
	for i := uint64(1); i <= 4; i++ {
		_, err := w.LogOperation(op(OpInsert, "t", i), 0)
		require.NoError(t, err)
	}
	_, err = w.Checkpoint(4)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(path, 1000)
	require.NoError(t, err)
	defer w2.Close()
	require.Equal(t, uint64(5), w2.CurrentSequence())
	require.Equal(t, uint64(5), w2.LastCheckpoint())
}

func TestVerifyAndTruncateTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, 1000)
	require.NoError(t, err)
	for i := uint64(1); i <= 5; i++ {
		_, err := w.LogOperation(op(OpInsert, "t", i), 0)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	w2, err := Open(path, 1000)
	require.NoError(t, err)
	defer w2.Close()

	offset, found, err := w2.VerifyAndFindCorruption()
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, w2.TruncateAt(offset))

	var last uint64
	require.NoError(t, w2.ReplayFromSequence(0, func(e *Entry) error {
		last = e.LSN
		return nil
	}))
	require.Equal(t, uint64(4), last)
}
