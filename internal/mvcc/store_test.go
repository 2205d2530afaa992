package mvcc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxTransactionDuration: time.Hour,
		MinVersionsToKeep:      1,
		LockTimeout:            200 * time.Millisecond,
		DeadlockCheckInterval:  10 * time.Millisecond,
		ReapInterval:           50 * time.Millisecond,
	}
}

func rec(table, key string) RecordID { return RecordID{Table: table, Key: key} }

func TestWriteCommitThenReadVisible(t *testing.T) {
	s := Open(testConfig())
	defer s.Close()

	tx1 := s.Begin(RepeatableRead)
	require.NoError(t, s.Write(tx1, rec("t", "1"), []byte("v1")))
	_, err := s.Commit(tx1)
	require.NoError(t, err)

	tx2 := s.Begin(RepeatableRead)
	val, ok, err := s.Read(tx2, rec("t", "1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(val))
}

func TestSnapshotIsolationHidesUncommittedWrites(t *testing.T) {
	s := Open(testConfig())
	defer s.Close()

	tx1 := s.Begin(RepeatableRead)
	require.NoError(t, s.Write(tx1, rec("t", "1"), []byte("v1")))
	_, err := s.Commit(tx1)
	require.NoError(t, err)

	reader := s.Begin(RepeatableRead)

	// A concurrent writer's uncommitted change must not be visible.
	writer := s.Begin(RepeatableRead)
	require.NoError(t, s.Write(writer, rec("t", "1"), []byte("v2")))

	val, ok, err := s.Read(reader, rec("t", "1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(val), "reader's snapshot must not see writer's uncommitted v2")

	_, err = s.Commit(writer)
	require.NoError(t, err)
}

func TestWriteConflictRejectsConcurrentWriteSetOverlap(t *testing.T) {
	s := Open(testConfig())
	defer s.Close()

	tx1 := s.Begin(ReadCommitted)
	tx2 := s.Begin(ReadCommitted)

	require.NoError(t, s.Write(tx1, rec("t", "1"), []byte("a")))
	err := s.Write(tx2, rec("t", "1"), []byte("b"))
	require.Error(t, err)
}

func TestAbortDiscardsWriteSetAndReleasesLocks(t *testing.T) {
	s := Open(testConfig())
	defer s.Close()

	tx1 := s.Begin(ReadCommitted)
	require.NoError(t, s.Write(tx1, rec("t", "1"), []byte("a")))
	require.NoError(t, s.Abort(tx1))

	tx2 := s.Begin(ReadCommitted)
	require.NoError(t, s.Write(tx2, rec("t", "1"), []byte("b")))
	_, err := s.Commit(tx2)
	require.NoError(t, err)

	tx3 := s.Begin(ReadCommitted)
	val, ok, err := s.Read(tx3, rec("t", "1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", string(val))
}

func TestDeleteTombstonesRecord(t *testing.T) {
	s := Open(testConfig())
	defer s.Close()

	tx1 := s.Begin(ReadCommitted)
	require.NoError(t, s.Write(tx1, rec("t", "1"), []byte("a")))
	_, err := s.Commit(tx1)
	require.NoError(t, err)

	tx2 := s.Begin(ReadCommitted)
	require.NoError(t, s.Delete(tx2, rec("t", "1")))
	_, err = s.Commit(tx2)
	require.NoError(t, err)

	tx3 := s.Begin(ReadCommitted)
	_, ok, err := s.Read(tx3, rec("t", "1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSerializableWriteSkewAbortsHigherTxnID(t *testing.T) {
	s := Open(testConfig())
	defer s.Close()

	seed := s.Begin(ReadCommitted)
	require.NoError(t, s.Write(seed, rec("t", "x"), []byte("1")))
	require.NoError(t, s.Write(seed, rec("t", "y"), []byte("1")))
	_, err := s.Commit(seed)
	require.NoError(t, err)

	txA := s.Begin(Serializable)
	txB := s.Begin(Serializable)
	require.Greater(t, txB.ID, txA.ID)

	_, _, err = s.Read(txA, rec("t", "x"))
	require.NoError(t, err)
	_, _, err = s.Read(txB, rec("t", "y"))
	require.NoError(t, err)

	require.NoError(t, s.Write(txA, rec("t", "y"), []byte("2")))
	require.NoError(t, s.Write(txB, rec("t", "x"), []byte("2")))

	_, errA := s.Commit(txA)
	require.NoError(t, errA)

	_, errB := s.Commit(txB)
	require.Error(t, errB, "higher txn_id must be the one rejected on write-skew conflict")
}

func TestExportImportStateRoundTrip(t *testing.T) {
	s := Open(testConfig())
	defer s.Close()

	tx := s.Begin(ReadCommitted)
	require.NoError(t, s.Write(tx, rec("t", "1"), []byte("v1")))
	_, err := s.Commit(tx)
	require.NoError(t, err)

	state := s.ExportState()
	require.NotEmpty(t, state)

	s2 := Open(testConfig())
	defer s2.Close()
	s2.ImportState(state)

	tx2 := s2.Begin(ReadCommitted)
	val, ok, err := s2.Read(tx2, rec("t", "1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(val))
}

func TestGetCommittedStateAndSyncFromStorageAgree(t *testing.T) {
	s := Open(testConfig())
	defer s.Close()

	tx := s.Begin(ReadCommitted)
	require.NoError(t, s.Write(tx, rec("orders", "1"), []byte(`{"v":1}`)))
	require.NoError(t, s.Write(tx, rec("orders", "2"), []byte(`{"v":2}`)))
	_, err := s.Commit(tx)
	require.NoError(t, err)

	committed := s.GetCommittedState("orders")
	require.Len(t, committed, 2)

	s2 := Open(testConfig())
	defer s2.Close()
	s2.SyncFromStorage("orders", committed)

	tx2 := s2.Begin(ReadCommitted)
	val, ok, err := s2.Read(tx2, rec("orders", "1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"v":1}`, string(val))
}

func TestTransactionTimeoutForcesAbort(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTransactionDuration = 10 * time.Millisecond
	cfg.ReapInterval = 5 * time.Millisecond
	s := Open(cfg)
	defer s.Close()

	tx := s.Begin(ReadCommitted)
	require.NoError(t, s.Write(tx, rec("t", "1"), []byte("a")))

	time.Sleep(60 * time.Millisecond)

	_, err := s.Commit(tx)
	require.Error(t, err)
}

func TestStoreSurfacesWriteConflictWithoutWaitingOutLockTimeout(t *testing.T) {
	// Two transactions racing to write the same record are rejected
	// immediately by the optimistic write-set check (§4.5 write conflict
	// detection) well before the lock manager's timeout would otherwise
	// make the second waiter block. internal/mvcc's deadlock detector
	// itself is exercised directly against LockManager in locks_test.go,
	// since genuine lock-manager contention in this store only arises
	// from cross-record lock waits, not the same-record case this test
	// covers.
	cfg := testConfig()
	cfg.LockTimeout = 2 * time.Second
	s := Open(cfg)
	defer s.Close()

	txA := s.Begin(ReadCommitted)
	txB := s.Begin(ReadCommitted)

	require.NoError(t, s.Write(txA, rec("t", "x"), []byte("a")))

	start := time.Now()
	err := s.Write(txB, rec("t", "x"), []byte("b"))
	require.Error(t, err)
	require.Less(t, time.Since(start), cfg.LockTimeout, "conflict must be rejected without waiting out the lock timeout")
}
