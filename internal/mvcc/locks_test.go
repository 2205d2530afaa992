package mvcc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockManagerSharedLocksCoalesce(t *testing.T) {
	lm := NewLockManager()
	r := rec("t", "1")

	require.NoError(t, lm.Acquire(1, r, lockShared, time.Second))
	require.NoError(t, lm.Acquire(2, r, lockShared, time.Second))
}

func TestLockManagerExclusiveBlocksUntilRelease(t *testing.T) {
	lm := NewLockManager()
	r := rec("t", "1")

	require.NoError(t, lm.Acquire(1, r, lockExclusive, time.Second))

	done := make(chan error, 1)
	go func() { done <- lm.Acquire(2, r, lockExclusive, time.Second) }()

	select {
	case <-done:
		t.Fatal("second exclusive acquire must block while the first is held")
	case <-time.After(50 * time.Millisecond):
	}

	lm.release(r, 1)
	require.NoError(t, <-done)
}

func TestLockManagerTimesOutWhenNeverGranted(t *testing.T) {
	lm := NewLockManager()
	r := rec("t", "1")

	require.NoError(t, lm.Acquire(1, r, lockExclusive, time.Second))
	err := lm.Acquire(2, r, lockExclusive, 30*time.Millisecond)
	require.Error(t, err)
}

func TestDetectDeadlockFindsCycleAndPicksYoungest(t *testing.T) {
	lm := NewLockManager()

	lm.mu.Lock()
	lm.waitFor[10] = 20
	lm.waitFor[20] = 30
	lm.waitFor[30] = 10
	lm.mu.Unlock()

	victim, found := lm.detectDeadlock()
	require.True(t, found)
	require.Equal(t, TxnID(30), victim, "youngest (highest txn_id) in the cycle must be the victim")
}

func TestDetectDeadlockNoneWhenAcyclic(t *testing.T) {
	lm := NewLockManager()

	lm.mu.Lock()
	lm.waitFor[1] = 2
	lm.waitFor[2] = 3
	lm.mu.Unlock()

	_, found := lm.detectDeadlock()
	require.False(t, found)
}

func TestRunDeadlockDetectorAbortsVictimEndToEnd(t *testing.T) {
	lm := NewLockManager()
	r1 := rec("t", "1")
	r2 := rec("t", "2")

	require.NoError(t, lm.Acquire(1, r1, lockExclusive, 300*time.Millisecond))
	require.NoError(t, lm.Acquire(2, r2, lockExclusive, 300*time.Millisecond))

	done := make(chan error, 2)
	go func() { done <- lm.Acquire(1, r2, lockExclusive, 300*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	go func() { done <- lm.Acquire(2, r1, lockExclusive, 300*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond) // let both wait-for edges register

	var aborted []TxnID
	stop := make(chan struct{})
	go lm.RunDeadlockDetector(stop, 10*time.Millisecond, func(victim TxnID) {
		aborted = append(aborted, victim)
		lm.cancelWait(r1, victim)
		lm.cancelWait(r2, victim)
		lm.ReleaseAll(victim)
	})
	defer close(stop)

	var results []error
	results = append(results, <-done)
	results = append(results, <-done)

	require.Len(t, aborted, 1)
	require.Equal(t, TxnID(2), aborted[0], "txn 2 is the higher id in the 1<->2 wait cycle")
}
