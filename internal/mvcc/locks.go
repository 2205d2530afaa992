package mvcc

import (
	"sync"
	"time"

	"github.com/driftdb/driftdb/internal/driftdberr"
	"github.com/driftdb/driftdb/internal/driftlog"
)

// lockMode distinguishes shared (read) from exclusive (write) locks.
// Shared locks coalesce; exclusive locks are mutually exclusive with
// every other lock on the same record (§4.5 concurrency control).
type lockMode uint8

const (
	lockShared lockMode = iota
	lockExclusive
)

type lockEntry struct {
	mu      sync.Mutex
	holders map[TxnID]lockMode // shared: many entries; exclusive: exactly one
	waiters []waiter
}

type waiter struct {
	txn    TxnID
	mode   lockMode
	granted chan struct{}
}

// LockManager grants shared/exclusive locks keyed by RecordID and maintains
// the wait-for graph a background goroutine scans for deadlocks.
type LockManager struct {
	mu     sync.Mutex
	locks  map[RecordID]*lockEntry
	waitFor map[TxnID]TxnID // waiter -> the single holder it is blocked behind
}

// NewLockManager returns an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		locks:   make(map[RecordID]*lockEntry),
		waitFor: make(map[TxnID]TxnID),
	}
}

// Acquire blocks until txn holds mode on rec or until timeout elapses. If
// txn is aborted while it waits (e.g. as a deadlock victim), ReleaseAll
// drops its queued request but does not wake it: the call still returns
// only once the timeout elapses.
func (lm *LockManager) Acquire(txn TxnID, rec RecordID, mode lockMode, timeout time.Duration) error {
	lm.mu.Lock()
	entry, ok := lm.locks[rec]
	if !ok {
		entry = &lockEntry{holders: make(map[TxnID]lockMode)}
		lm.locks[rec] = entry
	}
	lm.mu.Unlock()

	entry.mu.Lock()
	if compatible(entry.holders, txn, mode) {
		entry.holders[txn] = upgrade(entry.holders[txn], mode)
		entry.mu.Unlock()
		return nil
	}

	// Record a wait-for edge against one arbitrary current holder, enough
	// for DFS cycle detection to find any cycle reachable through it.
	var blockedOn TxnID
	for holder := range entry.holders {
		if holder != txn {
			blockedOn = holder
			break
		}
	}
	ch := make(chan struct{})
	entry.waiters = append(entry.waiters, waiter{txn: txn, mode: mode, granted: ch})
	entry.mu.Unlock()

	if blockedOn != 0 {
		lm.mu.Lock()
		lm.waitFor[txn] = blockedOn
		lm.mu.Unlock()
	}

	defer func() {
		lm.mu.Lock()
		delete(lm.waitFor, txn)
		lm.mu.Unlock()
	}()

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		lm.cancelWait(rec, txn)
		return driftdberr.New(driftdberr.KindTimeout, "lock acquisition timed out")
	}
}

// cancelWait removes txn's pending waiter entry for rec, used both by
// Acquire's own timeout path and by deadlock-victim abort.
func (lm *LockManager) cancelWait(rec RecordID, txn TxnID) {
	lm.mu.Lock()
	entry := lm.locks[rec]
	lm.mu.Unlock()
	if entry == nil {
		return
	}
	entry.mu.Lock()
	kept := entry.waiters[:0:0]
	for _, w := range entry.waiters {
		if w.txn != txn {
			kept = append(kept, w)
		}
	}
	entry.waiters = kept
	entry.mu.Unlock()
}

// ReleaseAll drops every lock (held or waiting) txn holds across every
// record — called on both commit and abort.
func (lm *LockManager) ReleaseAll(txn TxnID) {
	lm.mu.Lock()
	delete(lm.waitFor, txn)
	recs := make([]RecordID, 0, len(lm.locks))
	for rec := range lm.locks {
		recs = append(recs, rec)
	}
	lm.mu.Unlock()

	for _, rec := range recs {
		lm.release(rec, txn)
	}
}

func (lm *LockManager) release(rec RecordID, txn TxnID) {
	lm.mu.Lock()
	entry := lm.locks[rec]
	lm.mu.Unlock()
	if entry == nil {
		return
	}

	entry.mu.Lock()
	delete(entry.holders, txn)
	kept := entry.waiters[:0:0]
	for _, w := range entry.waiters {
		if w.txn != txn {
			kept = append(kept, w)
		}
	}
	entry.waiters = kept

	// Promote the next compatible waiter(s), FIFO, stopping at the first
	// incompatible request so exclusive waiters are never starved.
	var promoted []waiter
	var remaining []waiter
	for i, w := range entry.waiters {
		if compatible(entry.holders, w.txn, w.mode) {
			entry.holders[w.txn] = upgrade(entry.holders[w.txn], w.mode)
			promoted = append(promoted, w)
		} else {
			remaining = append(remaining, entry.waiters[i:]...)
			break
		}
	}
	entry.waiters = remaining
	entry.mu.Unlock()

	for _, w := range promoted {
		close(w.granted)
	}
}

func compatible(holders map[TxnID]lockMode, txn TxnID, mode lockMode) bool {
	if len(holders) == 0 {
		return true
	}
	if len(holders) == 1 {
		if m, ok := holders[txn]; ok {
			return m == lockExclusive || mode == lockShared
		}
	}
	if mode == lockExclusive {
		return false
	}
	for holder, m := range holders {
		if holder != txn && m == lockExclusive {
			return false
		}
	}
	return true
}

func upgrade(current, requested lockMode) lockMode {
	if current == lockExclusive || requested == lockExclusive {
		return lockExclusive
	}
	return lockShared
}

// RunDeadlockDetector periodically scans the wait-for graph for cycles,
// aborting the youngest transaction (highest TxnID) in any cycle found, per
// §4.5's "tie-break by aborting the higher txn_id" / "youngest-wins" rule.
// abortFn is supplied by the owning Store so the victim's full abort path
// (write-set discard, other locks release) runs, not just this lock.
func (lm *LockManager) RunDeadlockDetector(stop <-chan struct{}, interval time.Duration, abortFn func(TxnID)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if victim, found := lm.detectDeadlock(); found {
				driftlog.For("mvcc").Warn().Uint64("victim_txn", uint64(victim)).Msg("deadlock detected, aborting youngest transaction in cycle")
				abortFn(victim)
			}
		}
	}
}

// detectDeadlock runs DFS cycle detection over the wait-for graph, exactly
// the algorithm Jekaa-go-mvcc-map's deadlock.go uses, generalized from a
// single-edge-per-node map to this package's TxnID space.
func (lm *LockManager) detectDeadlock() (victim TxnID, found bool) {
	lm.mu.Lock()
	graph := make(map[TxnID]TxnID, len(lm.waitFor))
	for k, v := range lm.waitFor {
		graph[k] = v
	}
	lm.mu.Unlock()

	visited := make(map[TxnID]bool)
	inStack := make(map[TxnID]bool)

	var dfs func(id TxnID) []TxnID
	dfs = func(id TxnID) []TxnID {
		if inStack[id] {
			return []TxnID{id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		inStack[id] = true
		if next, ok := graph[id]; ok {
			if cycle := dfs(next); cycle != nil {
				return append(cycle, id)
			}
		}
		inStack[id] = false
		return nil
	}

	for id := range graph {
		if visited[id] {
			continue
		}
		if cycle := dfs(id); cycle != nil {
			// cycle[0] is the txn the walk came back to; anything after its
			// second occurrence is the path that led into the cycle, not a
			// member of it.
			var worst TxnID
			for i, member := range cycle {
				if i > 0 && member == cycle[0] {
					break
				}
				if member > worst {
					worst = member
				}
			}
			return worst, true
		}
	}
	return 0, false
}
