package mvcc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftdb/driftdb/internal/driftdberr"
	"github.com/driftdb/driftdb/internal/driftlog"
)

// syntheticTxn is the synthetic "creator" used for rows hydrated directly
// from storage (SyncFromStorage) rather than through a real transaction.
const syntheticTxn TxnID = 0

// Config tunes the version store's timeouts and pruning policy.
type Config struct {
	MaxTransactionDuration time.Duration // §4.5 timeout rule
	MinVersionsToKeep      int           // §4.5 version chain pruning
	LockTimeout            time.Duration
	DeadlockCheckInterval  time.Duration
	ReapInterval           time.Duration
}

func defaultConfig() Config {
	return Config{
		MaxTransactionDuration: 30 * time.Second,
		MinVersionsToKeep:      1,
		LockTimeout:            5 * time.Second,
		DeadlockCheckInterval:  100 * time.Millisecond,
		ReapInterval:           time.Second,
	}
}

// Store is the process-wide MVCC version store: one backward-linked chain
// per RecordID, shared across every table.
type Store struct {
	cfg Config

	mu       sync.RWMutex
	chains   map[RecordID]*version
	active   map[TxnID]*Txn
	commitLog map[TxnID]uint64 // committed txn -> commit timestamp

	nextTxnID atomic.Uint64
	clock     atomic.Uint64

	locks *LockManager

	stop     chan struct{}
	stopOnce sync.Once
}

// Open constructs a Store and starts its background deadlock detector and
// transaction reaper goroutines. Callers must call Close on shutdown.
func Open(cfg Config) *Store {
	if cfg.MaxTransactionDuration == 0 {
		cfg = defaultConfig()
	}
	s := &Store{
		cfg:       cfg,
		chains:    make(map[RecordID]*version),
		active:    make(map[TxnID]*Txn),
		commitLog: make(map[TxnID]uint64),
		locks:     NewLockManager(),
		stop:      make(chan struct{}),
	}
	go s.locks.RunDeadlockDetector(s.stop, cfg.DeadlockCheckInterval, func(victim TxnID) {
		_ = s.Abort(s.lookupActive(victim))
	})
	go s.runReaper()
	return s
}

// Close stops the background goroutines.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) lookupActive(id TxnID) *Txn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[id]
}

func (s *Store) runReaper() {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reapTimedOut()
		}
	}
}

func (s *Store) reapTimedOut() {
	now := time.Now()
	s.mu.RLock()
	var expired []*Txn
	for _, tx := range s.active {
		if now.Sub(tx.WallStart) >= s.cfg.MaxTransactionDuration {
			expired = append(expired, tx)
		}
	}
	s.mu.RUnlock()

	for _, tx := range expired {
		driftlog.For("mvcc").Warn().Uint64("txn", uint64(tx.ID)).Msg("transaction exceeded max duration, forcing abort")
		_ = s.Abort(tx)
	}
}

func (s *Store) checkTimeout(tx *Txn) error {
	if time.Since(tx.WallStart) >= s.cfg.MaxTransactionDuration {
		_ = s.Abort(tx)
		return driftdberr.New(driftdberr.KindTimeout, "transaction exceeded max_transaction_duration_ms")
	}
	return nil
}

// Begin starts a new transaction under the given isolation level, capturing
// a visibility snapshot at the current logical clock.
func (s *Store) Begin(level IsolationLevel) *Txn {
	id := TxnID(s.nextTxnID.Add(1))
	start := s.clock.Add(1)
	tx := newTxn(id, level, start)

	s.mu.Lock()
	s.active[id] = tx
	s.mu.Unlock()
	return tx
}

// Read returns the version of rec visible to tx under its isolation level.
func (s *Store) Read(tx *Txn, rec RecordID) ([]byte, bool, error) {
	if err := s.checkTimeout(tx); err != nil {
		return nil, false, err
	}

	// Reads never take a lock: MVCC's whole point is that readers walk the
	// version chain for a snapshot-consistent value instead of blocking
	// behind a concurrent writer's exclusive lock (§4.5 "writes go through
	// a lock manager" — reads do not).

	// A transaction sees its own uncommitted writes immediately.
	tx.mu.Lock()
	if v, ok := tx.writeSet[rec]; ok {
		tx.mu.Unlock()
		return v, true, nil
	}
	if tx.tombstones[rec] {
		tx.mu.Unlock()
		return nil, false, nil
	}
	tx.mu.Unlock()

	s.mu.RLock()
	chain := s.chains[rec]
	s.mu.RUnlock()

	for v := chain; v != nil; v = v.next {
		if s.isVisible(tx, v) {
			tx.mu.Lock()
			tx.readSet[rec] = v.createdAt
			tx.mu.Unlock()
			if v.tombstone {
				return nil, false, nil
			}
			return v.value, true, nil
		}
	}
	return nil, false, nil
}

// isVisible implements the four isolation levels from §4.5.
func (s *Store) isVisible(tx *Txn, v *version) bool {
	switch tx.Isolation {
	case ReadUncommitted:
		return v.deleter == 0

	case ReadCommitted:
		s.mu.RLock()
		_, committed := s.commitLog[v.creator]
		s.mu.RUnlock()
		if !committed && v.creator != tx.ID {
			return false
		}
		if v.deleter == 0 {
			return true
		}
		s.mu.RLock()
		_, delCommitted := s.commitLog[v.deleter]
		s.mu.RUnlock()
		return !delCommitted

	default: // RepeatableRead (Snapshot) and Serializable share visibility rules
		if v.creator == tx.ID {
			return v.deleter == 0 || v.deleter != tx.ID
		}
		s.mu.RLock()
		creatorTS, committed := s.commitLog[v.creator]
		s.mu.RUnlock()
		if !committed || creatorTS > tx.StartTime {
			return false
		}
		if v.deleter == 0 {
			return true
		}
		if v.deleter == tx.ID {
			return false
		}
		s.mu.RLock()
		deleterTS, delCommitted := s.commitLog[v.deleter]
		s.mu.RUnlock()
		if !delCommitted || deleterTS > tx.StartTime {
			return true
		}
		return false
	}
}

// Write stages value for rec in tx's write set. Per §4.5, a write conflict
// is detected immediately if another active transaction already has rec in
// its write set.
func (s *Store) Write(tx *Txn, rec RecordID, value []byte) error {
	if err := s.checkTimeout(tx); err != nil {
		return err
	}
	// The fast-path optimistic check runs before the (possibly blocking)
	// exclusive lock acquisition: two transactions racing for the same
	// record should fail immediately with a write conflict rather than one
	// of them waiting out the full lock timeout behind the other.
	if err := s.checkWriteConflict(tx, rec); err != nil {
		return err
	}
	if err := s.locks.Acquire(tx.ID, rec, lockExclusive, s.cfg.LockTimeout); err != nil {
		return err
	}
	tx.mu.Lock()
	tx.writeSet[rec] = value
	delete(tx.tombstones, rec)
	tx.mu.Unlock()
	return nil
}

// Delete stages a tombstone for rec in tx's write set.
func (s *Store) Delete(tx *Txn, rec RecordID) error {
	if err := s.checkTimeout(tx); err != nil {
		return err
	}
	if err := s.checkWriteConflict(tx, rec); err != nil {
		return err
	}
	if err := s.locks.Acquire(tx.ID, rec, lockExclusive, s.cfg.LockTimeout); err != nil {
		return err
	}
	tx.mu.Lock()
	tx.tombstones[rec] = true
	delete(tx.writeSet, rec)
	tx.mu.Unlock()
	return nil
}

func (s *Store) checkWriteConflict(tx *Txn, rec RecordID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for otherID, other := range s.active {
		if otherID == tx.ID {
			continue
		}
		other.mu.Lock()
		_, writesRec := other.writeSet[rec]
		_, tombstonesRec := other.tombstones[rec]
		other.mu.Unlock()
		if writesRec || tombstonesRec {
			return driftdberr.New(driftdberr.KindConflict, "write conflict: record already in another active transaction's write set")
		}
	}
	return nil
}

// Commit validates the transaction (Serializable: SSI write-skew check),
// links staged versions into the record chains, assigns a commit
// timestamp, and releases all locks.
func (s *Store) Commit(tx *Txn) (uint64, error) {
	if err := s.checkTimeout(tx); err != nil {
		return 0, err
	}

	if tx.Isolation == Serializable {
		if err := s.checkSSIConflicts(tx); err != nil {
			s.forceAbort(tx)
			return 0, err
		}
	}

	commitTS := s.clock.Add(1)

	s.mu.Lock()
	tx.mu.Lock()
	for rec, value := range tx.writeSet {
		s.chains[rec] = &version{
			creator:   tx.ID,
			createdAt: commitTS,
			value:     value,
			next:      s.chains[rec],
		}
		if prev := s.chains[rec].next; prev != nil {
			prev.deleter = tx.ID
			prev.deletedAt = commitTS
		}
	}
	for rec := range tx.tombstones {
		s.chains[rec] = &version{
			creator:   tx.ID,
			createdAt: commitTS,
			tombstone: true,
			next:      s.chains[rec],
		}
		if prev := s.chains[rec].next; prev != nil {
			prev.deleter = tx.ID
			prev.deletedAt = commitTS
		}
	}
	tx.status = StatusCommitted
	tx.mu.Unlock()
	s.commitLog[tx.ID] = commitTS
	delete(s.active, tx.ID)
	s.mu.Unlock()

	s.locks.ReleaseAll(tx.ID)
	return commitTS, nil
}

// checkSSIConflicts implements §4.5's Serializable Snapshot Isolation rule:
// reject if any concurrent (overlapping) transaction in state
// Preparing/Committed wrote a record the committer read, or read a record
// the committer wrote, tie-broken by always aborting the higher txn_id.
//
// The Committed half of "Preparing/Committed" can't be checked by scanning
// s.active, because Commit deletes the winner from s.active the moment it
// commits — by the time the loser reaches this function the winner's
// read/write sets are already gone. So the winner's own Commit (running
// this function as the lower txn_id) marks its still-active conflicting
// counterpart doomed instead of rejecting itself; the higher txn_id only
// discovers the conflict when its own Commit calls in here and finds
// doomed already set.
func (s *Store) checkSSIConflicts(tx *Txn) error {
	tx.mu.Lock()
	if tx.doomed {
		tx.mu.Unlock()
		return driftdberr.New(driftdberr.KindSerialization, "serializable write-skew detected, aborting higher txn_id")
	}
	myReads := make(map[RecordID]bool, len(tx.readSet))
	for rec := range tx.readSet {
		myReads[rec] = true
	}
	myWrites := make(map[RecordID]bool, len(tx.writeSet)+len(tx.tombstones))
	for rec := range tx.writeSet {
		myWrites[rec] = true
	}
	for rec := range tx.tombstones {
		myWrites[rec] = true
	}
	tx.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	// Every other entry still in s.active is, by definition, concurrent
	// with tx: neither has committed yet, so their lifetimes overlap.
	for otherID, other := range s.active {
		if otherID == tx.ID {
			continue
		}
		other.mu.Lock()
		conflict := false
		for rec := range other.writeSet {
			if myReads[rec] {
				conflict = true
				break
			}
		}
		if !conflict {
			for rec := range other.tombstones {
				if myReads[rec] {
					conflict = true
					break
				}
			}
		}
		if !conflict {
			for rec := range other.readSet {
				if myWrites[rec] {
					conflict = true
					break
				}
			}
		}
		if conflict && tx.ID < otherID {
			// tx (the lower txn_id) is winning; fence the still-active
			// higher txn_id now, since by the time it reaches this
			// function tx will no longer be in s.active for it to see.
			other.doomed = true
		}
		other.mu.Unlock()
		if conflict && tx.ID > otherID {
			return driftdberr.New(driftdberr.KindSerialization, "serializable write-skew detected, aborting higher txn_id")
		}
	}
	return nil
}

// Abort discards tx's write set and releases its locks.
func (s *Store) Abort(tx *Txn) error {
	if tx == nil {
		return nil
	}
	s.forceAbort(tx)
	return nil
}

func (s *Store) forceAbort(tx *Txn) {
	tx.mu.Lock()
	if tx.status != StatusActive {
		tx.mu.Unlock()
		return
	}
	tx.status = StatusAborted
	tx.mu.Unlock()

	s.mu.Lock()
	delete(s.active, tx.ID)
	s.mu.Unlock()

	s.locks.ReleaseAll(tx.ID)
}

// PruneVersionChains unlinks versions older than the oldest active
// transaction's start timestamp, once a chain exceeds MinVersionsToKeep,
// per §4.5's version chain pruning rule.
func (s *Store) PruneVersionChains() (pruned int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	minActive := s.clock.Load()
	for _, tx := range s.active {
		if tx.StartTime < minActive {
			minActive = tx.StartTime
		}
	}

	for _, head := range s.chains {
		chainLen := 0
		for v := head; v != nil; v = v.next {
			chainLen++
		}
		if chainLen <= s.cfg.MinVersionsToKeep {
			continue
		}

		kept := 0
		var prev *version
		for v := head; v != nil; v = v.next {
			kept++
			if kept > s.cfg.MinVersionsToKeep && v.deletedAt != 0 && v.deletedAt < minActive {
				if prev != nil {
					prev.next = nil
				}
				for cut := v; cut != nil; {
					next := cut.next
					pruned++
					cut = next
				}
				break
			}
			prev = v
		}
	}
	return pruned
}

// ExportState returns every record's full version chain, for
// export_state/import_state (§4.5 sync hook 1).
func (s *Store) ExportState() map[RecordID][]VersionData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[RecordID][]VersionData, len(s.chains))
	for rec, head := range s.chains {
		var list []VersionData
		for v := head; v != nil; v = v.next {
			list = append(list, VersionData{
				Creator:   v.creator,
				Deleter:   v.deleter,
				CreatedAt: v.createdAt,
				DeletedAt: v.deletedAt,
				Value:     v.value,
				Tombstone: v.tombstone,
			})
		}
		out[rec] = list
	}
	return out
}

// ImportState rehydrates version chains from a prior ExportState, used at
// engine restart before any new transaction begins.
func (s *Store) ImportState(state map[RecordID][]VersionData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chains = make(map[RecordID]*version, len(state))
	for rec, list := range state {
		var head, tail *version
		for _, vd := range list {
			v := &version{
				creator:   vd.Creator,
				deleter:   vd.Deleter,
				createdAt: vd.CreatedAt,
				deletedAt: vd.DeletedAt,
				value:     vd.Value,
				tombstone: vd.Tombstone,
			}
			if head == nil {
				head = v
			} else {
				tail.next = v
			}
			tail = v
			if vd.CreatedAt > s.clock.Load() {
				s.clock.Store(vd.CreatedAt)
			}
			s.commitLog[vd.Creator] = vd.CreatedAt
		}
		s.chains[rec] = head
	}
}

// GetCommittedState returns the {PK: Value} map for table as currently
// visible under ReadCommitted, for agreement with the Snapshot Store
// (§4.5 sync hook 2, §4.3).
func (s *Store) GetCommittedState(table string) map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[string][]byte{}
	for rec, head := range s.chains {
		if rec.Table != table {
			continue
		}
		for v := head; v != nil; v = v.next {
			if _, committed := s.commitLog[v.creator]; !committed {
				continue
			}
			if v.deleter != 0 {
				if _, delCommitted := s.commitLog[v.deleter]; delCommitted {
					break
				}
			}
			if !v.tombstone {
				out[rec.Key] = v.value
			}
			break
		}
	}
	return out
}

// SyncFromStorage rehydrates table's chains from a storage-layer-provided
// {PK: Value} map (e.g. after loading a segment store snapshot), so MVCC
// and the Snapshot Store start in agreement.
func (s *Store) SyncFromStorage(table string, state map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.clock.Add(1)
	s.commitLog[syntheticTxn] = ts
	for key, value := range state {
		rec := RecordID{Table: table, Key: key}
		s.chains[rec] = &version{
			creator:   syntheticTxn,
			createdAt: ts,
			value:     value,
		}
	}
}
