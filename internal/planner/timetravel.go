package planner

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/driftdb/driftdb/internal/driftdberr"
	"github.com/driftdb/driftdb/internal/segment"
	"github.com/driftdb/driftdb/internal/snapshot"
)

// AsOf selects the time-travel target of a query: either a sequence
// number or a wall-clock timestamp (§4.6 "time-travel read path"). Zero
// value means "read current state" — no time travel.
type AsOf struct {
	Sequence    uint64
	HasSequence bool
	TimestampMs uint64
	HasTimestamp bool
}

// ResolveAsOf loads the {PrimaryKey: Value} row map for table visible at
// asOf: for AS OF @seq:S, load the newest snapshot <= S and replay
// snap.seq+1..S on top; for AS OF TIMESTAMP T, first bisect the table's
// segments on timestamp_ms to resolve the equivalent sequence, then run
// the same snapshot+replay path.
func ResolveAsOf(snapStore *snapshot.Store, segStore *segment.Store, asOf AsOf) (map[string]json.RawMessage, error) {
	target := asOf.Sequence
	if asOf.HasTimestamp {
		seq, err := bisectTimestamp(segStore, asOf.TimestampMs)
		if err != nil {
			return nil, err
		}
		target = seq
	} else if !asOf.HasSequence {
		return nil, driftdberr.New(driftdberr.KindInternal, "planner: ResolveAsOf called with neither sequence nor timestamp set")
	}

	snap, from, to, err := snapStore.LoadForTarget(target)
	if err != nil {
		return nil, err
	}
	rows := map[string]json.RawMessage{}
	for k, v := range snap.Rows {
		rows[k] = v
	}
	if from > to {
		return rows, nil
	}
	err = segStore.ScanAll(from, func(e *segment.Event) error {
		if e.Sequence > to {
			return errStopReplay
		}
		pk := e.PrimaryKeyString()
		switch e.Kind {
		case segment.KindInsert:
			rows[pk] = e.Payload
		case segment.KindPatch:
			merged, err := mergeRowPatch(rows[pk], e.Payload)
			if err != nil {
				return err
			}
			rows[pk] = merged
		case segment.KindSoftDelete:
			delete(rows, pk)
		}
		return nil
	})
	if err != nil && err != errStopReplay {
		return nil, err
	}
	return rows, nil
}

// errStopReplay short-circuits ScanAll once the AS OF target sequence is
// passed, mirroring internal/snapshot's own errStopScan idiom (duplicated
// rather than imported so the two replay loops stay independent of each
// other's internals).
var errStopReplay = driftdberr.New(driftdberr.KindInternal, "planner: internal replay stop")

func mergeRowPatch(existing, patch json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &base); err != nil {
			return nil, driftdberr.Wrap(driftdberr.KindCorruption, "unmarshal base row for AS OF patch replay", err)
		}
	}
	var diff map[string]json.RawMessage
	if err := json.Unmarshal(patch, &diff); err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindCorruption, "unmarshal patch payload during AS OF replay", err)
	}
	for k, v := range diff {
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindInternal, "marshal AS OF patched row", err)
	}
	return out, nil
}

// bisectTimestamp resolves AS OF TIMESTAMP T to the highest event
// sequence whose timestamp_ms <= T, breaking ties by sequence (§4.6).
// Segment files are read in order and binary-searched individually since
// each is itself timestamp-ordered (events are appended in wall-clock
// order within a table).
func bisectTimestamp(segStore *segment.Store, targetMs uint64) (uint64, error) {
	var best uint64
	found := false
	for _, id := range segStore.SegmentIDs() {
		r, err := segStore.OpenSegmentReader(id)
		if err != nil {
			return 0, err
		}
		var events []*segment.Event
		for {
			ev, rerr := r.Next()
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				r.Close()
				return 0, rerr
			}
			events = append(events, ev)
		}
		r.Close()

		idx := sort.Search(len(events), func(i int) bool {
			return events[i].TimestampMs > targetMs
		})
		if idx > 0 {
			best = events[idx-1].Sequence
			found = true
		}
	}
	if !found {
		return 0, driftdberr.New(driftdberr.KindNotFound, "no event at or before the requested AS OF TIMESTAMP")
	}
	return best, nil
}
