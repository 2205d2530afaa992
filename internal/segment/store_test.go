package segment

import (
	"encoding/json"
	"os"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, seq uint64, kind Kind, pk int, payload string) *Event {
	t.Helper()
	pkJSON, err := json.Marshal(pk)
	require.NoError(t, err)
	return &Event{
		Sequence:    seq,
		TimestampMs: 1000 + seq,
		Kind:        kind,
		PrimaryKey:  pkJSON,
		Payload:     json.RawMessage(payload),
	}
}

func TestAppendThenReadBack(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, 1<<20)
	require.NoError(t, err)
	defer store.Close()

	ev := mustEvent(t, 1, KindInsert, 1, `{"name":"a"}`)
	_, _, err = store.Append(ev, FSync)
	require.NoError(t, err)

	var last *Event
	require.NoError(t, store.ScanAll(0, func(e *Event) error {
		last = e
		return nil
	}))
	require.NotNil(t, last)
	require.Equal(t, ev.Sequence, last.Sequence)
	require.Equal(t, ev.Kind, last.Kind)
	require.JSONEq(t, `{"name":"a"}`, string(last.Payload))
}

func TestAppendMonotonicityAcrossRoll(t *testing.T) {
	dir := t.TempDir()
	// Tiny threshold: one gob-encoded frame already exceeds it, so every
	// append after the first rolls to a new segment.
	store, err := Open(dir, 64)
	require.NoError(t, err)
	defer store.Close()

	for i := uint64(1); i <= 20; i++ {
		ev := mustEvent(t, i, KindInsert, int(i), `{"v":1}`)
		_, _, err := store.Append(ev, Async)
		require.NoError(t, err)
	}

	require.Greater(t, len(store.SegmentIDs()), 1, "expected at least one roll")

	var seen []uint64
	require.NoError(t, store.ScanAll(0, func(e *Event) error {
		seen = append(seen, e.Sequence)
		return nil
	}))
	require.Len(t, seen, 20)
	for i, seq := range seen {
		require.Equal(t, uint64(i+1), seq, "sequence must be dense and strictly increasing across segment rolls")
	}
}

func TestCorruptionDetectedAndTruncated(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, 1<<20)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		ev := mustEvent(t, i, KindInsert, int(i), `{"v":1}`)
		_, _, err := store.Append(ev, FSync)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	// Simulate a torn write: truncate the last 3 bytes off the single segment.
	segPath := dir + "/" + segmentFileName(1)
	info, err := os.Stat(segPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(segPath, info.Size()-3))

	store2, err := Open(dir, 1<<20)
	require.NoError(t, err)
	defer store2.Close()

	segID, offset, found, err := store2.VerifyAndFindCorruption()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1), segID)

	require.NoError(t, store2.TruncateAt(segID, offset))

	var lastSeq uint64
	require.NoError(t, store2.ScanAll(0, func(e *Event) error {
		lastSeq = e.Sequence
		return nil
	}))
	require.Equal(t, uint64(4), lastSeq, "last valid frame's sequence must survive truncation")

	// Writing continues from the next sequence without a gap.
	ev := mustEvent(t, 5, KindInsert, 5, `{"v":2}`)
	_, _, err = store2.Append(ev, FSync)
	require.NoError(t, err)
}

// TestFuzzedTailTruncationIsFlaggedOrCleanPrefix exercises the torn-tail
// detection path against a population of randomly truncated files,
// following dreamsxin-wal's use of gofuzz for byte-level corruption
// scenarios.
func TestFuzzedTailTruncationIsFlaggedOrCleanPrefix(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 64)

	for trial := 0; trial < 20; trial++ {
		dir := t.TempDir()
		store, err := Open(dir, 1<<20)
		require.NoError(t, err)

		var payloads []string
		f.Fuzz(&payloads)
		if len(payloads) == 0 {
			payloads = []string{"x"}
		}
		for i, p := range payloads {
			body, err := json.Marshal(p)
			require.NoError(t, err)
			ev := mustEvent(t, uint64(i+1), KindInsert, i+1, string(body))
			_, _, err = store.Append(ev, FSync)
			require.NoError(t, err)
		}
		fullSize := store.current.Size()
		require.NoError(t, store.Close())

		if fullSize <= 1 {
			continue
		}
		segPath := dir + "/" + segmentFileName(1)
		// Chop off a random tail between 1 and fullSize-1 bytes.
		var cutRaw uint32
		f.Fuzz(&cutRaw)
		cut := int64(cutRaw%uint32(fullSize-1)) + 1
		require.NoError(t, os.Truncate(segPath, fullSize-cut))

		store2, err := Open(dir, 1<<20)
		require.NoError(t, err)

		var scanErr error
		seen := 0
		_ = store2.ScanAll(0, func(e *Event) error {
			seen++
			return nil
		})

		_, _, found, err := store2.VerifyAndFindCorruption()
		require.NoError(t, err)
		// A truncated tail either reads back as a clean prefix (if the cut
		// landed exactly on a frame boundary) or is flagged as corrupt —
		// it must never silently fabricate an event past the true content.
		if !found {
			require.LessOrEqual(t, seen, len(payloads))
		}
		require.NoError(t, store2.Close())
		_ = scanErr
	}
}
