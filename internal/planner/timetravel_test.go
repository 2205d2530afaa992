package planner

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/internal/segment"
	"github.com/driftdb/driftdb/internal/snapshot"
)

func mustEvent(t *testing.T, seq uint64, ts uint64, kind segment.Kind, pk string, payload string) *segment.Event {
	t.Helper()
	var p json.RawMessage
	if payload != "" {
		p = json.RawMessage(payload)
	}
	return &segment.Event{Sequence: seq, TimestampMs: ts, Kind: kind, PrimaryKey: json.RawMessage(pk), Payload: p}
}

func TestResolveAsOfSequenceReplaysOnTopOfSnapshot(t *testing.T) {
	dir := t.TempDir()
	segStore, err := segment.Open(filepath.Join(dir, "segments"), 1<<20)
	require.NoError(t, err)
	defer segStore.Close()

	events := []*segment.Event{
		mustEvent(t, 1, 100, segment.KindInsert, `"a"`, `{"v":1}`),
		mustEvent(t, 2, 200, segment.KindInsert, `"b"`, `{"v":2}`),
		mustEvent(t, 3, 300, segment.KindPatch, `"a"`, `{"v":10}`),
		mustEvent(t, 4, 400, segment.KindSoftDelete, `"b"`, ""),
	}
	for _, e := range events {
		_, _, err := segStore.Append(e, segment.Async)
		require.NoError(t, err)
	}

	snapStore, err := snapshot.New(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	_, err = snapStore.Create(segStore, 2)
	require.NoError(t, err)

	rows, err := ResolveAsOf(snapStore, segStore, AsOf{Sequence: 3, HasSequence: true})
	require.NoError(t, err)
	require.JSONEq(t, `{"v":10}`, string(rows[`"a"`]))
	require.Contains(t, rows, `"b"`)

	rows, err = ResolveAsOf(snapStore, segStore, AsOf{Sequence: 4, HasSequence: true})
	require.NoError(t, err)
	require.NotContains(t, rows, `"b"`, "soft-deleted row must not be visible as of sequence 4")
}

func TestResolveAsOfTimestampBisectsSegments(t *testing.T) {
	dir := t.TempDir()
	segStore, err := segment.Open(filepath.Join(dir, "segments"), 1<<20)
	require.NoError(t, err)
	defer segStore.Close()

	events := []*segment.Event{
		mustEvent(t, 1, 100, segment.KindInsert, `"a"`, `{"v":1}`),
		mustEvent(t, 2, 200, segment.KindInsert, `"b"`, `{"v":2}`),
		mustEvent(t, 3, 300, segment.KindInsert, `"c"`, `{"v":3}`),
	}
	for _, e := range events {
		_, _, err := segStore.Append(e, segment.Async)
		require.NoError(t, err)
	}

	snapStore, err := snapshot.New(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)

	rows, err := ResolveAsOf(snapStore, segStore, AsOf{TimestampMs: 250, HasTimestamp: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Contains(t, rows, `"a"`)
	require.Contains(t, rows, `"b"`)
	require.NotContains(t, rows, `"c"`)
}
