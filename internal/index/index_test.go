package index

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/internal/segment"
)

func mustEvt(t *testing.T, seq uint64, kind segment.Kind, pk int, payload string) *segment.Event {
	t.Helper()
	pkJSON, err := json.Marshal(pk)
	require.NoError(t, err)
	return &segment.Event{
		Sequence:    seq,
		TimestampMs: seq,
		Kind:        kind,
		PrimaryKey:  pkJSON,
		Payload:     json.RawMessage(payload),
	}
}

func TestRebuildAndLookup(t *testing.T) {
	segDir := filepath.Join(t.TempDir(), "segments")
	segStore, err := segment.Open(segDir, 1<<20)
	require.NoError(t, err)
	defer segStore.Close()

	events := []*segment.Event{
		mustEvt(t, 1, segment.KindInsert, 1, `{"customer":"acme","total":10}`),
		mustEvt(t, 2, segment.KindInsert, 2, `{"customer":"acme","total":20}`),
		mustEvt(t, 3, segment.KindInsert, 3, `{"customer":"globex","total":30}`),
		mustEvt(t, 4, segment.KindSoftDelete, 2, ``),
	}
	for _, e := range events {
		_, _, err := segStore.Append(e, segment.FSync)
		require.NoError(t, err)
	}

	idxDir := t.TempDir()
	idx, err := Open(idxDir, "customer")
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Rebuild(segStore, "customer"))

	acme, err := idx.Lookup("acme")
	require.NoError(t, err)
	sort.Strings(acme)
	require.Equal(t, []string{"1"}, acme)

	globex, err := idx.Lookup("globex")
	require.NoError(t, err)
	require.Equal(t, []string{"3"}, globex)

	missing, err := idx.Lookup("nobody")
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestRebuildIsIdempotentAndDisposable(t *testing.T) {
	segDir := filepath.Join(t.TempDir(), "segments")
	segStore, err := segment.Open(segDir, 1<<20)
	require.NoError(t, err)
	defer segStore.Close()

	_, _, err = segStore.Append(mustEvt(t, 1, segment.KindInsert, 1, `{"customer":"acme"}`), segment.FSync)
	require.NoError(t, err)

	idxDir := t.TempDir()
	idx, err := Open(idxDir, "customer")
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Rebuild(segStore, "customer"))
	require.NoError(t, idx.Rebuild(segStore, "customer"))

	acme, err := idx.Lookup("acme")
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, acme)
}
