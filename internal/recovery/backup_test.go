package recovery

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/internal/driftdberr"
)

func TestResolveStartingSequenceFromParent(t *testing.T) {
	parent := &BackupMeta{BackupID: "b1", EndingSequence: 42}
	got := ResolveStartingSequence(BackupIncremental, parent)
	require.EqualValues(t, 42, got)
}

func TestResolveStartingSequenceDefaultsToZeroForFull(t *testing.T) {
	parent := &BackupMeta{BackupID: "b1", EndingSequence: 42}
	got := ResolveStartingSequence(BackupFull, parent)
	require.EqualValues(t, 0, got)
}

func TestResolveStartingSequenceDefaultsToZeroWhenParentMissing(t *testing.T) {
	got := ResolveStartingSequence(BackupIncremental, nil)
	require.EqualValues(t, 0, got)
}

func TestWriteAndReadBackupMetaRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backups", "b2", "meta.json")
	meta := &BackupMeta{
		BackupID:         "b2",
		ParentBackupID:   "b1",
		Type:             BackupIncremental,
		Tables:           []string{"orders", "customers"},
		StartingSequence: 42,
		EndingSequence:   100,
		Compression:      "zstd",
		Checksum:         "deadbeef",
		CreatedAt:        time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, WriteBackupMeta(path, meta))

	got, err := ReadBackupMeta(path)
	require.NoError(t, err)
	require.Equal(t, meta.BackupID, got.BackupID)
	require.Equal(t, meta.ParentBackupID, got.ParentBackupID)
	require.Equal(t, meta.Tables, got.Tables)
	require.EqualValues(t, meta.StartingSequence, got.StartingSequence)
	require.EqualValues(t, meta.EndingSequence, got.EndingSequence)
	require.True(t, meta.CreatedAt.Equal(got.CreatedAt))
}

func TestReadBackupMetaMissingIsNotFound(t *testing.T) {
	_, err := ReadBackupMeta(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	require.True(t, driftdberr.Is(err, driftdberr.KindNotFound))
}
