package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAsOfSequence(t *testing.T) {
	asOf, err := ParseAsOf("@seq:42")
	require.NoError(t, err)
	require.True(t, asOf.HasSequence)
	require.EqualValues(t, 42, asOf.Sequence)
	require.False(t, asOf.HasTimestamp)
}

func TestParseAsOfTimestamp(t *testing.T) {
	asOf, err := ParseAsOf("TIMESTAMP '2024-01-01T00:00:00Z'")
	require.NoError(t, err)
	require.True(t, asOf.HasTimestamp)
	require.False(t, asOf.HasSequence)
	require.EqualValues(t, 1704067200000, asOf.TimestampMs)
}

func TestParseAsOfRejectsGarbage(t *testing.T) {
	_, err := ParseAsOf("WHATEVER")
	require.Error(t, err)
}

func TestParseAsOfSequenceRequiresColon(t *testing.T) {
	_, err := ParseAsOf("@seq 42")
	require.Error(t, err)
}
