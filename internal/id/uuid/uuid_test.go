package uuid

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNextRunIsOrderedV7(t *testing.T) {
	t.Parallel()

	runs := New()
	first, err := runs.NextRun()
	require.NoError(t, err)
	second, err := runs.NextRun()
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.Equal(t, uuid.Version(7), first.Version())
	require.Less(t, first.String(), second.String())
}

func TestNextRunWrapsSourceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("entropy exhausted")
	runs := &Runs{source: func() (uuid.UUID, error) { return uuid.Nil, boom }}
	_, err := runs.NextRun()
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "mint run id")
}

func TestStartedAt(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	id, err := New().NextRun()
	require.NoError(t, err)

	started, ok := StartedAt(id)
	require.True(t, ok)
	require.WithinRange(t, started, before, time.Now().Add(time.Second))

	_, ok = StartedAt(uuid.New())
	require.False(t, ok)
}
