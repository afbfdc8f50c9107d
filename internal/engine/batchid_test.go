package engine

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextBatchID(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 5, 987654321, time.UTC)
	taken := map[string]bool{}
	exists := func(_ context.Context, id string) (bool, error) { return taken[id], nil }

	id, err := NextBatchID(context.Background(), now, exists)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12-00-05Z", id, "sub-second precision is dropped")

	taken[id] = true
	taken[id+"-001"] = true
	id, err = NextBatchID(context.Background(), now, exists)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12-00-05Z-002", id)
}

func TestNextBatchID_SuffixesSortInOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	taken := map[string]bool{}
	exists := func(_ context.Context, id string) (bool, error) { return taken[id], nil }
	for i := 0; i < 12; i++ {
		id, err := NextBatchID(context.Background(), now, exists)
		require.NoError(t, err)
		taken[id] = true
		ids = append(ids, id)
	}

	assert.Equal(t, "2026-03-01T12-00-00Z-010", ids[10])
	assert.True(t, sort.StringsAreSorted(ids), "ids: %v", ids)
}

func TestNextBatchID_NonUTCInput(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2026, 3, 1, 14, 0, 0, 0, loc)
	id, err := NextBatchID(context.Background(), now, func(context.Context, string) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12-00-00Z", id)
}

func TestNextBatchID_LookupError(t *testing.T) {
	boom := errors.New("db locked")
	_, err := NextBatchID(context.Background(), time.Now(), func(context.Context, string) (bool, error) { return false, boom })
	require.ErrorIs(t, err, boom)
}

func TestNextBatchID_Exhausted(t *testing.T) {
	_, err := NextBatchID(context.Background(), time.Now(), func(context.Context, string) (bool, error) { return true, nil })
	require.Error(t, err)
}
