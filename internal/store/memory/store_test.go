package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
	"github.com/emperorhan/block-indexer/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var statsTable = store.Table{
	Name: "daily_stats",
	Columns: []store.Column{
		{Name: "day", Type: store.ColumnText},
		{Name: "count", Type: store.ColumnBigInt},
		{Name: "total", Type: store.ColumnBigInt},
		{Name: "average", Type: store.ColumnDouble},
		{Name: "label", Type: store.ColumnText},
	},
	UniqueIndexes: []store.UniqueIndex{{Name: "daily_stats_day_uindex", Columns: []string{"day"}}},
}

func additiveFragment() *store.ConflictFragment {
	return store.NewConflictFragment("daily_stats_day_uindex").
		With("count", store.Sum()).
		With("total", store.Sum()).
		With("average", store.WeightedAverage("count"))
}

func entityA() store.Entity {
	return store.Entity{"day": "2024-01-01", "count": int64(2), "total": int64(30), "average": 15.0}
}

func entityB() store.Entity {
	return store.Entity{"day": "2024-01-01", "count": int64(3), "total": int64(60), "average": 20.0}
}

func rowFor(t *testing.T, s *Store, day string) store.Entity {
	t.Helper()
	row, ok := s.Find("daily_stats", "daily_stats_day_uindex", store.Entity{"day": day})
	require.True(t, ok, "row for %s", day)
	return row
}

func TestUpsert_AdditiveMergeIsCommutative(t *testing.T) {
	ctx := context.Background()

	orders := map[string][]store.Entity{
		"A then B": {entityA(), entityB()},
		"B then A": {entityB(), entityA()},
	}
	for name, order := range orders {
		order := order
		t.Run(name, func(t *testing.T) {
			s := New(nil)
			for _, e := range order {
				require.NoError(t, s.Upsert(ctx, statsTable, []store.Entity{e}, additiveFragment()))
			}

			row := rowFor(t, s, "2024-01-01")
			assert.Equal(t, int64(5), row["count"])
			assert.Equal(t, int64(90), row["total"])
			assert.InDelta(t, 18.0, row["average"].(float64), 1e-9)
			assert.InDelta(t, float64(90)/float64(5), row["average"].(float64), 1e-9)
			assert.Len(t, s.Rows("daily_stats"), 1)
		})
	}
}

func TestUpsert_OverlapDoublesAdditiveAggregate(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	require.NoError(t, s.Upsert(ctx, statsTable, []store.Entity{entityA()}, additiveFragment()))
	// Replaying the same entity, as an overlapping backfill would.
	require.NoError(t, s.Upsert(ctx, statsTable, []store.Entity{entityA()}, additiveFragment()))

	row := rowFor(t, s, "2024-01-01")
	assert.Equal(t, int64(4), row["count"])
	assert.Equal(t, int64(60), row["total"])
	// The weighted average of two equal samples is unchanged.
	assert.InDelta(t, 15.0, row["average"].(float64), 1e-9)
}

func TestUpsert_WithoutFragmentReportsUniqueViolation(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	require.NoError(t, s.Upsert(ctx, statsTable, []store.Entity{entityA()}, nil))
	err := s.Upsert(ctx, statsTable, []store.Entity{entityB()}, nil)
	require.Error(t, err)

	var storageErr *retry.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "daily_stats", storageErr.Table)
	assert.ErrorIs(t, err, store.ErrUniqueViolation)

	row := rowFor(t, s, "2024-01-01")
	assert.Equal(t, int64(2), row["count"])
}

func TestUpsert_EmptyFragmentOverwritesNonKeyColumns(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	frag := store.NewConflictFragment("daily_stats_day_uindex")

	require.NoError(t, s.Upsert(ctx, statsTable, []store.Entity{{"day": "d", "count": int64(1), "label": "first"}}, frag))
	require.NoError(t, s.Upsert(ctx, statsTable, []store.Entity{{"day": "d", "count": int64(7), "label": "second"}}, frag))

	row := rowFor(t, s, "d")
	assert.Equal(t, int64(7), row["count"])
	assert.Equal(t, "second", row["label"])
	assert.Nil(t, row["total"])
}

func TestUpsert_MinMaxAndKeep(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	frag := store.NewConflictFragment("daily_stats_day_uindex").
		With("count", store.Min()).
		With("total", store.Max()).
		With("label", store.Keep())

	require.NoError(t, s.Upsert(ctx, statsTable, []store.Entity{{"day": "d", "count": int64(5), "total": int64(5), "label": "keep-me"}}, frag))
	require.NoError(t, s.Upsert(ctx, statsTable, []store.Entity{{"day": "d", "count": int64(3), "total": int64(9), "label": "ignored"}}, frag))

	row := rowFor(t, s, "d")
	assert.Equal(t, int64(3), row["count"])
	assert.Equal(t, int64(9), row["total"])
	assert.Equal(t, "keep-me", row["label"])
}

func TestUpsert_SameKeyTwiceInOneCall(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Upsert(context.Background(), statsTable, []store.Entity{entityA(), entityB()}, additiveFragment()))

	row := rowFor(t, s, "2024-01-01")
	assert.Equal(t, int64(5), row["count"])
}

func TestUpsert_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	err := s.Upsert(ctx, statsTable, []store.Entity{{"day": "d", "bogus": 1}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown column bogus")

	err = s.Upsert(ctx, statsTable, []store.Entity{entityA()}, store.NewConflictFragment("missing_index"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no unique index missing_index")

	keyFrag := store.NewConflictFragment("daily_stats_day_uindex").With("day", store.Sum())
	err = s.Upsert(ctx, statsTable, []store.Entity{entityA()}, keyFrag)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sets key column")
}

func TestFlush_AppliesBufferedWritesPerBlock(t *testing.T) {
	s := New(nil)
	ref := store.BlockRef{Scope: "live", Hash: "h1", Number: 1}
	blockCtx := store.WithBlock(context.Background(), ref)

	require.NoError(t, s.Upsert(blockCtx, statsTable, []store.Entity{entityA()}, additiveFragment()))
	require.NoError(t, s.Upsert(blockCtx, statsTable, []store.Entity{entityB()}, additiveFragment()))
	assert.Empty(t, s.Rows("daily_stats"))
	assert.Equal(t, 1, s.PendingBlocks())

	require.NoError(t, s.Flush(context.Background(), ref))
	assert.Equal(t, 0, s.PendingBlocks())
	assert.Equal(t, int64(5), rowFor(t, s, "2024-01-01")["count"])

	// Flushing again is a no-op.
	require.NoError(t, s.Flush(context.Background(), ref))
	assert.Equal(t, int64(5), rowFor(t, s, "2024-01-01")["count"])
}

func TestFlush_IsAllOrNothing(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Upsert(context.Background(), statsTable, []store.Entity{{"day": "taken"}}, nil))

	ref := store.BlockRef{Scope: "live", Hash: "h2", Number: 2}
	blockCtx := store.WithBlock(context.Background(), ref)
	require.NoError(t, s.Upsert(blockCtx, statsTable, []store.Entity{entityA()}, additiveFragment()))
	require.NoError(t, s.Upsert(blockCtx, statsTable, []store.Entity{{"day": "taken"}}, nil))

	err := s.Flush(context.Background(), ref)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUniqueViolation))

	_, found := s.Find("daily_stats", "daily_stats_day_uindex", store.Entity{"day": "2024-01-01"})
	assert.False(t, found, "first write of the failed block must not be visible")
}

func TestDiscard_DropsBufferedWrites(t *testing.T) {
	s := New(nil)
	ref := store.BlockRef{Scope: "backfill", Hash: "h3", Number: 3}
	require.NoError(t, s.Upsert(store.WithBlock(context.Background(), ref), statsTable, []store.Entity{entityA()}, additiveFragment()))

	s.Discard(ref)
	require.NoError(t, s.Flush(context.Background(), ref))
	assert.Empty(t, s.Rows("daily_stats"))
}

func TestFlush_ScopesDoNotMix(t *testing.T) {
	s := New(nil)
	live := store.BlockRef{Scope: "live", Hash: "h", Number: 9}
	backfill := store.BlockRef{Scope: "backfill", Hash: "h", Number: 9}

	require.NoError(t, s.Upsert(store.WithBlock(context.Background(), live), statsTable, []store.Entity{entityA()}, additiveFragment()))
	require.NoError(t, s.Upsert(store.WithBlock(context.Background(), backfill), statsTable, []store.Entity{entityB()}, additiveFragment()))

	s.Discard(backfill)
	require.NoError(t, s.Flush(context.Background(), live))
	assert.Equal(t, int64(2), rowFor(t, s, "2024-01-01")["count"])
}
