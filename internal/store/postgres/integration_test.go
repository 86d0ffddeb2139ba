//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
	"github.com/emperorhan/block-indexer/internal/store"
	"github.com/emperorhan/block-indexer/internal/store/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dailyTxTable = store.Table{
	Name: "solana_daily_transactions",
	Columns: []store.Column{
		{Name: "network", Type: store.ColumnText},
		{Name: "transaction_date", Type: store.ColumnText},
		{Name: "transaction_count", Type: store.ColumnBigInt},
		{Name: "transaction_volume", Type: store.ColumnBigInt},
		{Name: "fee", Type: store.ColumnBigInt},
		{Name: "average_fee", Type: store.ColumnDouble},
	},
	UniqueIndexes: []store.UniqueIndex{{
		Name:    "solana_daily_transactions_date_network_uindex",
		Columns: []string{"transaction_date", "network"},
	}},
}

func dailyFragment() *store.ConflictFragment {
	return store.NewConflictFragment("solana_daily_transactions_date_network_uindex").
		With("transaction_count", store.Sum()).
		With("transaction_volume", store.Sum()).
		With("fee", store.Sum()).
		With("average_fee", store.WeightedAverage("transaction_count"))
}

func dailyRow(network, day string, count, volume int64, avg float64) store.Entity {
	return store.Entity{
		"network":            network,
		"transaction_date":   day,
		"transaction_count":  count,
		"transaction_volume": volume,
		"fee":                int64(avg * float64(count)),
		"average_fee":        avg,
	}
}

func readDaily(t *testing.T, db *postgres.DB, network, day string) (count, volume int64, avg float64) {
	t.Helper()
	err := db.QueryRowContext(context.Background(), `
		SELECT transaction_count, transaction_volume, average_fee
		FROM solana_daily_transactions WHERE network = $1 AND transaction_date = $2
	`, network, day).Scan(&count, &volume, &avg)
	require.NoError(t, err)
	return count, volume, avg
}

func TestUpsertStore_AdditiveMerge(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := postgres.NewUpsertStore(db, "idx-additive", nil)

	require.NoError(t, s.Upsert(ctx, dailyTxTable, []store.Entity{dailyRow("mainnet", "2024-01-01", 2, 30, 15)}, dailyFragment()))
	require.NoError(t, s.Upsert(ctx, dailyTxTable, []store.Entity{dailyRow("mainnet", "2024-01-01", 3, 60, 20)}, dailyFragment()))

	count, volume, avg := readDaily(t, db, "mainnet", "2024-01-01")
	assert.Equal(t, int64(5), count)
	assert.Equal(t, int64(90), volume)
	assert.InDelta(t, 18.0, avg, 1e-9)
}

func TestUpsertStore_SameKeyTwiceInOneCall(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := postgres.NewUpsertStore(db, "idx-same-key", nil)

	err := s.Upsert(ctx, dailyTxTable, []store.Entity{
		dailyRow("devnet", "2024-02-01", 1, 10, 5),
		dailyRow("devnet", "2024-02-01", 1, 10, 5),
	}, dailyFragment())
	require.NoError(t, err)

	count, volume, _ := readDaily(t, db, "devnet", "2024-02-01")
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(20), volume)
}

func TestUpsertStore_UniqueViolationWithoutFragment(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := postgres.NewUpsertStore(db, "idx-violation", nil)

	row := dailyRow("testnet", "2024-03-01", 1, 1, 1)
	require.NoError(t, s.Upsert(ctx, dailyTxTable, []store.Entity{row}, nil))

	err := s.Upsert(ctx, dailyTxTable, []store.Entity{row}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUniqueViolation))
	var storageErr *retry.StorageError
	assert.True(t, errors.As(err, &storageErr))
}

func TestUpsertStore_FlushIsAtomicPerBlock(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := postgres.NewUpsertStore(db, "idx-flush", nil)

	ref := store.BlockRef{Scope: uuid.NewString(), Hash: "hash-100", Number: 100}
	blockCtx := store.WithBlock(ctx, ref)
	require.NoError(t, s.Upsert(blockCtx, dailyTxTable, []store.Entity{dailyRow("mainnet", "2024-04-01", 4, 40, 10)}, dailyFragment()))

	var n int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM solana_daily_transactions WHERE transaction_date = '2024-04-01'`).Scan(&n))
	assert.Equal(t, 0, n, "buffered writes are invisible before flush")

	require.NoError(t, s.Flush(ctx, ref))

	count, _, _ := readDaily(t, db, "mainnet", "2024-04-01")
	assert.Equal(t, int64(4), count)

	var hash string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT block_hash FROM indexed_blocks WHERE indexer_id = $1 AND block_number = $2`,
		"idx-flush", 100).Scan(&hash))
	assert.Equal(t, "hash-100", hash)
}

func TestUpsertStore_DiscardDropsBufferedWrites(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := postgres.NewUpsertStore(db, "idx-discard", nil)

	ref := store.BlockRef{Scope: uuid.NewString(), Hash: "hash-7", Number: 7}
	require.NoError(t, s.Upsert(store.WithBlock(ctx, ref), dailyTxTable,
		[]store.Entity{dailyRow("mainnet", "2024-05-01", 1, 1, 1)}, dailyFragment()))
	s.Discard(ref)
	require.NoError(t, s.Flush(ctx, ref))

	var n int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM solana_daily_transactions WHERE transaction_date = '2024-05-01'`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestCheckpointRepo_SaveGetReset(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := postgres.NewCheckpointRepo(db)

	got, err := repo.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	cp := model.IndexerCheckpoint{IndexerID: "idx-cp", Namespace: "solana", Network: "mainnet", GotBlock: 120}
	require.NoError(t, repo.Save(ctx, cp))

	cp.GotBlock = 90
	require.NoError(t, repo.Save(ctx, cp))

	got, err = repo.Get(ctx, "idx-cp")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(120), got.GotBlock, "save never moves the checkpoint backwards")

	require.NoError(t, repo.Reset(ctx, "idx-cp", 50))
	got, err = repo.Get(ctx, "idx-cp")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.GotBlock)

	assert.ErrorIs(t, repo.Reset(ctx, "nope", 1), store.ErrCheckpointNotFound)
}
