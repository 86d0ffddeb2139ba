// Package dailytx aggregates per-day transaction statistics for a network.
//
// Each block contributes one row keyed by (transaction_date, network). Rows
// for the same day merge additively, and average_fee is kept as a running
// mean weighted by transaction_count.
package dailytx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/plugin"
	"github.com/emperorhan/block-indexer/internal/store"
)

const (
	Ref         = "solana/daily-transactions"
	TableName   = "solana_daily_transactions"
	UniqueIndex = "solana_daily_transactions_date_network_uindex"

	dateLayout = "2006-01-02"
)

var Table = store.Table{
	Name: TableName,
	Columns: []store.Column{
		{Name: "network", Type: store.ColumnText},
		{Name: "transaction_date", Type: store.ColumnText},
		{Name: "transaction_count", Type: store.ColumnBigInt},
		{Name: "transaction_volume", Type: store.ColumnBigInt},
		{Name: "fee", Type: store.ColumnBigInt},
		{Name: "average_fee", Type: store.ColumnDouble},
	},
	UniqueIndexes: []store.UniqueIndex{
		{Name: UniqueIndex, Columns: []string{"transaction_date", "network"}},
	},
}

// Fragment is the conflict clause for the daily row.
func Fragment() *store.ConflictFragment {
	return store.NewConflictFragment(UniqueIndex).
		With("transaction_count", store.Sum()).
		With("transaction_volume", store.Sum()).
		With("fee", store.Sum()).
		With("average_fee", store.WeightedAverage("transaction_count"))
}

var errNoTimestamp = errors.New("block has no timestamp")

type Indexer struct {
	store   store.Store
	network model.Network
	logger  *slog.Logger
}

// New is the artifact factory.
func New(deps plugin.Deps) (any, error) {
	if deps.Store == nil {
		return nil, errors.New("dailytx: store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:   deps.Store,
		network: deps.Descriptor.Network,
		logger:  logger.With("component", "dailytx"),
	}, nil
}

func (ix *Indexer) Register(r plugin.Registrar) error {
	return r.RegisterBlockHandler(ix)
}

func (ix *Indexer) HandleBlock(ctx context.Context, block model.Block) error {
	if len(block.Transactions) == 0 {
		return nil
	}
	if block.Timestamp.IsZero() {
		return fmt.Errorf("block %d: %w", block.Number, errNoTimestamp)
	}

	row := Row(ix.network, block)
	if err := ix.store.Upsert(ctx, Table, []store.Entity{row}, Fragment()); err != nil {
		return fmt.Errorf("upsert daily transactions for block %d: %w", block.Number, err)
	}
	ix.logger.Debug("daily row merged",
		"block_number", block.Number,
		"transaction_date", row["transaction_date"],
		"transaction_count", row["transaction_count"],
	)
	return nil
}

// Row builds the block's contribution to its day.
func Row(network model.Network, block model.Block) store.Entity {
	var volume, fee uint64
	for _, tx := range block.Transactions {
		volume += tx.Value
		fee += tx.Fee
	}
	count := int64(len(block.Transactions))
	var avg float64
	if count > 0 {
		avg = float64(fee) / float64(count)
	}
	return store.Entity{
		"network":            network.String(),
		"transaction_date":   block.Timestamp.UTC().Format(dateLayout),
		"transaction_count":  count,
		"transaction_volume": int64(volume),
		"fee":                int64(fee),
		"average_fee":        avg,
	}
}
