// Package programs keeps the latest sighting of every program invoked on a
// network.
package programs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/plugin"
	"github.com/emperorhan/block-indexer/internal/store"
)

const (
	Ref         = "solana/programs"
	TableName   = "solana_programs"
	UniqueIndex = "solana_programs_program_network_uindex"
)

var Table = store.Table{
	Name: TableName,
	Columns: []store.Column{
		{Name: "program_id", Type: store.ColumnText},
		{Name: "network", Type: store.ColumnText},
		{Name: "last_seen_block", Type: store.ColumnBigInt},
		{Name: "last_seen_at", Type: store.ColumnTimestamp},
		{Name: "invocations", Type: store.ColumnBigInt},
	},
	UniqueIndexes: []store.UniqueIndex{
		{Name: UniqueIndex, Columns: []string{"program_id", "network"}},
	},
}

// Fragment has no expressions: a conflicting row takes every incoming
// non-key value, so invocations reflects the most recent block only.
func Fragment() *store.ConflictFragment {
	return store.NewConflictFragment(UniqueIndex)
}

type Indexer struct {
	store   store.Store
	network model.Network
	logger  *slog.Logger
}

func New(deps plugin.Deps) (any, error) {
	if deps.Store == nil {
		return nil, errors.New("programs: store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:   deps.Store,
		network: deps.Descriptor.Network,
		logger:  logger.With("component", "programs"),
	}, nil
}

func (ix *Indexer) Register(r plugin.Registrar) error {
	return r.RegisterBlockHandler(ix)
}

func (ix *Indexer) HandleBlock(ctx context.Context, block model.Block) error {
	rows := Rows(ix.network, block)
	if len(rows) == 0 {
		return nil
	}
	if err := ix.store.Upsert(ctx, Table, rows, Fragment()); err != nil {
		return fmt.Errorf("upsert programs for block %d: %w", block.Number, err)
	}
	ix.logger.Debug("programs updated", "block_number", block.Number, "programs", len(rows))
	return nil
}

// Rows returns one row per distinct program invoked in block, ordered by
// program id.
func Rows(network model.Network, block model.Block) []store.Entity {
	counts := make(map[string]int64)
	for _, tx := range block.Transactions {
		for _, id := range tx.ProgramIDs {
			counts[id]++
		}
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var seenAt any
	if !block.Timestamp.IsZero() {
		seenAt = block.Timestamp.UTC()
	}
	rows := make([]store.Entity, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, store.Entity{
			"program_id":      id,
			"network":         network.String(),
			"last_seen_block": int64(block.Number),
			"last_seen_at":    seenAt,
			"invocations":     counts[id],
		})
	}
	return rows
}
