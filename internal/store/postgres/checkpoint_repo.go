package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/store"
)

type CheckpointRepo struct {
	db *DB
}

var _ store.CheckpointRepository = (*CheckpointRepo)(nil)

func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

func (r *CheckpointRepo) Get(ctx context.Context, indexerID string) (*model.IndexerCheckpoint, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var cp model.IndexerCheckpoint
	err := r.db.QueryRowContext(ctx, `
		SELECT id, namespace, network, got_block, updated_at
		FROM indexers
		WHERE id = $1
	`, indexerID).Scan(&cp.IndexerID, &cp.Namespace, &cp.Network, &cp.GotBlock, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

// Save writes the checkpoint. got_block only moves forward here; operator
// resets go through Reset.
func (r *CheckpointRepo) Save(ctx context.Context, cp model.IndexerCheckpoint) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO indexers (id, namespace, network, got_block)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			network = EXCLUDED.network,
			got_block = GREATEST(indexers.got_block, EXCLUDED.got_block),
			updated_at = now()
	`, cp.IndexerID, cp.Namespace, cp.Network, cp.GotBlock)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Reset rewinds an indexer, the only path that may lower got_block.
func (r *CheckpointRepo) Reset(ctx context.Context, indexerID string, gotBlock int64) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE indexers SET got_block = $2, updated_at = now() WHERE id = $1
	`, indexerID, gotBlock)
	if err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset checkpoint rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("reset checkpoint %s: %w", indexerID, store.ErrCheckpointNotFound)
	}
	return nil
}
