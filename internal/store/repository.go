package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/emperorhan/block-indexer/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Store is the storage handle injected into indexing logic.
//
// Upsert calls made under a block scope (see WithBlock) are buffered and
// applied together by Flush; Discard drops them. Calls without a block
// scope apply immediately.
type Store interface {
	Upsert(ctx context.Context, table Table, entities []Entity, frag *ConflictFragment) error
	Flush(ctx context.Context, ref BlockRef) error
	Discard(ref BlockRef)
}

// CheckpointRepository persists indexer checkpoints.
type CheckpointRepository interface {
	// Get returns nil, nil when the indexer has no stored checkpoint.
	Get(ctx context.Context, indexerID string) (*model.IndexerCheckpoint, error)
	Save(ctx context.Context, cp model.IndexerCheckpoint) error
}

// CheckpointResetter rewinds or fast-forwards a stored checkpoint. Unlike
// Save it may move GotBlock backwards; callers must make sure the indexer
// is not running.
type CheckpointResetter interface {
	Reset(ctx context.Context, indexerID string, gotBlock int64) error
}

// ErrCheckpointNotFound is returned by Reset for an indexer with no stored
// checkpoint.
var ErrCheckpointNotFound = errors.New("checkpoint not found")
