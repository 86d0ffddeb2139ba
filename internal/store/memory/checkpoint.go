package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/store"
)

// CheckpointRepo keeps checkpoints in memory; used by tests and by
// single-process runs with CHECKPOINT_BACKEND=memory.
type CheckpointRepo struct {
	mu    sync.Mutex
	byID  map[string]model.IndexerCheckpoint
	saves int
	now   func() time.Time
}

var (
	_ store.CheckpointRepository = (*CheckpointRepo)(nil)
	_ store.CheckpointResetter   = (*CheckpointRepo)(nil)
)

func NewCheckpointRepo() *CheckpointRepo {
	return &CheckpointRepo{byID: make(map[string]model.IndexerCheckpoint), now: time.Now}
}

func (r *CheckpointRepo) Get(_ context.Context, indexerID string) (*model.IndexerCheckpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.byID[indexerID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (r *CheckpointRepo) Save(_ context.Context, cp model.IndexerCheckpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp.UpdatedAt = r.now()
	r.byID[cp.IndexerID] = cp
	r.saves++
	return nil
}

// Reset overwrites GotBlock of an existing checkpoint.
func (r *CheckpointRepo) Reset(_ context.Context, indexerID string, gotBlock int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.byID[indexerID]
	if !ok {
		return fmt.Errorf("reset %s: %w", indexerID, store.ErrCheckpointNotFound)
	}
	cp.Reset(gotBlock)
	cp.UpdatedAt = r.now()
	r.byID[indexerID] = cp
	return nil
}

// Saves reports how many times Save was called.
func (r *CheckpointRepo) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}
