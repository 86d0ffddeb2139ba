package store

import (
	"context"
	"sync"
)

// BlockRef identifies the block whose writes are buffered. Scope keeps two
// concurrent dispatches of the same block apart.
type BlockRef struct {
	Scope  string
	Hash   string
	Number uint64
}

type blockRefKey struct{}

// WithBlock scopes subsequent Upsert calls on ctx to ref.
func WithBlock(ctx context.Context, ref BlockRef) context.Context {
	return context.WithValue(ctx, blockRefKey{}, ref)
}

func BlockFromContext(ctx context.Context) (BlockRef, bool) {
	ref, ok := ctx.Value(blockRefKey{}).(BlockRef)
	return ref, ok
}

// PendingWrite is one buffered Upsert call.
type PendingWrite struct {
	Table    Table
	Entities []Entity
	Fragment *ConflictFragment
}

// Buffer holds pending writes per block until they are flushed or dropped.
type Buffer struct {
	mu      sync.Mutex
	pending map[BlockRef][]PendingWrite
}

func NewBuffer() *Buffer {
	return &Buffer{pending: make(map[BlockRef][]PendingWrite)}
}

func (b *Buffer) Add(ref BlockRef, w PendingWrite) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[ref] = append(b.pending[ref], w)
}

// Take removes and returns the writes buffered for ref, in call order.
func (b *Buffer) Take(ref BlockRef) []PendingWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	writes := b.pending[ref]
	delete(b.pending, ref)
	return writes
}

func (b *Buffer) Drop(ref BlockRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, ref)
}

// Len reports how many blocks currently have buffered writes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
