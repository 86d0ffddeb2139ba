package model

import "time"

// NoBlock marks a checkpoint that has not processed anything yet.
const NoBlock int64 = -1

// IndexerCheckpoint tracks the last block an indexer has durably processed.
type IndexerCheckpoint struct {
	IndexerID string    `db:"id"`
	Namespace string    `db:"namespace"`
	Network   Network   `db:"network"`
	GotBlock  int64     `db:"got_block"`
	UpdatedAt time.Time `db:"updated_at"`
}

// NewCheckpoint returns the checkpoint of a fresh indexer. A zero
// StartBlock leaves it without a position, so streaming starts at the head.
func NewCheckpoint(d DataSourceDescriptor) IndexerCheckpoint {
	return IndexerCheckpoint{
		IndexerID: d.ID,
		Namespace: d.Namespace,
		Network:   d.Network,
		GotBlock:  int64(d.StartBlock) - 1,
	}
}

// HasPosition reports whether the checkpoint names a block to resume from.
// Without one the indexer follows the stream head and has no gap to fill.
func (c IndexerCheckpoint) HasPosition() bool {
	return c.GotBlock >= 0
}

// Next is the first block number not yet processed.
func (c IndexerCheckpoint) Next() uint64 {
	if c.GotBlock < 0 {
		return 0
	}
	return uint64(c.GotBlock) + 1
}

// Advance moves the checkpoint forward to block. It reports whether the
// checkpoint changed; it never moves backward.
func (c *IndexerCheckpoint) Advance(block uint64) bool {
	if int64(block) <= c.GotBlock {
		return false
	}
	c.GotBlock = int64(block)
	return true
}

// Reset is the operator path for rewinding an indexer.
func (c *IndexerCheckpoint) Reset(gotBlock int64) {
	if gotBlock < NoBlock {
		gotBlock = NoBlock
	}
	c.GotBlock = gotBlock
}
