package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCheckpoint_StartsBeforeStartBlock(t *testing.T) {
	cp := NewCheckpoint(DataSourceDescriptor{ID: "idx", Namespace: "ns", Network: NetworkMainnet, StartBlock: 100})
	assert.Equal(t, int64(99), cp.GotBlock)
	assert.Equal(t, uint64(100), cp.Next())

	fresh := NewCheckpoint(DataSourceDescriptor{ID: "idx"})
	assert.Equal(t, NoBlock, fresh.GotBlock)
	assert.False(t, fresh.HasPosition(), "no start block follows the head")
	assert.True(t, cp.HasPosition())

	genesisNext := NewCheckpoint(DataSourceDescriptor{ID: "idx", StartBlock: 1})
	assert.True(t, genesisNext.HasPosition())
	assert.Equal(t, uint64(1), genesisNext.Next())
}

func TestCheckpointAdvance_Monotonic(t *testing.T) {
	cp := IndexerCheckpoint{GotBlock: 10}

	assert.True(t, cp.Advance(15))
	assert.False(t, cp.Advance(12))
	assert.False(t, cp.Advance(15))
	assert.Equal(t, int64(15), cp.GotBlock)
	assert.Equal(t, uint64(16), cp.Next())
}

func TestCheckpointReset(t *testing.T) {
	cp := IndexerCheckpoint{GotBlock: 500}
	cp.Reset(20)
	assert.Equal(t, int64(20), cp.GotBlock)

	cp.Reset(-7)
	assert.Equal(t, NoBlock, cp.GotBlock)
}

func TestBlockBatchValidate(t *testing.T) {
	require.ErrorIs(t, BlockBatch{}.Validate(), ErrEmptyBatch)
	require.NoError(t, BlockBatch{{Number: 1}, {Number: 2}, {Number: 5}}.Validate())

	err := BlockBatch{{Number: 3}, {Number: 3}}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ascending")
}

func TestBlockBatchReferenceMarker(t *testing.T) {
	batch := BlockBatch{
		{Number: 1},
		{Number: 2, Transactions: []Transaction{{Signature: "sigA"}, {Signature: "sigB"}}},
	}
	assert.Equal(t, "sigA", batch.ReferenceMarker())
	assert.Equal(t, uint64(1), batch.First().Number)
	assert.Equal(t, uint64(2), batch.Last().Number)
	assert.Equal(t, "", BlockBatch{{Number: 9}}.ReferenceMarker())
}

func TestDataSourceDescriptorValidate(t *testing.T) {
	err := DataSourceDescriptor{ID: "a"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network,chain,artifact")

	ok := DataSourceDescriptor{ID: "a", Network: NetworkDevnet, Chain: ChainSolana, Artifact: "solana/programs"}
	require.NoError(t, ok.Validate())
	assert.Equal(t, "", ok.PrimaryFilterKey())
}
