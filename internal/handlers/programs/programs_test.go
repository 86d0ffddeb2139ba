package programs

import (
	"context"
	"testing"
	"time"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/plugin"
	"github.com/emperorhan/block-indexer/internal/store"
	"github.com/emperorhan/block-indexer/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	systemProgram = "11111111111111111111111111111111"
	tokenProgram  = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

func newIndexer(t *testing.T, st store.Store) *Indexer {
	t.Helper()
	instance, err := New(plugin.Deps{Store: st, Descriptor: model.DataSourceDescriptor{Network: model.NetworkDevnet}})
	require.NoError(t, err)
	return instance.(*Indexer)
}

func programRow(t *testing.T, st *memory.Store, id string) store.Entity {
	t.Helper()
	row, ok := st.Find(TableName, UniqueIndex, store.Entity{"program_id": id, "network": "devnet"})
	require.True(t, ok, "row for %s", id)
	return row
}

func TestRows_CountsInvocationsPerProgram(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := Rows(model.NetworkDevnet, model.Block{
		Number:    12,
		Timestamp: at,
		Transactions: []model.Transaction{
			{ProgramIDs: []string{tokenProgram, systemProgram}},
			{ProgramIDs: []string{systemProgram}},
			{},
		},
	})

	require.Len(t, rows, 2)
	assert.Equal(t, systemProgram, rows[0]["program_id"])
	assert.Equal(t, int64(2), rows[0]["invocations"])
	assert.Equal(t, tokenProgram, rows[1]["program_id"])
	assert.Equal(t, int64(1), rows[1]["invocations"])
	assert.Equal(t, int64(12), rows[1]["last_seen_block"])
	assert.Equal(t, at, rows[1]["last_seen_at"])
}

func TestHandleBlock_OverwritesOnConflict(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)
	ix := newIndexer(t, st)

	require.NoError(t, ix.HandleBlock(ctx, model.Block{
		Number: 5,
		Transactions: []model.Transaction{
			{ProgramIDs: []string{systemProgram}},
			{ProgramIDs: []string{systemProgram}},
		},
	}))
	require.NoError(t, ix.HandleBlock(ctx, model.Block{
		Number:       9,
		Transactions: []model.Transaction{{ProgramIDs: []string{systemProgram}}},
	}))

	row := programRow(t, st, systemProgram)
	assert.Equal(t, int64(9), row["last_seen_block"])
	assert.Equal(t, int64(1), row["invocations"])
	assert.Len(t, st.Rows(TableName), 1)
}

func TestHandleBlock_NoProgramsIsNoop(t *testing.T) {
	st := memory.New(nil)
	ix := newIndexer(t, st)

	require.NoError(t, ix.HandleBlock(context.Background(), model.Block{Number: 1}))
	assert.Empty(t, st.Rows(TableName))
}

func TestRegisterInstallsHandler(t *testing.T) {
	catalog := plugin.NewCatalog()
	catalog.MustAdd(Ref, New)
	loader := plugin.NewLoader(catalog, plugin.Deps{Store: memory.New(nil)})

	h, err := loader.Load(context.Background(), Ref)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, Ref, h.Artifact())
	require.NoError(t, h.HandleBlock(context.Background(), model.Block{Number: 1}))
}
