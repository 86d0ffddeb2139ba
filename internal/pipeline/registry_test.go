package pipeline

import (
	"testing"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	p := New(testDescriptor(), newFakeStream(), &fakeDispatcher{}, memory.NewCheckpointRepo(), nil)
	r.Register(p)

	assert.Same(t, p, r.Get(p.ID()))
	assert.Nil(t, r.Get("missing"))
	assert.True(t, r.Running(p.ID()))

	r.Unregister(p.ID())
	assert.Nil(t, r.Get(p.ID()))
	assert.False(t, r.Running(p.ID()))
	assert.Len(t, r.Snapshots(), 1, "health outlives the pipeline")
}

func TestRegistry_SnapshotsSortedAndHealthy(t *testing.T) {
	r := NewRegistry()
	b := NewPipelineHealth("b", model.NetworkDevnet)
	a := NewPipelineHealth("a", model.NetworkMainnet)
	r.Track(b, "b")
	r.Track(a, "a")
	a.RecordSuccess()

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].IndexerID)
	assert.Equal(t, "b", snaps[1].IndexerID)
	assert.True(t, r.Healthy())

	b.MarkFailed("plugin load failed")
	assert.False(t, r.Healthy())
}

func TestRegistry_TrackDoesNotReplace(t *testing.T) {
	r := NewRegistry()
	first := NewPipelineHealth("a", model.NetworkDevnet)
	first.MarkFailed("x")
	r.Track(first, "a")
	r.Track(NewPipelineHealth("a", model.NetworkDevnet), "a")

	assert.Equal(t, string(HealthStatusFailed), r.Snapshots()[0].Status)
}
