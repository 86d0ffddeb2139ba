package pipeline

import (
	"sort"
	"sync"
)

// Registry tracks the indexers a supervisor owns, keyed by indexer id. The
// health endpoint reads it; pipelines register once they are built.
type Registry struct {
	mu        sync.RWMutex
	health    map[string]*PipelineHealth
	pipelines map[string]*Pipeline
}

func NewRegistry() *Registry {
	return &Registry{
		health:    make(map[string]*PipelineHealth),
		pipelines: make(map[string]*Pipeline),
	}
}

// Track reserves a health slot for an indexer that has not been built yet.
func (r *Registry) Track(h *PipelineHealth, indexerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.health[indexerID]; !ok {
		r.health[indexerID] = h
	}
}

// Register adds a running pipeline, replacing any placeholder health.
func (r *Registry) Register(p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.ID()] = p
	r.health[p.ID()] = p.Health()
}

func (r *Registry) Unregister(indexerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pipelines, indexerID)
}

// Get returns the running pipeline for indexerID, or nil.
func (r *Registry) Get(indexerID string) *Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pipelines[indexerID]
}

// Running reports whether a pipeline is currently registered for indexerID.
func (r *Registry) Running(indexerID string) bool {
	return r.Get(indexerID) != nil
}

// Snapshots returns the health of every tracked indexer ordered by id.
func (r *Registry) Snapshots() []HealthSnapshot {
	r.mu.RLock()
	out := make([]HealthSnapshot, 0, len(r.health))
	for _, h := range r.health {
		out = append(out, h.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IndexerID < out[j].IndexerID })
	return out
}

// Healthy reports whether no tracked indexer is unhealthy or failed.
func (r *Registry) Healthy() bool {
	for _, snap := range r.Snapshots() {
		switch HealthStatus(snap.Status) {
		case HealthStatusUnhealthy, HealthStatusFailed:
			return false
		}
	}
	return true
}
