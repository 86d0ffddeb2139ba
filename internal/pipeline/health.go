package pipeline

import (
	"slices"
	"sync"
	"time"

	"github.com/emperorhan/block-indexer/internal/domain/model"
)

// HealthStatus represents the health state of an indexer pipeline.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusInactive  HealthStatus = "INACTIVE"
	// HealthStatusFailed is terminal: the indexer could not start.
	HealthStatusFailed HealthStatus = "FAILED"

	// DefaultUnhealthyThreshold is the number of consecutive failures
	// before a pipeline is considered unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the P95 batch latency above which
	// a pipeline is degraded.
	DefaultDegradedLatencyThreshold = 5 * time.Second

	latencyWindowSize = 10
)

// PipelineHealth tracks the health of one indexer.
type PipelineHealth struct {
	mu                       sync.RWMutex
	indexerID                string
	network                  model.Network
	status                   HealthStatus
	reason                   string
	consecutiveFailures      int
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	now                      func() time.Time
}

func NewPipelineHealth(indexerID string, network model.Network) *PipelineHealth {
	return &PipelineHealth{
		indexerID:                indexerID,
		network:                  network,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       DefaultUnhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		now:                      time.Now,
	}
}

func (h *PipelineHealth) SetStatus(status HealthStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == HealthStatusFailed {
		return
	}
	h.status = status
}

// MarkFailed records a terminal failure. Later updates are ignored.
func (h *PipelineHealth) MarkFailed(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.status = HealthStatusFailed
	h.reason = reason
	h.lastFailureAt = &now
}

// RecordSuccess resets the failure streak. It reports whether the pipeline
// recovered from the unhealthy state.
func (h *PipelineHealth) RecordSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == HealthStatusFailed {
		return false
	}
	now := h.now()
	recovered := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	if h.latencyDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	return recovered
}

func (h *PipelineHealth) RecordLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, d)

	switch h.status {
	case HealthStatusHealthy, HealthStatusDegraded:
		if h.latencyDegraded() {
			h.status = HealthStatusDegraded
		} else if h.consecutiveFailures == 0 {
			h.status = HealthStatusHealthy
		}
	}
}

// RecordFailure reports whether this call moved the pipeline to unhealthy.
func (h *PipelineHealth) RecordFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == HealthStatusFailed {
		return false
	}
	now := h.now()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		return true
	}
	return false
}

// must hold mu
func (h *PipelineHealth) latencyDegraded() bool {
	n := len(h.recentLatencies)
	if n < 2 {
		return false
	}
	sorted := slices.Clone(h.recentLatencies)
	slices.Sort(sorted)
	idx := (95*n - 1) / 100
	return sorted[min(max(idx, 0), n-1)] > h.degradedLatencyThreshold
}

func (h *PipelineHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		IndexerID:           h.indexerID,
		Network:             string(h.network),
		Status:              string(h.status),
		Reason:              h.reason,
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
	}
}

// HealthSnapshot is a point-in-time JSON view of pipeline health.
type HealthSnapshot struct {
	IndexerID           string     `json:"indexer_id"`
	Network             string     `json:"network"`
	Status              string     `json:"status"`
	Reason              string     `json:"reason,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}
