package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/pipeline"
	"github.com/emperorhan/block-indexer/internal/store"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// IndexerRegistry exposes the indexers owned by the supervisor. In production
// this is *pipeline.Registry.
type IndexerRegistry interface {
	Snapshots() []pipeline.HealthSnapshot
	Running(indexerID string) bool
}

// CheckpointStore reads and rewinds persisted checkpoints.
type CheckpointStore interface {
	Get(ctx context.Context, indexerID string) (*model.IndexerCheckpoint, error)
	Reset(ctx context.Context, indexerID string, gotBlock int64) error
}

// Server provides an HTTP-based admin API for inspecting indexers and
// repairing their checkpoints.
type Server struct {
	registry    IndexerRegistry
	checkpoints CheckpointStore
	logger      *slog.Logger
}

func NewServer(registry IndexerRegistry, checkpoints CheckpointStore, logger *slog.Logger) *Server {
	return &Server{
		registry:    registry,
		checkpoints: checkpoints,
		logger:      logger.With("component", "admin"),
	}
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/indexers", s.handleListIndexers)
	mux.HandleFunc("GET /admin/v1/indexers/{id}", s.handleGetIndexer)
	mux.HandleFunc("POST /admin/v1/indexers/{id}/reset", s.handleResetCheckpoint)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

type checkpointResponse struct {
	GotBlock  int64     `json:"got_block"`
	NextBlock uint64    `json:"next_block"`
	UpdatedAt time.Time `json:"updated_at"`
}

type indexerResponse struct {
	pipeline.HealthSnapshot
	Running    bool                `json:"running"`
	Checkpoint *checkpointResponse `json:"checkpoint,omitempty"`
}

func (s *Server) describe(ctx context.Context, snap pipeline.HealthSnapshot) (indexerResponse, error) {
	resp := indexerResponse{HealthSnapshot: snap, Running: s.registry.Running(snap.IndexerID)}
	cp, err := s.checkpoints.Get(ctx, snap.IndexerID)
	if err != nil {
		return resp, err
	}
	if cp != nil {
		resp.Checkpoint = &checkpointResponse{GotBlock: cp.GotBlock, NextBlock: cp.Next(), UpdatedAt: cp.UpdatedAt}
	}
	return resp, nil
}

func (s *Server) lookup(indexerID string) (pipeline.HealthSnapshot, bool) {
	for _, snap := range s.registry.Snapshots() {
		if snap.IndexerID == indexerID {
			return snap, true
		}
	}
	return pipeline.HealthSnapshot{}, false
}

func (s *Server) handleListIndexers(w http.ResponseWriter, r *http.Request) {
	snaps := s.registry.Snapshots()
	out := make([]indexerResponse, 0, len(snaps))
	for _, snap := range snaps {
		resp, err := s.describe(r.Context(), snap)
		if err != nil {
			s.logger.Error("load checkpoint failed", "indexer_id", snap.IndexerID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetIndexer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown indexer")
		return
	}
	resp, err := s.describe(r.Context(), snap)
	if err != nil {
		s.logger.Error("load checkpoint failed", "indexer_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type resetRequest struct {
	GotBlock *int64 `json:"got_block"`
}

// handleResetCheckpoint rewrites got_block of a stopped indexer. A running
// pipeline would overwrite the reset on its next save, so those are refused.
func (s *Server) handleResetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.lookup(id); !ok {
		writeError(w, http.StatusNotFound, "unknown indexer")
		return
	}

	var req resetRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.GotBlock == nil || *req.GotBlock < -1 {
		writeError(w, http.StatusBadRequest, "got_block must be >= -1")
		return
	}
	if s.registry.Running(id) {
		writeError(w, http.StatusConflict, "indexer is running")
		return
	}

	err := s.checkpoints.Reset(r.Context(), id, *req.GotBlock)
	switch {
	case errors.Is(err, store.ErrCheckpointNotFound):
		writeError(w, http.StatusNotFound, "no stored checkpoint")
		return
	case err != nil:
		s.logger.Error("reset checkpoint failed", "indexer_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Warn("checkpoint reset", "indexer_id", id, "got_block", *req.GotBlock)
	writeJSON(w, http.StatusOK, map[string]any{"indexer_id": id, "got_block": *req.GotBlock})
}

// BasicAuth rejects requests that do not carry the configured credentials.
// An empty user disables the check.
func BasicAuth(user, password string, next http.Handler) http.Handler {
	if user == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
