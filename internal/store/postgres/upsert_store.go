package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/block-indexer/internal/metrics"
	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
	"github.com/emperorhan/block-indexer/internal/store"
	"github.com/emperorhan/block-indexer/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
)

const backendLabel = "postgres"

// UpsertStore is the Postgres upsert engine for one indexer. Block scoped
// writes are applied in a single transaction at Flush, together with the
// indexed_blocks bookkeeping row.
type UpsertStore struct {
	db        store.TxBeginner
	indexerID string
	buffer    *store.Buffer
	logger    *slog.Logger
}

var _ store.Store = (*UpsertStore)(nil)

func NewUpsertStore(db store.TxBeginner, indexerID string, logger *slog.Logger) *UpsertStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpsertStore{
		db:        db,
		indexerID: indexerID,
		buffer:    store.NewBuffer(),
		logger:    logger.With("component", "upsert_store", "indexer", indexerID),
	}
}

func (s *UpsertStore) Upsert(ctx context.Context, table store.Table, entities []store.Entity, frag *store.ConflictFragment) error {
	if err := validateWrite(table, entities, frag); err != nil {
		metrics.StoreErrors.WithLabelValues(backendLabel, table.Name).Inc()
		return &retry.StorageError{Table: table.Name, Err: err}
	}
	if len(entities) == 0 {
		return nil
	}

	w := store.PendingWrite{Table: table, Entities: entities, Fragment: frag}
	if ref, ok := store.BlockFromContext(ctx); ok {
		s.buffer.Add(ref, w)
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.applyTx(ctx, tx, w)
	})
}

func (s *UpsertStore) Flush(ctx context.Context, ref store.BlockRef) error {
	spanCtx, span := tracing.Tracer("store").Start(ctx, "store.flush",
		otelTrace.WithAttributes(
			attribute.String("indexer", s.indexerID),
			attribute.Int64("block_number", int64(ref.Number)),
		),
	)
	start := time.Now()

	writes := s.buffer.Take(ref)
	err := s.inTx(spanCtx, func(tx *sql.Tx) error {
		for _, w := range writes {
			if err := s.applyTx(spanCtx, tx, w); err != nil {
				return err
			}
		}
		return s.recordBlockTx(spanCtx, tx, ref)
	})

	metrics.StoreFlushLatency.WithLabelValues(backendLabel).Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, err)
	if err != nil {
		return err
	}
	for _, w := range writes {
		metrics.StoreRowsWritten.WithLabelValues(backendLabel, w.Table.Name).Add(float64(len(w.Entities)))
	}
	return nil
}

func (s *UpsertStore) Discard(ref store.BlockRef) {
	s.buffer.Drop(ref)
}

func (s *UpsertStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &retry.StorageError{Err: fmt.Errorf("begin tx: %w", err)}
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return &retry.StorageError{Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// applyTx writes entities one row at a time so two rows with the same key
// in one call merge instead of failing the statement.
func (s *UpsertStore) applyTx(ctx context.Context, tx *sql.Tx, w store.PendingWrite) error {
	query, err := buildUpsertSQL(w.Table, w.Fragment)
	if err != nil {
		return &retry.StorageError{Table: w.Table.Name, Err: err}
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		metrics.StoreErrors.WithLabelValues(backendLabel, w.Table.Name).Inc()
		return &retry.StorageError{Table: w.Table.Name, Err: fmt.Errorf("prepare upsert: %w", err)}
	}
	defer stmt.Close()

	for _, e := range w.Entities {
		if _, err := stmt.ExecContext(ctx, rowArgs(w.Table, e)...); err != nil {
			metrics.StoreErrors.WithLabelValues(backendLabel, w.Table.Name).Inc()
			return &retry.StorageError{Table: w.Table.Name, Err: wrapWriteError(err)}
		}
	}
	return nil
}

func (s *UpsertStore) recordBlockTx(ctx context.Context, tx *sql.Tx, ref store.BlockRef) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO indexed_blocks (indexer_id, block_number, block_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (indexer_id, block_number) DO UPDATE SET
			block_hash = EXCLUDED.block_hash,
			indexed_at = now()
	`, s.indexerID, int64(ref.Number), ref.Hash)
	if err != nil {
		return &retry.StorageError{Table: "indexed_blocks", Err: fmt.Errorf("record block: %w", err)}
	}
	return nil
}

func validateWrite(table store.Table, entities []store.Entity, frag *store.ConflictFragment) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if err := table.ValidateEntities(entities); err != nil {
		return err
	}
	if frag != nil {
		if _, err := frag.Resolve(table); err != nil {
			return err
		}
	}
	return nil
}
