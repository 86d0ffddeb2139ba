package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/metrics"
	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
	"github.com/emperorhan/block-indexer/internal/store"
	"github.com/emperorhan/block-indexer/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
)

const (
	PathLive     = "live"
	PathBackfill = "backfill"
)

// Handler is the on-block callback of a loaded artifact.
type Handler interface {
	HandleBlock(ctx context.Context, block model.Block) error
}

// Proxy hands blocks to the loaded handler one at a time and makes each
// block's writes durable before moving on.
type Proxy struct {
	handler   Handler
	store     store.Store
	indexerID string
	network   string
	path      string
	logger    *slog.Logger
}

func New(handler Handler, st store.Store, desc model.DataSourceDescriptor, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		handler:   handler,
		store:     st,
		indexerID: desc.ID,
		network:   desc.Network.String(),
		path:      PathLive,
		logger:    logger.With("component", "dispatch"),
	}
}

// WithPath returns a copy of the proxy that labels its work with path.
func (p *Proxy) WithPath(path string) *Proxy {
	cp := *p
	cp.path = path
	cp.logger = p.logger.With("path", path)
	return &cp
}

// Dispatch processes blocks in ascending order and returns the highest
// block number that was processed. A failing block is logged and skipped;
// the call fails only when no block succeeds.
func (p *Proxy) Dispatch(ctx context.Context, blocks []model.Block) (uint64, error) {
	if len(blocks) == 0 {
		return 0, model.ErrEmptyBatch
	}

	ordered := make([]model.Block, len(blocks))
	copy(ordered, blocks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	spanCtx, span := tracing.Tracer("pipeline").Start(ctx, "pipeline.dispatch",
		otelTrace.WithAttributes(
			attribute.String("indexer", p.indexerID),
			attribute.String("path", p.path),
			attribute.Int64("first_block", int64(ordered[0].Number)),
			attribute.Int("blocks", len(ordered)),
		),
	)
	start := time.Now()

	// Each dispatch gets its own write scope so concurrent live and
	// backfill dispatches of the same block never share a buffer.
	scope := uuid.NewString()

	var (
		maxProcessed uint64
		processed    int
		failed       int
		lastErr      error
	)
	for _, block := range ordered {
		if err := spanCtx.Err(); err != nil {
			lastErr = err
			break
		}

		ref := store.BlockRef{Scope: scope, Hash: block.Hash, Number: block.Number}
		if err := p.processBlock(spanCtx, ref, block); err != nil {
			p.store.Discard(ref)
			failed++
			lastErr = err
			metrics.DispatchBlockFailures.WithLabelValues(p.indexerID, p.network, p.path).Inc()
			decision := retry.Classify(err)
			p.logger.Warn("block failed, skipping",
				"block_number", block.Number,
				"block_hash", block.Hash,
				"classification", decision.Class,
				"classification_reason", decision.Reason,
				"error", err,
			)
			continue
		}

		processed++
		maxProcessed = block.Number
		metrics.DispatchBlocksProcessed.WithLabelValues(p.indexerID, p.network, p.path).Inc()
	}

	metrics.DispatchLatency.WithLabelValues(p.indexerID, p.network, p.path).Observe(time.Since(start).Seconds())

	if processed == 0 {
		err := fmt.Errorf("dispatch %d blocks from %d: none processed: %w", len(ordered), ordered[0].Number, lastErr)
		tracing.EndSpan(span, err)
		return 0, err
	}
	if failed > 0 {
		p.logger.Info("batch dispatched with failures",
			"processed", processed,
			"failed", failed,
			"max_block", maxProcessed,
		)
	}
	tracing.EndSpan(span, nil)
	return maxProcessed, nil
}

func (p *Proxy) processBlock(ctx context.Context, ref store.BlockRef, block model.Block) error {
	if err := p.invoke(store.WithBlock(ctx, ref), block); err != nil {
		return err
	}
	if err := p.store.Flush(ctx, ref); err != nil {
		return fmt.Errorf("flush block %d: %w", block.Number, err)
	}
	return nil
}

// invoke runs the handler, turning a panic into a HandlerError.
func (p *Proxy) invoke(ctx context.Context, block model.Block) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked", "block_number", block.Number, "panic", r, "stack", string(debug.Stack()))
			err = &retry.HandlerError{BlockNumber: block.Number, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := p.handler.HandleBlock(ctx, block); err != nil {
		return &retry.HandlerError{BlockNumber: block.Number, Err: err}
	}
	return nil
}
