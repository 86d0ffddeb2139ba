package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/metrics"
	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
	"github.com/emperorhan/block-indexer/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency  = 8
	defaultBatchSize    = 100
	defaultFetchRetries = 3
	defaultRetryInitial = 500 * time.Millisecond
	// defaultSlotWindow matches the widest range Solana getBlocks accepts.
	defaultSlotWindow = 500_000
)

// Source answers history queries for one chain.
type Source interface {
	SlotsForKey(ctx context.Context, key string, from, to uint64, before string) ([]uint64, error)
	SlotsInRange(ctx context.Context, from, to uint64) ([]uint64, error)
	Block(ctx context.Context, slot uint64) (*model.Block, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, blocks []model.Block) (uint64, error)
}

// Request covers the half-open block range [From, To).
type Request struct {
	From               uint64
	To                 uint64
	FilterKeys         []string
	LastKnownReference string
}

func (r Request) Validate() error {
	if r.To <= r.From {
		return fmt.Errorf("empty backfill range [%d, %d)", r.From, r.To)
	}
	return nil
}

type Result struct {
	Slots         int
	Resolved      int
	Skipped       int
	Batches       int
	FailedBatches int
	MaxBlock      uint64

	lastErr error
}

type Config struct {
	Concurrency int
	BatchSize   int
	// FetchRetries bounds retries of a transient block fetch failure. A
	// negative value disables retries.
	FetchRetries int
	RetryInitial time.Duration
	// SlotWindow is how many slots of an unfiltered gap are listed at once.
	SlotWindow uint64
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FetchRetries < 0 {
		c.FetchRetries = 0
	} else if c.FetchRetries == 0 {
		c.FetchRetries = defaultFetchRetries
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = defaultRetryInitial
	}
	if c.SlotWindow == 0 {
		c.SlotWindow = defaultSlotWindow
	}
	return c
}

// Coordinator rebuilds the blocks of a gap and feeds them through the same
// dispatcher as the live path. It never touches the checkpoint.
type Coordinator struct {
	source     Source
	dispatcher Dispatcher
	cfg        Config
	indexerID  string
	network    string
	logger     *slog.Logger
}

func New(source Source, dispatcher Dispatcher, cfg Config, desc model.DataSourceDescriptor, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		source:     source,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		indexerID:  desc.ID,
		network:    desc.Network.String(),
		logger:     logger.With("component", "backfill", "indexer", desc.ID),
	}
}

func (c *Coordinator) Run(ctx context.Context, req Request) (res Result, err error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	ctx, span := tracing.Tracer("pipeline").Start(ctx, "backfill.run",
		otelTrace.WithAttributes(
			attribute.String("indexer", c.indexerID),
			attribute.Int64("from", int64(req.From)),
			attribute.Int64("to", int64(req.To)),
		),
	)
	active := metrics.BackfillActive.WithLabelValues(c.indexerID, c.network)
	active.Inc()
	defer func() {
		active.Dec()
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.BackfillRunsTotal.WithLabelValues(c.indexerID, c.network, result).Inc()
		tracing.EndSpan(span, err)
	}()

	log := c.logger.With("from", req.From, "to", req.To)
	log.Info("backfill started", "filter_keys", len(req.FilterKeys), "reference", req.LastKnownReference)

	if len(req.FilterKeys) == 0 {
		err = c.runWindows(ctx, req, &res)
	} else {
		err = c.runFiltered(ctx, req, &res)
	}
	if err != nil {
		return res, err
	}
	if res.Batches > 0 && res.FailedBatches == res.Batches {
		return res, fmt.Errorf("all %d backfill batches failed: %w", res.Batches, res.lastErr)
	}
	if res.Slots == 0 {
		log.Info("backfill found no blocks in range")
		return res, nil
	}

	log.Info("backfill completed",
		"slots", res.Slots,
		"resolved", res.Resolved,
		"skipped", res.Skipped,
		"batches", res.Batches,
		"failed_batches", res.FailedBatches,
		"max_block", res.MaxBlock,
	)
	return res, nil
}

// runFiltered walks the signature history of every filter key. Those slot
// lists are bounded by the addresses' activity, so they are collected first.
func (c *Coordinator) runFiltered(ctx context.Context, req Request, res *Result) error {
	var all []uint64
	for _, key := range req.FilterKeys {
		slots, err := c.source.SlotsForKey(ctx, key, req.From, req.To, req.LastKnownReference)
		if err != nil {
			return fmt.Errorf("list slots for %s: %w", key, err)
		}
		all = append(all, slots...)
	}
	return c.process(ctx, dedupe(all, req.From, req.To), res)
}

// runWindows lists an unfiltered gap one window at a time so neither the
// RPC range nor the slot list grows with the gap.
func (c *Coordinator) runWindows(ctx context.Context, req Request, res *Result) error {
	for lo := req.From; lo < req.To; {
		if err := ctx.Err(); err != nil {
			return err
		}
		hi := req.To
		if req.To-lo > c.cfg.SlotWindow {
			hi = lo + c.cfg.SlotWindow
		}
		slots, err := c.source.SlotsInRange(ctx, lo, hi)
		if err != nil {
			return fmt.Errorf("list slots [%d, %d): %w", lo, hi, err)
		}
		if err := c.process(ctx, dedupe(slots, lo, hi), res); err != nil {
			return err
		}
		lo = hi
	}
	return nil
}

// process resolves and dispatches ascending slots one batch at a time, so
// at most BatchSize blocks are held in memory.
func (c *Coordinator) process(ctx context.Context, slots []uint64, res *Result) error {
	res.Slots += len(slots)
	for start := 0; start < len(slots); start += c.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+c.cfg.BatchSize, len(slots))
		chunk := slots[start:end]

		blocks, err := c.resolve(ctx, chunk)
		if err != nil {
			return err
		}
		res.Resolved += len(blocks)
		res.Skipped += len(chunk) - len(blocks)
		metrics.BackfillBlocksResolved.WithLabelValues(c.indexerID, c.network).Add(float64(len(blocks)))
		if len(blocks) == 0 {
			continue
		}
		c.dispatch(ctx, blocks, res)
	}
	return nil
}

func (c *Coordinator) resolve(ctx context.Context, slots []uint64) ([]model.Block, error) {
	fetched := make([]*model.Block, len(slots))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, slot := range slots {
		g.Go(func() error {
			block, err := c.fetch(gctx, slot)
			if err != nil {
				return err
			}
			fetched[i] = block
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	blocks := make([]model.Block, 0, len(fetched))
	for _, b := range fetched {
		if b != nil {
			blocks = append(blocks, *b)
		}
	}
	return blocks, nil
}

// fetch retries transient failures with exponential backoff.
func (c *Coordinator) fetch(ctx context.Context, slot uint64) (*model.Block, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInitial
	policy.MaxElapsedTime = 0

	var block *model.Block
	op := func() error {
		var err error
		block, err = c.source.Block(ctx, slot)
		if err == nil {
			return nil
		}
		decision := retry.Classify(err)
		if !decision.IsTransient() {
			return backoff.Permanent(err)
		}
		c.logger.Debug("block fetch failed, retrying",
			"slot", slot,
			"classification_reason", decision.Reason,
			"error", err,
		)
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.FetchRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("resolve slot %d: %w", slot, ctxErr)
		}
		return nil, fmt.Errorf("resolve slot %d: %w", slot, err)
	}
	return block, nil
}

// dispatch hands one ascending batch to the proxy. A failed batch is logged
// and counted; the run goes on with the next one.
func (c *Coordinator) dispatch(ctx context.Context, blocks []model.Block, res *Result) {
	res.Batches++
	maxBlock, err := c.dispatcher.Dispatch(ctx, blocks)
	if err != nil {
		res.FailedBatches++
		res.lastErr = err
		c.logger.Warn("backfill batch failed",
			"first_block", blocks[0].Number,
			"last_block", blocks[len(blocks)-1].Number,
			"error", err,
		)
		return
	}
	res.MaxBlock = max(res.MaxBlock, maxBlock)
}

func dedupe(slots []uint64, from, to uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(slots))
	out := make([]uint64, 0, len(slots))
	for _, s := range slots {
		if s < from || s >= to {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
