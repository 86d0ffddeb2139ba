package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/emperorhan/block-indexer/internal/alert"
	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/metrics"
	"github.com/emperorhan/block-indexer/internal/pipeline/backfill"
	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
	"github.com/emperorhan/block-indexer/internal/store"
	"github.com/emperorhan/block-indexer/internal/stream"
)

const (
	shutdownPersistTimeout = 10 * time.Second
	taskErrBuffer          = 16
)

// StreamClient is the live block feed.
type StreamClient interface {
	Connect(ctx context.Context, req stream.SubscribeRequest) error
	Recv(ctx context.Context) (model.BlockBatch, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, blocks []model.Block) (uint64, error)
}

type Backfiller interface {
	Run(ctx context.Context, req backfill.Request) (backfill.Result, error)
}

type Option func(*Pipeline)

// WithBackfiller enables gap backfill. Without one, gaps are only logged.
func WithBackfiller(b Backfiller) Option {
	return func(p *Pipeline) {
		p.backfiller = b
	}
}

// WithHealth shares a health tracker owned by the caller.
func WithHealth(h *PipelineHealth) Option {
	return func(p *Pipeline) {
		if h != nil {
			p.health = h
		}
	}
}

// WithBackoff replaces the reconnect backoff.
func WithBackoff(b *retry.Backoff) Option {
	return func(p *Pipeline) {
		p.backoff = b
	}
}

// WithAlerter reports transitions to and from unhealthy.
func WithAlerter(a alert.Alerter) Option {
	return func(p *Pipeline) {
		p.alerter = a
	}
}

// Pipeline is the runtime loop of one indexer: it keeps a live subscription
// open at the checkpoint, dispatches every batch and persists progress.
type Pipeline struct {
	desc        model.DataSourceDescriptor
	stream      StreamClient
	dispatcher  Dispatcher
	backfiller  Backfiller
	checkpoints store.CheckpointRepository
	backoff     *retry.Backoff
	health      *PipelineHealth
	alerter     alert.Alerter
	logger      *slog.Logger

	mu         sync.RWMutex
	checkpoint model.IndexerCheckpoint

	connected   bool
	needBackoff bool

	tasks    sync.WaitGroup
	taskErrs chan error
}

func New(
	desc model.DataSourceDescriptor,
	client StreamClient,
	dispatcher Dispatcher,
	checkpoints store.CheckpointRepository,
	logger *slog.Logger,
	opts ...Option,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		desc:        desc,
		stream:      client,
		dispatcher:  dispatcher,
		checkpoints: checkpoints,
		health:      NewPipelineHealth(desc.ID, desc.Network),
		logger:      logger.With("component", "pipeline", "indexer", desc.ID, "network", desc.Network),
		checkpoint:  model.NewCheckpoint(desc),
		taskErrs:    make(chan error, taskErrBuffer),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.backoff == nil {
		p.backoff = retry.NewBackoff(retry.BackoffConfig{})
	}
	return p
}

func (p *Pipeline) ID() string { return p.desc.ID }

func (p *Pipeline) Health() *PipelineHealth { return p.health }

// Checkpoint returns a copy of the in-memory checkpoint.
func (p *Pipeline) Checkpoint() model.IndexerCheckpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.checkpoint
}

// Run drives the loop until ctx is cancelled. It returns nil on shutdown and
// an error only when the loop cannot start.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v\n%s", r, debug.Stack())
			p.recordFailure(ctx, err)
		}
	}()

	if err := p.loadCheckpoint(ctx); err != nil {
		p.recordFailure(ctx, err)
		return err
	}
	p.health.SetStatus(HealthStatusHealthy)

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer p.shutdown(ctx, cancelTasks)

	for {
		if ctx.Err() != nil {
			return nil
		}
		p.drainTaskErrors()

		if !p.connected {
			if p.needBackoff {
				delay, err := p.backoff.Wait(ctx)
				if err != nil {
					return nil
				}
				p.logger.Debug("backoff elapsed", "delay", delay)
			}
			if err := p.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.onStreamError(ctx, "connect", err)
				continue
			}
		}

		batch, err := p.stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var decodeErr *retry.DecodeError
			if errors.As(err, &decodeErr) {
				p.logger.Warn("dropping malformed batch", "block_number", decodeErr.BlockNumber, "error", err)
				continue
			}
			p.onStreamError(ctx, "recv", err)
			continue
		}
		p.backoff.Reset()
		p.handleBatch(ctx, taskCtx, batch)
	}
}

func (p *Pipeline) loadCheckpoint(ctx context.Context) error {
	stored, err := p.checkpoints.Get(ctx, p.desc.ID)
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", p.desc.ID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if stored != nil {
		p.checkpoint = *stored
		p.checkpoint.Namespace = p.desc.Namespace
		p.checkpoint.Network = p.desc.Network
	}
	metrics.CheckpointBlock.WithLabelValues(p.desc.ID, p.desc.Network.String()).Set(float64(p.checkpoint.GotBlock))
	if p.checkpoint.HasPosition() {
		p.logger.Info("checkpoint loaded", "got_block", p.checkpoint.GotBlock, "resume_at", p.checkpoint.Next(), "stored", stored != nil)
	} else {
		p.logger.Info("no checkpoint position, following stream head", "stored", stored != nil)
	}
	return nil
}

// connect subscribes at the checkpoint, or at the stream head when the
// checkpoint has no position yet.
func (p *Pipeline) connect(ctx context.Context) error {
	var start *uint64
	if cp := p.Checkpoint(); cp.HasPosition() {
		next := cp.Next()
		start = &next
	}
	req, err := stream.NewSubscribeRequest(p.desc, start)
	if err != nil {
		return err
	}
	if err := p.stream.Connect(ctx, req); err != nil {
		return err
	}
	p.connected = true
	p.needBackoff = false
	return nil
}

// onStreamError drops the connection; the next iteration reconnects after
// a backoff.
func (p *Pipeline) onStreamError(ctx context.Context, op string, err error) {
	p.connected = false
	p.needBackoff = true
	p.recordFailure(ctx, err)
	decision := retry.Classify(err)
	p.logger.Warn("stream failed, reconnecting after backoff",
		"op", op,
		"resume_at", p.Checkpoint().Next(),
		"classification", decision.Class,
		"classification_reason", decision.Reason,
		"error", err,
	)
}

func (p *Pipeline) handleBatch(ctx, taskCtx context.Context, batch model.BlockBatch) {
	start := time.Now()
	cp := p.Checkpoint()
	first := batch.First().Number

	if next := cp.Next(); cp.HasPosition() && first > next {
		p.launchBackfill(taskCtx, backfill.Request{
			From:               next,
			To:                 first,
			FilterKeys:         p.desc.FilterKeys,
			LastKnownReference: batch.ReferenceMarker(),
		})
	}

	maxBlock, err := p.dispatcher.Dispatch(ctx, batch)
	if err != nil {
		p.recordFailure(ctx, err)
		p.logger.Error("batch dispatch failed, checkpoint unchanged",
			"first_block", first,
			"last_block", batch.Last().Number,
			"got_block", cp.GotBlock,
			"error", err,
		)
		return
	}

	p.advance(ctx, maxBlock)
	p.recordSuccess(ctx)
	p.health.RecordLatency(time.Since(start))
}

func (p *Pipeline) recordFailure(ctx context.Context, cause error) {
	if !p.health.RecordFailure() {
		return
	}
	snap := p.health.Snapshot()
	notify(ctx, p.alerter, p.logger, alert.Alert{
		Type:      alert.AlertTypeUnhealthy,
		IndexerID: p.desc.ID,
		Network:   p.desc.Network.String(),
		Title:     "Indexer unhealthy",
		Message:   cause.Error(),
		Fields: map[string]string{
			"consecutive_failures": strconv.Itoa(snap.ConsecutiveFailures),
			"next_block":           strconv.FormatUint(p.Checkpoint().Next(), 10),
		},
	})
}

func (p *Pipeline) recordSuccess(ctx context.Context) {
	if !p.health.RecordSuccess() {
		return
	}
	notify(ctx, p.alerter, p.logger, alert.Alert{
		Type:      alert.AlertTypeRecovery,
		IndexerID: p.desc.ID,
		Network:   p.desc.Network.String(),
		Title:     "Indexer recovered",
		Message:   fmt.Sprintf("processing resumed at block %d", p.Checkpoint().GotBlock),
	})
}

// advance moves the checkpoint and persists it before the next batch. A
// failed save keeps the in-memory position; the next save catches up.
func (p *Pipeline) advance(ctx context.Context, block uint64) {
	p.mu.Lock()
	changed := p.checkpoint.Advance(block)
	cp := p.checkpoint
	p.mu.Unlock()
	if !changed {
		return
	}

	metrics.CheckpointBlock.WithLabelValues(p.desc.ID, p.desc.Network.String()).Set(float64(cp.GotBlock))
	if err := p.persist(ctx, cp); err != nil {
		p.logger.Error("persist checkpoint failed", "got_block", cp.GotBlock, "error", err)
	}
}

func (p *Pipeline) persist(ctx context.Context, cp model.IndexerCheckpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	if err := p.checkpoints.Save(ctx, cp); err != nil {
		metrics.CheckpointPersistErrors.WithLabelValues(p.desc.ID, p.desc.Network.String()).Inc()
		return err
	}
	return nil
}

func (p *Pipeline) launchBackfill(ctx context.Context, req backfill.Request) {
	metrics.GapsDetected.WithLabelValues(p.desc.ID, p.desc.Network.String()).Inc()
	if p.backfiller == nil {
		p.logger.Warn("gap detected, backfill disabled", "from", req.From, "to", req.To)
		return
	}
	p.logger.Info("gap detected, starting backfill", "from", req.From, "to", req.To)

	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				p.reportTaskError(fmt.Errorf("backfill [%d, %d) panic: %v", req.From, req.To, r))
			}
		}()
		if _, err := p.backfiller.Run(ctx, req); err != nil && !errors.Is(err, context.Canceled) {
			p.reportTaskError(fmt.Errorf("backfill [%d, %d): %w", req.From, req.To, err))
		}
	}()
}

func (p *Pipeline) reportTaskError(err error) {
	select {
	case p.taskErrs <- err:
	default:
		p.logger.Error("background task failed", "error", err)
	}
}

func (p *Pipeline) drainTaskErrors() {
	for {
		select {
		case err := <-p.taskErrs:
			p.logger.Error("background task failed", "error", err)
		default:
			return
		}
	}
}

// shutdown stops background tasks, waits for them and persists the final
// checkpoint with a context that outlives the cancelled run.
func (p *Pipeline) shutdown(ctx context.Context, cancelTasks context.CancelFunc) {
	cancelTasks()
	p.tasks.Wait()
	p.drainTaskErrors()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownPersistTimeout)
	defer cancel()
	cp := p.Checkpoint()
	if err := p.persist(persistCtx, cp); err != nil {
		p.logger.Error("persist checkpoint on shutdown failed", "got_block", cp.GotBlock, "error", err)
	}
	p.health.SetStatus(HealthStatusInactive)
	p.logger.Info("pipeline stopped", "got_block", cp.GotBlock)
}
