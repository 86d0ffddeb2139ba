package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/emperorhan/block-indexer/internal/alert"
	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
)

// Unit is one indexer's assembled runtime. Close releases what the build
// acquired (plugin handle, stream connection).
type Unit struct {
	Pipeline *Pipeline
	Close    func()
}

// BuildFunc assembles the runtime for one indexer. The supplied health
// tracker must be handed to the pipeline via WithHealth.
type BuildFunc func(ctx context.Context, desc model.DataSourceDescriptor, health *PipelineHealth) (*Unit, error)

type SupervisorOption func(*Supervisor)

// WithRestartBackoff sets the delay policy between restarts of an indexer
// that stopped with a transient error.
func WithRestartBackoff(cfg retry.BackoffConfig, opts ...retry.BackoffOption) SupervisorOption {
	return func(s *Supervisor) {
		s.restartCfg = cfg
		s.restartOpts = opts
	}
}

// WithSupervisorAlerter reports indexers that stop for good.
func WithSupervisorAlerter(a alert.Alerter) SupervisorOption {
	return func(s *Supervisor) {
		s.alerter = a
	}
}

// Supervisor runs every configured indexer independently. A failure in one
// indexer, including a plugin load failure, never stops the others.
type Supervisor struct {
	descs    []model.DataSourceDescriptor
	build    BuildFunc
	registry *Registry
	logger   *slog.Logger

	restartCfg  retry.BackoffConfig
	restartOpts []retry.BackoffOption
	alerter     alert.Alerter
}

func NewSupervisor(descs []model.DataSourceDescriptor, build BuildFunc, registry *Registry, logger *slog.Logger, opts ...SupervisorOption) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	s := &Supervisor{
		descs:    descs,
		build:    build,
		registry: registry,
		logger:   logger.With("component", "supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Registry() *Registry { return s.registry }

// Run blocks until every indexer has stopped. Indexers stop on ctx
// cancellation or on a terminal error; Run itself only fails when two
// indexers share an id.
func (s *Supervisor) Run(ctx context.Context) error {
	seen := make(map[string]struct{}, len(s.descs))
	for _, desc := range s.descs {
		if _, dup := seen[desc.ID]; dup {
			return fmt.Errorf("duplicate indexer id %q", desc.ID)
		}
		seen[desc.ID] = struct{}{}
	}

	var g errgroup.Group
	for _, desc := range s.descs {
		g.Go(func() error {
			s.runIndexer(ctx, desc)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) runIndexer(ctx context.Context, desc model.DataSourceDescriptor) {
	logger := s.logger.With("indexer", desc.ID, "artifact", desc.Artifact)
	health := NewPipelineHealth(desc.ID, desc.Network)
	s.registry.Track(health, desc.ID)

	if err := desc.Validate(); err != nil {
		s.markFailed(ctx, desc, health, err)
		logger.Error("invalid data source, indexer not started", "error", err)
		return
	}

	restart := retry.NewBackoff(s.restartCfg, s.restartOpts...)
	for {
		err := s.runOnce(ctx, desc, health)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		decision := retry.Classify(err)
		var loadErr *retry.PluginLoadError
		if errors.As(err, &loadErr) || !decision.IsTransient() {
			s.markFailed(ctx, desc, health, err)
			logger.Error("indexer stopped",
				"classification", decision.Class,
				"classification_reason", decision.Reason,
				"error", err,
			)
			return
		}

		if health.RecordFailure() {
			notify(ctx, s.alerter, logger, alert.Alert{
				Type:      alert.AlertTypeUnhealthy,
				IndexerID: desc.ID,
				Network:   desc.Network.String(),
				Title:     "Indexer restarting",
				Message:   err.Error(),
			})
		}
		delay, waitErr := restart.Wait(ctx)
		if waitErr != nil {
			return
		}
		logger.Warn("indexer restarting", "delay", delay, "error", err)
	}
}

func (s *Supervisor) markFailed(ctx context.Context, desc model.DataSourceDescriptor, health *PipelineHealth, cause error) {
	health.MarkFailed(cause.Error())
	notify(ctx, s.alerter, s.logger, alert.Alert{
		Type:      alert.AlertTypeIndexerFailed,
		IndexerID: desc.ID,
		Network:   desc.Network.String(),
		Title:     "Indexer stopped",
		Message:   cause.Error(),
		Fields:    map[string]string{"artifact": desc.Artifact},
	})
}

func (s *Supervisor) runOnce(ctx context.Context, desc model.DataSourceDescriptor, health *PipelineHealth) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("indexer %s panic: %v", desc.ID, r)
		}
	}()

	unit, err := s.build(ctx, desc, health)
	if err != nil {
		return err
	}
	if unit.Close != nil {
		defer unit.Close()
	}

	s.registry.Register(unit.Pipeline)
	defer s.registry.Unregister(desc.ID)
	return unit.Pipeline.Run(ctx)
}
