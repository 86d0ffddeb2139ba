package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/metrics"
	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
)

// Loader resolves artifact references into handles. Artifacts stay alive
// while any handle obtained from the loader is unreleased; Close only tears
// them down once the last handle is gone.
type Loader struct {
	catalog *Catalog
	deps    Deps
	logger  *slog.Logger

	mu        sync.Mutex
	refs      int
	closing   bool
	torndown  bool
	instances []any
}

func NewLoader(catalog *Catalog, deps Deps) *Loader {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Logger = logger
	return &Loader{
		catalog: catalog,
		deps:    deps,
		logger:  logger.With("component", "plugin_loader"),
	}
}

// Load instantiates the artifact behind ref and runs its registration entry
// point. Every failure is a *retry.PluginLoadError.
func (l *Loader) Load(ctx context.Context, ref string) (*Handle, error) {
	h, err := l.load(ctx, ref)
	if err != nil {
		metrics.PluginLoadsTotal.WithLabelValues(ref, "error").Inc()
		l.logger.Error("plugin load failed", "artifact", ref, "error", err)
		return nil, &retry.PluginLoadError{Artifact: ref, Err: err}
	}
	metrics.PluginLoadsTotal.WithLabelValues(ref, "ok").Inc()
	l.logger.Info("plugin loaded", "artifact", ref)
	return h, nil
}

func (l *Loader) load(ctx context.Context, ref string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return nil, ErrLoaderClosed
	}
	l.mu.Unlock()

	factory, ok := l.catalog.Lookup(ref)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownArtifact, ref)
	}

	deps := l.deps
	deps.Logger = l.deps.Logger.With("artifact", ref)
	instance, err := factory(deps)
	if err != nil {
		return nil, fmt.Errorf("construct: %w", err)
	}

	entry, ok := instance.(Registerer)
	if !ok {
		closeInstance(instance)
		return nil, ErrNoEntryPoint
	}

	r := &registrar{}
	if err := entry.Register(r); err != nil {
		closeInstance(instance)
		return nil, fmt.Errorf("register: %w", err)
	}
	if r.reg.BlockHandler == nil {
		closeInstance(instance)
		return nil, ErrNoBlockHandler
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		closeInstance(instance)
		return nil, ErrLoaderClosed
	}
	l.refs++
	l.instances = append(l.instances, instance)
	return &Handle{loader: l, artifact: ref, reg: r.reg}, nil
}

// Close stops new loads. Artifacts are torn down now if no handle is
// outstanding, otherwise when the last handle is released.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closing = true
	if l.refs == 0 {
		return l.teardownLocked()
	}
	return nil
}

// Refs reports the number of unreleased handles.
func (l *Loader) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}

func (l *Loader) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs--
	if l.refs == 0 && l.closing {
		if err := l.teardownLocked(); err != nil {
			l.logger.Warn("plugin teardown failed", "error", err)
		}
	}
}

func (l *Loader) teardownLocked() error {
	if l.torndown {
		return nil
	}
	l.torndown = true
	var errs []error
	for _, instance := range l.instances {
		if c, ok := instance.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	l.instances = nil
	return errors.Join(errs...)
}

func closeInstance(instance any) {
	if c, ok := instance.(io.Closer); ok {
		_ = c.Close()
	}
}

// Handle is a loaded artifact's block handler. It holds a reference on the
// loader until Release.
type Handle struct {
	loader   *Loader
	artifact string
	reg      Registration
	released atomic.Bool
}

func (h *Handle) Artifact() string {
	return h.artifact
}

func (h *Handle) HandleBlock(ctx context.Context, block model.Block) error {
	if h.released.Load() {
		return ErrHandleReleased
	}
	return h.reg.BlockHandler.HandleBlock(ctx, block)
}

// Release drops the handle's reference. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.loader.release()
	}
}
