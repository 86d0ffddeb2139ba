package plugin

import (
	"context"
	"errors"
	"log/slog"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/store"
)

var (
	ErrHandleReleased   = errors.New("plugin handle released")
	ErrLoaderClosed     = errors.New("plugin loader closed")
	ErrNoEntryPoint     = errors.New("artifact has no registration entry point")
	ErrNoBlockHandler   = errors.New("artifact registered no block handler")
	ErrDuplicateHandler = errors.New("block handler already registered")
	ErrUnknownArtifact  = errors.New("unknown artifact")
)

// BlockHandler is the on-block callback exposed by indexing logic.
type BlockHandler interface {
	HandleBlock(ctx context.Context, block model.Block) error
}

type BlockHandlerFunc func(ctx context.Context, block model.Block) error

func (f BlockHandlerFunc) HandleBlock(ctx context.Context, block model.Block) error {
	return f(ctx, block)
}

// Registrar accepts the capabilities an artifact offers. Each capability
// may be registered once.
type Registrar interface {
	RegisterBlockHandler(h BlockHandler) error
}

// Registerer is the registration entry point of an artifact. The loader
// calls Register exactly once per load.
type Registerer interface {
	Register(r Registrar) error
}

// Registration is the capability set collected from one Register call.
type Registration struct {
	BlockHandler BlockHandler
}

// Deps is handed to an artifact factory. Store is the only storage handle
// the artifact may use.
type Deps struct {
	Store      store.Store
	Descriptor model.DataSourceDescriptor
	Logger     *slog.Logger
}

// Factory builds an artifact instance. The returned value must implement
// Registerer; it may implement io.Closer to release resources at teardown.
type Factory func(deps Deps) (any, error)

type registrar struct {
	reg Registration
}

func (r *registrar) RegisterBlockHandler(h BlockHandler) error {
	if h == nil {
		return errors.New("nil block handler")
	}
	if r.reg.BlockHandler != nil {
		return ErrDuplicateHandler
	}
	r.reg.BlockHandler = h
	return nil
}
