// Package handlers links the built-in indexing artifacts.
package handlers

import (
	"github.com/emperorhan/block-indexer/internal/handlers/dailytx"
	"github.com/emperorhan/block-indexer/internal/handlers/programs"
	"github.com/emperorhan/block-indexer/internal/plugin"
)

// Catalog returns a catalog holding every built-in artifact.
func Catalog() *plugin.Catalog {
	c := plugin.NewCatalog()
	c.MustAdd(dailytx.Ref, dailytx.New)
	c.MustAdd(programs.Ref, programs.New)
	return c
}
