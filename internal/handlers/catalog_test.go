package handlers

import (
	"testing"

	"github.com/emperorhan/block-indexer/internal/handlers/dailytx"
	"github.com/emperorhan/block-indexer/internal/handlers/programs"
	"github.com/stretchr/testify/assert"
)

func TestCatalogListsBuiltins(t *testing.T) {
	assert.Equal(t, []string{dailytx.Ref, programs.Ref}, Catalog().Refs())
}
