package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog maps artifact references to statically linked factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Add registers factory under ref. Refs are unique within a catalog.
func (c *Catalog) Add(ref string, factory Factory) error {
	if ref == "" {
		return fmt.Errorf("artifact ref is required")
	}
	if factory == nil {
		return fmt.Errorf("artifact %s: nil factory", ref)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[ref]; exists {
		return fmt.Errorf("artifact %s already registered", ref)
	}
	c.factories[ref] = factory
	return nil
}

// MustAdd is Add for program initialisation.
func (c *Catalog) MustAdd(ref string, factory Factory) {
	if err := c.Add(ref, factory); err != nil {
		panic(err)
	}
}

func (c *Catalog) Lookup(ref string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[ref]
	return f, ok
}

func (c *Catalog) Refs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	refs := make([]string, 0, len(c.factories))
	for ref := range c.factories {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
