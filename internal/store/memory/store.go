// Package memory is an in-process implementation of the upsert engine and
// checkpoint repository with the same merge semantics as the Postgres one.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emperorhan/block-indexer/internal/metrics"
	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
	"github.com/emperorhan/block-indexer/internal/store"
)

const backendLabel = "memory"

type tableData struct {
	def     store.Table
	rows    []store.Entity
	indexes map[string]map[string]int
}

func newTableData(def store.Table) *tableData {
	td := &tableData{def: def, indexes: make(map[string]map[string]int, len(def.UniqueIndexes))}
	for _, idx := range def.UniqueIndexes {
		td.indexes[idx.Name] = make(map[string]int)
	}
	return td
}

func (td *tableData) clone() *tableData {
	out := &tableData{
		def:     td.def,
		rows:    make([]store.Entity, len(td.rows)),
		indexes: make(map[string]map[string]int, len(td.indexes)),
	}
	for i, row := range td.rows {
		out.rows[i] = row.Clone()
	}
	for name, keys := range td.indexes {
		m := make(map[string]int, len(keys))
		for k, v := range keys {
			m[k] = v
		}
		out.indexes[name] = m
	}
	return out
}

// Store keeps tables in memory. It serialises all writers with one mutex.
type Store struct {
	mu     sync.Mutex
	tables map[string]*tableData
	buffer *store.Buffer
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		tables: make(map[string]*tableData),
		buffer: store.NewBuffer(),
		logger: logger.With("component", "memory_store"),
	}
}

func (s *Store) Upsert(ctx context.Context, table store.Table, entities []store.Entity, frag *store.ConflictFragment) error {
	if err := validate(table, entities, frag); err != nil {
		metrics.StoreErrors.WithLabelValues(backendLabel, table.Name).Inc()
		return &retry.StorageError{Table: table.Name, Err: err}
	}
	if len(entities) == 0 {
		return nil
	}

	if ref, ok := store.BlockFromContext(ctx); ok {
		s.buffer.Add(ref, store.PendingWrite{Table: table, Entities: entities, Fragment: frag})
		return nil
	}

	return s.commit([]store.PendingWrite{{Table: table, Entities: entities, Fragment: frag}})
}

// Flush applies every write buffered for ref, all or nothing.
func (s *Store) Flush(ctx context.Context, ref store.BlockRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	writes := s.buffer.Take(ref)
	if len(writes) == 0 {
		return nil
	}
	return s.commit(writes)
}

func (s *Store) Discard(ref store.BlockRef) {
	s.buffer.Drop(ref)
}

func (s *Store) commit(writes []store.PendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]*tableData)
	for _, w := range writes {
		td, ok := staged[w.Table.Name]
		if !ok {
			if existing, found := s.tables[w.Table.Name]; found {
				td = existing.clone()
			} else {
				td = newTableData(w.Table)
			}
			staged[w.Table.Name] = td
		}
		if err := td.apply(w.Entities, w.Fragment); err != nil {
			metrics.StoreErrors.WithLabelValues(backendLabel, w.Table.Name).Inc()
			return &retry.StorageError{Table: w.Table.Name, Err: err}
		}
	}

	for name, td := range staged {
		s.tables[name] = td
	}
	for _, w := range writes {
		metrics.StoreRowsWritten.WithLabelValues(backendLabel, w.Table.Name).Add(float64(len(w.Entities)))
	}
	return nil
}

func (td *tableData) apply(entities []store.Entity, frag *store.ConflictFragment) error {
	var conflictIdx store.UniqueIndex
	if frag != nil {
		idx, err := frag.Resolve(td.def)
		if err != nil {
			return err
		}
		conflictIdx = idx
	}

	for _, incoming := range entities {
		row := make(store.Entity, len(td.def.Columns))
		for _, col := range td.def.Columns {
			row[col.Name] = incoming[col.Name]
		}

		if frag != nil {
			if pos, found := td.indexes[conflictIdx.Name][row.KeyOf(conflictIdx)]; found {
				merged, err := frag.Merge(td.def, conflictIdx, td.rows[pos], row)
				if err != nil {
					return err
				}
				if err := td.replace(pos, merged, conflictIdx.Name); err != nil {
					return err
				}
				continue
			}
		}

		if err := td.insert(row); err != nil {
			return err
		}
	}
	return nil
}

func (td *tableData) insert(row store.Entity) error {
	for _, idx := range td.def.UniqueIndexes {
		if _, dup := td.indexes[idx.Name][row.KeyOf(idx)]; dup {
			return fmt.Errorf("%w: %s", store.ErrUniqueViolation, idx.Name)
		}
	}
	pos := len(td.rows)
	td.rows = append(td.rows, row)
	for _, idx := range td.def.UniqueIndexes {
		td.indexes[idx.Name][row.KeyOf(idx)] = pos
	}
	return nil
}

// replace swaps in a merged row; only the conflict index key is known to be
// unchanged, other unique keys are re-checked.
func (td *tableData) replace(pos int, merged store.Entity, conflictIndex string) error {
	old := td.rows[pos]
	for _, idx := range td.def.UniqueIndexes {
		if idx.Name == conflictIndex {
			continue
		}
		newKey := merged.KeyOf(idx)
		if other, dup := td.indexes[idx.Name][newKey]; dup && other != pos {
			return fmt.Errorf("%w: %s", store.ErrUniqueViolation, idx.Name)
		}
	}
	for _, idx := range td.def.UniqueIndexes {
		if idx.Name == conflictIndex {
			continue
		}
		delete(td.indexes[idx.Name], old.KeyOf(idx))
		td.indexes[idx.Name][merged.KeyOf(idx)] = pos
	}
	td.rows[pos] = merged
	return nil
}

// Rows returns a copy of every row in table, in insertion order.
func (s *Store) Rows(table string) []store.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.tables[table]
	if !ok {
		return nil
	}
	out := make([]store.Entity, len(td.rows))
	for i, row := range td.rows {
		out[i] = row.Clone()
	}
	return out
}

// Find looks a row up by the values of a unique index.
func (s *Store) Find(table, index string, key store.Entity) (store.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.tables[table]
	if !ok {
		return nil, false
	}
	idx, ok := td.def.Index(index)
	if !ok {
		return nil, false
	}
	pos, ok := td.indexes[index][key.KeyOf(idx)]
	if !ok {
		return nil, false
	}
	return td.rows[pos].Clone(), true
}

// PendingBlocks reports blocks with buffered, unflushed writes.
func (s *Store) PendingBlocks() int {
	return s.buffer.Len()
}

func validate(table store.Table, entities []store.Entity, frag *store.ConflictFragment) error {
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
