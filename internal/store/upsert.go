package store

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ErrUniqueViolation is wrapped by a plain insert hitting a unique index.
var ErrUniqueViolation = errors.New("unique index violation")

type ColumnType string

const (
	ColumnBigInt    ColumnType = "bigint"
	ColumnDouble    ColumnType = "double"
	ColumnText      ColumnType = "text"
	ColumnBool      ColumnType = "bool"
	ColumnTimestamp ColumnType = "timestamp"
	ColumnBytes     ColumnType = "bytes"
)

type Column struct {
	Name string
	Type ColumnType
}

type UniqueIndex struct {
	Name    string
	Columns []string
}

// Table is the typed target of an upsert.
type Table struct {
	Name          string
	Columns       []Column
	UniqueIndexes []UniqueIndex
}

// Entity is one row keyed by column name.
type Entity map[string]any

func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (t Table) Index(name string) (UniqueIndex, bool) {
	for _, idx := range t.UniqueIndexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return UniqueIndex{}, false
}

func (t Table) Validate() error {
	if t.Name == "" {
		return errors.New("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	for _, idx := range t.UniqueIndexes {
		if len(idx.Columns) == 0 {
			return fmt.Errorf("table %s: unique index %s has no columns", t.Name, idx.Name)
		}
		for _, col := range idx.Columns {
			if _, ok := seen[col]; !ok {
				return fmt.Errorf("table %s: unique index %s references unknown column %s", t.Name, idx.Name, col)
			}
		}
	}
	return nil
}

// ValidateEntities checks every entity only names declared columns.
func (t Table) ValidateEntities(entities []Entity) error {
	for i, e := range entities {
		for col := range e {
			if !t.HasColumn(col) {
				return fmt.Errorf("table %s: entity %d has unknown column %s", t.Name, i, col)
			}
		}
	}
	return nil
}

// KeyOf renders the values of idx's columns as a comparable key.
func (e Entity) KeyOf(idx UniqueIndex) string {
	parts := make([]string, len(idx.Columns))
	for i, col := range idx.Columns {
		parts[i] = fmt.Sprintf("%v", normalizeKeyValue(e[col]))
	}
	return strings.Join(parts, "\x00")
}

// Clone returns a shallow copy of e.
func (e Entity) Clone() Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// ConflictFragment describes how a conflicting row is merged. Columns not
// named in Exprs are overwritten with the incoming value; the conflict key
// columns themselves are never updated.
type ConflictFragment struct {
	Index string
	Exprs map[string]MergeExpr
}

func NewConflictFragment(index string) *ConflictFragment {
	return &ConflictFragment{Index: index, Exprs: make(map[string]MergeExpr)}
}

// With sets the merge expression for column and returns f for chaining.
func (f *ConflictFragment) With(column string, expr MergeExpr) *ConflictFragment {
	if f.Exprs == nil {
		f.Exprs = make(map[string]MergeExpr)
	}
	f.Exprs[column] = expr
	return f
}

// ExprFor returns the expression for column, defaulting to Overwrite.
func (f *ConflictFragment) ExprFor(column string) MergeExpr {
	if expr, ok := f.Exprs[column]; ok {
		return expr
	}
	return Overwrite()
}

// Resolve checks the fragment against table and returns the conflict index.
func (f *ConflictFragment) Resolve(table Table) (UniqueIndex, error) {
	idx, ok := table.Index(f.Index)
	if !ok {
		return UniqueIndex{}, fmt.Errorf("table %s has no unique index %s", table.Name, f.Index)
	}
	cols := make([]string, 0, len(f.Exprs))
	for col := range f.Exprs {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		if !table.HasColumn(col) {
			return UniqueIndex{}, fmt.Errorf("conflict fragment references unknown column %s.%s", table.Name, col)
		}
		if slices.Contains(idx.Columns, col) {
			return UniqueIndex{}, fmt.Errorf("conflict fragment sets key column %s.%s", table.Name, col)
		}
		expr := f.Exprs[col]
		if expr.Kind == MergeWeightedAverage && !table.HasColumn(expr.CountColumn) {
			return UniqueIndex{}, fmt.Errorf("weighted average on %s.%s references unknown count column %s", table.Name, col, expr.CountColumn)
		}
	}
	return idx, nil
}

// Merge combines existing and incoming the way the SQL engine does: every
// expression reads the pre-update row.
func (f *ConflictFragment) Merge(table Table, idx UniqueIndex, existing, incoming Entity) (Entity, error) {
	merged := existing.Clone()
	for _, col := range table.Columns {
		if slices.Contains(idx.Columns, col.Name) {
			continue
		}
		v, err := f.ExprFor(col.Name).Apply(col.Name, existing, incoming)
		if err != nil {
			return nil, fmt.Errorf("merge %s.%s: %w", table.Name, col.Name, err)
		}
		merged[col.Name] = v
	}
	return merged, nil
}
