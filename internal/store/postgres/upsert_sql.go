package postgres

import (
	"fmt"
	"slices"
	"strings"

	"github.com/emperorhan/block-indexer/internal/store"
	"github.com/lib/pq"
)

// conflictAlias names the existing row inside DO UPDATE expressions.
const conflictAlias = "t"

// buildUpsertSQL renders a single-row insert for table. With a fragment it
// merges into the row matching the fragment's unique index.
func buildUpsertSQL(table store.Table, frag *store.ConflictFragment) (string, error) {
	cols := table.ColumnNames()
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = pq.QuoteIdentifier(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(table.Name), conflictAlias,
		strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	if frag == nil {
		return b.String(), nil
	}

	idx, err := frag.Resolve(table)
	if err != nil {
		return "", err
	}
	keyCols := make([]string, len(idx.Columns))
	for i, col := range idx.Columns {
		keyCols[i] = pq.QuoteIdentifier(col)
	}
	fmt.Fprintf(&b, " ON CONFLICT (%s)", strings.Join(keyCols, ", "))

	sets := make([]string, 0, len(cols))
	for _, col := range cols {
		if slices.Contains(idx.Columns, col) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", pq.QuoteIdentifier(col), renderMergeExpr(col, frag.ExprFor(col))))
	}
	if len(sets) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String(), nil
	}
	fmt.Fprintf(&b, " DO UPDATE SET %s", strings.Join(sets, ", "))
	return b.String(), nil
}

func renderMergeExpr(col string, expr store.MergeExpr) string {
	existing := conflictAlias + "." + pq.QuoteIdentifier(col)
	incoming := "EXCLUDED." + pq.QuoteIdentifier(col)
	switch expr.Kind {
	case store.MergeKeep:
		return existing
	case store.MergeSum:
		return fmt.Sprintf("COALESCE(%s, 0) + COALESCE(%s, 0)", existing, incoming)
	case store.MergeMin:
		return fmt.Sprintf("LEAST(%s, %s)", existing, incoming)
	case store.MergeMax:
		return fmt.Sprintf("GREATEST(%s, %s)", existing, incoming)
	case store.MergeWeightedAverage:
		oldCount := fmt.Sprintf("COALESCE(%s.%s, 0)", conflictAlias, pq.QuoteIdentifier(expr.CountColumn))
		newCount := fmt.Sprintf("COALESCE(EXCLUDED.%s, 0)", pq.QuoteIdentifier(expr.CountColumn))
		return fmt.Sprintf("(COALESCE(%s, 0) * %s + COALESCE(%s, 0) * %s) / NULLIF(%s + %s, 0)",
			existing, oldCount, incoming, newCount, oldCount, newCount)
	default:
		return incoming
	}
}

// rowArgs orders entity values to match table's column list.
func rowArgs(table store.Table, e store.Entity) []any {
	args := make([]any, len(table.Columns))
	for i, col := range table.Columns {
		args[i] = e[col.Name]
	}
	return args
}
