package store

import (
	"fmt"
	"strings"
	"time"
)

type MergeKind int

const (
	MergeOverwrite MergeKind = iota
	MergeKeep
	MergeSum
	MergeMin
	MergeMax
	MergeWeightedAverage
)

func (k MergeKind) String() string {
	switch k {
	case MergeOverwrite:
		return "overwrite"
	case MergeKeep:
		return "keep"
	case MergeSum:
		return "sum"
	case MergeMin:
		return "min"
	case MergeMax:
		return "max"
	case MergeWeightedAverage:
		return "weighted_average"
	default:
		return "unknown"
	}
}

// MergeExpr combines the existing and the incoming value of one column.
//
// Sum and WeightedAverage are not idempotent: applying the same incoming
// row twice counts it twice.
type MergeExpr struct {
	Kind MergeKind
	// CountColumn weights a running average; only used by WeightedAverage.
	CountColumn string
}

func Overwrite() MergeExpr { return MergeExpr{Kind: MergeOverwrite} }
func Keep() MergeExpr      { return MergeExpr{Kind: MergeKeep} }
func Sum() MergeExpr       { return MergeExpr{Kind: MergeSum} }
func Min() MergeExpr       { return MergeExpr{Kind: MergeMin} }
func Max() MergeExpr       { return MergeExpr{Kind: MergeMax} }

// WeightedAverage keeps a running mean of column weighted by countColumn:
// (old*oldCount + new*newCount) / (oldCount + newCount).
func WeightedAverage(countColumn string) MergeExpr {
	return MergeExpr{Kind: MergeWeightedAverage, CountColumn: countColumn}
}

// Apply evaluates the expression for column against the pre-update row.
func (e MergeExpr) Apply(column string, existing, incoming Entity) (any, error) {
	oldV, newV := existing[column], incoming[column]
	switch e.Kind {
	case MergeOverwrite:
		return newV, nil
	case MergeKeep:
		return oldV, nil
	case MergeSum:
		return addValues(oldV, newV)
	case MergeMin, MergeMax:
		if oldV == nil {
			return newV, nil
		}
		if newV == nil {
			return oldV, nil
		}
		cmp, err := compareValues(oldV, newV)
		if err != nil {
			return nil, err
		}
		if (e.Kind == MergeMin && cmp <= 0) || (e.Kind == MergeMax && cmp >= 0) {
			return oldV, nil
		}
		return newV, nil
	case MergeWeightedAverage:
		oldAvg, err := toFloat(oldV)
		if err != nil {
			return nil, err
		}
		newAvg, err := toFloat(newV)
		if err != nil {
			return nil, err
		}
		oldCount, err := toFloat(existing[e.CountColumn])
		if err != nil {
			return nil, err
		}
		newCount, err := toFloat(incoming[e.CountColumn])
		if err != nil {
			return nil, err
		}
		total := oldCount + newCount
		if total == 0 {
			return nil, nil
		}
		return (oldAvg*oldCount + newAvg*newCount) / total, nil
	default:
		return nil, fmt.Errorf("unknown merge kind %d", e.Kind)
	}
}

// addValues treats NULL as zero and keeps integer arithmetic when both
// sides are integers.
func addValues(a, b any) (any, error) {
	ai, aInt := toInt64(a)
	bi, bInt := toInt64(b)
	if (aInt || a == nil) && (bInt || b == nil) {
		return ai + bi, nil
	}
	af, err := toFloat(a)
	if err != nil {
		return nil, err
	}
	bf, err := toFloat(b)
	if err != nil {
		return nil, err
	}
	return af + bf, nil
}

func compareValues(a, b any) (int, error) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		return strings.Compare(av, bv), nil
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		return av.Compare(bv), nil
	}
	af, err := toFloat(a)
	if err != nil {
		return 0, err
	}
	bf, err := toFloat(b)
	if err != nil {
		return 0, err
	}
	switch {
	case af < bf:
		return -1, nil
	case af > bf:
		return 1, nil
	default:
		return 0, nil
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, error) {
	if v == nil {
		return 0, nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), nil
	}
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}

func normalizeKeyValue(v any) any {
	if i, ok := toInt64(v); ok {
		return i
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}
