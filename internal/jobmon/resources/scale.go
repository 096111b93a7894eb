// Package resources implements the resource-scaling tagged variant from
// spec §9 Design Notes: "Use a tagged variant (Number, Callable, Iterator)
// with explicit dispatch." grounded on
// original_source/jobmon_client/src/jobmon/client/task_resources.py.
package resources

import (
	"log/slog"
	"math"
)

// Scale is a tagged union over the three ways a resource scale can be
// expressed: a flat fraction, a function of the old value, or an iterator
// of next values.
type Scale struct {
	kind   scaleKind
	number float64
	fn     func(old float64) float64
	iter   func() (float64, bool) // returns (next, ok); ok=false means exhausted
}

type scaleKind int

const (
	kindNumber scaleKind = iota
	kindFunc
	kindIterator
)

func NumberScale(fraction float64) Scale {
	return Scale{kind: kindNumber, number: fraction}
}

func FuncScale(fn func(old float64) float64) Scale {
	return Scale{kind: kindFunc, fn: fn}
}

func IteratorScale(next func() (float64, bool)) Scale {
	return Scale{kind: kindIterator, iter: next}
}

// Apply computes the new resource value from old per spec §4.5.4 step 6:
// "new = ceil(old * (1 + scale)) for numeric, next(it) for iterators (with
// warning on StopIteration keeping old), f(old) for callables."
func (s Scale) Apply(old float64) float64 {
	switch s.kind {
	case kindNumber:
		return math.Ceil(old * (1 + s.number))
	case kindFunc:
		return s.fn(old)
	case kindIterator:
		next, ok := s.iter()
		if !ok {
			slog.Warn("resource scale iterator exhausted, keeping prior value", "old", old)
			return old
		}
		return next
	default:
		return old
	}
}
