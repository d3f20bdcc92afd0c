// ============================================================================
// Mover / Filter capability contract
// ============================================================================
//
// Package: internal/moves
// File: mover.go
// Purpose: Uniform polymorphic interface so the job distributor and the
//          control-flow composites can drive heterogeneous operations the
//          same way.
//
// Ownership:
//   - A Mover mutates only the handle it is given and its own counters.
//   - A Filter never mutates the handle. The type system cannot enforce
//     this; the tests compare the handle against a clone taken before
//     evaluation.
//   - Clone() returns a copy with the same configuration and no shared
//     mutable state, so one configured mover can run in several jobs at once.
//   - Composites own their children. Clone() deep-copies the subtree.
//
// ============================================================================

package moves

import (
	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// Mover is a stateful operation that transforms a structure handle.
type Mover interface {
	// Apply mutates h in place and reports the outcome.
	Apply(h *structure.Handle) types.MoverStatus
	// Clone returns an independent copy with identical configuration.
	Clone() Mover
	// FreshInstance returns a default-constructed mover of the same type.
	FreshInstance() Mover
	// Name is the registry type name.
	Name() string
}

// Filter is a read-only predicate and scorer over a structure handle.
type Filter interface {
	Apply(h *structure.Handle) bool
	// ReportValue returns the filter's scalar. Its range is filter specific.
	ReportValue(h *structure.Handle) float64
	Clone() Filter
	FreshInstance() Filter
	Name() string
}

// Counter is implemented by movers that count their applications.
type Counter interface {
	Applied() int
}

func cloneMover(m Mover) Mover {
	if m == nil {
		return nil
	}
	return m.Clone()
}

func cloneFilter(f Filter) Filter {
	if f == nil {
		return nil
	}
	return f.Clone()
}
