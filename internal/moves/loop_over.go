// ============================================================================
// LoopOver - bounded repetition of a child mover
// ============================================================================
//
// File: internal/moves/loop_over.go
//
// Iteration:
//   for i in 1..MaxIterations:
//     [reset] restore handle to the snapshot taken at loop entry
//     status := child.Apply(h)
//     fail_do_not_retry / fail_bad_input -> return status
//     fail_retry                         -> next iteration, condition skipped
//     condition passes                   -> return success
//   return ExhaustedStatus
//
// Without a condition every iteration runs and the loop returns success.
//
// ============================================================================

package moves

import (
	"fmt"

	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// IterationPolicy controls what each iteration starts from.
type IterationPolicy string

const (
	// PolicyDrift feeds each iteration's output into the next.
	PolicyDrift IterationPolicy = "drift"
	// PolicyReset restores the loop-entry state before every iteration.
	PolicyReset IterationPolicy = "reset"
)

// ParseIterationPolicy validates a policy name.
func ParseIterationPolicy(s string) (IterationPolicy, error) {
	switch p := IterationPolicy(s); p {
	case PolicyDrift, PolicyReset:
		return p, nil
	case "":
		return PolicyDrift, nil
	default:
		return "", fmt.Errorf("unknown iteration policy %q (want drift or reset)", s)
	}
}

// LoopOver repeats Child until Condition passes or MaxIterations is spent.
type LoopOver struct {
	Child           Mover
	Condition       Filter
	MaxIterations   int
	Policy          IterationPolicy
	ExhaustedStatus types.MoverStatus

	iterations int
}

// NewLoopOver returns a drift-mode loop whose exhaustion counts as success.
func NewLoopOver(child Mover, condition Filter, maxIterations int) *LoopOver {
	return &LoopOver{
		Child:           child,
		Condition:       condition,
		MaxIterations:   maxIterations,
		Policy:          PolicyDrift,
		ExhaustedStatus: types.MoverSuccess,
	}
}

// Iterations reports how many times the child ran during the last Apply.
func (l *LoopOver) Iterations() int { return l.iterations }

func (l *LoopOver) Apply(h *structure.Handle) types.MoverStatus {
	l.iterations = 0

	var saved *structure.Handle
	if l.Policy == PolicyReset {
		saved = h.Clone()
	}

	for i := 0; i < l.MaxIterations; i++ {
		if saved != nil {
			h.Assign(saved)
		}

		l.iterations++
		status := l.Child.Apply(h)
		switch status {
		case types.MoverFailDoNotRetry, types.MoverFailBadInput:
			return status
		case types.MoverFailRetry:
			continue
		}

		if l.Condition != nil && l.Condition.Apply(h) {
			return types.MoverSuccess
		}
	}

	if l.Condition == nil {
		return types.MoverSuccess
	}
	if l.ExhaustedStatus == "" {
		return types.MoverSuccess
	}
	return l.ExhaustedStatus
}

func (l *LoopOver) Clone() Mover {
	return &LoopOver{
		Child:           cloneMover(l.Child),
		Condition:       cloneFilter(l.Condition),
		MaxIterations:   l.MaxIterations,
		Policy:          l.Policy,
		ExhaustedStatus: l.ExhaustedStatus,
	}
}

func (l *LoopOver) FreshInstance() Mover {
	return NewLoopOver(NullMover{}, nil, 10)
}

func (l *LoopOver) Name() string { return "LoopOver" }
