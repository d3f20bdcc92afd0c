package moves

import (
	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// IfMover applies Then when Condition passes and Else otherwise.
// A missing branch counts as success.
type IfMover struct {
	Condition Filter
	Then      Mover
	Else      Mover
}

func (m *IfMover) Apply(h *structure.Handle) types.MoverStatus {
	branch := m.Else
	if m.Condition.Apply(h) {
		branch = m.Then
	}
	if branch == nil {
		return types.MoverSuccess
	}
	return branch.Apply(h)
}

func (m *IfMover) Clone() Mover {
	return &IfMover{
		Condition: cloneFilter(m.Condition),
		Then:      cloneMover(m.Then),
		Else:      cloneMover(m.Else),
	}
}

func (m *IfMover) FreshInstance() Mover { return &IfMover{Condition: FalseFilter{}} }
func (m *IfMover) Name() string         { return "If" }

// Sequence applies its children in order and stops at the first
// non-success status.
type Sequence struct {
	Children []Mover
}

// NewSequence wraps children in a Sequence.
func NewSequence(children ...Mover) *Sequence {
	return &Sequence{Children: children}
}

func (s *Sequence) Apply(h *structure.Handle) types.MoverStatus {
	for _, child := range s.Children {
		if status := child.Apply(h); status != types.MoverSuccess {
			return status
		}
	}
	return types.MoverSuccess
}

func (s *Sequence) Clone() Mover {
	children := make([]Mover, len(s.Children))
	for i, c := range s.Children {
		children[i] = cloneMover(c)
	}
	return &Sequence{Children: children}
}

func (s *Sequence) FreshInstance() Mover { return &Sequence{} }
func (s *Sequence) Name() string         { return "Sequence" }
