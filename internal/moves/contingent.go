package moves

import (
	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// ContingentFilter is a filter whose verdict is set by a mover upstream
// instead of being computed from the handle. It separates deciding from
// branching: SetContingent writes the value, If reads it.
//
// The value starts false. Reads never change it.
type ContingentFilter struct {
	value bool
}

// NewContingentFilter returns a filter holding false.
func NewContingentFilter() *ContingentFilter { return &ContingentFilter{} }

func (f *ContingentFilter) SetValue(v bool) { f.value = v }
func (f *ContingentFilter) Value() bool     { return f.value }
func (f *ContingentFilter) Reset()          { f.value = false }

func (f *ContingentFilter) Apply(*structure.Handle) bool { return f.value }

func (f *ContingentFilter) ReportValue(*structure.Handle) float64 {
	if f.value {
		return 1
	}
	return 0
}

func (f *ContingentFilter) Clone() Filter {
	return &ContingentFilter{value: f.value}
}

func (f *ContingentFilter) FreshInstance() Filter { return NewContingentFilter() }
func (f *ContingentFilter) Name() string          { return "ContingentFilter" }

// SetContingentMover applies Child and records whether it succeeded in
// Target. A retryable child failure is recorded, not propagated; only
// non-retryable statuses escape.
type SetContingentMover struct {
	Child  Mover
	Target *ContingentFilter
}

func (m *SetContingentMover) Apply(h *structure.Handle) types.MoverStatus {
	status := m.Child.Apply(h)
	m.Target.SetValue(status == types.MoverSuccess)
	if status == types.MoverFailDoNotRetry || status == types.MoverFailBadInput {
		return status
	}
	return types.MoverSuccess
}

// Clone copies Child and Target. The clone's target is no longer the
// filter read by composites outside this subtree.
func (m *SetContingentMover) Clone() Mover {
	var target *ContingentFilter
	if m.Target != nil {
		target = m.Target.Clone().(*ContingentFilter)
	}
	return &SetContingentMover{Child: cloneMover(m.Child), Target: target}
}

func (m *SetContingentMover) FreshInstance() Mover {
	return &SetContingentMover{Child: NullMover{}, Target: NewContingentFilter()}
}

func (m *SetContingentMover) Name() string { return "SetContingent" }
