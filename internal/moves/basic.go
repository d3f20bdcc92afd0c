package moves

import (
	"math/rand/v2"

	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// NullMover does nothing and succeeds.
type NullMover struct{}

func (NullMover) Apply(*structure.Handle) types.MoverStatus { return types.MoverSuccess }
func (NullMover) Clone() Mover                              { return NullMover{} }
func (NullMover) FreshInstance() Mover                      { return NullMover{} }
func (NullMover) Name() string                              { return "Null" }

// AddTagMover appends a fixed tag on every application.
type AddTagMover struct {
	Tag     string
	applied int
}

// NewAddTagMover returns a mover appending tag.
func NewAddTagMover(tag string) *AddTagMover {
	return &AddTagMover{Tag: tag}
}

func (m *AddTagMover) Apply(h *structure.Handle) types.MoverStatus {
	m.applied++
	h.AddTag(m.Tag)
	return types.MoverSuccess
}

func (m *AddTagMover) Applied() int { return m.applied }

func (m *AddTagMover) Clone() Mover {
	c := *m
	return &c
}

func (m *AddTagMover) FreshInstance() Mover { return &AddTagMover{} }
func (m *AddTagMover) Name() string         { return "AddTag" }

// SetScoreMover writes a constant into a score term.
type SetScoreMover struct {
	Term  string
	Value float64
}

func (m *SetScoreMover) Apply(h *structure.Handle) types.MoverStatus {
	h.SetScore(m.Term, m.Value)
	return types.MoverSuccess
}

func (m *SetScoreMover) Clone() Mover {
	c := *m
	return &c
}

func (m *SetScoreMover) FreshInstance() Mover { return &SetScoreMover{Term: "total"} }
func (m *SetScoreMover) Name() string         { return "SetScore" }

// PerturbScoreMover adds a gaussian step of width Step to a score term.
// It stands in for a stochastic sampling move.
type PerturbScoreMover struct {
	Term string
	Step float64
	Seed uint64

	src     *rand.PCG
	rng     *rand.Rand
	applied int
}

// NewPerturbScoreMover returns a seeded perturbation mover.
func NewPerturbScoreMover(term string, step float64, seed uint64) *PerturbScoreMover {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &PerturbScoreMover{
		Term: term,
		Step: step,
		Seed: seed,
		src:  src,
		rng:  rand.New(src),
	}
}

func (m *PerturbScoreMover) Apply(h *structure.Handle) types.MoverStatus {
	m.applied++
	v, _ := h.Score(m.Term)
	h.SetScore(m.Term, v+m.rng.NormFloat64()*m.Step)
	return types.MoverSuccess
}

func (m *PerturbScoreMover) Applied() int { return m.applied }

// Clone copies the generator state, so the clone continues the same
// random stream without sharing it.
func (m *PerturbScoreMover) Clone() Mover {
	src := *m.src
	return &PerturbScoreMover{
		Term:    m.Term,
		Step:    m.Step,
		Seed:    m.Seed,
		src:     &src,
		rng:     rand.New(&src),
		applied: m.applied,
	}
}

func (m *PerturbScoreMover) FreshInstance() Mover {
	return NewPerturbScoreMover("total", 1, 0)
}

func (m *PerturbScoreMover) Name() string { return "PerturbScore" }

// StatusMover returns a configured status. With FailFirst > 0 it returns
// Status for the first FailFirst applications and success afterwards.
type StatusMover struct {
	Status    types.MoverStatus
	FailFirst int
	applied   int
}

func (m *StatusMover) Apply(*structure.Handle) types.MoverStatus {
	m.applied++
	if m.FailFirst > 0 && m.applied > m.FailFirst {
		return types.MoverSuccess
	}
	return m.Status
}

func (m *StatusMover) Applied() int { return m.applied }

func (m *StatusMover) Clone() Mover {
	c := *m
	return &c
}

func (m *StatusMover) FreshInstance() Mover { return &StatusMover{Status: types.MoverSuccess} }
func (m *StatusMover) Name() string         { return "Status" }
