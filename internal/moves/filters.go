package moves

import (
	"github.com/ChuLiYu/jobdist/internal/structure"
)

// TrueFilter always passes.
type TrueFilter struct{}

func (TrueFilter) Apply(*structure.Handle) bool          { return true }
func (TrueFilter) ReportValue(*structure.Handle) float64 { return 1 }
func (TrueFilter) Clone() Filter                         { return TrueFilter{} }
func (TrueFilter) FreshInstance() Filter                 { return TrueFilter{} }
func (TrueFilter) Name() string                          { return "True" }

// FalseFilter never passes.
type FalseFilter struct{}

func (FalseFilter) Apply(*structure.Handle) bool          { return false }
func (FalseFilter) ReportValue(*structure.Handle) float64 { return 0 }
func (FalseFilter) Clone() Filter                         { return FalseFilter{} }
func (FalseFilter) FreshInstance() Filter                 { return FalseFilter{} }
func (FalseFilter) Name() string                          { return "False" }

// ScoreThreshold passes when a score term is on the good side of Threshold.
// A missing term never passes and reports 0.
type ScoreThreshold struct {
	Term          string
	Threshold     float64
	LowerIsBetter bool
}

func (f *ScoreThreshold) Apply(h *structure.Handle) bool {
	v, ok := h.Score(f.Term)
	if !ok {
		return false
	}
	if f.LowerIsBetter {
		return v <= f.Threshold
	}
	return v >= f.Threshold
}

func (f *ScoreThreshold) ReportValue(h *structure.Handle) float64 {
	v, _ := h.Score(f.Term)
	return v
}

func (f *ScoreThreshold) Clone() Filter {
	c := *f
	return &c
}

func (f *ScoreThreshold) FreshInstance() Filter {
	return &ScoreThreshold{Term: "total", LowerIsBetter: true}
}

func (f *ScoreThreshold) Name() string { return "ScoreThreshold" }

// HasTagFilter passes when the handle carries Tag.
type HasTagFilter struct {
	Tag string
}

func (f *HasTagFilter) Apply(h *structure.Handle) bool { return h.HasTag(f.Tag) }

func (f *HasTagFilter) ReportValue(h *structure.Handle) float64 {
	if h.HasTag(f.Tag) {
		return 1
	}
	return 0
}

func (f *HasTagFilter) Clone() Filter {
	c := *f
	return &c
}

func (f *HasTagFilter) FreshInstance() Filter { return &HasTagFilter{} }
func (f *HasTagFilter) Name() string          { return "HasTag" }
