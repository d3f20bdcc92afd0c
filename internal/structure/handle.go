// Package structure provides the mutable structure handle that movers and
// filters operate on.
//
// The handle is intentionally thin: the scientific content (coordinates,
// energies) lives behind named scores and tags. What matters to the engine is
// ownership: a handle is passed by pointer, never copied implicitly, and
// branching state requires an explicit Clone.
package structure

import (
	"maps"
	"slices"
)

// Handle is one mutable molecular structure.
type Handle struct {
	Name     string             `msgpack:"name" json:"name"`
	Sequence string             `msgpack:"sequence" json:"sequence"`
	Tags     []string           `msgpack:"tags" json:"tags"`
	Scores   map[string]float64 `msgpack:"scores" json:"scores"`
}

// New returns an empty handle with the given name.
func New(name string) *Handle {
	return &Handle{
		Name:   name,
		Scores: make(map[string]float64),
	}
}

// Clone returns a deep copy that shares no mutable state with h.
func (h *Handle) Clone() *Handle {
	c := &Handle{
		Name:     h.Name,
		Sequence: h.Sequence,
		Tags:     slices.Clone(h.Tags),
		Scores:   maps.Clone(h.Scores),
	}
	if c.Scores == nil {
		c.Scores = make(map[string]float64)
	}
	return c
}

// Assign overwrites h in place with a deep copy of src.
// Holders of the h pointer observe the restored state.
func (h *Handle) Assign(src *Handle) {
	c := src.Clone()
	*h = *c
}

// AddTag appends an annotation.
func (h *Handle) AddTag(tag string) {
	h.Tags = append(h.Tags, tag)
}

// HasTag reports whether tag was ever appended.
func (h *Handle) HasTag(tag string) bool {
	return slices.Contains(h.Tags, tag)
}

// Score returns the named score term and whether it is set.
func (h *Handle) Score(term string) (float64, bool) {
	v, ok := h.Scores[term]
	return v, ok
}

// SetScore sets the named score term.
func (h *Handle) SetScore(term string, v float64) {
	if h.Scores == nil {
		h.Scores = make(map[string]float64)
	}
	h.Scores[term] = v
}

// Equal reports deep equality. A nil and an empty score map compare equal.
func (h *Handle) Equal(o *Handle) bool {
	if h == nil || o == nil {
		return h == o
	}
	return h.Name == o.Name &&
		h.Sequence == o.Sequence &&
		slices.Equal(h.Tags, o.Tags) &&
		maps.Equal(h.Scores, o.Scores)
}
