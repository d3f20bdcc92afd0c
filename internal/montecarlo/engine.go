// Package montecarlo implements the Metropolis acceptance engine used by
// the MonteCarloTest mover.
package montecarlo

import (
	"math"
	"math/rand/v2"

	"github.com/ChuLiYu/jobdist/internal/structure"
)

// Scorer reports the energy of a handle. Lower is better.
type Scorer interface {
	ReportValue(h *structure.Handle) float64
}

// Engine keeps the last accepted state and decides whether a new state
// replaces it.
type Engine struct {
	Temperature float64

	scorer Scorer
	src    *rand.PCG
	rng    *rand.Rand

	last        *structure.Handle
	lastScore   float64
	lowest      *structure.Handle
	lowestScore float64

	trials   int
	accepted int
}

// New returns an uninitialised engine. Call Reset before the first
// BoltzmannAccept.
func New(scorer Scorer, temperature float64, seed uint64) *Engine {
	src := rand.NewPCG(seed, seed^0xda942042e4dd58b5)
	return &Engine{
		Temperature: temperature,
		scorer:      scorer,
		src:         src,
		rng:         rand.New(src),
	}
}

// Initialized reports whether Reset has been called.
func (e *Engine) Initialized() bool { return e.last != nil }

// Reset makes h the last accepted and lowest state.
func (e *Engine) Reset(h *structure.Handle) {
	e.lastScore = e.scorer.ReportValue(h)
	e.last = h.Clone()
	e.lowestScore = e.lastScore
	e.lowest = h.Clone()
	e.trials = 0
	e.accepted = 0
}

// BoltzmannAccept scores h against the last accepted state. It returns
// true when h is accepted. On rejection h is restored in place to the last
// accepted state.
func (e *Engine) BoltzmannAccept(h *structure.Handle) bool {
	e.trials++
	score := e.scorer.ReportValue(h)
	delta := score - e.lastScore

	if delta > 0 {
		if e.Temperature <= 0 || e.rng.Float64() >= math.Exp(-delta/e.Temperature) {
			e.Restore(h)
			return false
		}
	}

	e.accepted++
	e.last = h.Clone()
	e.lastScore = score
	if score < e.lowestScore {
		e.lowestScore = score
		e.lowest = h.Clone()
	}
	return true
}

// Restore copies the last accepted state into h.
func (e *Engine) Restore(h *structure.Handle) {
	if e.last != nil {
		h.Assign(e.last)
	}
}

// LastScore is the score of the last accepted state.
func (e *Engine) LastScore() float64 { return e.lastScore }

// Lowest returns a copy of the best state seen since Reset.
func (e *Engine) Lowest() (*structure.Handle, float64) {
	if e.lowest == nil {
		return nil, 0
	}
	return e.lowest.Clone(), e.lowestScore
}

// Stats returns the number of trials and accepted trials since Reset.
func (e *Engine) Stats() (trials, accepted int) { return e.trials, e.accepted }

// CloneWith copies the engine, including its random stream position, and
// scores with scorer from then on.
func (e *Engine) CloneWith(scorer Scorer) *Engine {
	src := *e.src
	c := &Engine{
		Temperature: e.Temperature,
		scorer:      scorer,
		src:         &src,
		rng:         rand.New(&src),
		lastScore:   e.lastScore,
		lowestScore: e.lowestScore,
		trials:      e.trials,
		accepted:    e.accepted,
	}
	if e.last != nil {
		c.last = e.last.Clone()
	}
	if e.lowest != nil {
		c.lowest = e.lowest.Clone()
	}
	return c
}
