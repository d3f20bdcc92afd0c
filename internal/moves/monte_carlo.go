package moves

import (
	"github.com/ChuLiYu/jobdist/internal/montecarlo"
	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// MonteCarloTest applies Child once and keeps or reverts the result by the
// Metropolis rule, scoring with Scorer.ReportValue (lower is better).
// It is a single accept/reject step. Wrap it in a LoopOver to search.
type MonteCarloTest struct {
	Child       Mover
	Scorer      Filter
	Temperature float64
	Seed        uint64

	engine *montecarlo.Engine
}

// Engine exposes the acceptance engine. It is nil before the first Apply.
func (m *MonteCarloTest) Engine() *montecarlo.Engine { return m.engine }

func (m *MonteCarloTest) Apply(h *structure.Handle) types.MoverStatus {
	if m.engine == nil {
		m.engine = montecarlo.New(m.Scorer, m.Temperature, m.Seed)
	}
	if !m.engine.Initialized() {
		m.engine.Reset(h)
	}

	if status := m.Child.Apply(h); status != types.MoverSuccess {
		m.engine.Restore(h)
		return status
	}

	m.engine.BoltzmannAccept(h)
	return types.MoverSuccess
}

func (m *MonteCarloTest) Clone() Mover {
	c := &MonteCarloTest{
		Child:       cloneMover(m.Child),
		Scorer:      cloneFilter(m.Scorer),
		Temperature: m.Temperature,
		Seed:        m.Seed,
	}
	if m.engine != nil {
		c.engine = m.engine.CloneWith(c.Scorer)
	}
	return c
}

func (m *MonteCarloTest) FreshInstance() Mover {
	return &MonteCarloTest{
		Child:       NullMover{},
		Scorer:      &ScoreThreshold{Term: "total", LowerIsBetter: true},
		Temperature: 1,
	}
}

func (m *MonteCarloTest) Name() string { return "MonteCarloTest" }
