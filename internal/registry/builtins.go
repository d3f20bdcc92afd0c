package registry

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/jobdist/internal/moves"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// RegisterBuiltins adds the built-in movers and filters to r.
func RegisterBuiltins(r *Registry) error {
	movers := []struct {
		name    string
		factory MoverFactory
		opts    []Option
	}{
		{"Null", newNull, []Option{WithDescription("does nothing and succeeds")}},
		{"AddTag", newAddTag, []Option{WithDescription("appends `tag` to the structure")}},
		{"SetScore", newSetScore, []Option{WithDescription("sets score `term` to `value`")}},
		{"PerturbScore", newPerturbScore, []Option{WithDescription("adds a gaussian step of width `step` to score `term`")}},
		{"Status", newStatus, []Option{WithDescription("returns `status`, for the first `fail_first` applies if set")}},
		{"SetContingent", newSetContingent, []Option{
			WithDescription("applies `mover` and sets ContingentFilter `filter` to its success"),
			WithMoverRefs("mover"), WithFilterRefs("filter"),
		}},
		{"LoopOver", newLoopOver, []Option{
			WithDescription("repeats `mover` up to `iterations` times until `filter` passes"),
			WithMoverRefs("mover"), WithFilterRefs("filter"),
		}},
		{"If", newIf, []Option{
			WithDescription("applies `then` when `filter` passes, `else` otherwise"),
			WithMoverRefs("then", "else"), WithFilterRefs("filter"),
		}},
		{"Sequence", newSequence, []Option{
			WithDescription("applies `movers` in order, stopping at the first failure"),
			WithMoverRefs("movers"),
		}},
		{"MonteCarloTest", newMonteCarloTest, []Option{
			WithDescription("applies `mover` once and accepts or reverts by the Metropolis rule on `filter`"),
			WithMoverRefs("mover"), WithFilterRefs("filter"),
		}},
	}
	for _, m := range movers {
		if err := r.RegisterMover(m.name, m.factory, m.opts...); err != nil {
			return err
		}
	}

	filters := []struct {
		name    string
		factory FilterFactory
		desc    string
	}{
		{"True", newTrue, "always passes"},
		{"False", newFalse, "never passes"},
		{"ContingentFilter", newContingent, "passes when set by SetContingent; starts at `value` (false)"},
		{"ScoreThreshold", newScoreThreshold, "compares score `term` with `threshold`"},
		{"HasTag", newHasTag, "passes when the structure carries `tag`"},
	}
	for _, f := range filters {
		if err := r.RegisterFilter(f.name, f.factory, WithDescription(f.desc)); err != nil {
			return err
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Reference helpers
// ----------------------------------------------------------------------------

func moverRef(p Params, key string, res Resolver, required bool) (moves.Mover, error) {
	name, err := p.String(key, "")
	if err != nil {
		return nil, err
	}
	if name == "" {
		if required {
			return nil, fmt.Errorf("param %q is required", key)
		}
		return nil, nil
	}
	return res.Mover(name)
}

func filterRef(p Params, key string, res Resolver, required bool) (moves.Filter, error) {
	name, err := p.String(key, "")
	if err != nil {
		return nil, err
	}
	if name == "" {
		if required {
			return nil, fmt.Errorf("param %q is required", key)
		}
		return nil, nil
	}
	return res.Filter(name)
}

// ----------------------------------------------------------------------------
// Movers
// ----------------------------------------------------------------------------

func newNull(Params, Resolver) (moves.Mover, error) { return moves.NullMover{}, nil }

func newAddTag(p Params, _ Resolver) (moves.Mover, error) {
	tag, err := p.RequiredString("tag")
	if err != nil {
		return nil, err
	}
	return moves.NewAddTagMover(tag), nil
}

func newSetScore(p Params, _ Resolver) (moves.Mover, error) {
	term, err := p.String("term", "total")
	if err != nil {
		return nil, err
	}
	value, err := p.Float("value", 0)
	if err != nil {
		return nil, err
	}
	return &moves.SetScoreMover{Term: term, Value: value}, nil
}

func newPerturbScore(p Params, res Resolver) (moves.Mover, error) {
	term, err := p.String("term", "total")
	if err != nil {
		return nil, err
	}
	step, err := p.Float("step", 1)
	if err != nil {
		return nil, err
	}
	seed, err := p.Int("seed", 0)
	if err != nil {
		return nil, err
	}
	return moves.NewPerturbScoreMover(term, step, res.Seed(uint64(seed))), nil
}

func newStatus(p Params, _ Resolver) (moves.Mover, error) {
	status, err := p.Status("status", "")
	if err != nil {
		return nil, err
	}
	if status == "" {
		return nil, errors.New(`param "status" is required`)
	}
	failFirst, err := p.Int("fail_first", 0)
	if err != nil {
		return nil, err
	}
	return &moves.StatusMover{Status: status, FailFirst: failFirst}, nil
}

func newSetContingent(p Params, res Resolver) (moves.Mover, error) {
	child, err := moverRef(p, "mover", res, true)
	if err != nil {
		return nil, err
	}
	f, err := filterRef(p, "filter", res, true)
	if err != nil {
		return nil, err
	}
	target, ok := f.(*moves.ContingentFilter)
	if !ok {
		return nil, fmt.Errorf("param \"filter\" must name a ContingentFilter, got %s", f.Name())
	}
	return &moves.SetContingentMover{Child: child, Target: target}, nil
}

func newLoopOver(p Params, res Resolver) (moves.Mover, error) {
	child, err := moverRef(p, "mover", res, true)
	if err != nil {
		return nil, err
	}
	cond, err := filterRef(p, "filter", res, false)
	if err != nil {
		return nil, err
	}
	iterations, err := p.Int("iterations", 10)
	if err != nil {
		return nil, err
	}
	if iterations < 1 {
		return nil, fmt.Errorf("param \"iterations\" must be >= 1, got %d", iterations)
	}
	policyName, err := p.String("policy", string(moves.PolicyDrift))
	if err != nil {
		return nil, err
	}
	policy, err := moves.ParseIterationPolicy(policyName)
	if err != nil {
		return nil, err
	}
	exhausted, err := p.Status("exhausted_status", types.MoverSuccess)
	if err != nil {
		return nil, err
	}

	loop := moves.NewLoopOver(child, cond, iterations)
	loop.Policy = policy
	loop.ExhaustedStatus = exhausted
	return loop, nil
}

func newIf(p Params, res Resolver) (moves.Mover, error) {
	cond, err := filterRef(p, "filter", res, true)
	if err != nil {
		return nil, err
	}
	then, err := moverRef(p, "then", res, false)
	if err != nil {
		return nil, err
	}
	els, err := moverRef(p, "else", res, false)
	if err != nil {
		return nil, err
	}
	return &moves.IfMover{Condition: cond, Then: then, Else: els}, nil
}

func newSequence(p Params, res Resolver) (moves.Mover, error) {
	names, err := p.StringList("movers")
	if err != nil {
		return nil, err
	}
	children := make([]moves.Mover, 0, len(names))
	for _, name := range names {
		m, err := res.Mover(name)
		if err != nil {
			return nil, err
		}
		children = append(children, m)
	}
	return moves.NewSequence(children...), nil
}

func newMonteCarloTest(p Params, res Resolver) (moves.Mover, error) {
	child, err := moverRef(p, "mover", res, true)
	if err != nil {
		return nil, err
	}
	scorer, err := filterRef(p, "filter", res, true)
	if err != nil {
		return nil, err
	}
	temperature, err := p.Float("temperature", 0)
	if err != nil {
		return nil, err
	}
	if temperature < 0 {
		return nil, fmt.Errorf("param \"temperature\" must be >= 0, got %v", temperature)
	}
	seed, err := p.Int("seed", 0)
	if err != nil {
		return nil, err
	}
	return &moves.MonteCarloTest{
		Child:       child,
		Scorer:      scorer,
		Temperature: temperature,
		Seed:        res.Seed(uint64(seed)),
	}, nil
}

// ----------------------------------------------------------------------------
// Filters
// ----------------------------------------------------------------------------

func newTrue(Params, Resolver) (moves.Filter, error)  { return moves.TrueFilter{}, nil }
func newFalse(Params, Resolver) (moves.Filter, error) { return moves.FalseFilter{}, nil }

func newContingent(p Params, _ Resolver) (moves.Filter, error) {
	value, err := p.Bool("value", false)
	if err != nil {
		return nil, err
	}
	f := moves.NewContingentFilter()
	f.SetValue(value)
	return f, nil
}

func newScoreThreshold(p Params, _ Resolver) (moves.Filter, error) {
	term, err := p.String("term", "total")
	if err != nil {
		return nil, err
	}
	threshold, err := p.Float("threshold", 0)
	if err != nil {
		return nil, err
	}
	lower, err := p.Bool("lower_is_better", true)
	if err != nil {
		return nil, err
	}
	return &moves.ScoreThreshold{Term: term, Threshold: threshold, LowerIsBetter: lower}, nil
}

func newHasTag(p Params, _ Resolver) (moves.Filter, error) {
	tag, err := p.RequiredString("tag")
	if err != nil {
		return nil, err
	}
	return &moves.HasTagFilter{Tag: tag}, nil
}
