// ============================================================================
// Protocol compiler
// ============================================================================
//
// Package: internal/protocol
// Purpose: Turn a declarative YAML protocol into mover graphs.
//
// Two phases:
//   Compile      - once per run. Parses, checks every type against the
//                  registry, checks every named reference and rejects
//                  reference cycles, then builds one throwaway graph so
//                  parameter errors surface before any job starts.
//   Instantiate  - once per attempt. Builds a brand-new graph, so nothing
//                  an attempt does to its movers is visible to the next one.
//                  InstantiateSeeded also gives every stochastic component
//                  a random stream of its own for that attempt.
//
// Inside one graph a name resolves to one instance. Two composites that
// reference "flag" read and write the same ContingentFilter.
//
// ============================================================================

package protocol

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/jobdist/internal/moves"
	"github.com/ChuLiYu/jobdist/internal/registry"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

var (
	ErrEmptyProtocol = errors.New("protocol has no steps")
	ErrUnknownName   = errors.New("reference to undefined name")
	ErrCycle         = errors.New("reference cycle")
	ErrNameClash     = errors.New("name defined as both mover and filter")
)

// Component is one named mover or filter definition. Every key besides
// `type` is a parameter.
type Component struct {
	Type   string          `yaml:"type"`
	Params registry.Params `yaml:",inline"`
}

// Definition is the decoded protocol file.
type Definition struct {
	Filters  map[string]Component `yaml:"filters"`
	Movers   map[string]Component `yaml:"movers"`
	Protocol []string             `yaml:"protocol"`
}

// Compiled is a validated protocol ready to instantiate.
type Compiled struct {
	Name string
	def  *Definition
	reg  *registry.Registry
}

// Graph is one instantiation.
type Graph struct {
	Root    moves.Mover
	Movers  map[string]moves.Mover
	Filters map[string]moves.Filter
}

// Parse decodes a protocol document without validating it.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse protocol: %w", err)
	}
	return &def, nil
}

// CompileFile reads and compiles a protocol file.
func CompileFile(reg *registry.Registry, name, path string) (*Compiled, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ConfigError{Component: "protocol", Name: name, Err: err}
	}
	return Compile(reg, name, data)
}

// Compile parses and validates a protocol. Every error is a *types.ConfigError.
func Compile(reg *registry.Registry, name string, data []byte) (*Compiled, error) {
	def, err := Parse(data)
	if err != nil {
		return nil, &types.ConfigError{Component: "protocol", Name: name, Err: err}
	}
	return CompileDefinition(reg, name, def)
}

// CompileDefinition validates an already decoded protocol.
func CompileDefinition(reg *registry.Registry, name string, def *Definition) (*Compiled, error) {
	c := &Compiled{Name: name, def: def, reg: reg}
	if err := c.validate(); err != nil {
		return nil, &types.ConfigError{Component: "protocol", Name: name, Err: err}
	}
	// Build once so factory-level parameter errors are fail-fast.
	if _, err := c.Instantiate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Steps returns the top-level mover names in order.
func (c *Compiled) Steps() []string {
	return append([]string(nil), c.def.Protocol...)
}

// AttemptSeed derives the seed of one attempt of a job. Retries and nstruct
// copies get different seeds.
func AttemptSeed(jobID string, attempt int) uint64 {
	seed := xxhash.Sum64String(fmt.Sprintf("%s#%d", jobID, attempt))
	if seed == 0 {
		seed = 1
	}
	return seed
}

// Instantiate builds a fresh mover graph whose stochastic components use
// their configured seeds unchanged.
func (c *Compiled) Instantiate() (*Graph, error) {
	return c.InstantiateSeeded(0)
}

// InstantiateSeeded builds a fresh mover graph for one attempt. Each
// stochastic component is seeded from seed, its name and its configured
// seed. A zero seed keeps the configured seeds.
func (c *Compiled) InstantiateSeeded(seed uint64) (*Graph, error) {
	b := &builder{
		c:       c,
		seed:    seed,
		movers:  make(map[string]moves.Mover),
		filters: make(map[string]moves.Filter),
	}

	steps := make([]moves.Mover, 0, len(c.def.Protocol))
	for _, step := range c.def.Protocol {
		m, err := b.Mover(step)
		if err != nil {
			return nil, &types.ConfigError{Component: "protocol", Name: c.Name, Err: err}
		}
		steps = append(steps, m)
	}

	return &Graph{
		Root:    moves.NewSequence(steps...),
		Movers:  b.movers,
		Filters: b.filters,
	}, nil
}

// ----------------------------------------------------------------------------
// Validation
// ----------------------------------------------------------------------------

func (c *Compiled) validate() error {
	def := c.def
	if len(def.Protocol) == 0 {
		return ErrEmptyProtocol
	}

	for _, name := range sortedKeys(def.Movers) {
		if _, clash := def.Filters[name]; clash {
			return fmt.Errorf("%w: %q", ErrNameClash, name)
		}
	}

	for _, name := range sortedKeys(def.Filters) {
		comp := def.Filters[name]
		if _, ok := c.reg.FilterEntry(comp.Type); !ok {
			return &types.ConfigError{Component: "filter", Name: comp.Type, Err: registry.ErrUnknownType}
		}
	}

	for _, name := range sortedKeys(def.Movers) {
		comp := def.Movers[name]
		entry, ok := c.reg.MoverEntry(comp.Type)
		if !ok {
			return &types.ConfigError{Component: "mover", Name: comp.Type, Err: registry.ErrUnknownType}
		}
		for _, key := range entry.FilterRefs {
			for _, ref := range refNames(comp.Params[key]) {
				if _, ok := def.Filters[ref]; !ok {
					return fmt.Errorf("%w: mover %q param %q names filter %q", ErrUnknownName, name, key, ref)
				}
			}
		}
		for _, key := range entry.MoverRefs {
			for _, ref := range refNames(comp.Params[key]) {
				if _, ok := def.Movers[ref]; !ok {
					return fmt.Errorf("%w: mover %q param %q names mover %q", ErrUnknownName, name, key, ref)
				}
			}
		}
	}

	for _, step := range def.Protocol {
		if _, ok := def.Movers[step]; !ok {
			return fmt.Errorf("%w: protocol step %q", ErrUnknownName, step)
		}
	}

	return c.checkCycles()
}

// checkCycles walks mover references depth first.
func (c *Compiled) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.def.Movers))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: %v", ErrCycle, append(path, name))
		case done:
			return nil
		}
		state[name] = visiting
		for _, ref := range c.moverRefs(name) {
			if err := visit(ref, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, name := range sortedKeys(c.def.Movers) {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiled) moverRefs(name string) []string {
	comp := c.def.Movers[name]
	entry, _ := c.reg.MoverEntry(comp.Type)
	var refs []string
	for _, key := range entry.MoverRefs {
		refs = append(refs, refNames(comp.Params[key])...)
	}
	return refs
}

// refNames reads a reference param: one name or a list of names.
func refNames(v any) []string {
	switch r := v.(type) {
	case string:
		if r == "" {
			return nil
		}
		return []string{r}
	case []any:
		out := make([]string, 0, len(r))
		for _, item := range r {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return r
	}
	return nil
}

func sortedKeys(m map[string]Component) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ----------------------------------------------------------------------------
// Instantiation
// ----------------------------------------------------------------------------

// builder resolves names for one instantiation, building each on first use.
type builder struct {
	c       *Compiled
	seed    uint64
	movers  map[string]moves.Mover
	filters map[string]moves.Filter
	// names being built, innermost last
	building []string
}

func (b *builder) Seed(configured uint64) uint64 {
	if b.seed == 0 {
		return configured
	}
	name := ""
	if n := len(b.building); n > 0 {
		name = b.building[n-1]
	}
	return xxhash.Sum64String(fmt.Sprintf("%d/%s/%d", b.seed, name, configured))
}

func (b *builder) enter(name string) func() {
	b.building = append(b.building, name)
	return func() { b.building = b.building[:len(b.building)-1] }
}

func (b *builder) Mover(name string) (moves.Mover, error) {
	if m, ok := b.movers[name]; ok {
		return m, nil
	}
	comp, ok := b.c.def.Movers[name]
	if !ok {
		return nil, fmt.Errorf("%w: mover %q", ErrUnknownName, name)
	}
	leave := b.enter(name)
	m, err := b.c.reg.CreateMover(comp.Type, comp.Params, b)
	leave()
	if err != nil {
		return nil, fmt.Errorf("mover %q: %w", name, err)
	}
	b.movers[name] = m
	return m, nil
}

func (b *builder) Filter(name string) (moves.Filter, error) {
	if f, ok := b.filters[name]; ok {
		return f, nil
	}
	comp, ok := b.c.def.Filters[name]
	if !ok {
		return nil, fmt.Errorf("%w: filter %q", ErrUnknownName, name)
	}
	leave := b.enter(name)
	f, err := b.c.reg.CreateFilter(comp.Type, comp.Params, b)
	leave()
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", name, err)
	}
	b.filters[name] = f
	return f, nil
}
