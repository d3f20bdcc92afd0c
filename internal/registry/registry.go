// ============================================================================
// Mover / Filter registry
// ============================================================================
//
// Package: internal/registry
// Purpose: Name-keyed lookup table of mover and filter constructors. The
//          protocol compiler resolves every `type:` through it.
//
// Lifecycle:
//   reg := registry.New()          // empty
//   registry.RegisterBuiltins(reg) // or registry.NewWithBuiltins()
//   reg.RegisterMover("MyMover", factory, registry.WithMoverRefs("mover"))
//
// There is no package-level instance. Whoever builds the run owns the
// registry and passes it to protocol.Compile.
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/jobdist/internal/moves"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

var (
	// ErrUnknownType is returned when a type name was never registered.
	ErrUnknownType = errors.New("unknown type")
	// ErrDuplicate is returned when a type name is registered twice.
	ErrDuplicate = errors.New("type already registered")
)

// MoverFactory builds a mover from its parameters. Named references are
// looked up through res.
type MoverFactory func(p Params, res Resolver) (moves.Mover, error)

// FilterFactory builds a filter from its parameters.
type FilterFactory func(p Params, res Resolver) (moves.Filter, error)

// Entry describes one registered type.
type Entry struct {
	Name        string
	Description string
	// MoverRefs and FilterRefs name the params holding references to other
	// protocol members. The compiler uses them to check references and
	// cycles before anything is built.
	MoverRefs  []string
	FilterRefs []string
}

// Option customises an Entry at registration.
type Option func(*Entry)

func WithDescription(desc string) Option {
	return func(e *Entry) { e.Description = desc }
}

func WithMoverRefs(keys ...string) Option {
	return func(e *Entry) { e.MoverRefs = append(e.MoverRefs, keys...) }
}

func WithFilterRefs(keys ...string) Option {
	return func(e *Entry) { e.FilterRefs = append(e.FilterRefs, keys...) }
}

type moverEntry struct {
	Entry
	factory MoverFactory
}

type filterEntry struct {
	Entry
	factory FilterFactory
}

// Registry maps type names to factories.
type Registry struct {
	mu      sync.RWMutex
	movers  map[string]*moverEntry
	filters map[string]*filterEntry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		movers:  make(map[string]*moverEntry),
		filters: make(map[string]*filterEntry),
	}
}

// NewWithBuiltins returns a registry holding every built-in type.
func NewWithBuiltins() *Registry {
	r := New()
	if err := RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) RegisterMover(name string, factory MoverFactory, opts ...Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.movers[name]; exists {
		return fmt.Errorf("mover %q: %w", name, ErrDuplicate)
	}
	e := &moverEntry{Entry: Entry{Name: name}, factory: factory}
	for _, opt := range opts {
		opt(&e.Entry)
	}
	r.movers[name] = e
	return nil
}

func (r *Registry) RegisterFilter(name string, factory FilterFactory, opts ...Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.filters[name]; exists {
		return fmt.Errorf("filter %q: %w", name, ErrDuplicate)
	}
	e := &filterEntry{Entry: Entry{Name: name}, factory: factory}
	for _, opt := range opts {
		opt(&e.Entry)
	}
	r.filters[name] = e
	return nil
}

// CreateMover builds a mover of type typeName. Every failure is a
// *types.ConfigError.
func (r *Registry) CreateMover(typeName string, p Params, res Resolver) (moves.Mover, error) {
	r.mu.RLock()
	e, ok := r.movers[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, &types.ConfigError{Component: "mover", Name: typeName, Err: ErrUnknownType}
	}

	m, err := e.factory(p, res)
	if err != nil {
		return nil, &types.ConfigError{Component: "mover", Name: typeName, Err: err}
	}
	return m, nil
}

// CreateFilter builds a filter of type typeName.
func (r *Registry) CreateFilter(typeName string, p Params, res Resolver) (moves.Filter, error) {
	r.mu.RLock()
	e, ok := r.filters[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, &types.ConfigError{Component: "filter", Name: typeName, Err: ErrUnknownType}
	}

	f, err := e.factory(p, res)
	if err != nil {
		return nil, &types.ConfigError{Component: "filter", Name: typeName, Err: err}
	}
	return f, nil
}

// MoverEntry returns the registration of a mover type.
func (r *Registry) MoverEntry(typeName string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.movers[typeName]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// FilterEntry returns the registration of a filter type.
func (r *Registry) FilterEntry(typeName string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.filters[typeName]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Movers lists mover registrations sorted by name.
func (r *Registry) Movers() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.movers))
	for _, e := range r.movers {
		out = append(out, e.Entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Filters lists filter registrations sorted by name.
func (r *Registry) Filters() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.filters))
	for _, e := range r.filters {
		out = append(out, e.Entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
