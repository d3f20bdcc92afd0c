package registry

import (
	"fmt"
	"sort"

	"github.com/ChuLiYu/jobdist/internal/moves"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// Params carries the decoded attributes of one mover or filter definition.
// Values come straight from YAML, so numbers may arrive as int or float64.
type Params map[string]any

// Resolver looks up named instances of the protocol currently being built.
//
// Seed turns the seed configured on a stochastic component into the seed
// for this instantiation. Every attempt of every job draws its own stream;
// the same job, attempt and configured seed always give the same stream.
type Resolver interface {
	Mover(name string) (moves.Mover, error)
	Filter(name string) (moves.Filter, error)
	Seed(configured uint64) uint64
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q: want string, got %T", key, v)
	}
	return s, nil
}

// RequiredString fails when key is absent or empty.
func (p Params) RequiredString(key string) (string, error) {
	s, err := p.String(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("param %q is required", key)
	}
	return s, nil
}

func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("param %q: %v is not an integer", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("param %q: want integer, got %T", key, v)
	}
}

func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("param %q: want number, got %T", key, v)
	}
}

func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("param %q: want bool, got %T", key, v)
	}
	return b, nil
}

// Status parses a mover status such as "fail_retry" or "MS_SUCCESS".
func (p Params) Status(key string, def types.MoverStatus) (types.MoverStatus, error) {
	s, err := p.String(key, "")
	if err != nil || s == "" {
		return def, err
	}
	status, err := types.ParseMoverStatus(s)
	if err != nil {
		return "", fmt.Errorf("param %q: %w", key, err)
	}
	return status, nil
}

// StringList accepts a YAML sequence of strings.
func (p Params) StringList(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		if s, ok := v.([]string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("param %q: want list, got %T", key, v)
	}
	out := make([]string, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("param %q[%d]: want string, got %T", key, i, item)
		}
		out = append(out, s)
	}
	return out, nil
}
