package protocol

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/jobdist/internal/registry"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// Library holds the compiled protocols of a run, keyed by name.
type Library struct {
	protocols map[string]*Compiled
}

// LoadLibrary compiles every protocol in paths (name -> file). Relative
// paths are resolved against baseDir.
func LoadLibrary(reg *registry.Registry, baseDir string, paths map[string]string) (*Library, error) {
	lib := &Library{protocols: make(map[string]*Compiled, len(paths))}

	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := paths[name]
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		c, err := CompileFile(reg, name, path)
		if err != nil {
			return nil, err
		}
		lib.protocols[name] = c
	}
	return lib, nil
}

// NewLibrary wraps already compiled protocols.
func NewLibrary(compiled ...*Compiled) *Library {
	lib := &Library{protocols: make(map[string]*Compiled, len(compiled))}
	for _, c := range compiled {
		lib.protocols[c.Name] = c
	}
	return lib
}

// Get returns the protocol called name.
func (l *Library) Get(name string) (*Compiled, error) {
	c, ok := l.protocols[name]
	if !ok {
		return nil, &types.ConfigError{Component: "protocol", Name: name, Err: fmt.Errorf("%w: protocol", ErrUnknownName)}
	}
	return c, nil
}

// Names lists the loaded protocols.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.protocols))
	for name := range l.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
