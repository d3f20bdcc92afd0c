// Package output holds the sinks a succeeded structure is committed to.
//
// An Outputter is chosen once per run by name (output.type in the config)
// through a Factory. Every Accept failure is returned as *types.IOError so
// the distributor can tell output failures from protocol failures.
package output

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// Outputter commits finished structures. Implementations must be safe for
// concurrent Accept calls with distinct tags.
type Outputter interface {
	Accept(ctx context.Context, h *structure.Handle, tag string) error
	Close() error
}

// Config selects and configures the outputter.
type Config struct {
	Type      string         `yaml:"type" validate:"required"`
	Dir       string         `yaml:"dir"`
	Format    string         `yaml:"format" validate:"omitempty,oneof=msgpack json"`
	ScoreFile string         `yaml:"score_file"`
	S3        S3Config       `yaml:"s3"`
	Database  DatabaseConfig `yaml:"database"`
}

// Builder constructs an outputter from configuration.
type Builder func(ctx context.Context, cfg Config, logger *zap.Logger) (Outputter, error)

var ErrDuplicateOutputter = errors.New("outputter already registered")

// Factory maps outputter names to builders.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewFactory() *Factory {
	return &Factory{builders: make(map[string]Builder)}
}

// NewDefaultFactory returns a factory with every built-in outputter.
func NewDefaultFactory() *Factory {
	f := NewFactory()
	for name, b := range map[string]Builder{
		"file":     newFileFromConfig,
		"score":    newScoreFromConfig,
		"none":     newNoneFromConfig,
		"s3":       newS3FromConfig,
		"database": newDatabaseFromConfig,
	} {
		if err := f.Register(name, b); err != nil {
			panic(err)
		}
	}
	return f
}

// Register adds a builder. Registering a name twice is an error.
func (f *Factory) Register(name string, b Builder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.builders[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOutputter, name)
	}
	f.builders[name] = b
	return nil
}

// Create builds the outputter named by cfg.Type.
func (f *Factory) Create(ctx context.Context, cfg Config, logger *zap.Logger) (Outputter, error) {
	f.mu.RLock()
	b, ok := f.builders[cfg.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, &types.ConfigError{Component: "outputter", Name: cfg.Type, Err: errors.New("unknown outputter type")}
	}

	out, err := b(ctx, cfg, logger.With(zap.String("outputter", cfg.Type)))
	if err != nil {
		return nil, &types.ConfigError{Component: "outputter", Name: cfg.Type, Err: err}
	}
	return out, nil
}

// Names lists registered outputters.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.builders))
	for name := range f.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ioErr wraps err for tag, passing nil through.
func ioErr(tag string, err error) error {
	if err == nil {
		return nil
	}
	return &types.IOError{Tag: tag, Err: err}
}

// NoneOutputter discards every structure.
type NoneOutputter struct{}

func (NoneOutputter) Accept(context.Context, *structure.Handle, string) error { return nil }
func (NoneOutputter) Close() error                                             { return nil }

func newNoneFromConfig(context.Context, Config, *zap.Logger) (Outputter, error) {
	return NoneOutputter{}, nil
}
