// Package config loads the jobdist run configuration.
//
// A config file is YAML with ${VAR} and ${VAR:-default} expansion. An
// optional .env file next to it is loaded into the environment first.
// Defaults are applied after decoding, then the result is validated.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/jobdist/internal/events"
	"github.com/ChuLiYu/jobdist/internal/logging"
	"github.com/ChuLiYu/jobdist/internal/output"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

// Config is the complete run configuration.
type Config struct {
	Logging     logging.Config    `yaml:"logging"`
	Distributor DistributorConfig `yaml:"distributor"`
	// Protocols maps protocol names to YAML protocol files.
	Protocols map[string]string `yaml:"protocols" validate:"required,min=1"`
	JobsFile  string            `yaml:"jobs_file"`
	// InputDir is where file: inputs are resolved.
	InputDir string         `yaml:"input_dir"`
	Output   output.Config  `yaml:"output"`
	Queue    QueueConfig    `yaml:"queue"`
	Events   events.Config  `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// BaseDir is the directory of the config file. Relative paths are
	// resolved against it.
	BaseDir string `yaml:"-"`
}

type DistributorConfig struct {
	Workers          int           `yaml:"workers" validate:"gte=1"`
	PollInterval     time.Duration `yaml:"poll_interval" validate:"gt=0"`
	StateDir         string        `yaml:"state_dir" validate:"required"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" validate:"gte=0"`
	WALBufferSize    int           `yaml:"wal_buffer_size" validate:"gte=0"`
	SyncOnAppend     bool          `yaml:"sync_on_append"`
	// WorkerTTL is how long a worker node may go without polling or a
	// heartbeat before its running jobs are requeued.
	WorkerTTL time.Duration `yaml:"worker_ttl" validate:"gte=0"`
	// FailFastOnOutputError aborts the run on the first output failure.
	FailFastOnOutputError bool `yaml:"fail_fast_on_output_error"`
	// Resume keeps the job table found in StateDir instead of starting over.
	Resume bool `yaml:"resume"`
}

// WALPath is the job-state log inside StateDir.
func (d DistributorConfig) WALPath() string { return filepath.Join(d.StateDir, "jobs.wal") }

// SnapshotPath is the snapshot file inside StateDir.
func (d DistributorConfig) SnapshotPath() string {
	return filepath.Join(d.StateDir, "snapshot.json")
}

// QueueConfig selects where workers pull jobs from.
//
//	local  in-process distributor
//	redis  shared Redis queue, for several worker processes
//	grpc   remote master started with `jobdist serve`
type QueueConfig struct {
	Type  string      `yaml:"type" validate:"oneof=local redis grpc"`
	Redis RedisConfig `yaml:"redis"`
	GRPC  GRPCConfig  `yaml:"grpc"`
}

type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type GRPCConfig struct {
	// Addr is the listen address for serve and the dial target for worker.
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a configuration with every default applied and no
// protocols.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Distributor.Workers == 0 {
		c.Distributor.Workers = 4
	}
	if c.Distributor.PollInterval == 0 {
		c.Distributor.PollInterval = 100 * time.Millisecond
	}
	if c.Distributor.StateDir == "" {
		c.Distributor.StateDir = "state"
	}
	if c.Distributor.SnapshotInterval == 0 {
		c.Distributor.SnapshotInterval = 30 * time.Second
	}
	if c.Distributor.WorkerTTL == 0 {
		c.Distributor.WorkerTTL = 30 * time.Second
	}
	if c.Distributor.WALBufferSize == 0 {
		c.Distributor.WALBufferSize = 256
	}
	if c.Output.Type == "" {
		c.Output.Type = "file"
	}
	if c.Output.Type == "file" && c.Output.Dir == "" {
		c.Output.Dir = "output"
	}
	if c.Output.Format == "" {
		c.Output.Format = "msgpack"
	}
	if c.Queue.Type == "" {
		c.Queue.Type = "local"
	}
	if c.Queue.Redis.Prefix == "" {
		c.Queue.Redis.Prefix = "jobdist"
	}
	if c.Queue.GRPC.Addr == "" {
		c.Queue.GRPC.Addr = "localhost:50051"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

// Resolve makes p absolute against the config directory.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.BaseDir == "" {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

func (c *Config) resolvePaths() {
	for name, p := range c.Protocols {
		c.Protocols[name] = c.Resolve(p)
	}
	c.JobsFile = c.Resolve(c.JobsFile)
	c.InputDir = c.Resolve(c.InputDir)
	c.Distributor.StateDir = c.Resolve(c.Distributor.StateDir)
	c.Output.Dir = c.Resolve(c.Output.Dir)
	c.Output.ScoreFile = c.Resolve(c.Output.ScoreFile)
	if c.InputDir == "" {
		c.InputDir = c.BaseDir
	}
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &types.ConfigError{Component: "config", Err: err}
	}
	if c.Queue.Type == "redis" && c.Queue.Redis.URL == "" {
		return &types.ConfigError{Component: "config", Name: "queue.redis.url", Err: errors.New("required for the redis queue")}
	}
	return nil
}

// Load reads path, loading a sibling .env file first when one exists.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		// Variables already in the environment win.
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.BaseDir = dir
	cfg.resolvePaths()
	return cfg, nil
}

// Parse decodes, defaults and validates a config document. Relative paths
// are left as they are.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &cfg); err != nil {
		return nil, &types.ConfigError{Component: "config", Err: err}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
