package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobdist/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("protocols:\n  relax: relax.yaml\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Distributor.Workers)
	assert.Equal(t, 100*time.Millisecond, cfg.Distributor.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Distributor.SnapshotInterval)
	assert.Equal(t, 30*time.Second, cfg.Distributor.WorkerTTL)
	assert.Equal(t, "file", cfg.Output.Type)
	assert.Equal(t, "msgpack", cfg.Output.Format)
	assert.Equal(t, "local", cfg.Queue.Type)
	assert.Equal(t, filepath.Join("state", "jobs.wal"), cfg.Distributor.WALPath())
}

func TestParseFull(t *testing.T) {
	doc := `
logging:
  level: debug
  format: console
distributor:
  workers: 8
  poll_interval: 50ms
  state_dir: /var/lib/jobdist
  snapshot_interval: 1m
  worker_ttl: 2m
  fail_fast_on_output_error: true
protocols:
  relax: protocols/relax.yaml
output:
  type: s3
  format: json
  s3:
    bucket: results
    region: eu-west-1
queue:
  type: redis
  redis:
    url: redis://localhost:6379/0
events:
  type: nats
  url: nats://localhost:4222
metrics:
  enabled: true
  addr: ":9100"
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Distributor.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.Distributor.PollInterval)
	assert.Equal(t, time.Minute, cfg.Distributor.SnapshotInterval)
	assert.Equal(t, 2*time.Minute, cfg.Distributor.WorkerTTL)
	assert.True(t, cfg.Distributor.FailFastOnOutputError)
	assert.Equal(t, "results", cfg.Output.S3.Bucket)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Queue.Redis.URL)
	assert.Equal(t, "jobdist", cfg.Queue.Redis.Prefix)
	assert.Equal(t, "nats", cfg.Events.Type)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no protocols", "distributor:\n  workers: 2\n"},
		{"negative workers", "protocols: {a: a.yaml}\ndistributor:\n  workers: -1\n"},
		{"bad log level", "protocols: {a: a.yaml}\nlogging:\n  level: loud\n"},
		{"bad output format", "protocols: {a: a.yaml}\noutput:\n  format: pdb\n"},
		{"bad queue", "protocols: {a: a.yaml}\nqueue:\n  type: kafka\n"},
		{"redis without url", "protocols: {a: a.yaml}\nqueue:\n  type: redis\n"},
		{"bad events", "protocols: {a: a.yaml}\nevents:\n  type: carrier\n"},
		{"malformed yaml", "protocols: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("JOBDIST_BUCKET", "prod-results")

	tests := []struct {
		in, want string
	}{
		{"${JOBDIST_BUCKET}", "prod-results"},
		{"${JOBDIST_UNSET_VAR}", ""},
		{"${JOBDIST_UNSET_VAR:-fallback}", "fallback"},
		{"s3://${JOBDIST_BUCKET}/runs", "s3://prod-results/runs"},
		{"$JOBDIST_BUCKET", "$JOBDIST_BUCKET"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandEnv(tt.in), tt.in)
	}
}

func TestLoadResolvesPathsAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "JOBDIST_TEST_WORKERS=3\n")
	path := writeFile(t, dir, "jobdist.yaml", `
distributor:
  workers: ${JOBDIST_TEST_WORKERS}
protocols:
  relax: protocols/relax.yaml
jobs_file: jobs.yaml
`)
	t.Cleanup(func() { os.Unsetenv("JOBDIST_TEST_WORKERS") })

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Distributor.Workers)
	assert.Equal(t, filepath.Join(dir, "protocols", "relax.yaml"), cfg.Protocols["relax"])
	assert.Equal(t, filepath.Join(dir, "jobs.yaml"), cfg.JobsFile)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.Distributor.StateDir)
	assert.Equal(t, filepath.Join(dir, "output"), cfg.Output.Dir)
	assert.Equal(t, dir, cfg.InputDir)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseJobs(t *testing.T) {
	doc := `
jobs:
  - id: single
    input: seq:ACDE
    protocol: relax
  - id: design
    protocol: relax
    output_tag: d
    max_trials: 3
    nstruct: 3
`
	jobs, err := ParseJobs([]byte(doc))
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	assert.Equal(t, types.JobID("single"), jobs[0].ID)
	assert.Equal(t, "single", jobs[0].OutputTag)
	assert.Equal(t, 1, jobs[0].MaxTrials)
	assert.Equal(t, "seq:ACDE", jobs[0].Input)

	assert.Equal(t, types.JobID("design_0001"), jobs[1].ID)
	assert.Equal(t, "d_0003", jobs[3].OutputTag)
	assert.Equal(t, 3, jobs[3].MaxTrials)
}

func TestParseJobsJSONList(t *testing.T) {
	jobs, err := ParseJobs([]byte(`[{"id": "a", "protocol": "p"}, {"id": "b", "protocol": "p", "max_trials": 2}]`))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, 2, jobs[1].MaxTrials)
}

func TestParseJobsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "jobs: []"},
		{"missing id", "- protocol: p"},
		{"missing protocol", "- id: a"},
		{"duplicate id", "- {id: a, protocol: p}\n- {id: a, protocol: p, output_tag: other}"},
		{"duplicate tag", "- {id: a, protocol: p, output_tag: t}\n- {id: b, protocol: p, output_tag: t}"},
		{"expansion clash", "- {id: a_0001, protocol: p}\n- {id: a, protocol: p, nstruct: 2}"},
		{"negative trials", "- {id: a, protocol: p, max_trials: -1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobs([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}
