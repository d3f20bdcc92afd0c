package output

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ChuLiYu/jobdist/internal/structure"
	"github.com/ChuLiYu/jobdist/pkg/types"
)

func sample(name string) *structure.Handle {
	h := structure.New(name)
	h.Sequence = "ACDE"
	h.AddTag("relaxed")
	h.SetScore("total", -12.5)
	h.SetScore("rmsd", 1.25)
	return h
}

func TestFileOutputterRoundTrip(t *testing.T) {
	for _, format := range []structure.Format{structure.FormatMsgpack, structure.FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			dir := t.TempDir()
			out, err := NewFileOutputter(dir, format, zap.NewNop())
			require.NoError(t, err)

			h := sample("job-1")
			require.NoError(t, out.Accept(context.Background(), h, "job-1_0001"))

			data, err := os.ReadFile(out.Path("job-1_0001"))
			require.NoError(t, err)
			got, err := structure.Unmarshal(data, format)
			require.NoError(t, err)
			assert.True(t, h.Equal(got))

			_, err = os.Stat(out.Path("job-1_0001") + ".tmp")
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestFileOutputterOverwrites(t *testing.T) {
	out, err := NewFileOutputter(t.TempDir(), structure.FormatJSON, zap.NewNop())
	require.NoError(t, err)

	first := sample("a")
	second := sample("a")
	second.SetScore("total", -20)

	require.NoError(t, out.Accept(context.Background(), first, "a"))
	require.NoError(t, out.Accept(context.Background(), second, "a"))

	data, err := os.ReadFile(out.Path("a"))
	require.NoError(t, err)
	got, err := structure.Unmarshal(data, structure.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, -20.0, got.Scores["total"])
}

func TestFileOutputterWriteFailureIsIOError(t *testing.T) {
	dir := t.TempDir()
	out, err := NewFileOutputter(dir, structure.FormatJSON, zap.NewNop())
	require.NoError(t, err)

	// A directory in the way of the target makes the rename fail.
	require.NoError(t, os.Mkdir(out.Path("blocked"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(out.Path("blocked"), "x"), []byte("x"), 0o644))

	err = out.Accept(context.Background(), sample("b"), "blocked")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrIO)

	var ioErr *types.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "blocked", ioErr.Tag)
}

func TestFileOutputterRejectsBadConfig(t *testing.T) {
	_, err := NewFileOutputter("", structure.FormatJSON, zap.NewNop())
	assert.Error(t, err)

	_, err = NewFileOutputter(t.TempDir(), "pdb", zap.NewNop())
	assert.ErrorIs(t, err, structure.ErrUnknownFormat)
}

func TestScoreFileOutputter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scores", "score.sc")
	out, err := NewScoreFileOutputter(path, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, out.Accept(ctx, sample("a"), "a_0001"))

	partial := structure.New("b")
	partial.SetScore("total", 3)
	partial.SetScore("extra", 9)
	require.NoError(t, out.Accept(ctx, partial, "b_0001"))
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "SCORE: rmsd total description", lines[0])
	assert.Equal(t, "SCORE: 1.250 -12.500 a_0001", lines[1])
	assert.Equal(t, "SCORE: nan 3.000 b_0001", lines[2])
}

func TestScoreFileOutputterReusesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "score.sc")
	out, err := NewScoreFileOutputter(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, out.Accept(context.Background(), sample("a"), "a"))
	require.NoError(t, out.Close())

	out, err = NewScoreFileOutputter(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, out.Accept(context.Background(), sample("b"), "b"))
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "description"))
	assert.Equal(t, 3, strings.Count(string(data), "SCORE:"))
}

func TestScoreFileOutputterSkipsWrittenTags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "score.sc")
	ctx := context.Background()
	out, err := NewScoreFileOutputter(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, out.Accept(ctx, sample("a"), "a_0001"))
	require.NoError(t, out.Accept(ctx, sample("a"), "a_0001"))
	require.NoError(t, out.Close())

	// a rerun after restart writes the same tag again
	out, err = NewScoreFileOutputter(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, out.Accept(ctx, sample("a"), "a_0001"))
	require.NoError(t, out.Accept(ctx, sample("b"), "b_0001"))
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "a_0001"))
	assert.Equal(t, 1, strings.Count(string(data), "b_0001"))
	assert.Equal(t, 3, strings.Count(string(data), "SCORE:"))
}

func TestScoreFileOutputterConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "score.sc")
	out, err := NewScoreFileOutputter(path, zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tag := "t" + strings.Repeat("x", i)
			assert.NoError(t, out.Accept(context.Background(), sample("c"), tag))
		}(i)
	}
	wg.Wait()
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 21)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Outputter(t *testing.T) {
	client := &fakeS3{objects: make(map[string][]byte)}
	out, err := NewS3Outputter(client, "results", "run-1", structure.FormatMsgpack, zap.NewNop())
	require.NoError(t, err)

	h := sample("a")
	require.NoError(t, out.Accept(context.Background(), h, "a_0001"))

	data, ok := client.objects["results/run-1/a_0001.msgpack"]
	require.True(t, ok)
	got, err := structure.Unmarshal(data, structure.FormatMsgpack)
	require.NoError(t, err)
	assert.True(t, h.Equal(got))
}

func TestS3OutputterError(t *testing.T) {
	client := &fakeS3{err: errors.New("access denied")}
	out, err := NewS3Outputter(client, "results", "", structure.FormatJSON, zap.NewNop())
	require.NoError(t, err)

	err = out.Accept(context.Background(), sample("a"), "a")
	assert.ErrorIs(t, err, types.ErrIO)
	assert.Contains(t, err.Error(), "access denied")

	_, err = NewS3Outputter(client, "", "", structure.FormatJSON, zap.NewNop())
	assert.Error(t, err)
}

func TestDatabaseOutputter(t *testing.T) {
	dsn := os.Getenv("JOBDIST_TEST_DSN")
	if dsn == "" {
		t.Skip("JOBDIST_TEST_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	out, err := NewDatabaseOutputter(db, structure.FormatJSON, zap.NewNop())
	require.NoError(t, err)
	defer out.Close()

	ctx := context.Background()
	require.NoError(t, out.Accept(ctx, sample("a"), "db_test_a"))
	require.NoError(t, out.Accept(ctx, sample("a"), "db_test_a"))

	var count int64
	require.NoError(t, db.Model(&StructureRecord{}).Where("tag = ?", "db_test_a").Count(&count).Error)
	assert.Equal(t, int64(1), count)
	db.Where("tag = ?", "db_test_a").Delete(&StructureRecord{})
}

func TestFactory(t *testing.T) {
	f := NewDefaultFactory()
	assert.Equal(t, []string{"database", "file", "none", "s3", "score"}, f.Names())

	ctx := context.Background()
	out, err := f.Create(ctx, Config{Type: "file", Dir: t.TempDir(), Format: "json"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &FileOutputter{}, out)

	out, err = f.Create(ctx, Config{Type: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, out.Accept(ctx, sample("a"), "a"))

	_, err = f.Create(ctx, Config{Type: "carrier-pigeon"}, zap.NewNop())
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = f.Create(ctx, Config{Type: "file"}, zap.NewNop())
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = f.Create(ctx, Config{Type: "database"}, zap.NewNop())
	assert.ErrorIs(t, err, types.ErrConfiguration)

	err = f.Register("file", newNoneFromConfig)
	assert.ErrorIs(t, err, ErrDuplicateOutputter)
}
