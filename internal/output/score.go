package output

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/structure"
)

// ScoreFileOutputter appends one whitespace-separated row per structure to
// a score file. The header is taken from the first structure's score terms;
// later rows print "nan" for a term they lack and drop terms not in the
// header. A tag already in the file is not written again.
//
//	SCORE: rmsd total description
//	SCORE: 1.250 -12.500 job-0001
type ScoreFileOutputter struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	terms  []string
	tags   map[string]struct{}
	logger *zap.Logger
}

// NewScoreFileOutputter opens path for appending. An existing header and
// the tags already written are reused, so a resumed run keeps one
// consistent column set and one row per tag.
func NewScoreFileOutputter(path string, logger *zap.Logger) (*ScoreFileOutputter, error) {
	if path == "" {
		return nil, errors.New("score_file is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create score dir: %w", err)
	}

	terms, tags, err := readScores(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open score file: %w", err)
	}
	return &ScoreFileOutputter{
		path:   path,
		file:   f,
		w:      bufio.NewWriter(f),
		terms:  terms,
		tags:   tags,
		logger: logger,
	}, nil
}

func newScoreFromConfig(_ context.Context, cfg Config, logger *zap.Logger) (Outputter, error) {
	path := cfg.ScoreFile
	if path == "" && cfg.Dir != "" {
		path = filepath.Join(cfg.Dir, "score.sc")
	}
	return NewScoreFileOutputter(path, logger)
}

// readScores returns the header terms and row tags of an existing score
// file.
func readScores(path string) ([]string, map[string]struct{}, error) {
	tags := make(map[string]struct{})
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tags, nil
		}
		return nil, nil, fmt.Errorf("read score header: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil, tags, sc.Err()
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 2 || fields[0] != "SCORE:" || fields[len(fields)-1] != "description" {
		return nil, nil, fmt.Errorf("score file %s has no header", path)
	}
	terms := fields[1 : len(fields)-1]

	for sc.Scan() {
		row := strings.Fields(sc.Text())
		if len(row) >= 2 && row[0] == "SCORE:" {
			tags[row[len(row)-1]] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read score rows: %w", err)
	}
	return terms, tags, nil
}

func (o *ScoreFileOutputter) Accept(_ context.Context, h *structure.Handle, tag string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.tags[tag]; ok {
		o.logger.Debug("score row already written", zap.String("tag", tag))
		return nil
	}

	if o.terms == nil {
		o.terms = make([]string, 0, len(h.Scores))
		for term := range h.Scores {
			o.terms = append(o.terms, term)
		}
		sort.Strings(o.terms)
		header := append(append([]string{"SCORE:"}, o.terms...), "description")
		if _, err := fmt.Fprintln(o.w, strings.Join(header, " ")); err != nil {
			return ioErr(tag, err)
		}
	}

	row := make([]string, 0, len(o.terms)+2)
	row = append(row, "SCORE:")
	for _, term := range o.terms {
		v, ok := h.Score(term)
		if !ok {
			row = append(row, "nan")
			continue
		}
		row = append(row, strconv.FormatFloat(v, 'f', 3, 64))
	}
	row = append(row, tag)

	if _, err := fmt.Fprintln(o.w, strings.Join(row, " ")); err != nil {
		return ioErr(tag, err)
	}
	if err := o.w.Flush(); err != nil {
		return ioErr(tag, err)
	}
	o.tags[tag] = struct{}{}
	return nil
}

func (o *ScoreFileOutputter) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.w.Flush(); err != nil {
		o.file.Close()
		return err
	}
	return o.file.Close()
}
