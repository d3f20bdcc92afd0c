package structure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrBadInput is returned when an input source cannot produce a handle.
// The distributor maps it to fail_bad_input.
var ErrBadInput = errors.New("structure: bad input")

// Loader produces a fresh handle for one attempt of a job.
type Loader interface {
	Load(source, name string) (*Handle, error)
}

// SourceLoader understands three input forms:
//
//	""              blank handle named after the job
//	"seq:ACDEFG"    handle built from a one-letter sequence
//	"file:path"     serialized handle (.json or msgpack), relative to BaseDir
type SourceLoader struct {
	BaseDir string
}

// NewSourceLoader returns a loader resolving relative paths against baseDir.
func NewSourceLoader(baseDir string) *SourceLoader {
	return &SourceLoader{BaseDir: baseDir}
}

// Load implements Loader. Every call returns a new handle, so retries of a
// job never observe state left by an earlier attempt.
func (l *SourceLoader) Load(source, name string) (*Handle, error) {
	switch {
	case source == "":
		return New(name), nil

	case strings.HasPrefix(source, "seq:"):
		seq := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(source, "seq:")))
		if seq == "" {
			return nil, fmt.Errorf("%w: empty sequence", ErrBadInput)
		}
		for _, r := range seq {
			if r < 'A' || r > 'Z' {
				return nil, fmt.Errorf("%w: invalid residue %q in sequence", ErrBadInput, r)
			}
		}
		h := New(name)
		h.Sequence = seq
		return h, nil

	case strings.HasPrefix(source, "file:"):
		path := strings.TrimPrefix(source, "file:")
		if !filepath.IsAbs(path) && l.BaseDir != "" {
			path = filepath.Join(l.BaseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
		}
		format := FormatMsgpack
		if strings.EqualFold(filepath.Ext(path), ".json") {
			format = FormatJSON
		}
		h, err := Unmarshal(data, format)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
		}
		if h.Name == "" {
			h.Name = name
		}
		return h, nil
	}

	return nil, fmt.Errorf("%w: unrecognised source %q", ErrBadInput, source)
}
