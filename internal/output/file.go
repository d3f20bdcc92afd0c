package output

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/structure"
)

// FileOutputter writes one file per tag: <dir>/<tag>.<ext>. Files are
// written to a temp name and renamed, so a rerun of the same tag replaces
// the previous output whole.
type FileOutputter struct {
	dir    string
	format structure.Format
	logger *zap.Logger
}

// NewFileOutputter creates dir if needed.
func NewFileOutputter(dir string, format structure.Format, logger *zap.Logger) (*FileOutputter, error) {
	if dir == "" {
		return nil, errors.New("output dir is required")
	}
	format, err := structure.ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FileOutputter{dir: dir, format: format, logger: logger}, nil
}

func newFileFromConfig(_ context.Context, cfg Config, logger *zap.Logger) (Outputter, error) {
	return NewFileOutputter(cfg.Dir, structure.Format(cfg.Format), logger)
}

// Path returns the file a tag is written to.
func (o *FileOutputter) Path(tag string) string {
	return filepath.Join(o.dir, tag+o.format.Ext())
}

func (o *FileOutputter) Accept(_ context.Context, h *structure.Handle, tag string) error {
	data, err := structure.Marshal(h, o.format)
	if err != nil {
		return ioErr(tag, err)
	}

	path := o.Path(tag)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ioErr(tag, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ioErr(tag, err)
	}

	o.logger.Debug("structure written", zap.String("tag", tag), zap.String("path", path))
	return nil
}

func (o *FileOutputter) Close() error { return nil }
