package output

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ChuLiYu/jobdist/internal/structure"
)

// DatabaseConfig points the database outputter at a Postgres instance.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// StructureRecord is one committed structure. Tag is unique, so a rerun of
// a job overwrites its earlier row.
type StructureRecord struct {
	Tag       string `gorm:"primaryKey;size:255"`
	Name      string `gorm:"size:255"`
	Sequence  string
	Format    string `gorm:"size:16"`
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (StructureRecord) TableName() string { return "structures" }

// DatabaseOutputter upserts structures into the structures table.
type DatabaseOutputter struct {
	db     *gorm.DB
	format structure.Format
	logger *zap.Logger
}

// NewDatabaseOutputter migrates the schema on db.
func NewDatabaseOutputter(db *gorm.DB, format structure.Format, logger *zap.Logger) (*DatabaseOutputter, error) {
	format, err := structure.ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&StructureRecord{}); err != nil {
		return nil, fmt.Errorf("migrate structures table: %w", err)
	}
	return &DatabaseOutputter{db: db, format: format, logger: logger}, nil
}

func newDatabaseFromConfig(_ context.Context, cfg Config, log *zap.Logger) (Outputter, error) {
	if cfg.Database.DSN == "" {
		return nil, errors.New("database dsn is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	out, err := NewDatabaseOutputter(db, structure.Format(cfg.Format), log)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return out, nil
}

func (o *DatabaseOutputter) Accept(ctx context.Context, h *structure.Handle, tag string) error {
	data, err := structure.Marshal(h, o.format)
	if err != nil {
		return ioErr(tag, err)
	}

	rec := StructureRecord{
		Tag:      tag,
		Name:     h.Name,
		Sequence: h.Sequence,
		Format:   string(o.format),
		Data:     data,
	}
	err = o.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tag"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "sequence", "format", "data", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return ioErr(tag, err)
	}

	o.logger.Debug("structure stored", zap.String("tag", tag))
	return nil
}

func (o *DatabaseOutputter) Close() error {
	sqlDB, err := o.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
