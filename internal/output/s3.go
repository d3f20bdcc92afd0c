package output

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobdist/internal/structure"
)

// S3Config holds the object storage destination.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint overrides the AWS endpoint for S3-compatible stores (MinIO, R2).
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// PutObjectAPI is the part of *s3.Client the outputter uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Outputter uploads each structure as <prefix>/<tag>.<ext>.
type S3Outputter struct {
	client PutObjectAPI
	bucket string
	prefix string
	format structure.Format
	logger *zap.Logger
}

func NewS3Outputter(client PutObjectAPI, bucket, prefix string, format structure.Format, logger *zap.Logger) (*S3Outputter, error) {
	if bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	format, err := structure.ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	return &S3Outputter{client: client, bucket: bucket, prefix: prefix, format: format, logger: logger}, nil
}

// newS3FromConfig uses the default AWS credential chain.
func newS3FromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (Outputter, error) {
	if cfg.S3.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.S3.Region != "" {
		opts = append(opts, config.WithRegion(cfg.S3.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.S3.Endpoint != "" {
		endpoint := cfg.S3.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.S3.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3Outputter(s3.NewFromConfig(awsConfig, s3Opts...), cfg.S3.Bucket, cfg.S3.Prefix, structure.Format(cfg.Format), logger)
}

// Key returns the object key of a tag.
func (o *S3Outputter) Key(tag string) string {
	return path.Join(o.prefix, tag+o.format.Ext())
}

func (o *S3Outputter) Accept(ctx context.Context, h *structure.Handle, tag string) error {
	data, err := structure.Marshal(h, o.format)
	if err != nil {
		return ioErr(tag, err)
	}

	contentType := "application/msgpack"
	if o.format == structure.FormatJSON {
		contentType = "application/json"
	}

	key := o.Key(tag)
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"structure-name": h.Name},
	})
	if err != nil {
		return ioErr(tag, fmt.Errorf("put s3://%s/%s: %w", o.bucket, key, err))
	}

	o.logger.Debug("structure uploaded", zap.String("tag", tag), zap.String("key", key))
	return nil
}

func (o *S3Outputter) Close() error { return nil }
