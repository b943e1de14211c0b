// Package archive uploads realization artifacts to S3-compatible storage.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-multierror"

	"github.com/flexinfer/realsched/internal/metrics"
)

// Uploader is the part of the S3 client the archiver needs.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds S3/MinIO connection configuration.
type Config struct {
	// Endpoint for MinIO or another S3-compatible store. Leave empty for
	// AWS S3. A bare host is reached over https.
	Endpoint string

	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	AccessKeyID     string
	SecretAccessKey string

	// PathPrefix is prepended to all keys
	PathPrefix   string
	UsePathStyle bool

	// Patterns select the files to upload, relative to the run path.
	Patterns []string

	Logger *slog.Logger
}

// S3Archiver uploads files matching the configured patterns from a
// realization's run path.
type S3Archiver struct {
	client   Uploader
	bucket   string
	prefix   string
	patterns []string
	logger   *slog.Logger
}

// NewS3Archiver creates an archiver backed by a real S3 client.
func NewS3Archiver(ctx context.Context, cfg *Config) (*S3Archiver, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return New(client, cfg)
}

// New creates an archiver around an existing client.
func New(client Uploader, cfg *Config) (*S3Archiver, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	for _, p := range cfg.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("archive pattern %q: %w", p, err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.PathPrefix, "/"),
		patterns: cfg.Patterns,
		logger:   logger.With(slog.String("component", "archive")),
	}, nil
}

// Key returns the object key for a file of a realization.
func (a *S3Archiver) Key(ensembleID string, iens int, rel string) string {
	parts := []string{ensembleID, strconv.Itoa(iens), filepath.ToSlash(rel)}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}

// Archive uploads every regular file under runPath that matches one of the
// patterns. Failed uploads do not stop the remaining ones.
func (a *S3Archiver) Archive(ctx context.Context, ensembleID string, iens int, runPath string) error {
	files, err := a.match(runPath)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}
		key := a.Key(ensembleID, iens, rel)
		if err := a.upload(ctx, filepath.Join(runPath, rel), key); err != nil {
			metrics.ArchiveUploads.WithLabelValues("error").Inc()
			result = multierror.Append(result, fmt.Errorf("upload %s: %w", rel, err))
			continue
		}
		metrics.ArchiveUploads.WithLabelValues("ok").Inc()
		a.logger.Debug("archived file",
			slog.String("ensemble_id", ensembleID),
			slog.Int("iens", iens),
			slog.String("key", key),
		)
	}
	return result.ErrorOrNil()
}

// match returns run-path relative names of regular files matching any
// pattern, sorted and without duplicates.
func (a *S3Archiver) match(runPath string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range a.patterns {
		matches, err := filepath.Glob(filepath.Join(runPath, pattern))
		if err != nil {
			return nil, fmt.Errorf("archive pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			rel, err := filepath.Rel(runPath, m)
			if err != nil || seen[rel] {
				continue
			}
			seen[rel] = true
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (a *S3Archiver) upload(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
