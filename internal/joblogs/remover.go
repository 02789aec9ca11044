// Package joblogs locates, archives and removes the log files workers write
// per site.
package joblogs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"import-status-tracker/internal/config"
)

// FileNames returns the import and archive log names for a site on a host.
// Workers write the import log; the archive log belongs to the archiving job
// that reports through ImportArchiveFinished and is only ever removed here.
func FileNames(siteID int64, hostname string) []string {
	return []string{
		fmt.Sprintf("gaimport_%d_%s.log", siteID, hostname),
		fmt.Sprintf("gaimport_archive_%d_%s.log", siteID, hostname),
	}
}

// ImportLogPath is where a worker on hostname writes the site's import log.
func ImportLogPath(dir string, siteID int64, hostname string) string {
	return filepath.Join(dir, FileNames(siteID, hostname)[0])
}

// LocalRemover deletes logs from a directory on this host.
type LocalRemover struct {
	Dir string
}

func (l *LocalRemover) Remove(_ context.Context, siteID int64, hostname string) error {
	var errs []error
	for _, name := range FileNames(siteID, hostname) {
		err := os.Remove(filepath.Join(l.Dir, name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps copies of site logs in a bucket.
type S3Store struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Store returns nil when no bucket is configured.
func NewS3Store(ctx context.Context, cfg config.Config) (*S3Store, error) {
	if cfg.JobLogS3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: cfg.JobLogS3Bucket, prefix: cfg.JobLogS3Prefix}, nil
}

// Upload copies the import log at path to the bucket, replacing any earlier copy.
func (s *S3Store) Upload(ctx context.Context, siteID int64, hostname, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	key := s.prefix + FileNames(siteID, hostname)[0]
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) Remove(ctx context.Context, siteID int64, hostname string) error {
	var errs []error
	for _, name := range FileNames(siteID, hostname) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.prefix + name),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete s3://%s/%s%s: %w", s.bucket, s.prefix, name, err))
		}
	}
	return errors.Join(errs...)
}

// Multi runs every remover and joins their errors.
type Multi []interface {
	Remove(ctx context.Context, siteID int64, hostname string) error
}

func (m Multi) Remove(ctx context.Context, siteID int64, hostname string) error {
	var errs []error
	for _, r := range m {
		if err := r.Remove(ctx, siteID, hostname); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewFromConfig always removes local logs and, when a bucket is configured,
// archived copies in S3 as well.
func NewFromConfig(ctx context.Context, cfg config.Config) (Multi, error) {
	removers := Multi{&LocalRemover{Dir: cfg.JobLogDir}}
	store, err := NewS3Store(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if store != nil {
		removers = append(removers, store)
	}
	return removers, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.JobLogS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.JobLogS3PathStyle
		if cfg.JobLogS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.JobLogS3Endpoint)
		}
	}), nil
}
