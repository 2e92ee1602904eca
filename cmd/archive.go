package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/airframesio/data-exporter/cmd/compressors"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// ObjectStore uploads a stream under a key and returns once the upload is
// confirmed.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
}

// S3Store uploads to an S3-compatible bucket
type S3Store struct {
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3Store creates an uploader session for cfg
func NewS3Store(cfg S3Config) (*S3Store, error) {
	region := cfg.Region
	if region == "" || region == regionAuto {
		region = "us-east-1"
	}
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return &S3Store{
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.Bucket,
	}, nil
}

// Upload streams body to s3://bucket/key, using multipart for large bodies
func (s *S3Store) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	return err
}

// ArchiveUploader moves finished output files to object storage
type ArchiveUploader struct {
	store      ObjectStore
	compressor compressors.Compressor
	level      int
	prefix     string
	dryRun     bool
	logger     *slog.Logger
}

// NewArchiveUploader creates an uploader for cfg. An empty or "none"
// compression uploads files unchanged.
func NewArchiveUploader(store ObjectStore, cfg ArchiveConfig, dryRun bool, logger *slog.Logger) (*ArchiveUploader, error) {
	compressor, err := compressors.GetCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	level := cfg.CompressionLevel
	if level == 0 {
		level = compressor.DefaultLevel()
	}
	return &ArchiveUploader{
		store:      store,
		compressor: compressor,
		level:      level,
		prefix:     cfg.Prefix,
		dryRun:     dryRun,
		logger:     logger,
	}, nil
}

// Key returns the object key for a local file
func (u *ArchiveUploader) Key(path string) string {
	return u.prefix + filepath.Base(path) + u.compressor.Extension()
}

// Archive uploads every regular file in dir in name order, deleting each
// one after its upload is confirmed. The first failure stops the pass;
// files handled before it stay uploaded.
func (u *ArchiveUploader) Archive(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to list %s: %w", ErrArchive, dir, err)
	}

	archived := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := u.ArchiveFile(ctx, filepath.Join(dir, entry.Name())); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

// ArchiveFile uploads one file and removes it locally
func (u *ArchiveUploader) ArchiveFile(ctx context.Context, path string) error {
	key := u.Key(path)
	if u.dryRun {
		u.logger.Info(fmt.Sprintf("🔍 [dry-run] Would upload %s to %s and delete it", path, key))
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	u.logger.Debug(fmt.Sprintf("  ☁️  Uploading %s to %s", path, key))
	size, err := u.upload(ctx, path, key)
	if err != nil {
		filesArchived.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: upload %s: %w", ErrArchive, filepath.Base(path), err)
	}
	filesArchived.WithLabelValues("success").Inc()
	bytesArchived.Add(float64(size))

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: remove %s after upload: %w", ErrArchive, path, err)
	}
	u.logger.Info(fmt.Sprintf("☁️  Archived %s (%d bytes)", key, size))
	return nil
}

func (u *ArchiveUploader) upload(ctx context.Context, path, key string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	counter := &countingReader{r: f}
	if u.compressor.Extension() == "" {
		err := u.store.Upload(ctx, key, counter)
		return counter.n, err
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		cw, err := u.compressor.NewWriter(pw, u.level)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(cw, counter); err != nil {
			cw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(cw.Close())
	}()

	err = u.store.Upload(ctx, key, pr)
	// unblocks the compressor goroutine if the upload stopped reading early
	pr.CloseWithError(io.ErrClosedPipe)
	<-done
	return counter.n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
