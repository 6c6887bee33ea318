// Package archive copies delivered media to an S3-compatible bucket.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jmylchreest/tagsync/internal/config"
	"github.com/jmylchreest/tagsync/internal/observability"
)

// keyTimeLayout sorts lexically in delivery order.
const keyTimeLayout = "20060102T150405Z"

// Store uploads delivered files to a bucket.
type Store struct {
	client *minio.Client
	bucket string
	now    func() time.Time
	logger *slog.Logger
}

// Open connects to the archive endpoint and creates the bucket if missing.
func Open(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating archive client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	s := &Store{
		client: client,
		bucket: cfg.Bucket,
		now:    time.Now,
		logger: observability.WithComponent(logger, "archive"),
	}
	s.logger.Info("archive connected",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
	)
	return s, nil
}

// ObjectKey is where a delivered file is stored: <clientId>/<time>/<file>.
func ObjectKey(clientID string, at time.Time, name string) string {
	return path.Join(clientID, at.UTC().Format(keyTimeLayout), name)
}

// Archive uploads paths under one timestamp for clientID.
func (s *Store) Archive(ctx context.Context, clientID string, paths []string) error {
	at := s.now()
	for _, p := range paths {
		name := filepath.Base(p)
		key := ObjectKey(clientID, at, name)

		contentType := mime.TypeByExtension(filepath.Ext(name))
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		info, err := s.client.FPutObject(ctx, s.bucket, key, p, minio.PutObjectOptions{
			ContentType: contentType,
			UserMetadata: map[string]string{
				"client-id": clientID,
			},
		})
		if err != nil {
			return fmt.Errorf("archiving %s: %w", name, err)
		}
		s.logger.Debug("archived file",
			slog.String("key", key),
			slog.Int64("size", info.Size),
		)
	}
	return nil
}
