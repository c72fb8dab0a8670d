package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"plantly.app/plantly-server/internal/config"
)

var ErrNotFound = errors.New("object not found")

// Storage keeps uploaded plant images.
type Storage interface {
	// Write stores content from the reader with the given key.
	// The size parameter is the expected content size (-1 if unknown).
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Read retrieves content for the given key. The caller closes the reader.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// New builds the configured backend. Backend "none" returns a nil Storage.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "none", "":
		return nil, nil
	case "local":
		return NewLocalStorage(LocalConfig{BasePath: cfg.LocalPath})
	case "s3":
		return NewS3Storage(ctx, S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// ImageKey builds "uploads/{userID}/{yyyy}/{mm}/{uuid}{ext}" for an upload.
func ImageKey(userID, filename, contentType string, now time.Time) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		switch contentType {
		case "image/png":
			ext = ".png"
		case "image/webp":
			ext = ".webp"
		default:
			ext = ".jpg"
		}
	}
	return fmt.Sprintf("uploads/%s/%s/%s%s", userID, now.UTC().Format("2006/01"), uuid.NewString(), ext)
}
