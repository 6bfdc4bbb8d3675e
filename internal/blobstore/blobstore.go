// Package blobstore keeps uploaded originals and generated thumbnails.
// Keys are slash-separated, e.g. "uploads/<id>_<name>" or "thumbnails/<id>_small.jpg".
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"image_ingest/internal/models"
)

var ErrNotFound = errors.New("blob not found")

const (
	UploadsDir    = "uploads"
	ThumbnailsDir = "thumbnails"
)

type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg models.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "s3":
		s, err := NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "local", "":
		s, err := NewLocalStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("blobstore.New: unknown backend %q", cfg.Backend)
	}
}

// UploadKey returns the key of the original file for an image.
func UploadKey(id, originalName string) string {
	return path.Join(UploadsDir, id+"_"+safeName(originalName))
}

// ThumbnailKey returns the key of the thumbnail of the given size ("small", "medium").
func ThumbnailKey(id, size string) string {
	return path.Join(ThumbnailsDir, fmt.Sprintf("%s_%s.jpg", id, size))
}

// safeName strips directories so a client-supplied name cannot escape the uploads dir.
func safeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." || name == "" {
		return "upload"
	}
	return name
}

// ReadAll opens key and reads it fully.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
