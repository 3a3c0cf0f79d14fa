// Package storage manages the working directory for uploads and optimized
// outputs, and optionally publishes finished videos to S3.
package storage

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ObjectPrefix is the S3 key prefix for uploaded videos.
const ObjectPrefix = "videos"

// Storage defines the interface for working files and published outputs.
type Storage interface {
	// SaveTemp saves data to a new file in the working directory and returns
	// its path. The name parameter is used as a hint for the filename.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// LoadTemp opens a file for reading.
	// The caller is responsible for closing the returned ReadCloser.
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)

	// NewOutputPath returns a path in the working directory, derived from
	// source and ending in ext, where no file exists yet. Nothing is created.
	NewOutputPath(ctx context.Context, source, ext string) (string, error)

	// CleanupTemp removes the specified files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error

	// S3Enabled reports whether uploads are configured.
	S3Enabled() bool

	// UploadFile uploads the file at path under a fresh ObjectKey and returns
	// its URL. Returns ErrS3NotConfigured if S3 is not configured.
	UploadFile(ctx context.Context, path string) (url string, err error)
}

// ObjectKey returns a unique S3 key for a local file, keeping its extension.
func ObjectKey(localPath string) string {
	return ObjectPrefix + "/" + uuid.NewString() + strings.ToLower(filepath.Ext(localPath))
}

// stem returns the base name of path without its extension.
func stem(path string) string {
	base := filepath.Base(path)
	s := strings.TrimSuffix(base, filepath.Ext(base))
	if s == "" || s == "." || s == string(filepath.Separator) {
		return "video"
	}
	return s
}
