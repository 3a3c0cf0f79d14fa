package media

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DetectKind sniffs the MIME type of the file at path from its content.
func DetectKind(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return mt.String(), nil
}

// RequireVideo returns an error wrapping ErrInvalidInput unless the file at
// path sniffs as a video container.
func RequireVideo(path string) error {
	kind, err := DetectKind(path)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(kind, "video/") {
		return fmt.Errorf("%w: %s is %s, not a video", ErrInvalidInput, path, kind)
	}
	return nil
}
