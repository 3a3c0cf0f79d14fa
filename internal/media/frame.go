package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

// Compile-time check that FFmpegFrameExtractor implements FrameExtractor.
var _ FrameExtractor = (*FFmpegFrameExtractor)(nil)

// DefaultJPEGQuality is the quality used for extracted preview frames.
const DefaultJPEGQuality = 90

// FFmpegFrameExtractor implements FrameExtractor. ffmpeg decodes a single
// frame to PNG on a pipe; the frame is then re-encoded as JPEG.
type FFmpegFrameExtractor struct {
	ffmpegPath string
	quality    int
}

// NewFFmpegFrameExtractor creates a new FFmpegFrameExtractor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegFrameExtractor(ffmpegPath string) *FFmpegFrameExtractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegFrameExtractor{ffmpegPath: ffmpegPath, quality: DefaultJPEGQuality}
}

// ExtractFrame implements FrameExtractor.
func (e *FFmpegFrameExtractor) ExtractFrame(ctx context.Context, video, output string, at time.Duration) error {
	if video == "" || output == "" {
		return fmt.Errorf("%w: video and output paths are required", ErrInvalidInput)
	}
	if at < 0 {
		return fmt.Errorf("%w: negative frame offset %s", ErrInvalidInput, at)
	}
	if _, err := os.Stat(video); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", at.Seconds()),
		"-i", video,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	}
	frame, err := runTool(ctx, e.ffmpegPath, args)
	if err != nil {
		return fmt.Errorf("extract frame: %w", err)
	}
	if len(frame) == 0 {
		return fmt.Errorf("%w: no frame decoded from %s", ErrInvalidInput, video)
	}

	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	return writeJPEGAtomic(output, func(f *os.File) error {
		return imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(e.quality))
	})
}

// writeJPEGAtomic writes through a temp file in the output directory and
// renames it into place only after the content sniffs as JPEG.
func writeJPEGAtomic(output string, encode func(*os.File) error) (err error) {
	f, err := os.CreateTemp(filepath.Dir(output), ".frame-*.jpg")
	if err != nil {
		return fmt.Errorf("create temp frame: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if err = encode(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode jpeg: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp frame: %w", err)
	}

	mt, err := mimetype.DetectFile(tmp)
	if err != nil {
		return fmt.Errorf("detect frame type: %w", err)
	}
	if !mt.Is("image/jpeg") {
		err = fmt.Errorf("%w: frame encoded as %s", ErrCorrupt, mt.String())
		return err
	}

	if err = os.Rename(tmp, output); err != nil {
		return fmt.Errorf("move frame into place: %w", err)
	}
	return nil
}
