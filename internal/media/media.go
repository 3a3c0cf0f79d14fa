// Package media provides probing, capability detection and frame extraction
// for video files. Implementations drive the ffprobe and ffmpeg CLIs.
package media

import (
	"context"
	"fmt"
	"time"
)

// Descriptor is an immutable metadata snapshot of a media file.
// A DurationMillis of zero means the file could not be read.
type Descriptor struct {
	// Path is the file the snapshot was taken from.
	Path string `json:"path"`
	// DurationMillis is the container duration in milliseconds.
	DurationMillis int64 `json:"duration_ms"`
	// BitrateBps is the average overall bitrate in bits per second.
	BitrateBps int64 `json:"bitrate_bps"`
	// SizeBytes is the file size on disk.
	SizeBytes int64 `json:"size_bytes"`
	// Width and Height are the dimensions of the first video stream.
	Width  int `json:"width"`
	Height int `json:"height"`
	// VideoCodec is the codec name of the first video stream.
	VideoCodec string `json:"video_codec,omitempty"`
	// AudioCodec is the codec name of the first audio stream, if any.
	AudioCodec string `json:"audio_codec,omitempty"`
	// HasAudio reports whether the file carries an audio stream.
	HasAudio bool `json:"has_audio"`
}

// Size returns the frame size formatted as "WxH", for example "1280x720".
// It returns an empty string when the dimensions are unknown.
func (d Descriptor) Size() string {
	if d.Width <= 0 || d.Height <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Duration returns DurationMillis as a time.Duration.
func (d Descriptor) Duration() time.Duration {
	return time.Duration(d.DurationMillis) * time.Millisecond
}

// Readable reports whether the descriptor can feed a transcode plan.
func (d Descriptor) Readable() bool {
	return d.DurationMillis > 0 && d.Width > 0 && d.Height > 0
}

// Prober reads container and codec metadata from a media file.
type Prober interface {
	// Probe returns a Descriptor for the file at path.
	// Unreadable or non-media files yield an error wrapping ErrInvalidInput.
	Probe(ctx context.Context, path string) (Descriptor, error)
}

// SupportChecker reports whether the host has the tools and codecs needed.
// Implementations never fail; missing pieces are reported as false.
type SupportChecker interface {
	// Supported reports whether probing, transcoding and frame extraction work.
	Supported(ctx context.Context) bool

	// SupportsEncoder reports whether the encoder with the given ffmpeg name
	// (for example "libx264" or "aac") is available.
	SupportsEncoder(ctx context.Context, name string) bool
}

// FrameExtractor writes a still frame of a video to an image file.
type FrameExtractor interface {
	// ExtractFrame grabs the frame at offset at from video and writes it to
	// output as a JPEG. Nothing is left at output when it fails.
	ExtractFrame(ctx context.Context, video, output string, at time.Duration) error
}
