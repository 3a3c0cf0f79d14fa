// Package plan computes transcode parameters from a media descriptor and an
// upload budget. Planning is pure and deterministic.
package plan

import (
	"fmt"
	"math"
	"strings"

	"github.com/maauso/vidopt/internal/media"
)

// Container is the output container format.
type Container string

// Supported output containers.
const (
	ContainerMP4  Container = "mp4"
	ContainerMOV  Container = "mov"
	ContainerMKV  Container = "mkv"
	ContainerWebM Container = "webm"
)

// ParseContainer parses a container name, case-insensitively.
func ParseContainer(s string) (Container, error) {
	c := Container(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: unknown container %q", media.ErrInvalidInput, s)
	}
	return c, nil
}

// IsValid returns true if the container is supported.
func (c Container) IsValid() bool {
	switch c {
	case ContainerMP4, ContainerMOV, ContainerMKV, ContainerWebM:
		return true
	default:
		return false
	}
}

// Muxer returns the ffmpeg muxer name for the container.
func (c Container) Muxer() string {
	switch c {
	case ContainerMKV:
		return "matroska"
	case "":
		return string(ContainerMP4)
	default:
		return string(c)
	}
}

// Extension returns the file extension for the container, including the dot.
func (c Container) Extension() string {
	if c == "" {
		return ".mp4"
	}
	return "." + string(c)
}

// DefaultCodecs returns the default video and audio encoders for the container.
func (c Container) DefaultCodecs() (video, audio string) {
	if c == ContainerWebM {
		return "libvpx-vp9", "libopus"
	}
	return "libx264", "aac"
}

// Budget bounds the transcode output. Exactly one field must be set;
// zero means unset.
type Budget struct {
	// MaxSizeBytes is the maximum output file size in bytes.
	MaxSizeBytes int64 `json:"max_size_bytes,omitempty" yaml:"max_size_bytes"`
	// MaxBitrateBps is the maximum overall output bitrate in bits per second.
	MaxBitrateBps int64 `json:"max_bitrate_bps,omitempty" yaml:"max_bitrate_bps"`
}

// IsZero reports whether neither budget field is set.
func (b Budget) IsZero() bool {
	return b.MaxSizeBytes == 0 && b.MaxBitrateBps == 0
}

// Validate checks that exactly one positive field is set.
func (b Budget) Validate() error {
	switch {
	case b.MaxSizeBytes < 0 || b.MaxBitrateBps < 0:
		return fmt.Errorf("%w: budget values must not be negative", media.ErrInvalidInput)
	case b.MaxSizeBytes > 0 && b.MaxBitrateBps > 0:
		return fmt.Errorf("%w: budget must set max size or max bitrate, not both", media.ErrInvalidInput)
	case b.IsZero():
		return fmt.Errorf("%w: budget must set max size or max bitrate", media.ErrInvalidInput)
	}
	return nil
}

// Plan holds the encoding parameters for one transcode.
type Plan struct {
	// TargetBitrateBps is the overall output bitrate (video + audio).
	TargetBitrateBps int64 `json:"target_bitrate_bps"`
	// VideoBitrateBps is the share of the target given to the video stream.
	VideoBitrateBps int64 `json:"video_bitrate_bps"`
	// AudioBitrateBps is the share given to audio; zero when the source is silent.
	AudioBitrateBps int64 `json:"audio_bitrate_bps"`
	// TargetWidth and TargetHeight are the output frame dimensions.
	TargetWidth  int `json:"target_width"`
	TargetHeight int `json:"target_height"`
	// Container is the output container format.
	Container Container `json:"container"`
	// VideoCodec and AudioCodec are ffmpeg encoder names.
	VideoCodec string `json:"video_codec"`
	AudioCodec string `json:"audio_codec"`
	// Clamped is set when the bitrate was raised to the configured floor.
	Clamped bool `json:"clamped"`
}

// EstimatedSizeBytes returns the expected output size for a source of the
// given duration.
func (p Plan) EstimatedSizeBytes(durationMillis int64) int64 {
	if durationMillis <= 0 || p.TargetBitrateBps <= 0 {
		return 0
	}
	if p.TargetBitrateBps > (math.MaxInt64-7999)/durationMillis {
		return math.MaxInt64
	}
	return (p.TargetBitrateBps*durationMillis + 7999) / 8000
}
