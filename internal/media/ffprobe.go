package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
)

// Compile-time check that FFprobe implements Prober.
var _ Prober = (*FFprobe)(nil)

// FFprobe implements Prober using the ffprobe CLI.
type FFprobe struct {
	// ffprobePath is the path to the ffprobe binary. Defaults to "ffprobe".
	ffprobePath string
	logger      *slog.Logger
}

// NewFFprobe creates a new FFprobe prober.
// If ffprobePath is empty, it defaults to "ffprobe" (found via PATH).
func NewFFprobe(ffprobePath string, logger *slog.Logger) *FFprobe {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFprobe{ffprobePath: ffprobePath, logger: logger}
}

// Probe implements Prober.
func (p *FFprobe) Probe(ctx context.Context, path string) (Descriptor, error) {
	if path == "" {
		return Descriptor{}, fmt.Errorf("%w: empty path", ErrInvalidInput)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if !info.Mode().IsRegular() {
		return Descriptor{}, fmt.Errorf("%w: %s is not a regular file", ErrInvalidInput, path)
	}

	args := []string{
		"-v", "error",
		"-of", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	out, err := runTool(ctx, p.ffprobePath, args)
	if err != nil {
		if KindOf(err) == KindInternal {
			// ffprobe ran and rejected the file.
			return Descriptor{}, fmt.Errorf("%w: probe %s: %w", ErrInvalidInput, path, err)
		}
		return Descriptor{}, fmt.Errorf("probe %s: %w", path, err)
	}

	d, err := parseProbeOutput(path, info.Size(), out)
	if err != nil {
		return Descriptor{}, err
	}

	p.logger.Debug("probed media",
		slog.String("path", path),
		slog.Int64("duration_ms", d.DurationMillis),
		slog.Int64("bitrate_bps", d.BitrateBps),
		slog.String("size", d.Size()),
	)
	return d, nil
}

// probeStream mirrors the subset of an ffprobe stream object we read.
// Numeric fields are strings because ffprobe may emit "N/A".
type probeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
	BitRate   string `json:"bit_rate"`
	Tags      struct {
		Rotate string `json:"rotate"`
	} `json:"tags"`
	SideDataList []struct {
		Rotation float64 `json:"rotation"`
	} `json:"side_data_list"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
	Size     string `json:"size"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

// parseProbeOutput converts ffprobe JSON into a Descriptor.
func parseProbeOutput(path string, sizeOnDisk int64, out []byte) (Descriptor, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return Descriptor{}, fmt.Errorf("%w: parse ffprobe output: %w", ErrInvalidInput, err)
	}

	d := Descriptor{Path: path, SizeBytes: sizeOnDisk}
	if n := parseInt(po.Format.Size); n > 0 {
		d.SizeBytes = n
	}

	var video *probeStream
	for i := range po.Streams {
		s := &po.Streams[i]
		switch s.CodecType {
		case "video":
			if video == nil {
				video = s
			}
		case "audio":
			if !d.HasAudio {
				d.HasAudio = true
				d.AudioCodec = s.CodecName
			}
		}
	}
	if video == nil {
		return Descriptor{}, fmt.Errorf("%w: %s has no video stream", ErrInvalidInput, path)
	}

	d.VideoCodec = video.CodecName
	d.Width, d.Height = video.Width, video.Height
	if quarterTurn(video) {
		// Players and ffmpeg autorotate, so report display dimensions.
		d.Width, d.Height = d.Height, d.Width
	}

	// Some containers (mkv, webm) carry the duration in format only.
	seconds := math.Max(parseFloat(video.Duration), parseFloat(po.Format.Duration))
	d.DurationMillis = int64(math.Round(seconds * 1000))

	d.BitrateBps = parseInt(po.Format.BitRate)
	if d.BitrateBps <= 0 {
		d.BitrateBps = parseInt(video.BitRate)
	}
	if d.BitrateBps <= 0 && d.DurationMillis > 0 && d.SizeBytes > 0 {
		d.BitrateBps = d.SizeBytes * 8 * 1000 / d.DurationMillis
	}

	return d, nil
}

// quarterTurn reports whether the stream is displayed rotated by 90 or 270 degrees.
func quarterTurn(s *probeStream) bool {
	deg := parseFloat(s.Tags.Rotate)
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			deg = sd.Rotation
		}
	}
	r := int(math.Abs(deg)) % 180
	return r == 90
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
