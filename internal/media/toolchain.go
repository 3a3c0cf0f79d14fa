package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Compile-time check that Toolchain implements SupportChecker.
var _ SupportChecker = (*Toolchain)(nil)

// DefaultRequiredEncoders are the encoders needed for the default mp4 output.
var DefaultRequiredEncoders = []string{"libx264", "aac", "png"}

// LocateTool returns the path of exeName. A non-empty override wins when it
// points at an existing file; otherwise $PATH is searched.
func LocateTool(exeName, override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err == nil {
			return override, nil
		}
	}
	if p, err := exec.LookPath(exeName); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("%w: binary (%s) not found", ErrUnsupported, exeName)
}

// Toolchain locates ffmpeg and ffprobe and reports which encoders the local
// ffmpeg build provides. Results are cached after the first successful check.
type Toolchain struct {
	ffmpegOverride  string
	ffprobeOverride string
	required        []string
	logger          *slog.Logger

	mu          sync.Mutex
	loaded      bool
	ffmpegPath  string
	ffprobePath string
	encoders    map[string]bool
}

// NewToolchain creates a Toolchain. Empty overrides mean "search $PATH".
// requiredEncoders defaults to DefaultRequiredEncoders when empty.
func NewToolchain(ffmpegPath, ffprobePath string, requiredEncoders []string, logger *slog.Logger) *Toolchain {
	if len(requiredEncoders) == 0 {
		requiredEncoders = DefaultRequiredEncoders
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolchain{
		ffmpegOverride:  ffmpegPath,
		ffprobeOverride: ffprobePath,
		required:        requiredEncoders,
		logger:          logger,
	}
}

// FFmpegPath returns the resolved ffmpeg path, or "ffmpeg" when not found.
func (t *Toolchain) FFmpegPath() string {
	if p, err := LocateTool("ffmpeg", t.ffmpegOverride); err == nil {
		return p
	}
	return "ffmpeg"
}

// FFprobePath returns the resolved ffprobe path, or "ffprobe" when not found.
func (t *Toolchain) FFprobePath() string {
	if p, err := LocateTool("ffprobe", t.ffprobeOverride); err == nil {
		return p
	}
	return "ffprobe"
}

// Supported implements SupportChecker.
func (t *Toolchain) Supported(ctx context.Context) bool {
	if !t.load(ctx) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range t.required {
		if !t.encoders[name] {
			t.logger.Warn("required encoder missing", slog.String("encoder", name))
			return false
		}
	}
	return true
}

// SupportsEncoder implements SupportChecker.
func (t *Toolchain) SupportsEncoder(ctx context.Context, name string) bool {
	if !t.load(ctx) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encoders[name]
}

// load resolves both tools and lists the ffmpeg encoders. It reports whether
// both tools are usable. A check interrupted by ctx is not cached.
func (t *Toolchain) load(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return t.ffmpegPath != "" && t.ffprobePath != ""
	}

	ffmpegPath, err := LocateTool("ffmpeg", t.ffmpegOverride)
	if err != nil {
		t.logger.Warn("ffmpeg not available", slog.String("error", err.Error()))
		t.loaded = true
		return false
	}
	ffprobePath, err := LocateTool("ffprobe", t.ffprobeOverride)
	if err != nil {
		t.logger.Warn("ffprobe not available", slog.String("error", err.Error()))
		t.loaded = true
		return false
	}

	out, err := runTool(ctx, ffmpegPath, []string{"-hide_banner", "-encoders"})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		t.logger.Warn("cannot list ffmpeg encoders", slog.String("error", err.Error()))
		t.loaded = true
		return false
	}

	t.ffmpegPath = ffmpegPath
	t.ffprobePath = ffprobePath
	t.encoders = parseEncoders(out)
	t.loaded = true
	t.logger.Debug("toolchain loaded",
		slog.String("ffmpeg", ffmpegPath),
		slog.String("ffprobe", ffprobePath),
		slog.Int("encoders", len(t.encoders)),
	)
	return true
}

// parseEncoders parses the table printed by "ffmpeg -encoders".
// Rows follow a "------" separator and look like " V....D libx264  description".
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	inTable := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inTable {
			inTable = strings.HasPrefix(line, "------")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			encoders[fields[1]] = true
		}
	}
	return encoders
}
