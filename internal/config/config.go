// Package config provides configuration loading from environment variables
// and an optional YAML encoding profile.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/maauso/vidopt/internal/plan"
)

// Static errors for configuration validation.
var (
	// ErrInvalidPort is returned when PORT is outside 1-65535.
	ErrInvalidPort = errors.New("config: PORT must be between 1 and 65535")
	// ErrInvalidSafetyMargin is returned when SAFETY_MARGIN is outside [0,1).
	ErrInvalidSafetyMargin = errors.New("config: SAFETY_MARGIN must be in [0,1)")
	// ErrInvalidMinBitrate is returned when MIN_BITRATE is not positive.
	ErrInvalidMinBitrate = errors.New("config: MIN_BITRATE must be positive")
	// ErrInvalidDefaultBitrate is returned when DEFAULT_MAX_BITRATE is not positive.
	ErrInvalidDefaultBitrate = errors.New("config: DEFAULT_MAX_BITRATE must be positive")
	// ErrInvalidTolerance is returned when DURATION_TOLERANCE is outside (0,1).
	ErrInvalidTolerance = errors.New("config: DURATION_TOLERANCE must be in (0,1)")
	// ErrInvalidRetention is returned when JOB_RETENTION or JANITOR_INTERVAL is negative.
	ErrInvalidRetention = errors.New("config: JOB_RETENTION and JANITOR_INTERVAL must not be negative")
	// ErrS3RegionRequired is returned when S3_BUCKET is set without S3_REGION.
	ErrS3RegionRequired = errors.New("config: S3_REGION is required when S3_BUCKET is set")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Storage settings
	TempDir string `env:"TEMP_DIR, default=/tmp/vidopt" json:"temp_dir"`

	// Tooling
	FFmpegPath  string `env:"FFMPEG_PATH" json:"ffmpeg_path,omitempty"`
	FFprobePath string `env:"FFPROBE_PATH" json:"ffprobe_path,omitempty"`
	ProfileFile string `env:"PROFILE_FILE" json:"profile_file,omitempty"`

	// Planning settings
	SafetyMargin      float64 `env:"SAFETY_MARGIN, default=0.05" json:"safety_margin"`
	MinBitrate        int64   `env:"MIN_BITRATE, default=64000" json:"min_bitrate"`
	DefaultMaxBitrate int64   `env:"DEFAULT_MAX_BITRATE, default=750000" json:"default_max_bitrate"`
	DurationTolerance float64 `env:"DURATION_TOLERANCE, default=0.02" json:"duration_tolerance"`
	Container         string  `env:"CONTAINER, default=mp4" json:"container"`

	// Job bookkeeping; zero disables pruning
	JobRetention    time.Duration `env:"JOB_RETENTION, default=1h" json:"job_retention"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL, default=5m" json:"janitor_interval"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig
// and validates it.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that numeric settings are in range and that the
// container is known.
func (c *Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return ErrInvalidPort
	case c.SafetyMargin < 0 || c.SafetyMargin >= 1:
		return ErrInvalidSafetyMargin
	case c.MinBitrate <= 0:
		return ErrInvalidMinBitrate
	case c.DefaultMaxBitrate <= 0:
		return ErrInvalidDefaultBitrate
	case c.DurationTolerance <= 0 || c.DurationTolerance >= 1:
		return ErrInvalidTolerance
	case c.JobRetention < 0 || c.JanitorInterval < 0:
		return ErrInvalidRetention
	case c.S3Bucket != "" && c.S3Region == "":
		return ErrS3RegionRequired
	}
	if _, err := plan.ParseContainer(c.Container); err != nil {
		return fmt.Errorf("config: CONTAINER: %w", err)
	}
	return nil
}

// DefaultBudget returns the budget applied to requests that set none.
func (c *Config) DefaultBudget() plan.Budget {
	return plan.Budget{MaxBitrateBps: c.DefaultMaxBitrate}
}

// PlannerOptions merges the environment settings with the profile. Profile
// values win where set; a nil profile leaves the defaults in place.
func (c *Config) PlannerOptions(p *Profile) (plan.Options, error) {
	opts := plan.DefaultOptions()
	opts.SafetyMargin = c.SafetyMargin
	opts.MinBitrateBps = c.MinBitrate

	container := c.Container
	if p != nil && p.Container != "" {
		container = p.Container
	}
	parsed, err := plan.ParseContainer(container)
	if err != nil {
		return plan.Options{}, fmt.Errorf("config: container: %w", err)
	}
	opts.Container = parsed

	if p != nil {
		if len(p.Ladder) > 0 {
			opts.Ladder = p.Ladder
		}
		if p.AudioBitrate > 0 {
			opts.AudioBitrateBps = p.AudioBitrate
		}
		opts.VideoCodec = p.VideoCodec
		opts.AudioCodec = p.AudioCodec
	}
	return opts, nil
}

// NewLogger creates a structured logger on stdout based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	return c.NewLoggerTo(os.Stdout)
}

// NewLoggerTo is NewLogger writing to w.
func (c *Config) NewLoggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, TempDir: %s, FFmpegPath: %s, FFprobePath: %s, ProfileFile: %s, SafetyMargin: %g, MinBitrate: %d, DefaultMaxBitrate: %d, DurationTolerance: %g, Container: %s, JobRetention: %s, JanitorInterval: %s, S3Bucket: %s, S3Region: %s, S3Endpoint: %s, AWSAccessKeyID: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.TempDir,
		c.FFmpegPath,
		c.FFprobePath,
		c.ProfileFile,
		c.SafetyMargin,
		c.MinBitrate,
		c.DefaultMaxBitrate,
		c.DurationTolerance,
		c.Container,
		c.JobRetention,
		c.JanitorInterval,
		c.S3Bucket,
		c.S3Region,
		c.S3Endpoint,
		mask(c.AWSAccessKeyID),
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
