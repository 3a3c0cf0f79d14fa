// Package bootstrap wires the vidopt components from configuration.
package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/maauso/vidopt/internal/config"
	"github.com/maauso/vidopt/internal/job"
	"github.com/maauso/vidopt/internal/media"
	"github.com/maauso/vidopt/internal/optimizer"
	"github.com/maauso/vidopt/internal/plan"
	"github.com/maauso/vidopt/internal/storage"
	"github.com/maauso/vidopt/internal/transcode"
)

// Dependencies holds all initialized dependencies for the server and CLI.
type Dependencies struct {
	Service   *optimizer.Service
	Storage   storage.Storage
	Toolchain *media.Toolchain
	Repo      job.Repository
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	if logger == nil {
		logger = slog.Default()
	}

	profile, err := cfg.LoadProfile()
	if err != nil {
		return nil, err
	}

	planOpts, err := cfg.PlannerOptions(profile)
	if err != nil {
		return nil, err
	}
	planner, err := plan.NewPlanner(planOpts)
	if err != nil {
		return nil, fmt.Errorf("create planner: %w", err)
	}
	resolved := planner.Options()

	// The frame extractor pipes PNG out of ffmpeg.
	required := []string{resolved.VideoCodec, resolved.AudioCodec, "png"}
	toolchain := media.NewToolchain(cfg.FFmpegPath, cfg.FFprobePath, required, logger)
	prober := media.NewFFprobe(toolchain.FFprobePath(), logger)
	frames := media.NewFFmpegFrameExtractor(toolchain.FFmpegPath())

	execOpts := []transcode.Option{
		transcode.WithLogger(logger),
		transcode.WithDurationTolerance(cfg.DurationTolerance),
	}
	if profile != nil {
		if profile.Preset != "" {
			execOpts = append(execOpts, transcode.WithPreset(profile.Preset))
		}
		if profile.ExtraArgs != "" {
			execOpts = append(execOpts, transcode.WithExtraArgs(profile.ExtraArgs))
		}
	}
	executor, err := transcode.NewExecutor(toolchain.FFmpegPath(), prober, execOpts...)
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	repo := job.NewMemoryRepository()

	svc, err := optimizer.NewService(optimizer.Deps{
		Support:  toolchain,
		Prober:   prober,
		Frames:   frames,
		Planner:  planner,
		Executor: executor,
		Storage:  store,
		Repo:     repo,
	},
		optimizer.WithLogger(logger),
		optimizer.WithDefaultBudget(cfg.DefaultBudget()),
	)
	if err != nil {
		return nil, fmt.Errorf("create optimizer: %w", err)
	}

	logger.Debug("encoding profile",
		slog.String("container", string(resolved.Container)),
		slog.String("video_codec", resolved.VideoCodec),
		slog.String("audio_codec", resolved.AudioCodec),
		slog.Int("ladder_rungs", len(resolved.Ladder)),
	)

	return &Dependencies{
		Service:   svc,
		Storage:   store,
		Toolchain: toolchain,
		Repo:      repo,
	}, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}
