// Package transcode runs planned jobs through ffmpeg. It reports progress at
// checkpoints, honours cancellation there, validates the output and removes
// partial files on failure.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/maauso/vidopt/internal/job"
	"github.com/maauso/vidopt/internal/media"
	"github.com/maauso/vidopt/internal/plan"
)

// DefaultDurationTolerance is the allowed relative difference between the
// input and output durations.
const DefaultDurationTolerance = 0.02

// freeSpaceHeadroom is added on top of the estimated output size.
const freeSpaceHeadroom = 0.10

// waitDelay bounds how long Wait blocks on pipes after the encoder exits.
const waitDelay = 5 * time.Second

// Progress is one progress event for a job.
type Progress struct {
	JobID string `json:"job_id"`
	// Fraction is the completed share in [0,1]; it never decreases.
	Fraction float64 `json:"fraction"`
	// Final marks the last event before the outcome is returned.
	Final bool `json:"final"`
}

// ProgressFunc receives progress events. It is called from the goroutine
// running Execute and must not block for long.
type ProgressFunc func(Progress)

// Executor drives ffmpeg for planned jobs. Only one job may write a given
// output path at a time.
type Executor struct {
	ffmpegPath string
	prober     media.Prober
	logger     *slog.Logger
	tolerance  float64
	preset     string
	extraArgs  []string
	freeSpace  func(dir string) (uint64, error)

	mu   sync.Mutex
	busy map[string]string // output path -> job ID
}

// Option configures an Executor.
type Option func(*Executor) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

// WithDurationTolerance sets the allowed relative duration mismatch.
func WithDurationTolerance(tolerance float64) Option {
	return func(e *Executor) error {
		if tolerance <= 0 || tolerance >= 1 {
			return fmt.Errorf("%w: duration tolerance %.3f outside (0,1)", media.ErrInvalidInput, tolerance)
		}
		e.tolerance = tolerance
		return nil
	}
}

// WithPreset sets the encoder speed preset used with x264/x265.
func WithPreset(preset string) Option {
	return func(e *Executor) error {
		e.preset = preset
		return nil
	}
}

// WithExtraArgs appends encoder arguments, split with shell quoting rules,
// just before the output.
func WithExtraArgs(args string) Option {
	return func(e *Executor) error {
		parts, err := shlex.Split(args)
		if err != nil {
			return fmt.Errorf("%w: parse extra ffmpeg args: %w", media.ErrInvalidInput, err)
		}
		e.extraArgs = parts
		return nil
	}
}

// WithFreeSpaceFunc replaces the free space lookup used by the pre-flight check.
func WithFreeSpaceFunc(fn func(dir string) (uint64, error)) Option {
	return func(e *Executor) error {
		if fn != nil {
			e.freeSpace = fn
		}
		return nil
	}
}

// NewExecutor creates an Executor. If ffmpegPath is empty, "ffmpeg" is used.
// prober validates the encoded output.
func NewExecutor(ffmpegPath string, prober media.Prober, opts ...Option) (*Executor, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if prober == nil {
		return nil, errors.New("transcode: prober is required")
	}
	e := &Executor{
		ffmpegPath: ffmpegPath,
		prober:     prober,
		logger:     slog.Default(),
		tolerance:  DefaultDurationTolerance,
		freeSpace:  freeSpace,
		busy:       make(map[string]string),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Reserve claims path for jobID so no other job can write it. A later
// Execute of the same job takes the claim over and drops it when it returns.
func (e *Executor) Reserve(path, jobID string) error {
	key, err := outputKey(path)
	if err != nil {
		return err
	}
	return e.acquire(key, jobID)
}

// Release drops the claim jobID holds on path, if any.
func (e *Executor) Release(path, jobID string) {
	key, err := outputKey(path)
	if err != nil {
		return
	}
	e.release(key, jobID)
}

// Busy reports whether a job is currently writing path.
func (e *Executor) Busy(path string) bool {
	key, err := outputKey(path)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.busy[key]
	return ok
}

// Execute runs j to completion. The job's status, progress and error are
// updated in place. A final progress event is always delivered before
// Execute returns. On success the validated output descriptor is returned;
// on failure nothing new is left at the output path.
func (e *Executor) Execute(ctx context.Context, j *job.Job, onProgress ProgressFunc) (media.Descriptor, error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	logger := e.logger.With(slog.String("job_id", j.ID))

	out, err := e.execute(ctx, j, onProgress, logger)
	if err != nil {
		if ferr := j.Fail(err); ferr != nil {
			logger.Warn("failed to record job failure", slog.String("error", ferr.Error()))
		}
		onProgress(Progress{JobID: j.ID, Fraction: j.GetProgress(), Final: true})
		logger.Error("transcode failed",
			slog.String("status", string(j.GetStatus())),
			slog.String("kind", string(media.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return media.Descriptor{}, err
	}

	if serr := j.Succeed(out); serr != nil {
		logger.Warn("failed to record job success", slog.String("error", serr.Error()))
	}
	onProgress(Progress{JobID: j.ID, Fraction: 1, Final: true})
	logger.Info("transcode completed",
		slog.String("output", out.Path),
		slog.Int64("size_bytes", out.SizeBytes),
		slog.Int64("duration_ms", out.DurationMillis),
	)
	return out, nil
}

func (e *Executor) execute(ctx context.Context, j *job.Job, onProgress ProgressFunc, logger *slog.Logger) (media.Descriptor, error) {
	key, err := outputKey(j.OutputPath)
	if err != nil {
		return media.Descriptor{}, err
	}
	if err := e.acquire(key, j.ID); err != nil {
		return media.Descriptor{}, err
	}
	defer e.release(key, j.ID)

	if inKey, err := outputKey(j.InputPath); err == nil && inKey == key {
		return media.Descriptor{}, fmt.Errorf("%w: output path equals input path", media.ErrInvalidInput)
	}

	if err := ctx.Err(); err != nil {
		return media.Descriptor{}, fmt.Errorf("%w: %w", media.ErrCancelled, err)
	}

	p := j.GetPlan()
	if err := e.preflight(filepath.Dir(key), p, j.Source.DurationMillis, logger); err != nil {
		return media.Descriptor{}, err
	}

	partial := partialPath(key, j.ID)
	defer func() {
		if rmErr := os.Remove(partial); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("failed to remove partial output",
				slog.String("path", partial),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	if err := j.Start(); err != nil {
		return media.Descriptor{}, fmt.Errorf("start job: %w", err)
	}
	logger.Info("transcode started",
		slog.String("input", j.InputPath),
		slog.String("output", key),
		slog.Int64("target_bitrate_bps", p.TargetBitrateBps),
		slog.String("resolution", fmt.Sprintf("%dx%d", p.TargetWidth, p.TargetHeight)),
	)

	if err := e.encode(ctx, j, p, partial, onProgress); err != nil {
		return media.Descriptor{}, err
	}

	out, err := e.validate(ctx, j.Source, partial)
	if err != nil {
		return media.Descriptor{}, err
	}

	if err := os.Rename(partial, key); err != nil {
		return media.Descriptor{}, fmt.Errorf("move output into place: %w", err)
	}
	out.Path = key
	return out, nil
}

func (e *Executor) acquire(key, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if owner, ok := e.busy[key]; ok && owner != jobID {
		return fmt.Errorf("%w: %s (job %s)", media.ErrBusy, key, owner)
	}
	e.busy[key] = jobID
	return nil
}

func (e *Executor) release(key, jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[key] == jobID {
		delete(e.busy, key)
	}
}

// preflight checks the output directory and its free space.
func (e *Executor) preflight(dir string, p plan.Plan, durationMillis int64, logger *slog.Logger) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: output directory: %w", media.ErrInvalidInput, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: output directory %s is not a directory", media.ErrInvalidInput, dir)
	}

	estimated := p.EstimatedSizeBytes(durationMillis)
	required := uint64(math.Ceil(float64(estimated) * (1 + freeSpaceHeadroom)))
	free, err := e.freeSpace(dir)
	if err != nil {
		logger.Debug("free space unknown, skipping check", slog.String("error", err.Error()))
		return nil
	}
	if free < required {
		return fmt.Errorf("%w: %d bytes free in %s, need %d", media.ErrResourceExhausted, free, dir, required)
	}
	return nil
}

// encode runs ffmpeg, treating every progress block as a checkpoint.
func (e *Executor) encode(ctx context.Context, j *job.Job, p plan.Plan, output string, onProgress ProgressFunc) error {
	args := e.buildArgs(j.InputPath, p, output)

	// #nosec G204 - ffmpeg path comes from configuration, args are built internally
	cmd := exec.Command(e.ffmpegPath, args...)
	cmd.WaitDelay = waitDelay
	stderr := &media.TailBuffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %w", media.ErrUnsupported, err)
		}
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	cancelled := false
	checkpoint := func(outTime time.Duration) bool {
		fraction := j.UpdateProgress(fractionOf(outTime, j.Source.DurationMillis))
		onProgress(Progress{JobID: j.ID, Fraction: fraction})
		if ctx.Err() != nil {
			cancelled = true
			_ = cmd.Process.Kill()
			return false
		}
		return true
	}
	scanErr := readProgress(stdout, checkpoint)
	if scanErr != nil {
		// Nobody reads the pipe any more.
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	if cancelled {
		return fmt.Errorf("%w: %w", media.ErrCancelled, ctx.Err())
	}
	if scanErr != nil {
		return fmt.Errorf("read ffmpeg progress: %w", scanErr)
	}
	if waitErr != nil {
		return classifyFailure(args, stderr.String(), waitErr)
	}
	return nil
}

func (e *Executor) buildArgs(input string, p plan.Plan, output string) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", input,
		"-map", "0:v:0",
		"-c:v", p.VideoCodec,
		"-b:v", strconv.FormatInt(p.VideoBitrateBps, 10),
		"-maxrate", strconv.FormatInt(p.VideoBitrateBps, 10),
		"-bufsize", strconv.FormatInt(2*p.VideoBitrateBps, 10),
		"-vf", fmt.Sprintf("scale=%d:%d", p.TargetWidth, p.TargetHeight),
		"-pix_fmt", "yuv420p",
	}
	if e.preset != "" && (p.VideoCodec == "libx264" || p.VideoCodec == "libx265") {
		args = append(args, "-preset", e.preset)
	}
	if p.AudioBitrateBps > 0 {
		args = append(args,
			"-map", "0:a:0",
			"-c:a", p.AudioCodec,
			"-b:a", strconv.FormatInt(p.AudioBitrateBps, 10),
		)
	} else {
		args = append(args, "-an")
	}
	if p.Container == plan.ContainerMP4 || p.Container == plan.ContainerMOV {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, e.extraArgs...)
	args = append(args,
		"-progress", "pipe:1",
		"-nostats",
		"-f", p.Container.Muxer(),
		output,
	)
	return args
}

// validate probes the encoded file and compares its duration with the source.
func (e *Executor) validate(ctx context.Context, source media.Descriptor, path string) (media.Descriptor, error) {
	out, err := e.prober.Probe(ctx, path)
	if err != nil {
		if media.KindOf(err) == media.KindCancelled {
			return media.Descriptor{}, fmt.Errorf("%w: %w", media.ErrCancelled, err)
		}
		return media.Descriptor{}, fmt.Errorf("%w: probe output: %w", media.ErrCorrupt, err)
	}
	if !out.Readable() {
		return media.Descriptor{}, fmt.Errorf("%w: output has no readable video", media.ErrCorrupt)
	}
	diff := math.Abs(float64(out.DurationMillis - source.DurationMillis))
	if diff > float64(source.DurationMillis)*e.tolerance {
		return media.Descriptor{}, fmt.Errorf("%w: output duration %dms differs from input %dms by more than %.1f%%",
			media.ErrCorrupt, out.DurationMillis, source.DurationMillis, e.tolerance*100)
	}
	return out, nil
}

// classifyFailure maps encoder stderr onto the error taxonomy.
func classifyFailure(args []string, stderr string, err error) error {
	ferr := &media.FFmpegError{Args: args, Stderr: strings.TrimSpace(stderr), Err: err}
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "no space left on device"):
		return fmt.Errorf("%w: %w", media.ErrResourceExhausted, ferr)
	case strings.Contains(lower, "cannot allocate memory"):
		return fmt.Errorf("%w: %w", media.ErrResourceExhausted, ferr)
	case strings.Contains(lower, "unknown encoder"),
		strings.Contains(lower, "encoder not found"),
		strings.Contains(lower, "not currently supported in container"):
		return fmt.Errorf("%w: %w", media.ErrUnsupported, ferr)
	case strings.Contains(lower, "invalid data found when processing input"):
		return fmt.Errorf("%w: %w", media.ErrInvalidInput, ferr)
	default:
		return ferr
	}
}

// readProgress parses `-progress` key=value output. fn is called at the end
// of each block; returning false stops reading.
func readProgress(r io.Reader, fn func(outTime time.Duration) bool) error {
	scanner := bufio.NewScanner(r)
	var outTime time.Duration
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// Both keys carry microseconds.
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				outTime = time.Duration(us) * time.Microsecond
			}
		case "progress":
			if !fn(outTime) {
				return nil
			}
		}
	}
	return scanner.Err()
}

func fractionOf(outTime time.Duration, durationMillis int64) float64 {
	if durationMillis <= 0 {
		return 0
	}
	f := float64(outTime.Milliseconds()) / float64(durationMillis)
	return max(0, min(1, f))
}

// outputKey normalizes path for the busy map.
func outputKey(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: path is empty", media.ErrInvalidInput)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %w", media.ErrInvalidInput, path, err)
	}
	return filepath.Clean(abs), nil
}

// partialPath is the hidden file the encoder writes before validation.
func partialPath(output, jobID string) string {
	return filepath.Join(filepath.Dir(output), fmt.Sprintf(".%s.%s.part", filepath.Base(output), jobID))
}
