// Package optimizer composes probing, planning, transcoding and storage into
// the operations exposed to callers: metadata queries, upload optimization,
// frame extraction and the support check.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maauso/vidopt/internal/job"
	"github.com/maauso/vidopt/internal/media"
	"github.com/maauso/vidopt/internal/plan"
	"github.com/maauso/vidopt/internal/storage"
	"github.com/maauso/vidopt/internal/transcode"
)

// DefaultMaxBitrateBps is the budget applied when a request sets none.
const DefaultMaxBitrateBps = 750_000

// ErrJobFinished is returned when cancelling a job that is no longer running.
var ErrJobFinished = errors.New("job already finished")

// Planner computes a transcode plan.
type Planner interface {
	Plan(d media.Descriptor, b plan.Budget) (plan.Plan, error)
}

// Executor runs a planned job. Reserve claims an output path for a job
// before it runs; Execute takes the claim over and drops it when it returns.
type Executor interface {
	Reserve(path, jobID string) error
	Release(path, jobID string)
	Execute(ctx context.Context, j *job.Job, onProgress transcode.ProgressFunc) (media.Descriptor, error)
}

// OptimizeRequest describes one optimization.
type OptimizeRequest struct {
	// InputPath is the source video.
	InputPath string
	// OutputPath is where to write the result. When empty a unique path is
	// allocated in the working directory.
	OutputPath string
	// Budget bounds the output. A zero budget means the service default.
	Budget plan.Budget
	// PushToS3 uploads the result after it is validated.
	PushToS3 bool
}

// Result describes a finished optimization.
type Result struct {
	JobID      string           `json:"job_id"`
	OutputPath string           `json:"output_path"`
	Source     media.Descriptor `json:"source"`
	Output     media.Descriptor `json:"output"`
	Plan       plan.Plan        `json:"plan"`
	VideoURL   string           `json:"video_url,omitempty"`
}

// Deps are the collaborators of a Service. All are required.
type Deps struct {
	Support  media.SupportChecker
	Prober   media.Prober
	Frames   media.FrameExtractor
	Planner  Planner
	Executor Executor
	Storage  storage.Storage
	Repo     job.Repository
}

// Service implements the optimization operations.
type Service struct {
	deps          Deps
	defaultBudget plan.Budget
	logger        *slog.Logger

	baseCtx    context.Context
	stopAll    context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    map[string]context.CancelFunc
	shutdownMu sync.RWMutex
	closed     bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDefaultBudget sets the budget used when a request has none.
func WithDefaultBudget(b plan.Budget) Option {
	return func(s *Service) {
		if !b.IsZero() {
			s.defaultBudget = b
		}
	}
}

// NewService creates a Service.
func NewService(deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Support == nil, deps.Prober == nil, deps.Frames == nil,
		deps.Planner == nil, deps.Executor == nil, deps.Storage == nil, deps.Repo == nil:
		return nil, errors.New("optimizer: all dependencies are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		deps:          deps,
		defaultBudget: plan.Budget{MaxBitrateBps: DefaultMaxBitrateBps},
		logger:        slog.Default(),
		baseCtx:       ctx,
		stopAll:       cancel,
		running:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.defaultBudget.Validate(); err != nil {
		cancel()
		return nil, fmt.Errorf("default budget: %w", err)
	}
	return s, nil
}

// IsSupported reports whether the host can optimize videos. It never fails.
func (s *Service) IsSupported(ctx context.Context) bool {
	return s.deps.Support.Supported(ctx)
}

// Probe returns the descriptor of the video at path.
func (s *Service) Probe(ctx context.Context, path string) (media.Descriptor, error) {
	path = localPath(path)
	d, err := s.deps.Prober.Probe(ctx, path)
	if err != nil {
		s.logger.Error("probe failed", slog.String("path", path), slog.String("error", err.Error()))
		return media.Descriptor{}, err
	}
	return d, nil
}

// VideoBitrate returns the average bitrate of the video in bits per second.
func (s *Service) VideoBitrate(ctx context.Context, path string) (int64, error) {
	d, err := s.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return d.BitrateBps, nil
}

// VideoDuration returns the duration of the video in milliseconds.
func (s *Service) VideoDuration(ctx context.Context, path string) (int64, error) {
	d, err := s.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return d.DurationMillis, nil
}

// VideoSize returns the frame size of the video as "WxH".
func (s *Service) VideoSize(ctx context.Context, path string) (string, error) {
	d, err := s.Probe(ctx, path)
	if err != nil {
		return "", err
	}
	size := d.Size()
	if size == "" {
		return "", fmt.Errorf("%w: %s has no frame size", media.ErrInvalidInput, path)
	}
	return size, nil
}

// ImageFromVideo writes the first frame of the video as a JPEG to output.
func (s *Service) ImageFromVideo(ctx context.Context, input, output string) error {
	if !s.deps.Support.Supported(ctx) {
		return fmt.Errorf("extract frame: %w", media.ErrUnsupported)
	}
	input, output = localPath(input), localPath(output)
	if err := s.deps.Frames.ExtractFrame(ctx, input, output, 0); err != nil {
		s.logger.Error("frame extraction failed",
			slog.String("input", input),
			slog.String("output", output),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.Info("frame extracted", slog.String("input", input), slog.String("output", output))
	return nil
}

// OptimizeVideoForUpload transcodes the request's input to fit its budget and
// blocks until the job ends. onProgress may be nil. On failure no file is
// left at the output path.
func (s *Service) OptimizeVideoForUpload(ctx context.Context, req OptimizeRequest, onProgress transcode.ProgressFunc) (*Result, error) {
	j, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, j, onProgress)
}

// Submit validates and plans the request, then runs it in the background.
// The returned snapshot can be polled with Job and stopped with Cancel.
func (s *Service) Submit(ctx context.Context, req OptimizeRequest) (*job.Job, error) {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("%w: service is shutting down", media.ErrUnsupported)
	}

	j, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.running[j.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, j.ID)
			s.mu.Unlock()
			cancel()
		}()
		// Errors are recorded on the job.
		_, _ = s.run(runCtx, j, nil)
	}()

	return j.Clone(), nil
}

// Jobs returns snapshots of all known jobs, oldest first.
func (s *Service) Jobs(ctx context.Context) ([]*job.Job, error) {
	return s.deps.Repo.List(ctx)
}

// Job returns a snapshot of the job with the given ID.
func (s *Service) Job(ctx context.Context, id string) (*job.Job, error) {
	return s.deps.Repo.FindByID(ctx, id)
}

// Cancel requests cancellation of a running job. The executor stops at its
// next checkpoint, so the returned snapshot may still be RUNNING.
func (s *Service) Cancel(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()

	snap, err := s.deps.Repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return snap, fmt.Errorf("%w: %s is %s", ErrJobFinished, id, snap.Status)
	}

	cancel()
	s.logger.Info("job cancellation requested", slog.String("job_id", id))
	return snap, nil
}

// Shutdown cancels all background jobs and waits for them to stop.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.closed = true
	s.shutdownMu.Unlock()

	s.stopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}

// SaveUpload stores an uploaded video in the working directory and returns
// its path, ready to be used as an input. Uploads that are not videos are
// removed again.
func (s *Service) SaveUpload(ctx context.Context, name string, data io.Reader) (string, error) {
	path, err := s.deps.Storage.SaveTemp(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	if err := media.RequireVideo(path); err != nil {
		if cerr := s.deps.Storage.CleanupTemp(context.WithoutCancel(ctx), []string{path}); cerr != nil {
			s.logger.Warn("failed to remove rejected upload", slog.String("path", path), slog.String("error", cerr.Error()))
		}
		return "", err
	}
	s.logger.Info("upload saved", slog.String("name", name), slog.String("path", path))
	return path, nil
}

// Prune forgets finished jobs that completed more than olderThan ago. Outputs
// the service allocated and already uploaded to S3 are removed with them.
// It returns the number of jobs removed.
func (s *Service) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := s.deps.Repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var (
		removed int
		stale   []string
	)
	for _, j := range jobs {
		if !j.Status.IsTerminal() || j.CompletedAt.After(cutoff) || s.isRunning(j.ID) {
			continue
		}
		if err := s.deps.Repo.Delete(ctx, j.ID); err != nil {
			if errors.Is(err, job.ErrJobNotFound) {
				continue
			}
			return removed, fmt.Errorf("delete job %s: %w", j.ID, err)
		}
		removed++
		if j.OutputAllocated && j.VideoURL != "" {
			stale = append(stale, j.OutputPath)
		}
	}

	if len(stale) > 0 {
		if err := s.deps.Storage.CleanupTemp(ctx, stale); err != nil {
			return removed, fmt.Errorf("remove uploaded outputs: %w", err)
		}
	}
	if removed > 0 {
		s.logger.Info("pruned finished jobs", slog.Int("jobs", removed), slog.Int("files", len(stale)))
	}
	return removed, nil
}

func (s *Service) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// StartJanitor prunes jobs older than retention every interval until the
// service shuts down.
func (s *Service) StartJanitor(interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.baseCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.Prune(s.baseCtx, retention); err != nil && s.baseCtx.Err() == nil {
					s.logger.Warn("janitor prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// prepare runs every check that must pass before any file is written and
// returns the saved, planned job. The output path stays reserved for the job
// until it has run.
func (s *Service) prepare(ctx context.Context, req OptimizeRequest) (*job.Job, error) {
	if !s.deps.Support.Supported(ctx) {
		return nil, fmt.Errorf("optimize: %w", media.ErrUnsupported)
	}
	req.InputPath, req.OutputPath = localPath(req.InputPath), localPath(req.OutputPath)
	if strings.TrimSpace(req.InputPath) == "" {
		return nil, fmt.Errorf("%w: input path is required", media.ErrInvalidInput)
	}
	if req.PushToS3 && !s.deps.Storage.S3Enabled() {
		return nil, fmt.Errorf("%w: push to S3 requested but %w", media.ErrInvalidInput, storage.ErrS3NotConfigured)
	}

	budget := req.Budget
	if budget.IsZero() {
		budget = s.defaultBudget
	}
	if err := budget.Validate(); err != nil {
		return nil, err
	}

	if err := media.RequireVideo(req.InputPath); err != nil {
		return nil, err
	}
	source, err := s.deps.Prober.Probe(ctx, req.InputPath)
	if err != nil {
		return nil, err
	}
	p, err := s.deps.Planner.Plan(source, budget)
	if err != nil {
		return nil, err
	}
	if err := s.checkEncoders(ctx, p); err != nil {
		return nil, err
	}

	output := req.OutputPath
	if output == "" {
		output, err = s.deps.Storage.NewOutputPath(ctx, req.InputPath, p.Container.Extension())
		if err != nil {
			return nil, fmt.Errorf("allocate output path: %w", err)
		}
	} else if samePath(req.InputPath, output) {
		return nil, fmt.Errorf("%w: output path equals input path", media.ErrInvalidInput)
	}

	j := job.New(req.InputPath, output, source, p)
	j.PushToS3 = req.PushToS3
	j.OutputAllocated = req.OutputPath == ""
	if err := s.deps.Executor.Reserve(output, j.ID); err != nil {
		return nil, err
	}
	if err := s.deps.Repo.Save(ctx, j); err != nil {
		s.deps.Executor.Release(output, j.ID)
		return nil, fmt.Errorf("save job: %w", err)
	}

	s.logger.Info("optimization planned",
		slog.String("job_id", j.ID),
		slog.String("input", req.InputPath),
		slog.String("output", output),
		slog.Int64("source_bitrate_bps", source.BitrateBps),
		slog.Int64("target_bitrate_bps", p.TargetBitrateBps),
		slog.Bool("clamped", p.Clamped),
	)
	return j, nil
}

// checkEncoders rejects plans whose encoders this host lacks.
func (s *Service) checkEncoders(ctx context.Context, p plan.Plan) error {
	encoders := []string{p.VideoCodec}
	if p.AudioBitrateBps > 0 {
		encoders = append(encoders, p.AudioCodec)
	}
	for _, name := range encoders {
		if !s.deps.Support.SupportsEncoder(ctx, name) {
			return fmt.Errorf("%w: encoder %s is not available", media.ErrUnsupported, name)
		}
	}
	return nil
}

// run executes a prepared job, publishing snapshots as it progresses.
func (s *Service) run(ctx context.Context, j *job.Job, onProgress transcode.ProgressFunc) (*Result, error) {
	defer s.deps.Executor.Release(j.OutputPath, j.ID)
	saveCtx := context.WithoutCancel(ctx)
	save := func() {
		if err := s.deps.Repo.Save(saveCtx, j); err != nil {
			s.logger.Warn("failed to save job", slog.String("job_id", j.ID), slog.String("error", err.Error()))
		}
	}

	start := time.Now()
	out, err := s.deps.Executor.Execute(ctx, j, func(p transcode.Progress) {
		save()
		if onProgress != nil {
			onProgress(p)
		}
	})
	save()
	if err != nil {
		return nil, err
	}

	snap := j.Clone()
	result := &Result{
		JobID:      j.ID,
		OutputPath: out.Path,
		Source:     snap.Source,
		Output:     out,
		Plan:       snap.Plan,
	}
	s.logger.Info("optimization finished",
		slog.String("job_id", j.ID),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int64("source_size_bytes", snap.Source.SizeBytes),
		slog.Int64("output_size_bytes", out.SizeBytes),
	)

	if snap.PushToS3 {
		url, err := s.deps.Storage.UploadFile(ctx, out.Path)
		if err != nil {
			err = fmt.Errorf("upload to S3: %w", err)
			j.SetUploadError(err)
			save()
			s.logger.Error("upload failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
			return result, err
		}
		j.SetVideoURL(url)
		save()
		result.VideoURL = url
		s.logger.Info("output uploaded", slog.String("job_id", j.ID), slog.String("url", url))
	}
	return result, nil
}

// localPath strips a "file:" URI prefix, leaving a single leading slash.
func localPath(path string) string {
	rest, ok := strings.CutPrefix(path, "file:")
	if !ok {
		return path
	}
	for strings.HasPrefix(rest, "//") {
		rest = rest[1:]
	}
	return rest
}

// samePath reports whether a and b name the same file location.
func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
