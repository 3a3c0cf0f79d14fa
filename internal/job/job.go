// Package job provides the TranscodeJob aggregate: one input, one output, one
// plan, and the lifecycle state machine an executor drives it through.
// It also defines the repository used to poll jobs while they run.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/maauso/vidopt/internal/job/id"
	"github.com/maauso/vidopt/internal/media"
	"github.com/maauso/vidopt/internal/plan"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusCreated indicates the job was planned but has not started encoding.
	StatusCreated Status = "CREATED"
	// StatusRunning indicates the encoder is running.
	StatusRunning Status = "RUNNING"
	// StatusSucceeded indicates the output was written and validated.
	StatusSucceeded Status = "SUCCEEDED"
	// StatusFailed indicates the job ended with an error.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was cancelled by its caller.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusCreated:   {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusCancelled},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no transition leaves s.
func (s Status) IsTerminal() bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

// Job is a single transcode from InputPath to OutputPath.
// The executor owns a running job; readers should poll through Clone.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Status is the current job state.
	Status Status
	// InputPath is the source video.
	InputPath string
	// OutputPath is where the optimized video is written.
	OutputPath string
	// OutputAllocated is set when OutputPath was picked in the working
	// directory rather than given by the caller.
	OutputAllocated bool
	// Source describes the input as probed before planning.
	Source media.Descriptor
	// Plan holds the encoding parameters.
	Plan plan.Plan
	// Output describes the validated output; zero until the job succeeds.
	Output media.Descriptor
	// Progress is the completed fraction in [0,1]. It never decreases.
	Progress float64
	// Error contains the failure reason if the job failed or was cancelled.
	Error string
	// ErrorKind classifies Error.
	ErrorKind media.Kind
	// PushToS3 indicates whether to upload the result to S3.
	PushToS3 bool
	// VideoURL is the S3 URL if PushToS3 was true.
	VideoURL string
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when encoding started.
	StartedAt time.Time
	// CompletedAt is when the job reached a terminal state.
	CompletedAt time.Time
}

// New creates a Job with a generated ID in CREATED status.
func New(inputPath, outputPath string, source media.Descriptor, p plan.Plan) *Job {
	return NewWithID(id.Generate(), inputPath, outputPath, source, p)
}

// NewWithID creates a Job with the specified ID in CREATED status.
// Useful for testing or when ID needs to be externally generated.
func NewWithID(jobID, inputPath, outputPath string, source media.Descriptor, p plan.Plan) *Job {
	now := time.Now()
	return &Job{
		ID:         jobID,
		Status:     StatusCreated,
		InputPath:  inputPath,
		OutputPath: outputPath,
		Source:     source,
		Plan:       p,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusSucceeded, StatusFailed, StatusCancelled:
		j.CompletedAt = j.UpdatedAt
	}

	return nil
}

// Start transitions the job from CREATED to RUNNING.
func (j *Job) Start() error {
	return j.TransitionTo(StatusRunning)
}

// Succeed records the validated output and transitions to SUCCEEDED.
func (j *Job) Succeed(output media.Descriptor) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusSucceeded); err != nil {
		return err
	}
	j.Output = output
	j.Progress = 1
	return nil
}

// Fail records err and transitions to FAILED, or to CANCELLED when err is a
// cancellation.
func (j *Job) Fail(err error) error {
	if err == nil {
		err = errors.New("unknown error")
	}
	kind := media.KindOf(err)
	target := StatusFailed
	if kind == media.KindCancelled {
		target = StatusCancelled
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if terr := j.transitionLocked(target); terr != nil {
		return terr
	}
	j.Error = err.Error()
	j.ErrorKind = kind
	return nil
}

// Cancel transitions the job to CANCELLED state.
func (j *Job) Cancel() error {
	return j.Fail(media.ErrCancelled)
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// GetPlan returns the job's plan.
func (j *Job) GetPlan() plan.Plan {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Plan
}

// GetProgress returns the completed fraction.
func (j *Job) GetProgress() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Progress
}

// UpdateProgress raises progress to fraction, clamped to [0,1].
// Lower values are ignored. Returns the stored progress.
func (j *Job) UpdateProgress(fraction float64) float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	fraction = max(0, min(1, fraction))
	if fraction > j.Progress {
		j.Progress = fraction
		j.UpdatedAt = time.Now()
	}
	return j.Progress
}

// SetVideoURL records where the output was uploaded.
func (j *Job) SetVideoURL(url string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.VideoURL = url
	j.UpdatedAt = time.Now()
}

// SetUploadError records that publishing the output failed. The job keeps
// its status; the local output is still valid.
func (j *Job) SetUploadError(err error) {
	if err == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Error = err.Error()
	j.ErrorKind = media.KindOf(err)
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.GetStatus().IsTerminal()
}

// Clone creates a copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		ID:              j.ID,
		Status:          j.Status,
		InputPath:       j.InputPath,
		OutputPath:      j.OutputPath,
		OutputAllocated: j.OutputAllocated,
		Source:          j.Source,
		Plan:            j.Plan,
		Output:          j.Output,
		Progress:        j.Progress,
		Error:           j.Error,
		ErrorKind:       j.ErrorKind,
		PushToS3:        j.PushToS3,
		VideoURL:        j.VideoURL,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}
