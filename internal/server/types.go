// Package server provides the HTTP API for vidopt.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "github.com/maauso/vidopt/internal/plan"

// CreateJobRequest is the HTTP request body for starting an optimization.
// At most one of MaxSizeBytes and MaxBitrateBps may be set; when neither is,
// the server default budget applies.
type CreateJobRequest struct {
	// InputPath is the source video on the server's filesystem.
	InputPath string `json:"input_path" validate:"required"`
	// OutputPath is where to write the result. Optional.
	OutputPath string `json:"output_path" validate:"omitempty,nefield=InputPath"`
	// MaxSizeBytes bounds the output file size.
	MaxSizeBytes int64 `json:"max_size_bytes" validate:"omitempty,min=1,excluded_with=MaxBitrateBps"`
	// MaxBitrateBps bounds the output bitrate.
	MaxBitrateBps int64 `json:"max_bitrate_bps" validate:"omitempty,min=1"`
	// PushToS3 indicates whether to upload the optimized video to S3.
	PushToS3 bool `json:"push_to_s3"`
}

// CreateJobResponse is the HTTP response after creating or cancelling a job.
type CreateJobResponse struct {
	// ID is the unique identifier for the job.
	ID string `json:"id"`
	// Status is the job status at the time of the response.
	Status string `json:"status"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	// Progress is the completed fraction in [0,1].
	Progress   float64    `json:"progress"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	OutputPath string     `json:"output_path"`
	VideoURL   string     `json:"video_url,omitempty"`
	Plan       *plan.Plan `json:"plan,omitempty"`
}

// ProbeRequest is the HTTP request body for probing a video.
type ProbeRequest struct {
	Path string `json:"path" validate:"required"`
}

// ProbeResponse describes a probed video.
type ProbeResponse struct {
	DurationMillis int64  `json:"duration_ms"`
	BitrateBps     int64  `json:"bitrate_bps"`
	Size           string `json:"size"`
	SizeBytes      int64  `json:"size_bytes"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
}

// FrameRequest is the HTTP request body for extracting the first frame.
type FrameRequest struct {
	InputPath  string `json:"input_path" validate:"required"`
	OutputPath string `json:"output_path" validate:"required,nefield=InputPath"`
}

// FrameResponse is the HTTP response after a frame was written.
type FrameResponse struct {
	OutputPath string `json:"output_path"`
}

// SupportResponse reports whether the host can optimize videos.
type SupportResponse struct {
	Supported bool `json:"supported"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

// JobListResponse is the HTTP response for listing jobs.
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// UploadResponse is the HTTP response after an upload. Path can be used as
// input_path when creating a job.
type UploadResponse struct {
	Path string `json:"path"`
}
