package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/vidopt/internal/job"
	"github.com/maauso/vidopt/internal/media"
	"github.com/maauso/vidopt/internal/optimizer"
	"github.com/maauso/vidopt/internal/plan"
)

// VideoService is the subset of optimizer.Service the handlers use.
type VideoService interface {
	IsSupported(ctx context.Context) bool
	Probe(ctx context.Context, path string) (media.Descriptor, error)
	Submit(ctx context.Context, req optimizer.OptimizeRequest) (*job.Job, error)
	Job(ctx context.Context, id string) (*job.Job, error)
	Jobs(ctx context.Context) ([]*job.Job, error)
	Cancel(ctx context.Context, id string) (*job.Job, error)
	ImageFromVideo(ctx context.Context, input, output string) error
	SaveUpload(ctx context.Context, name string, data io.Reader) (string, error)
}

var _ VideoService = (*optimizer.Service)(nil)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service   VideoService
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service VideoService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Support handles GET /support requests.
func (h *Handlers) Support(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SupportResponse{Supported: h.service.IsSupported(r.Context())})
}

// Probe handles POST /probe requests.
func (h *Handlers) Probe(w http.ResponseWriter, r *http.Request) {
	var req ProbeRequest
	if !h.decode(w, r, &req) {
		return
	}

	d, err := h.service.Probe(r.Context(), req.Path)
	if err != nil {
		h.writeServiceError(w, "probe failed", err)
		return
	}

	writeJSON(w, http.StatusOK, ProbeResponse{
		DurationMillis: d.DurationMillis,
		BitrateBps:     d.BitrateBps,
		Size:           d.Size(),
		SizeBytes:      d.SizeBytes,
		Width:          d.Width,
		Height:         d.Height,
	})
}

// CreateJob handles POST /jobs requests. The job runs in the background;
// poll GET /jobs/{id} for progress.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.service.Submit(r.Context(), optimizer.OptimizeRequest{
		InputPath:  req.InputPath,
		OutputPath: req.OutputPath,
		Budget: plan.Budget{
			MaxSizeBytes:  req.MaxSizeBytes,
			MaxBitrateBps: req.MaxBitrateBps,
		},
		PushToS3: req.PushToS3,
	})
	if err != nil {
		h.writeServiceError(w, "failed to create job", err)
		return
	}

	h.logger.Info("job created",
		slog.String("job_id", created.ID),
		slog.String("input", created.InputPath),
		slog.String("output", created.OutputPath),
	)

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		ID:     created.ID,
		Status: string(created.Status),
	})
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	found, err := h.service.Job(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, "failed to get job", err)
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(found))
}

// ListJobs handles GET /jobs requests.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.Jobs(r.Context())
	if err != nil {
		h.writeServiceError(w, "failed to list jobs", err)
		return
	}

	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toJobResponse(found *job.Job) JobResponse {
	resp := JobResponse{
		ID:         found.ID,
		Status:     string(found.Status),
		Progress:   found.Progress,
		Error:      found.Error,
		ErrorKind:  string(found.ErrorKind),
		OutputPath: found.OutputPath,
		VideoURL:   found.VideoURL,
	}
	if found.Plan.TargetBitrateBps > 0 {
		p := found.Plan
		resp.Plan = &p
	}
	return resp
}

// CancelJob handles DELETE /jobs/{id} requests. The job stops at its next
// progress checkpoint, so the reported status may still be RUNNING.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	snap, err := h.service.Cancel(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, "failed to cancel job", err)
		return
	}

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		ID:     snap.ID,
		Status: string(snap.Status),
	})
}

// CreateFrame handles POST /frames requests.
func (h *Handlers) CreateFrame(w http.ResponseWriter, r *http.Request) {
	var req FrameRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.ImageFromVideo(r.Context(), req.InputPath, req.OutputPath); err != nil {
		h.writeServiceError(w, "frame extraction failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, FrameResponse{OutputPath: req.OutputPath})
}

// Upload handles POST /uploads requests. The video is read from the "file"
// field of a multipart body and streamed into the working directory.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart body required", "INVALID_UPLOAD")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "missing file field", "INVALID_UPLOAD")
			return
		}
		if err != nil {
			h.logger.Warn("failed to read multipart body", slog.String("error", err.Error()))
			writeError(w, http.StatusBadRequest, "malformed multipart body", "INVALID_UPLOAD")
			return
		}
		if part.FormName() != uploadField || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		path, err := h.service.SaveUpload(r.Context(), part.FileName(), part)
		_ = part.Close()
		if err != nil {
			h.writeServiceError(w, "upload failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, UploadResponse{Path: path})
		return
	}
}

// uploadField is the multipart field carrying the video.
const uploadField = "file"

// decode reads and validates a JSON body into dst. It writes the error
// response and returns false on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// writeServiceError maps a service error to a status and error code.
func (h *Handlers) writeServiceError(w http.ResponseWriter, msg string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error(msg, slog.String("error", err.Error()))
	} else {
		h.logger.Warn(msg, slog.String("error", err.Error()))
	}
	writeError(w, status, err.Error(), code)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		return http.StatusNotFound, "JOB_NOT_FOUND"
	case errors.Is(err, optimizer.ErrJobFinished):
		return http.StatusConflict, "JOB_FINISHED"
	}

	switch media.KindOf(err) {
	case media.KindInvalidInput:
		return http.StatusBadRequest, "INVALID_INPUT"
	case media.KindUnsupported:
		return http.StatusServiceUnavailable, "UNSUPPORTED"
	case media.KindBusy:
		return http.StatusConflict, "BUSY"
	case media.KindResourceExhausted:
		return http.StatusInsufficientStorage, "RESOURCE_EXHAUSTED"
	case media.KindCorrupt:
		return http.StatusUnprocessableEntity, "CORRUPT_OUTPUT"
	case media.KindCancelled:
		return http.StatusConflict, "CANCELLED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
