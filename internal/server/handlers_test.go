package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/vidopt/internal/job"
	"github.com/maauso/vidopt/internal/media"
	"github.com/maauso/vidopt/internal/optimizer"
	"github.com/maauso/vidopt/internal/plan"
)

// mockVideoService implements VideoService for testing.
type mockVideoService struct {
	mock.Mock
}

func (m *mockVideoService) IsSupported(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *mockVideoService) Probe(ctx context.Context, path string) (media.Descriptor, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(media.Descriptor), args.Error(1)
}

func (m *mockVideoService) Submit(ctx context.Context, req optimizer.OptimizeRequest) (*job.Job, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *mockVideoService) Job(ctx context.Context, id string) (*job.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *mockVideoService) Cancel(ctx context.Context, id string) (*job.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *mockVideoService) ImageFromVideo(ctx context.Context, input, output string) error {
	return m.Called(ctx, input, output).Error(0)
}

func (m *mockVideoService) Jobs(ctx context.Context) ([]*job.Job, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*job.Job), args.Error(1)
}

func (m *mockVideoService) SaveUpload(ctx context.Context, name string, data io.Reader) (string, error) {
	args := m.Called(ctx, name, data)
	return args.String(0), args.Error(1)
}

func newTestHandlers(t *testing.T) (*Handlers, *mockVideoService) {
	t.Helper()
	svc := &mockVideoService{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandlers(svc, logger), svc
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func testJob() *job.Job {
	return job.NewWithID("job-1700000000000-0a1b2c3d", "/videos/in.mp4", "/videos/out.mp4",
		media.Descriptor{DurationMillis: 120_000, Width: 1920, Height: 1080},
		plan.Plan{TargetBitrateBps: 633_333, VideoBitrateBps: 505_333, AudioBitrateBps: 128_000,
			TargetWidth: 1920, TargetHeight: 1080, Container: plan.ContainerMP4})
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestSupport(t *testing.T) {
	h, svc := newTestHandlers(t)
	svc.On("IsSupported", mock.Anything).Return(false)

	rec := httptest.NewRecorder()
	h.Support(rec, httptest.NewRequest(http.MethodGet, "/support", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp SupportResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Supported)
}

func TestProbe(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h, svc := newTestHandlers(t)
		svc.On("Probe", mock.Anything, "/videos/in.mp4").Return(media.Descriptor{
			Path: "/videos/in.mp4", DurationMillis: 120_000, BitrateBps: 4_000_000,
			SizeBytes: 60_000_000, Width: 1280, Height: 720,
		}, nil)

		rec := httptest.NewRecorder()
		h.Probe(rec, httptest.NewRequest(http.MethodPost, "/probe", jsonBody(t, ProbeRequest{Path: "/videos/in.mp4"})))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp ProbeResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, ProbeResponse{
			DurationMillis: 120_000, BitrateBps: 4_000_000, Size: "1280x720",
			SizeBytes: 60_000_000, Width: 1280, Height: 720,
		}, resp)
	})

	t.Run("missing path", func(t *testing.T) {
		h, svc := newTestHandlers(t)

		rec := httptest.NewRecorder()
		h.Probe(rec, httptest.NewRequest(http.MethodPost, "/probe", strings.NewReader(`{}`)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
		svc.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything)
	})

	t.Run("unreadable file", func(t *testing.T) {
		h, svc := newTestHandlers(t)
		svc.On("Probe", mock.Anything, "/videos/x.txt").
			Return(media.Descriptor{}, fmt.Errorf("%w: no video stream", media.ErrInvalidInput))

		rec := httptest.NewRecorder()
		h.Probe(rec, httptest.NewRequest(http.MethodPost, "/probe", jsonBody(t, ProbeRequest{Path: "/videos/x.txt"})))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_INPUT", decodeError(t, rec).Code)
	})
}

func TestCreateJob_Success(t *testing.T) {
	h, svc := newTestHandlers(t)
	created := testJob()
	svc.On("Submit", mock.Anything, optimizer.OptimizeRequest{
		InputPath:  "/videos/in.mp4",
		OutputPath: "/videos/out.mp4",
		Budget:     plan.Budget{MaxSizeBytes: 10_000_000},
		PushToS3:   true,
	}).Return(created, nil)

	body := CreateJobRequest{
		InputPath:    "/videos/in.mp4",
		OutputPath:   "/videos/out.mp4",
		MaxSizeBytes: 10_000_000,
		PushToS3:     true,
	}
	req := httptest.NewRequest(http.MethodPost, "/jobs", jsonBody(t, body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	h.CreateJob(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp CreateJobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, created.ID, resp.ID)
	assert.Equal(t, "CREATED", resp.Status)
	svc.AssertExpectations(t)
}

func TestCreateJob_EmptyBudgetIsPassedThrough(t *testing.T) {
	h, svc := newTestHandlers(t)
	svc.On("Submit", mock.Anything, optimizer.OptimizeRequest{InputPath: "/videos/in.mp4"}).Return(testJob(), nil)

	rec := httptest.NewRecorder()
	h.CreateJob(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"input_path":"/videos/in.mp4"}`)))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	svc.AssertExpectations(t)
}

func TestCreateJob_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", "invalid json", "INVALID_JSON"},
		{"missing input", `{"max_bitrate_bps":500000}`, "VALIDATION_ERROR"},
		{"both budgets", `{"input_path":"/a.mp4","max_size_bytes":1000000,"max_bitrate_bps":500000}`, "VALIDATION_ERROR"},
		{"negative size", `{"input_path":"/a.mp4","max_size_bytes":-5}`, "VALIDATION_ERROR"},
		{"negative bitrate", `{"input_path":"/a.mp4","max_bitrate_bps":-5}`, "VALIDATION_ERROR"},
		{"output equals input", `{"input_path":"/a.mp4","output_path":"/a.mp4"}`, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc := newTestHandlers(t)

			rec := httptest.NewRecorder()
			h.CreateJob(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(tt.body)))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
			svc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateJob_ServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unsupported", fmt.Errorf("optimize: %w", media.ErrUnsupported), http.StatusServiceUnavailable, "UNSUPPORTED"},
		{"not a video", fmt.Errorf("%w: text/plain", media.ErrInvalidInput), http.StatusBadRequest, "INVALID_INPUT"},
		{"busy", fmt.Errorf("%w: /videos/out.mp4", media.ErrBusy), http.StatusConflict, "BUSY"},
		{"disk full", fmt.Errorf("%w: need 10 MB", media.ErrResourceExhausted), http.StatusInsufficientStorage, "RESOURCE_EXHAUSTED"},
		{"other", errors.New("repository down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc := newTestHandlers(t)
			svc.On("Submit", mock.Anything, mock.Anything).Return(nil, tt.err)

			rec := httptest.NewRecorder()
			h.CreateJob(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"input_path":"/videos/in.mp4"}`)))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestCreateJob_SameOutputTwiceIsBusy(t *testing.T) {
	router, svc := newTestRouter(t)
	req := optimizer.OptimizeRequest{InputPath: "/videos/in.mp4", OutputPath: "/videos/out.mp4"}
	svc.On("Submit", mock.Anything, req).Return(testJob(), nil).Once()
	svc.On("Submit", mock.Anything, req).
		Return(nil, fmt.Errorf("%w: /videos/out.mp4 (job job-1700000000000-0a1b2c3d)", media.ErrBusy)).Once()

	body := `{"input_path":"/videos/in.mp4","output_path":"/videos/out.mp4"}`

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body)))
	assert.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body)))
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "BUSY", decodeError(t, second).Code)
	svc.AssertExpectations(t)
}

func TestListJobs(t *testing.T) {
	t.Run("returns all jobs", func(t *testing.T) {
		h, svc := newTestHandlers(t)
		failed := job.NewWithID("job-1700000000001-0a1b2c3e", "/videos/b.mp4", "/videos/b_out.mp4", media.Descriptor{}, plan.Plan{})
		require.NoError(t, failed.Fail(fmt.Errorf("%w: text/plain", media.ErrInvalidInput)))
		svc.On("Jobs", mock.Anything).Return([]*job.Job{testJob(), failed}, nil)

		rec := httptest.NewRecorder()
		h.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp JobListResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.Len(t, resp.Jobs, 2)
		assert.Equal(t, "CREATED", resp.Jobs[0].Status)
		require.NotNil(t, resp.Jobs[0].Plan)
		assert.Equal(t, "FAILED", resp.Jobs[1].Status)
		assert.Equal(t, "invalid_input", resp.Jobs[1].ErrorKind)
		assert.Nil(t, resp.Jobs[1].Plan)
	})

	t.Run("empty list is an array", func(t *testing.T) {
		h, svc := newTestHandlers(t)
		svc.On("Jobs", mock.Anything).Return([]*job.Job{}, nil)

		rec := httptest.NewRecorder()
		h.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())
	})
}

// multipartUpload builds a request with a file in field.
func multipartUpload(t *testing.T, field, name, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("note", "ignored"))
	part, err := w.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUpload(t *testing.T) {
	t.Run("saves file", func(t *testing.T) {
		h, svc := newTestHandlers(t)
		var got string
		svc.On("SaveUpload", mock.Anything, "clip.mp4", mock.Anything).
			Run(func(args mock.Arguments) {
				b, _ := io.ReadAll(args.Get(2).(io.Reader))
				got = string(b)
			}).Return("/tmp/vidopt/clip_123.mp4", nil)

		rec := httptest.NewRecorder()
		h.Upload(rec, multipartUpload(t, "file", "clip.mp4", "video bytes"))

		assert.Equal(t, http.StatusCreated, rec.Code)
		var resp UploadResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "/tmp/vidopt/clip_123.mp4", resp.Path)
		assert.Equal(t, "video bytes", got)
	})

	t.Run("not a video", func(t *testing.T) {
		h, svc := newTestHandlers(t)
		svc.On("SaveUpload", mock.Anything, "notes.mp4", mock.Anything).
			Return("", fmt.Errorf("%w: text/plain", media.ErrInvalidInput))

		rec := httptest.NewRecorder()
		h.Upload(rec, multipartUpload(t, "file", "notes.mp4", "plain text"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_INPUT", decodeError(t, rec).Code)
	})

	t.Run("missing file field", func(t *testing.T) {
		h, svc := newTestHandlers(t)

		rec := httptest.NewRecorder()
		h.Upload(rec, multipartUpload(t, "video", "clip.mp4", "x"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_UPLOAD", decodeError(t, rec).Code)
		svc.AssertNotCalled(t, "SaveUpload", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("not multipart", func(t *testing.T) {
		h, _ := newTestHandlers(t)

		rec := httptest.NewRecorder()
		h.Upload(rec, httptest.NewRequest(http.MethodPost, "/uploads", strings.NewReader(`{}`)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_UPLOAD", decodeError(t, rec).Code)
	})
}

func TestGetJob_Success(t *testing.T) {
	h, svc := newTestHandlers(t)
	running := testJob()
	require.NoError(t, running.Start())
	running.UpdateProgress(0.5)
	svc.On("Job", mock.Anything, running.ID).Return(running, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+running.ID, nil)
	req.SetPathValue("id", running.ID)
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, running.ID, resp.ID)
	assert.Equal(t, "RUNNING", resp.Status)
	assert.Equal(t, 0.5, resp.Progress)
	assert.Equal(t, "/videos/out.mp4", resp.OutputPath)
	require.NotNil(t, resp.Plan)
	assert.Equal(t, int64(633_333), resp.Plan.TargetBitrateBps)
	assert.Empty(t, resp.Error)
}

func TestGetJob_Failed(t *testing.T) {
	h, svc := newTestHandlers(t)
	failed := testJob()
	require.NoError(t, failed.Start())
	require.NoError(t, failed.Fail(fmt.Errorf("%w: output duration differs", media.ErrCorrupt)))
	svc.On("Job", mock.Anything, failed.ID).Return(failed, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+failed.ID, nil)
	req.SetPathValue("id", failed.ID)
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "FAILED", resp.Status)
	assert.Equal(t, "corrupt", resp.ErrorKind)
	assert.Contains(t, resp.Error, "output duration differs")
}

func TestGetJob_NotFound(t *testing.T) {
	h, svc := newTestHandlers(t)
	svc.On("Job", mock.Anything, "nonexistent").Return(nil, fmt.Errorf("%w: nonexistent", job.ErrJobNotFound))

	req := httptest.NewRequest(http.MethodGet, "/jobs/nonexistent", nil)
	req.SetPathValue("id", "nonexistent")
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decodeError(t, rec).Code)
}

func TestGetJob_MissingID(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/", nil)
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_JOB_ID", decodeError(t, rec).Code)
}

func TestCancelJob(t *testing.T) {
	t.Run("running job", func(t *testing.T) {
		h, svc := newTestHandlers(t)
		running := testJob()
		require.NoError(t, running.Start())
		svc.On("Cancel", mock.Anything, running.ID).Return(running, nil)

		req := httptest.NewRequest(http.MethodDelete, "/jobs/"+running.ID, nil)
		req.SetPathValue("id", running.ID)
		rec := httptest.NewRecorder()

		h.CancelJob(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		var resp CreateJobResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, running.ID, resp.ID)
	})

	t.Run("finished job", func(t *testing.T) {
		h, svc := newTestHandlers(t)
		svc.On("Cancel", mock.Anything, "job-1-00000000").
			Return(testJob(), fmt.Errorf("%w: job-1-00000000 is SUCCEEDED", optimizer.ErrJobFinished))

		req := httptest.NewRequest(http.MethodDelete, "/jobs/job-1-00000000", nil)
		req.SetPathValue("id", "job-1-00000000")
		rec := httptest.NewRecorder()

		h.CancelJob(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "JOB_FINISHED", decodeError(t, rec).Code)
	})
}

func TestCreateFrame(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h, svc := newTestHandlers(t)
		svc.On("ImageFromVideo", mock.Anything, "/videos/in.mp4", "/videos/in.jpg").Return(nil)

		rec := httptest.NewRecorder()
		h.CreateFrame(rec, httptest.NewRequest(http.MethodPost, "/frames",
			jsonBody(t, FrameRequest{InputPath: "/videos/in.mp4", OutputPath: "/videos/in.jpg"})))

		assert.Equal(t, http.StatusCreated, rec.Code)
		var resp FrameResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "/videos/in.jpg", resp.OutputPath)
	})

	t.Run("missing output", func(t *testing.T) {
		h, svc := newTestHandlers(t)

		rec := httptest.NewRecorder()
		h.CreateFrame(rec, httptest.NewRequest(http.MethodPost, "/frames", strings.NewReader(`{"input_path":"/videos/in.mp4"}`)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		svc.AssertNotCalled(t, "ImageFromVideo", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unsupported", func(t *testing.T) {
		h, svc := newTestHandlers(t)
		svc.On("ImageFromVideo", mock.Anything, mock.Anything, mock.Anything).
			Return(fmt.Errorf("extract frame: %w", media.ErrUnsupported))

		rec := httptest.NewRecorder()
		h.CreateFrame(rec, httptest.NewRequest(http.MethodPost, "/frames",
			jsonBody(t, FrameRequest{InputPath: "/videos/in.mp4", OutputPath: "/videos/in.jpg"})))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{media.ErrInvalidInput, http.StatusBadRequest},
		{media.ErrUnsupported, http.StatusServiceUnavailable},
		{media.ErrBusy, http.StatusConflict},
		{media.ErrResourceExhausted, http.StatusInsufficientStorage},
		{media.ErrCorrupt, http.StatusUnprocessableEntity},
		{media.ErrCancelled, http.StatusConflict},
		{job.ErrJobNotFound, http.StatusNotFound},
		{optimizer.ErrJobFinished, http.StatusConflict},
		{&media.FFmpegError{Err: errors.New("exit status 1")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, _ := statusFor(fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.status, status)
		})
	}
}
