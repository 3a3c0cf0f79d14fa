package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/vidopt/internal/media"
	"github.com/maauso/vidopt/internal/optimizer"
	"github.com/maauso/vidopt/internal/plan"
	"github.com/maauso/vidopt/internal/transcode"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) IsSupported(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *mockService) Probe(ctx context.Context, path string) (media.Descriptor, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(media.Descriptor), args.Error(1)
}

func (m *mockService) VideoBitrate(ctx context.Context, path string) (int64, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockService) VideoDuration(ctx context.Context, path string) (int64, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockService) VideoSize(ctx context.Context, path string) (string, error) {
	args := m.Called(ctx, path)
	return args.String(0), args.Error(1)
}

func (m *mockService) OptimizeVideoForUpload(ctx context.Context, req optimizer.OptimizeRequest, onProgress transcode.ProgressFunc) (*optimizer.Result, error) {
	args := m.Called(ctx, req, onProgress)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*optimizer.Result), args.Error(1)
}

func (m *mockService) ImageFromVideo(ctx context.Context, input, output string) error {
	return m.Called(ctx, input, output).Error(0)
}

// run executes the command tree with args and returns stdout and stderr.
func run(t *testing.T, svc Service, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCommand(func() (Service, error) { return svc, nil })
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestMetadataCommands(t *testing.T) {
	svc := &mockService{}
	svc.On("VideoBitrate", mock.Anything, "clip.mp4").Return(int64(4_000_000), nil)
	svc.On("VideoDuration", mock.Anything, "clip.mp4").Return(int64(120_000), nil)
	svc.On("VideoSize", mock.Anything, "clip.mp4").Return("1920x1080", nil)
	svc.On("IsSupported", mock.Anything).Return(true)

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bitrate", "clip.mp4"}, "4000000\n"},
		{[]string{"duration", "clip.mp4"}, "120000\n"},
		{[]string{"size", "clip.mp4"}, "1920x1080\n"},
		{[]string{"supported"}, "true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			out, _, err := run(t, svc, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestProbeCommand(t *testing.T) {
	svc := &mockService{}
	svc.On("Probe", mock.Anything, "clip.mp4").Return(media.Descriptor{
		Path: "clip.mp4", DurationMillis: 5000, Width: 640, Height: 360, HasAudio: true,
	}, nil)

	out, _, err := run(t, svc, "probe", "clip.mp4")
	require.NoError(t, err)

	var d media.Descriptor
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, int64(5000), d.DurationMillis)
	assert.Equal(t, 640, d.Width)
}

func TestMetadataCommand_Error(t *testing.T) {
	svc := &mockService{}
	svc.On("VideoSize", mock.Anything, "notes.txt").
		Return("", fmt.Errorf("%w: no video stream", media.ErrInvalidInput))

	out, _, err := run(t, svc, "size", "notes.txt")
	assert.ErrorIs(t, err, media.ErrInvalidInput)
	assert.Empty(t, out)
}

func TestOptimizeCommand(t *testing.T) {
	result := &optimizer.Result{
		JobID:      "job-1-00000000",
		OutputPath: "/tmp/small.mp4",
		Source:     media.Descriptor{SizeBytes: 60_000_000, BitrateBps: 4_000_000, Width: 1920, Height: 1080},
		Output:     media.Descriptor{SizeBytes: 9_400_000},
		Plan:       plan.Plan{TargetBitrateBps: 633_333, TargetWidth: 1920, TargetHeight: 1080},
	}

	t.Run("max size with explicit output", func(t *testing.T) {
		svc := &mockService{}
		svc.On("OptimizeVideoForUpload", mock.Anything, optimizer.OptimizeRequest{
			InputPath:  "clip.mov",
			OutputPath: "/tmp/small.mp4",
			Budget:     plan.Budget{MaxSizeBytes: 10_000_000},
		}, mock.Anything).Run(func(args mock.Arguments) {
			onProgress := args.Get(2).(transcode.ProgressFunc)
			onProgress(transcode.Progress{Fraction: 0.5})
			onProgress(transcode.Progress{Fraction: 1, Final: true})
		}).Return(result, nil)

		out, errOut, err := run(t, svc, "optimize", "clip.mov", "/tmp/small.mp4", "--max-size", "10000000")
		require.NoError(t, err)
		assert.Contains(t, out, "/tmp/small.mp4")
		assert.Contains(t, out, "633333")
		assert.Contains(t, errOut, " 50%")
		assert.Contains(t, errOut, "100%\n")
	})

	t.Run("quiet json with bitrate and upload", func(t *testing.T) {
		svc := &mockService{}
		uploaded := *result
		uploaded.VideoURL = "https://bucket.s3.amazonaws.com/videos/x.mp4"
		svc.On("OptimizeVideoForUpload", mock.Anything, optimizer.OptimizeRequest{
			InputPath: "clip.mov",
			Budget:    plan.Budget{MaxBitrateBps: 500_000},
			PushToS3:  true,
		}, mock.MatchedBy(func(fn transcode.ProgressFunc) bool { return fn == nil })).Return(&uploaded, nil)

		out, errOut, err := run(t, svc, "optimize", "clip.mov", "--max-bitrate", "500000", "--push-to-s3", "-q", "--json")
		require.NoError(t, err)
		assert.Empty(t, errOut)

		var got optimizer.Result
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, uploaded.VideoURL, got.VideoURL)
	})

	t.Run("both budgets rejected by flags", func(t *testing.T) {
		svc := &mockService{}
		_, _, err := run(t, svc, "optimize", "clip.mov", "--max-size", "1", "--max-bitrate", "1")
		require.Error(t, err)
		svc.AssertNotCalled(t, "OptimizeVideoForUpload", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failure is returned", func(t *testing.T) {
		svc := &mockService{}
		svc.On("OptimizeVideoForUpload", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("optimize: %w", media.ErrUnsupported))

		out, _, err := run(t, svc, "optimize", "clip.mov", "-q")
		assert.ErrorIs(t, err, media.ErrUnsupported)
		assert.Empty(t, out)
	})

	t.Run("upload failure still prints result", func(t *testing.T) {
		svc := &mockService{}
		svc.On("OptimizeVideoForUpload", mock.Anything, mock.Anything, mock.Anything).
			Return(result, errors.New("upload to S3: access denied"))

		out, _, err := run(t, svc, "optimize", "clip.mov", "-q", "--push-to-s3")
		require.Error(t, err)
		assert.Contains(t, out, "/tmp/small.mp4")
	})
}

func TestFrameCommand(t *testing.T) {
	svc := &mockService{}
	svc.On("ImageFromVideo", mock.Anything, "clip.mov", "thumb.jpg").Return(nil)

	out, _, err := run(t, svc, "frame", "clip.mov", "thumb.jpg")
	require.NoError(t, err)
	assert.Equal(t, "thumb.jpg\n", out)
}

func TestArgsValidation(t *testing.T) {
	for _, args := range [][]string{
		{"probe"},
		{"bitrate", "a", "b"},
		{"frame", "only-one"},
		{"optimize"},
		{"supported", "extra"},
	} {
		_, _, err := run(t, &mockService{}, args...)
		assert.Error(t, err, args)
	}
}

func TestFactoryError(t *testing.T) {
	root := NewRootCommand(func() (Service, error) { return nil, errors.New("config: bad") })
	root.SetArgs([]string{"supported"})
	root.SetOut(&bytes.Buffer{})
	assert.EqualError(t, root.Execute(), "config: bad")
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := progressPrinter(&buf)
	p(transcode.Progress{Fraction: 0.1})
	p(transcode.Progress{Fraction: 0.101})
	p(transcode.Progress{Fraction: 0.5})
	p(transcode.Progress{Fraction: 0.5, Final: true})

	assert.Equal(t, "\rencoding  10%\rencoding  50%\rencoding  50%\n", buf.String())
}
