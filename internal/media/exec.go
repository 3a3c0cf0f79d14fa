package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"
)

// maxStderrBytes bounds how much diagnostic output is kept per command.
const maxStderrBytes = 64 * 1024

// waitDelay bounds how long a killed command may hold its output pipes.
const waitDelay = 5 * time.Second

// FFmpegError represents an error from running ffmpeg or ffprobe, including
// the tail of its stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// TailBuffer is an io.Writer that keeps only the last Limit bytes written.
// Writes never fail, so a chatty process is never blocked or killed by it.
type TailBuffer struct {
	Limit int
	buf   []byte
}

// Write implements io.Writer.
func (t *TailBuffer) Write(p []byte) (int, error) {
	limit := t.Limit
	if limit <= 0 {
		limit = maxStderrBytes
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// String returns the retained output.
func (t *TailBuffer) String() string {
	return string(t.buf)
}

// runTool executes a tool and returns its stdout. Failures are reported as
// *FFmpegError; a missing binary is reported as ErrUnsupported.
func runTool(ctx context.Context, path string, args []string) ([]byte, error) {
	// #nosec G204 - tool paths come from configuration, not user input
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = waitDelay

	var stdout bytes.Buffer
	stderr := &TailBuffer{Limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s cancelled: %w", path, ctx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
		}
		return nil, &FFmpegError{
			Args:   args,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}
