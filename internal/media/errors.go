package media

import (
	"context"
	"errors"
)

// Error kinds shared by every stage of the optimization pipeline.
// Callers match them with errors.Is; stages wrap them with context.
var (
	// ErrInvalidInput is returned for bad paths, bad budgets or unreadable media.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupported is returned when the required tools or codecs are missing.
	ErrUnsupported = errors.New("unsupported: required codec or tooling not available")
	// ErrResourceExhausted is returned when disk space or memory runs out.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrCorrupt is returned when the encoded output fails validation.
	ErrCorrupt = errors.New("corrupt output")
	// ErrBusy is returned when another job already writes the same output path.
	ErrBusy = errors.New("busy: output path is already being written")
	// ErrCancelled is returned when the caller cancelled the work.
	ErrCancelled = errors.New("cancelled")
)

// Kind is a stable, machine readable name for an error kind.
type Kind string

// Error kinds as reported to API clients.
const (
	KindNone              Kind = ""
	KindInvalidInput      Kind = "invalid_input"
	KindUnsupported       Kind = "unsupported"
	KindResourceExhausted Kind = "resource_exhausted"
	KindCorrupt           Kind = "corrupt"
	KindBusy              Kind = "busy"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// KindOf classifies err. A nil error has KindNone; errors outside the
// taxonomy are KindInternal. Context cancellation counts as KindCancelled.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrCorrupt):
		return KindCorrupt
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}
