package internal

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation    = errors.New("invalid submission")
	ErrProbe         = errors.New("probe failed")
	ErrPlan          = errors.New("cannot plan encode")
	ErrEncodeFailed  = errors.New("encode failed")
	ErrOutputMissing = errors.New("encoder output missing")
	ErrUpload        = errors.New("upload failed")
	ErrConfiguration = errors.New("storage not configured")
	ErrNotFound      = errors.New("job not found")
	ErrConflict      = errors.New("job already finished")
)

// ValidationError lists every rule a submission violated.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// EncodeFailedError is returned when the encoder exits with a non-zero status.
// Diagnostics holds the tail of the encoder's stderr.
type EncodeFailedError struct {
	ExitCode    int
	Diagnostics string
}

func (e *EncodeFailedError) Error() string {
	return fmt.Sprintf("ffmpeg exited with code %d: %s", e.ExitCode, e.Diagnostics)
}

func (e *EncodeFailedError) Is(target error) bool {
	return target == ErrEncodeFailed
}
