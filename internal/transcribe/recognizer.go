package transcribe

import (
	"context"
	"errors"
	"time"
)

// Request is one inference call: an audio buffer plus the decoding
// parameters chosen by the active operating profile and the context
// memory.
type Request struct {
	PCM        []byte // 16-bit little-endian mono
	SampleRate int
	Language   string
	Prompt     string
	BeamWidth  int
}

// Result captures recognizer output for a single buffer.
type Result struct {
	Text       string
	Confidence float64
	Audio      time.Duration
}

// Recognizer abstracts the transcription capability. Implementations
// must honor ctx cancellation; calls are time-bounded by the caller.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// TransientError marks a failure worth retrying, such as a busy model
// process or a timed-out call. Anything else is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient inference failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable inference failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable inference failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
