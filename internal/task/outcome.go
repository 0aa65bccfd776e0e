package task

import (
	"context"
	"errors"
	"fmt"

	"repro-screening/internal/screening"
)

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	KindInput        ErrorKind = "input"
	KindUpstream     ErrorKind = "upstream"
	KindEnvironment  ErrorKind = "environment"
	KindTimeout      ErrorKind = "timeout"
	KindVerification ErrorKind = "verification"
	KindInternal     ErrorKind = "internal"
	// KindAborted marks a run cut short by its parent context (hard limit or
	// shutdown). Nothing is posted for it.
	KindAborted ErrorKind = "aborted"
)

// Outcome is the terminal result of a job body: Succeeded or Failed.
type Outcome interface {
	outcome()
}

// Succeeded ends the job normally; the substrate records success.
type Succeeded struct {
	Message string
	Result  map[string]any
}

// Failed ends the job deliberately; the substrate records failure and
// must not retry.
type Failed struct {
	Kind    ErrorKind
	Message string
	LogURL  string
}

func (Succeeded) outcome() {}
func (Failed) outcome()    {}

func (f Failed) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Meta is the structured error payload stored with the substrate state.
func (f Failed) Meta() map[string]any {
	m := map[string]any{"exc_type": string(f.Kind), "exc_message": f.Message}
	if f.LogURL != "" {
		m["log_url"] = f.LogURL
	}
	return m
}

// KindError attaches an ErrorKind to an error returned from a job body.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Classify picks the kind for an error that reached the boundary.
func Classify(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, screening.ErrInvalidRequest):
		return KindInput
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}
