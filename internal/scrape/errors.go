package scrape

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested attempt does not exist.
var ErrNotFound = errors.New("scraping attempt not found")

// ErrInternal is returned when a run aborted on an unexpected failure.
var ErrInternal = errors.New("internal error")

// ErrQueueClosed is returned by hand-off queues after shutdown.
var ErrQueueClosed = errors.New("queue closed")

// ValidationError reports bad or missing caller input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string {
	return e.Msg
}

// ConfigurationError reports a missing endpoint or credential.
type ConfigurationError struct {
	Msg string
}

func (e ConfigurationError) Error() string {
	return e.Msg
}

// UpstreamJobError wraps a job-engine submit or fetch failure.
type UpstreamJobError struct {
	Stage string
	Err   error
}

func (e UpstreamJobError) Error() string {
	return fmt.Errorf("%s: %w", e.Stage, e.Err).Error()
}

func (e UpstreamJobError) Unwrap() error {
	return e.Err
}

// StoreError wraps a failed call against the persistence gateway.
type StoreError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e StoreError) Error() string {
	msg := e.Op
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s Response: %s", msg, e.Body)
	}
	return msg
}

func (e StoreError) Unwrap() error {
	return e.Err
}

// UpstreamError wraps a failed status lookup.
type UpstreamError struct {
	Err error
}

func (e UpstreamError) Error() string {
	return fmt.Errorf("status lookup: %w", e.Err).Error()
}

func (e UpstreamError) Unwrap() error {
	return e.Err
}

// ItemProcessingError reports an unexpected failure scoped to one raw record.
type ItemProcessingError struct {
	Kind  string
	Msg   string
	Trace string
}

func (e ItemProcessingError) Error() string {
	if e.Msg == "" || e.Msg == "0" {
		return "Exception in item processing: " + e.Trace
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}
