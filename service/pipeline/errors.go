package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueFull is returned by Enqueue when the pending count has reached capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrInvalidPriority is returned when a request's priority matches no tier.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrAlreadyInFlight is returned when a request id is already being submitted.
	ErrAlreadyInFlight = errors.New("request already in flight")

	// ErrInvalidRequest wraps structural validation failures of a request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDuplicateRequest is returned when an id is already queued or in flight.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrSubmissionTimeout marks a submission that exceeded the execution timeout.
	ErrSubmissionTimeout = errors.New("submission timed out")

	// ErrInvalidConfig wraps construction-time misconfiguration.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
)

// RateLimitedError is returned by RateGate.TryAcquire when a submission may not
// start yet. Wait is how long until the gate would let it through; Reason is
// GateReasonSpacing or GateReasonBackoff.
type RateLimitedError struct {
	Wait   time.Duration
	Reason string
}

const (
	GateReasonSpacing = "spacing"
	GateReasonBackoff = "backoff"
)

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s): retry in %s", e.Reason, e.Wait)
}

// SubmissionError is the failure type chain clients return. RateLimited errors
// also set the gate backoff for RetryAfter.
type SubmissionError struct {
	Reason      string
	RateLimited bool
	RetryAfter  time.Duration
	Err         error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Reason
	}
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// NewSubmissionError wraps a non rate-limit failure.
func NewSubmissionError(reason string, err error) *SubmissionError {
	return &SubmissionError{Reason: reason, Err: err}
}

// NewRateLimitedError reports that the chain endpoint asked us to back off.
func NewRateLimitedError(retryAfter time.Duration, err error) *SubmissionError {
	return &SubmissionError{
		Reason:      "rate limited by chain endpoint",
		RateLimited: true,
		RetryAfter:  retryAfter,
		Err:         err,
	}
}

// IsRateLimited reports whether err is a rate-limit signal and how long to back off.
func IsRateLimited(err error) (time.Duration, bool) {
	var subErr *SubmissionError
	if errors.As(err, &subErr) && subErr.RateLimited {
		return subErr.RetryAfter, true
	}
	return 0, false
}
