package pipeline

import (
	"fmt"
	"time"
)

// Config holds the tunables of a Pipeline. All fields are required to be valid
// at construction; see DefaultConfig for sensible values.
type Config struct {
	MaxQueueSize              int
	MinSubmitInterval         time.Duration
	ExecutionTimeout          time.Duration
	MaxConcurrentTransactions int
	DefaultMaxRetries         int
	AutoRetry                 bool
	HistoryLimit              int

	// IdleInterval bounds how long the dispatcher sleeps when it has nothing to do.
	IdleInterval time.Duration
	// EventBufferSize is the capacity of the observer event queue.
	EventBufferSize int
	// RateLimitBackoff is used when a rate-limited failure carries no retry-after hint.
	RateLimitBackoff time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:              1000,
		MinSubmitInterval:         500 * time.Millisecond,
		ExecutionTimeout:          30 * time.Second,
		MaxConcurrentTransactions: 3,
		DefaultMaxRetries:         3,
		AutoRetry:                 true,
		HistoryLimit:              1000,
		IdleInterval:              100 * time.Millisecond,
		EventBufferSize:           256,
		RateLimitBackoff:          2 * time.Second,
	}
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error

	if c.MaxQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("MaxQueueSize must be positive"))
	}
	if c.MinSubmitInterval < 0 {
		errs = append(errs, fmt.Errorf("MinSubmitInterval cannot be negative"))
	}
	if c.ExecutionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ExecutionTimeout must be positive"))
	}
	if c.MaxConcurrentTransactions <= 0 {
		errs = append(errs, fmt.Errorf("MaxConcurrentTransactions must be positive"))
	}
	if c.DefaultMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("DefaultMaxRetries cannot be negative"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("HistoryLimit must be positive"))
	}
	if c.IdleInterval <= 0 {
		errs = append(errs, fmt.Errorf("IdleInterval must be positive"))
	}
	if c.EventBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("EventBufferSize must be positive"))
	}
	if c.RateLimitBackoff < 0 {
		errs = append(errs, fmt.Errorf("RateLimitBackoff cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, errs)
	}
	return nil
}
