package pipeline

import (
	"fmt"
	"time"
)

// RetryAction is the outcome of a retry decision.
type RetryAction int

const (
	// RetryActionTerminal means the request is finished with status Failed.
	RetryActionTerminal RetryAction = iota
	// RetryActionRetry means the request should be re-enqueued.
	RetryActionRetry
)

func (a RetryAction) String() string {
	if a == RetryActionRetry {
		return "retry"
	}
	return "terminal"
}

// RetryDecision carries the action and the mutated request.
type RetryDecision struct {
	Action  RetryAction
	Request *TransactionRequest
}

// RetryPolicy decides what happens to a request after a failed submission.
//
// Retried requests move one tier toward Critical (Low -> Normal -> High) on the
// assumption that failed trades are time sensitive. This can starve fresh
// low-priority work while retries are pending.
type RetryPolicy struct {
	autoRetry bool
	now       func() time.Time
}

// NewRetryPolicy creates a policy. With autoRetry disabled every failure is terminal.
func NewRetryPolicy(autoRetry bool) *RetryPolicy {
	return &RetryPolicy{autoRetry: autoRetry, now: time.Now}
}

// AutoRetry reports whether failures may be retried at all.
func (p *RetryPolicy) AutoRetry() bool {
	return p.autoRetry
}

// Decide mutates req according to the failure and returns what the caller
// should do with it. It never touches the queue.
func (p *RetryPolicy) Decide(req *TransactionRequest, reason string) RetryDecision {
	now := p.now().UTC()

	if !p.autoRetry || req.RetryCount >= req.MaxRetries {
		req.Status = StatusFailed
		req.CompletedAt = timePtr(now)
		if p.autoRetry {
			req.Error = fmt.Sprintf("retries exhausted after %d attempts: %s", req.RetryCount+1, reason)
		} else {
			req.Error = fmt.Sprintf("auto-retry disabled: %s", reason)
		}
		return RetryDecision{Action: RetryActionTerminal, Request: req}
	}

	req.RetryCount++
	req.LastAttemptAt = timePtr(now)
	req.Status = StatusPending
	req.Priority = req.Priority.Escalate()
	req.Error = reason
	return RetryDecision{Action: RetryActionRetry, Request: req}
}
