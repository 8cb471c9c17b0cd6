package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	txclient "github.com/brojonat/txpipe/client"
)

var a *Activities // for type-safe activity invocation

const (
	DefaultPollInterval = 2 * time.Second
	DefaultAwaitTimeout = 5 * time.Minute
)

// SubmitTransactionInput contains the request and how long to wait for it.
type SubmitTransactionInput struct {
	Request      txclient.SubmitRequest `json:"request"`
	PollInterval time.Duration          `json:"poll_interval"`
	AwaitTimeout time.Duration          `json:"await_timeout"`
}

// SubmitTransactionResult is the final view of the request.
type SubmitTransactionResult struct {
	RequestID  string    `json:"request_id"`
	Status     string    `json:"status"`
	Priority   string    `json:"priority"`
	RetryCount int       `json:"retry_count"`
	Signature  string    `json:"signature,omitempty"`
	Error      string    `json:"error,omitempty"`
	TimedOut   bool      `json:"timed_out"`
	Polls      int       `json:"polls"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// SubmitTransactionWorkflow enqueues a request with the txpipe server and
// polls it until it is confirmed, failed, or AwaitTimeout passes.
//
// The request id defaults to the workflow id so a retried enqueue after a
// worker crash finds the original request instead of submitting twice.
// A request that fails in the pipeline is a successful workflow whose result
// has status "failed"; only infrastructure problems fail the workflow.
func SubmitTransactionWorkflow(ctx workflow.Context, input SubmitTransactionInput) (*SubmitTransactionResult, error) {
	logger := workflow.GetLogger(ctx)

	if input.Request.ID == "" {
		input.Request.ID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	if input.PollInterval <= 0 {
		input.PollInterval = DefaultPollInterval
	}
	if input.AwaitTimeout <= 0 {
		input.AwaitTimeout = DefaultAwaitTimeout
	}

	logger.Info("SubmitTransactionWorkflow started", "request_id", input.Request.ID, "kind", input.Request.Kind)

	result := &SubmitTransactionResult{
		RequestID: input.Request.ID,
		StartedAt: workflow.Now(ctx),
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var enqueued *EnqueueTransactionResult
	err := workflow.ExecuteActivity(ctx, a.EnqueueTransaction, EnqueueTransactionInput{Request: input.Request}).Get(ctx, &enqueued)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue transaction: %w", err)
	}
	result.RequestID = enqueued.RequestID
	result.Status = enqueued.Status
	result.Priority = enqueued.Priority

	deadline := result.StartedAt.Add(input.AwaitTimeout)
	for {
		var status *TransactionStatus
		err := workflow.ExecuteActivity(ctx, a.GetTransactionStatus, GetTransactionStatusInput{RequestID: result.RequestID}).Get(ctx, &status)
		if err != nil {
			return nil, fmt.Errorf("failed to get transaction status: %w", err)
		}
		result.Polls++
		result.Status = status.Status
		result.Priority = status.Priority
		result.RetryCount = status.RetryCount
		result.Signature = status.Signature
		result.Error = status.Error

		if status.Terminal {
			break
		}
		if !workflow.Now(ctx).Add(input.PollInterval).Before(deadline) {
			logger.Warn("gave up waiting for transaction", "request_id", result.RequestID, "status", status.Status)
			result.TimedOut = true
			break
		}
		if err := workflow.Sleep(ctx, input.PollInterval); err != nil {
			return nil, err
		}
	}

	result.FinishedAt = workflow.Now(ctx)

	if err := workflow.ExecuteActivity(ctx, a.RecordSubmitOutcome, *result).Get(ctx, nil); err != nil {
		logger.Warn("failed to record workflow outcome", "error", err)
	}

	logger.Info("SubmitTransactionWorkflow completed",
		"request_id", result.RequestID,
		"status", result.Status,
		"polls", result.Polls,
	)
	return result, nil
}
