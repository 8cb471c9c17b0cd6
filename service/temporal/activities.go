package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"

	txclient "github.com/brojonat/txpipe/client"
	"github.com/brojonat/txpipe/service/metrics"
)

// EnqueueTransactionInput contains the request to hand to the pipeline.
type EnqueueTransactionInput struct {
	Request txclient.SubmitRequest `json:"request"`
}

// EnqueueTransactionResult describes the request as accepted by the server.
type EnqueueTransactionResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	// Resumed is set when the server already knew the id, typically because
	// an earlier attempt of this activity succeeded before timing out.
	Resumed bool `json:"resumed"`
}

// GetTransactionStatusInput identifies the request to look up.
type GetTransactionStatusInput struct {
	RequestID string `json:"request_id"`
}

// TransactionStatus is a point-in-time view of a request.
type TransactionStatus struct {
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	Priority   string `json:"priority"`
	RetryCount int    `json:"retry_count"`
	Signature  string `json:"signature,omitempty"`
	Error      string `json:"error,omitempty"`
	Terminal   bool   `json:"terminal"`
}

// TxpipeClient is the subset of the HTTP client the activities need.
type TxpipeClient interface {
	Submit(ctx context.Context, req txclient.SubmitRequest) (*txclient.Transaction, error)
	Get(ctx context.Context, id string) (*txclient.Transaction, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	client  TxpipeClient
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(client TxpipeClient, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		client:  client,
		metrics: m,
		logger:  logger,
	}
}

// EnqueueTransaction submits the request to the server. Validation failures
// are not retried; a full queue or an unreachable server is.
func (a *Activities) EnqueueTransaction(ctx context.Context, input EnqueueTransactionInput) (result *EnqueueTransactionResult, err error) {
	start := time.Now()
	defer func() { a.recordActivity("EnqueueTransaction", start, err) }()

	a.logger.InfoContext(ctx, "enqueueing transaction",
		"request_id", input.Request.ID,
		"kind", input.Request.Kind,
		"priority", input.Request.Priority,
	)

	txn, err := a.client.Submit(ctx, input.Request)
	if err == nil {
		return &EnqueueTransactionResult{
			RequestID: txn.ID,
			Status:    txn.Status,
			Priority:  txn.Priority,
		}, nil
	}

	var apiErr *txclient.APIError
	if !errors.As(err, &apiErr) {
		return nil, fmt.Errorf("failed to submit transaction: %w", err)
	}

	switch apiErr.StatusCode {
	case http.StatusConflict:
		if input.Request.ID == "" {
			return nil, temporalsdk.NewNonRetryableApplicationError("duplicate request without id", "DuplicateRequest", err)
		}
		existing, getErr := a.client.Get(ctx, input.Request.ID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to load existing request %s: %w", input.Request.ID, getErr)
		}
		a.logger.InfoContext(ctx, "request already enqueued", "request_id", existing.ID, "status", existing.Status)
		return &EnqueueTransactionResult{
			RequestID: existing.ID,
			Status:    existing.Status,
			Priority:  existing.Priority,
			Resumed:   true,
		}, nil
	case http.StatusBadRequest:
		return nil, temporalsdk.NewNonRetryableApplicationError(apiErr.Message, "InvalidRequest", err)
	default:
		return nil, fmt.Errorf("failed to submit transaction: %w", err)
	}
}

// GetTransactionStatus reads the current status of a request.
func (a *Activities) GetTransactionStatus(ctx context.Context, input GetTransactionStatusInput) (result *TransactionStatus, err error) {
	start := time.Now()
	defer func() { a.recordActivity("GetTransactionStatus", start, err) }()

	txn, err := a.client.Get(ctx, input.RequestID)
	if err != nil {
		var apiErr *txclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, temporalsdk.NewNonRetryableApplicationError(
				fmt.Sprintf("request %s not found", input.RequestID), "NotFound", err)
		}
		return nil, fmt.Errorf("failed to get transaction %s: %w", input.RequestID, err)
	}

	a.logger.DebugContext(ctx, "transaction status", "request_id", txn.ID, "status", txn.Status, "retry_count", txn.RetryCount)

	status := &TransactionStatus{
		RequestID:  txn.ID,
		Status:     txn.Status,
		Priority:   txn.Priority,
		RetryCount: txn.RetryCount,
		Error:      txn.Error,
		Terminal:   txn.Terminal(),
	}
	if txn.Status == "confirmed" {
		status.Signature = txn.Result
	}
	return status, nil
}

// RecordSubmitOutcome reports the end-to-end duration of a finished workflow.
func (a *Activities) RecordSubmitOutcome(ctx context.Context, result SubmitTransactionResult) error {
	a.logger.InfoContext(ctx, "submit workflow finished",
		"request_id", result.RequestID,
		"status", result.Status,
		"signature", result.Signature,
		"timed_out", result.TimedOut,
	)
	if a.metrics != nil {
		status := result.Status
		if result.TimedOut {
			status = "timed_out"
		}
		a.metrics.RecordWorkflowDuration(status, result.FinishedAt.Sub(result.StartedAt).Seconds())
	}
	return nil
}

func (a *Activities) recordActivity(name string, start time.Time, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordActivityDuration(name, status, time.Since(start).Seconds())
}
