package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
)

// Client starts and inspects submit workflows.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// WorkflowID derives the workflow id for a request id.
func WorkflowID(requestID string) string {
	return "submit-tx-" + requestID
}

// StartSubmitWorkflow starts SubmitTransactionWorkflow and returns the
// workflow and run ids. When the request has an id the workflow id is derived
// from it, so starting the same request twice is rejected by Temporal.
func (c *Client) StartSubmitWorkflow(ctx context.Context, input SubmitTransactionInput) (string, string, error) {
	opts := client.StartWorkflowOptions{
		TaskQueue: c.taskQueue,
	}
	if input.Request.ID != "" {
		opts.ID = WorkflowID(input.Request.ID)
	}

	run, err := c.client.ExecuteWorkflow(ctx, opts, SubmitTransactionWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start submit workflow", "request_id", input.Request.ID, "error", err)
		return "", "", fmt.Errorf("failed to start workflow: %w", err)
	}

	c.logger.Info("submit workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"kind", input.Request.Kind,
	)
	return run.GetID(), run.GetRunID(), nil
}

// GetSubmitResult blocks until the workflow finishes and returns its result.
// An empty runID selects the latest run.
func (c *Client) GetSubmitResult(ctx context.Context, workflowID, runID string) (*SubmitTransactionResult, error) {
	var result SubmitTransactionResult
	if err := c.client.GetWorkflow(ctx, workflowID, runID).Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("workflow %s failed: %w", workflowID, err)
	}
	return &result, nil
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
