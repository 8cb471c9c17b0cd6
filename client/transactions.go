package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Transaction is a submitted request as reported by the server.
type Transaction struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Transfer *Transfer `json:"transfer,omitempty"`
	Swap     *Swap     `json:"swap,omitempty"`
	Source   string    `json:"source,omitempty"`

	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"created_at"`

	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	Status string `json:"status"` // pending, in_flight, confirmed, failed
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Terminal reports whether the request has reached confirmed or failed.
func (t *Transaction) Terminal() bool {
	return t.Status == "confirmed" || t.Status == "failed"
}

// Transfer moves native lamports from the service wallet.
type Transfer struct {
	To       string `json:"to"`
	Lamports uint64 `json:"lamports"`
	Memo     string `json:"memo,omitempty"`
}

// Swap carries a base64 unsigned swap transaction built by an aggregator.
type Swap struct {
	Transaction  string `json:"transaction"`
	InputMint    string `json:"input_mint,omitempty"`
	OutputMint   string `json:"output_mint,omitempty"`
	AmountIn     uint64 `json:"amount_in,omitempty"`
	MinAmountOut uint64 `json:"min_amount_out,omitempty"`
}

// SubmitRequest is the body of a submission. Priority defaults to "normal"
// and MaxRetries to the server's configured default.
type SubmitRequest struct {
	ID         string    `json:"id,omitempty"`
	Kind       string    `json:"kind"`
	Priority   string    `json:"priority,omitempty"`
	MaxRetries *int      `json:"max_retries,omitempty"`
	Source     string    `json:"source,omitempty"`
	Transfer   *Transfer `json:"transfer,omitempty"`
	Swap       *Swap     `json:"swap,omitempty"`
}

// Submit enqueues a request. The returned transaction is in pending status.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Transaction, error) {
	var out Transaction
	if err := c.do(ctx, http.MethodPost, "/api/v1/transactions", req, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("transaction submitted", "id", out.ID, "priority", out.Priority)
	return &out, nil
}

// Get retrieves the current state of a request.
func (c *Client) Get(ctx context.Context, id string) (*Transaction, error) {
	var out Transaction
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOptions selects which requests List returns.
type ListOptions struct {
	State  string // pending, in_flight, completed (default) or archived
	Status string
	Source string
	Limit  int
	Offset int
}

// List returns requests in the given lifecycle stage.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Source != "" {
		q.Set("source", opts.Source)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/v1/transactions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Transactions []*Transaction `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Await polls a request until matcher returns true or ctx ends. A nil matcher
// waits for a terminal status.
func (c *Client) Await(ctx context.Context, id string, pollInterval time.Duration, matcher func(*Transaction) bool) (*Transaction, error) {
	if matcher == nil {
		matcher = (*Transaction).Terminal
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		txn, err := c.Get(ctx, id)
		switch {
		case err == nil:
			if matcher(txn) {
				return txn, nil
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
				return nil, err
			}
			c.logger.Warn("await poll failed", "id", id, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
