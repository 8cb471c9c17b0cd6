package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/brojonat/txpipe/service/metrics"
	"github.com/brojonat/txpipe/service/pipeline"
)

// RPCClient is the subset of Solana RPC the pipeline needs.
// Tests substitute a mock so no real node is contacted.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)

	SendTransactionWithOpts(
		ctx context.Context,
		tx *solana.Transaction,
		opts rpc.TransactionOpts,
	) (solana.Signature, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)
}

// DefaultRateLimitBackoff is how long the pipeline pauses after an RPC 429.
const DefaultRateLimitBackoff = 2 * time.Second

// ChainClientOptions tune submission and confirmation.
type ChainClientOptions struct {
	SkipPreflight bool
	// PollInterval is the spacing of GetSignatureStatuses calls while waiting.
	PollInterval time.Duration
	// RateLimitBackoff is reported to the pipeline when the endpoint answers 429.
	RateLimitBackoff time.Duration
}

// ChainClient submits signed transactions and waits until they are confirmed.
// It implements pipeline.ChainClient.
type ChainClient struct {
	rpc      RPCClient
	opts     ChainClientOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint label for metrics (e.g. "mainnet", "devnet")
}

// NewChainClient creates a chain client.
// If metrics is nil, no metrics will be recorded.
func NewChainClient(rpcClient RPCClient, endpoint string, opts ChainClientOptions, m *metrics.Metrics, logger *slog.Logger) *ChainClient {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainClient{
		rpc:      rpcClient,
		opts:     opts,
		logger:   logger.With("component", "solana_chain_client"),
		metrics:  m,
		endpoint: endpoint,
	}
}

// Submit sends the signed transaction in payload and polls until it reaches
// confirmed commitment, fails on chain, or ctx ends.
func (c *ChainClient) Submit(ctx context.Context, req pipeline.TransactionRequest, payload *pipeline.SignedPayload) (*pipeline.Confirmation, error) {
	if payload == nil || len(payload.Raw) == 0 {
		return nil, pipeline.NewSubmissionError("missing signed payload", nil)
	}

	tx, err := decodeTransaction(payload.Raw)
	if err != nil {
		return nil, pipeline.NewSubmissionError("decode signed transaction", err)
	}

	start := time.Now()
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       c.opts.SkipPreflight,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	c.recordCall("SendTransaction", start, err)
	if err != nil {
		return nil, c.classify("send transaction", err)
	}

	c.logger.InfoContext(ctx, "transaction sent",
		"request_id", req.ID,
		"kind", req.Kind,
		"signature", sig.String(),
	)

	return c.awaitConfirmation(ctx, req.ID, sig)
}

func (c *ChainClient) awaitConfirmation(ctx context.Context, requestID string, sig solana.Signature) (*pipeline.Confirmation, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		start := time.Now()
		out, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		c.recordCall("GetSignatureStatuses", start, err)

		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			classified := c.classify("get signature status", err)
			if _, limited := pipeline.IsRateLimited(classified); limited {
				return nil, classified
			}
			// Status lookups are idempotent; keep polling until ctx expires.
			c.logger.WarnContext(ctx, "signature status lookup failed",
				"request_id", requestID,
				"signature", sig.String(),
				"error", err,
			)
		case out != nil && len(out.Value) > 0 && out.Value[0] != nil:
			status := out.Value[0]
			if status.Err != nil {
				return nil, pipeline.NewSubmissionError("transaction failed on chain",
					fmt.Errorf("signature %s: %v", sig, status.Err))
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return &pipeline.Confirmation{
					Signature:   sig.String(),
					Slot:        status.Slot,
					ConfirmedAt: time.Now().UTC(),
				}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("awaiting confirmation of %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

// classify maps RPC errors to pipeline submission errors. HTTP 429 answers
// become rate-limited errors so the dispatcher backs off.
func (c *ChainClient) classify(op string, err error) error {
	return classifyRPCError(op, err, c.opts.RateLimitBackoff, c.endpoint, c.metrics)
}

func classifyRPCError(op string, err error, backoff time.Duration, endpoint string, m *metrics.Metrics) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if isRateLimit(err) {
		if m != nil {
			m.RecordRateLimitHit(endpoint)
		}
		return pipeline.NewRateLimitedError(backoff, fmt.Errorf("%s: %w", op, err))
	}
	return pipeline.NewSubmissionError(op, err)
}

func isRateLimit(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "too many requests")
}

func (c *ChainClient) recordCall(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}
