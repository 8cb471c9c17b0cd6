package solana

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/brojonat/txpipe/service/metrics"
	"github.com/brojonat/txpipe/service/pipeline"
)

// Wallet signs pipeline requests with a single keypair. Every call fetches a
// fresh blockhash so retried requests never reuse an expired one.
// It implements pipeline.WalletProvider.
type Wallet struct {
	rpc      RPCClient
	key      solana.PrivateKey
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string
	backoff  time.Duration
}

// ParsePrivateKey decodes a base58 encoded 64-byte keypair.
func ParsePrivateKey(s string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet private key: %w", err)
	}
	return key, nil
}

// NewWallet creates a wallet for key. rateLimitBackoff is reported to the
// pipeline when fetching a blockhash is rate limited; zero means
// DefaultRateLimitBackoff. If metrics is nil, no metrics will be recorded.
func NewWallet(rpcClient RPCClient, key solana.PrivateKey, endpoint string, rateLimitBackoff time.Duration, m *metrics.Metrics, logger *slog.Logger) *Wallet {
	if logger == nil {
		logger = slog.Default()
	}
	if rateLimitBackoff <= 0 {
		rateLimitBackoff = DefaultRateLimitBackoff
	}
	return &Wallet{
		rpc:      rpcClient,
		key:      key,
		logger:   logger.With("component", "solana_wallet"),
		metrics:  m,
		endpoint: endpoint,
		backoff:  rateLimitBackoff,
	}
}

// PublicKey returns the signing address.
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

// SignAndResolve builds the transaction for req against the latest blockhash
// and signs it.
func (w *Wallet) SignAndResolve(ctx context.Context, req pipeline.TransactionRequest) (*pipeline.SignedPayload, error) {
	start := time.Now()
	bh, err := w.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	w.recordCall("GetLatestBlockhash", start, err)
	if err != nil {
		return nil, classifyRPCError("get latest blockhash", err, w.backoff, w.endpoint, w.metrics)
	}
	if bh == nil || bh.Value == nil {
		return nil, pipeline.NewSubmissionError("get latest blockhash", fmt.Errorf("empty response"))
	}
	blockhash := bh.Value.Blockhash

	var tx *solana.Transaction
	switch req.Kind {
	case pipeline.KindTransfer:
		tx, err = buildTransfer(w.PublicKey(), req.Transfer, blockhash)
	case pipeline.KindSwap:
		tx, err = prepareSwap(req.Swap, blockhash)
	default:
		err = fmt.Errorf("unsupported request kind %q", req.Kind)
	}
	if err != nil {
		return nil, pipeline.NewSubmissionError("build transaction", err)
	}

	if err := w.sign(tx); err != nil {
		return nil, pipeline.NewSubmissionError("sign transaction", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, pipeline.NewSubmissionError("encode transaction", err)
	}

	w.logger.DebugContext(ctx, "signed transaction",
		"request_id", req.ID,
		"kind", req.Kind,
		"blockhash", blockhash.String(),
		"programs", programsInvoked(tx),
	)

	return &pipeline.SignedPayload{
		RequestID: req.ID,
		Signer:    w.PublicKey().String(),
		Raw:       raw,
	}, nil
}

// sign replaces any placeholder signatures with ours. Transactions that need
// a second signer fail here.
func (w *Wallet) sign(tx *solana.Transaction) error {
	owner := w.PublicKey()
	tx.Signatures = nil
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &w.key
		}
		return nil
	})
	return err
}

func (w *Wallet) recordCall(method string, start time.Time, err error) {
	if w.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	w.metrics.RecordRPCCall(method, status, w.endpoint, time.Since(start).Seconds())
}
