package pipeline

import (
	"context"
	"time"
)

// SignedPayload is the chain-ready form of a request produced by a WalletProvider.
// The pipeline treats Raw as opaque.
type SignedPayload struct {
	RequestID string
	Signer    string
	Raw       []byte
}

// Confirmation is what a chain client returns for an accepted transaction.
type Confirmation struct {
	Signature   string
	Slot        uint64
	ConfirmedAt time.Time
}

// ChainClient submits a signed request and waits for its outcome.
// Submit may block on the network; it must honor ctx. Failures should be
// *SubmissionError values so rate limiting can be told apart.
type ChainClient interface {
	Submit(ctx context.Context, req TransactionRequest, payload *SignedPayload) (*Confirmation, error)
}

// WalletProvider resolves chain state a request depends on and signs it.
// It is called before every submission attempt.
type WalletProvider interface {
	SignAndResolve(ctx context.Context, req TransactionRequest) (*SignedPayload, error)
}

// ChainClientFunc adapts a function to ChainClient.
type ChainClientFunc func(ctx context.Context, req TransactionRequest, payload *SignedPayload) (*Confirmation, error)

func (f ChainClientFunc) Submit(ctx context.Context, req TransactionRequest, payload *SignedPayload) (*Confirmation, error) {
	return f(ctx, req, payload)
}
