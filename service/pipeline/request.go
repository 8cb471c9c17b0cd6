package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is the urgency tier of a request. Lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// numPriorities is the number of tiers the queue is partitioned into.
const numPriorities = 4

// Priorities lists every tier from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is one of the four configured tiers.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// Escalate returns the next more urgent tier used on retry.
// Low moves to Normal and Normal to High; High and Critical stay put.
func (p Priority) Escalate() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	default:
		return p
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a tier name ("critical", "high", "normal", "low") to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further automatic transition happens from s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Transitions are one-directional except Pending <-> InFlight.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInFlight
	case StatusInFlight:
		return next == StatusPending || next == StatusConfirmed || next == StatusFailed
	default:
		return false
	}
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusInFlight, StatusConfirmed, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Kind is the closed set of submittable transaction variants.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindSwap     Kind = "swap"
)

// TransferPayload moves native lamports from the signing wallet to To.
type TransferPayload struct {
	To       string `json:"to"`
	Lamports uint64 `json:"lamports"`
	Memo     string `json:"memo,omitempty"`
}

// SwapPayload carries an unsigned swap transaction built by a DEX aggregator.
// Transaction is the base64 wire encoding; the mints and amounts are descriptive
// and used for logging, metrics and the archive.
type SwapPayload struct {
	Transaction  string `json:"transaction"`
	InputMint    string `json:"input_mint"`
	OutputMint   string `json:"output_mint"`
	AmountIn     uint64 `json:"amount_in"`
	MinAmountOut uint64 `json:"min_amount_out"`
}

// TransactionRequest is one unit of submittable work.
//
// ID, Kind, the payload and CreatedAt are fixed at construction. Priority is only
// changed by RetryPolicy. The remaining fields are written by the dispatcher while
// it exclusively owns the request.
type TransactionRequest struct {
	ID       string           `json:"id"`
	Kind     Kind             `json:"kind"`
	Transfer *TransferPayload `json:"transfer,omitempty"`
	Swap     *SwapPayload     `json:"swap,omitempty"`
	Source   string           `json:"source,omitempty"`

	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`

	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	Status Status `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RequestOptions describes a request to build with NewTransactionRequest.
type RequestOptions struct {
	// ID is optional; a uuid is generated when empty.
	ID         string
	Kind       Kind
	Transfer   *TransferPayload
	Swap       *SwapPayload
	Priority   Priority
	MaxRetries *int
	Source     string
}

// NewTransactionRequest validates opts and returns a Pending request.
// This is the only place a request's identity is assigned.
func NewTransactionRequest(opts RequestOptions, defaultMaxRetries int, now time.Time) (*TransactionRequest, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	maxRetries := defaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	req := &TransactionRequest{
		ID:         id,
		Kind:       opts.Kind,
		Transfer:   opts.Transfer,
		Swap:       opts.Swap,
		Source:     opts.Source,
		Priority:   opts.Priority,
		CreatedAt:  now.UTC(),
		MaxRetries: maxRetries,
		Status:     StatusPending,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate checks the structural invariants of a request.
func (r *TransactionRequest) Validate() error {
	var problems []string

	if strings.TrimSpace(r.ID) == "" {
		problems = append(problems, "id is required")
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, int(r.Priority))
	}
	if r.MaxRetries < 0 {
		problems = append(problems, "max_retries cannot be negative")
	}
	if r.RetryCount > r.MaxRetries {
		problems = append(problems, "retry_count exceeds max_retries")
	}

	switch r.Kind {
	case KindTransfer:
		if r.Transfer == nil {
			problems = append(problems, "transfer payload is required")
		} else {
			if r.Transfer.To == "" {
				problems = append(problems, "transfer destination is required")
			}
			if r.Transfer.Lamports == 0 {
				problems = append(problems, "transfer amount must be positive")
			}
		}
		if r.Swap != nil {
			problems = append(problems, "transfer request cannot carry a swap payload")
		}
	case KindSwap:
		if r.Swap == nil {
			problems = append(problems, "swap payload is required")
		} else if r.Swap.Transaction == "" {
			problems = append(problems, "swap transaction is required")
		}
		if r.Transfer != nil {
			problems = append(problems, "swap request cannot carry a transfer payload")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown kind %q", r.Kind))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// Snapshot returns a copy that shares no mutable state with r.
func (r *TransactionRequest) Snapshot() TransactionRequest {
	cp := *r
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.Transfer != nil {
		p := *r.Transfer
		cp.Transfer = &p
	}
	if r.Swap != nil {
		p := *r.Swap
		cp.Swap = &p
	}
	return cp
}

// transition moves the request to next, refusing illegal edges.
func (r *TransactionRequest) transition(next Status) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal status transition %s -> %s for request %s", r.Status, next, r.ID)
	}
	r.Status = next
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
