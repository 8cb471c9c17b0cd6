package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityEscalate(t *testing.T) {
	tests := []struct {
		from Priority
		want Priority
	}{
		{PriorityLow, PriorityNormal},
		{PriorityNormal, PriorityHigh},
		{PriorityHigh, PriorityHigh},
		{PriorityCritical, PriorityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.Escalate())
		})
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p, "empty priority defaults to normal")

	_, err = ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestPriorityJSONUsesNames(t *testing.T) {
	req := transferRequest(t, "json-1", PriorityCritical, 1)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"priority":"critical"`)
	assert.Contains(t, string(data), `"status":"pending"`)

	var bad TransactionRequest
	err = json.Unmarshal([]byte(`{"priority":"urgent"}`), &bad)
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestNewTransactionRequest(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))

	t.Run("defaults", func(t *testing.T) {
		req, err := NewTransactionRequest(RequestOptions{
			Kind:     KindTransfer,
			Transfer: &TransferPayload{To: "dest", Lamports: 10},
		}, 3, now)
		require.NoError(t, err)

		assert.NotEmpty(t, req.ID)
		assert.Equal(t, PriorityCritical, req.Priority, "zero value priority is critical")
		assert.Equal(t, 3, req.MaxRetries)
		assert.Equal(t, 0, req.RetryCount)
		assert.Equal(t, StatusPending, req.Status)
		assert.Equal(t, now.UTC(), req.CreatedAt)
		assert.Nil(t, req.LastAttemptAt)
		assert.Nil(t, req.CompletedAt)
	})

	t.Run("explicit max retries of zero", func(t *testing.T) {
		req, err := NewTransactionRequest(RequestOptions{
			ID:         "r0",
			Kind:       KindTransfer,
			Transfer:   &TransferPayload{To: "dest", Lamports: 10},
			Priority:   PriorityLow,
			MaxRetries: intPtr(0),
		}, 3, now)
		require.NoError(t, err)
		assert.Equal(t, "r0", req.ID)
		assert.Equal(t, 0, req.MaxRetries)
	})

	t.Run("generated ids are unique", func(t *testing.T) {
		a := transferRequest(t, "", PriorityNormal, 1)
		b := transferRequest(t, "", PriorityNormal, 1)
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestTransactionRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    RequestOptions
		wantErr error
		msg     string
	}{
		{
			name:    "invalid priority",
			opts:    RequestOptions{Kind: KindTransfer, Transfer: &TransferPayload{To: "d", Lamports: 1}, Priority: Priority(9)},
			wantErr: ErrInvalidPriority,
		},
		{
			name:    "missing transfer payload",
			opts:    RequestOptions{Kind: KindTransfer},
			wantErr: ErrInvalidRequest,
			msg:     "transfer payload is required",
		},
		{
			name:    "zero lamports",
			opts:    RequestOptions{Kind: KindTransfer, Transfer: &TransferPayload{To: "d"}},
			wantErr: ErrInvalidRequest,
			msg:     "transfer amount must be positive",
		},
		{
			name:    "swap without transaction",
			opts:    RequestOptions{Kind: KindSwap, Swap: &SwapPayload{InputMint: "a"}},
			wantErr: ErrInvalidRequest,
			msg:     "swap transaction is required",
		},
		{
			name:    "unknown kind",
			opts:    RequestOptions{Kind: "stake"},
			wantErr: ErrInvalidRequest,
			msg:     `unknown kind "stake"`,
		},
		{
			name:    "negative max retries",
			opts:    RequestOptions{Kind: KindTransfer, Transfer: &TransferPayload{To: "d", Lamports: 1}, MaxRetries: intPtr(-1)},
			wantErr: ErrInvalidRequest,
			msg:     "max_retries cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTransactionRequest(tt.opts, 3, time.Now())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusInFlight))
	assert.False(t, StatusPending.CanTransitionTo(StatusConfirmed))
	assert.True(t, StatusInFlight.CanTransitionTo(StatusPending))
	assert.True(t, StatusInFlight.CanTransitionTo(StatusFailed))
	assert.False(t, StatusConfirmed.CanTransitionTo(StatusPending))
	assert.False(t, StatusFailed.CanTransitionTo(StatusInFlight))

	req := transferRequest(t, "tr", PriorityNormal, 1)
	require.NoError(t, req.transition(StatusInFlight))
	require.NoError(t, req.transition(StatusConfirmed))
	assert.Error(t, req.transition(StatusPending))
	assert.Equal(t, StatusConfirmed, req.Status)
}

func TestSnapshotIsIndependent(t *testing.T) {
	req := transferRequest(t, "snap", PriorityNormal, 1)
	req.LastAttemptAt = timePtr(time.Now())

	snap := req.Snapshot()
	snap.Transfer.Lamports = 1
	*snap.LastAttemptAt = time.Time{}

	assert.Equal(t, uint64(1_000_000), req.Transfer.Lamports)
	assert.False(t, req.LastAttemptAt.IsZero())
}
