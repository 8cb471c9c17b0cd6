package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/txpipe/service/db"
	"github.com/brojonat/txpipe/service/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.MinSubmitInterval = 0
	cfg.IdleInterval = 5 * time.Millisecond
	cfg.ExecutionTimeout = 2 * time.Second
	cfg.MaxQueueSize = 10
	return cfg
}

func confirmingChain() pipeline.ChainClient {
	return pipeline.ChainClientFunc(func(ctx context.Context, req pipeline.TransactionRequest, _ *pipeline.SignedPayload) (*pipeline.Confirmation, error) {
		return &pipeline.Confirmation{Signature: "sig-" + req.ID, Slot: 1, ConfirmedAt: time.Now()}, nil
	})
}

func newTestPipeline(t *testing.T, cfg pipeline.Config, observers ...pipeline.Observer) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(cfg, pipeline.Dependencies{
		Chain:     confirmingChain(),
		Observers: observers,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

// fakeArchive serves archived requests from a map.
type fakeArchive struct {
	mu       sync.Mutex
	requests map[string]*pipeline.TransactionRequest
	err      error
	lastList db.ListRequestsParams
}

func (f *fakeArchive) GetRequest(ctx context.Context, id string) (*pipeline.TransactionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if req, ok := f.requests[id]; ok {
		return req, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeArchive) ListRequests(ctx context.Context, params db.ListRequestsParams) ([]*pipeline.TransactionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastList = params
	if f.err != nil {
		return nil, f.err
	}
	var out []*pipeline.TransactionRequest
	for _, req := range f.requests {
		out = append(out, req)
	}
	return out, nil
}

const transferBody = `{"kind":"transfer","priority":"high","transfer":{"to":"9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM","lamports":1000}}`

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestSubmitTransaction(t *testing.T) {
	p := newTestPipeline(t, testPipelineConfig())
	h := New(":0", p, nil, nil, nil, testLogger()).Handler()

	t.Run("accepted", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/v1/transactions", transferBody)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		got := decode[pipeline.TransactionRequest](t, w)
		assert.NotEmpty(t, got.ID)
		assert.Equal(t, pipeline.PriorityHigh, got.Priority)
		assert.Equal(t, pipeline.StatusPending, got.Status)
		assert.Equal(t, 3, got.MaxRetries)
		assert.Equal(t, "/api/v1/transactions/"+got.ID, w.Header().Get("Location"))
	})

	t.Run("priority defaults to normal", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/v1/transactions",
			`{"kind":"transfer","transfer":{"to":"9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM","lamports":1}}`)
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, pipeline.PriorityNormal, decode[pipeline.TransactionRequest](t, w).Priority)
	})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"malformed JSON", `{"kind":`, http.StatusBadRequest, "invalid request body"},
		{"unknown priority", `{"kind":"transfer","priority":"urgent"}`, http.StatusBadRequest, "invalid priority"},
		{"missing payload", `{"kind":"transfer"}`, http.StatusBadRequest, "transfer payload is required"},
		{"unknown kind", `{"kind":"stake"}`, http.StatusBadRequest, "unknown kind"},
		{"negative retries", `{"kind":"swap","max_retries":-1,"swap":{"transaction":"AQ=="}}`, http.StatusBadRequest, "max_retries cannot be negative"},
		{"body too large", `{"source":"` + strings.Repeat("A", 2<<20) + `"}`, http.StatusBadRequest, "request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/v1/transactions", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantError)
		})
	}

	t.Run("duplicate id", func(t *testing.T) {
		body := `{"id":"dup-1","kind":"swap","swap":{"transaction":"AQ=="}}`
		require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/transactions", body).Code)

		w := do(t, h, http.MethodPost, "/api/v1/transactions", body)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "duplicate request")
	})
}

func TestSubmitTransaction_QueueFull(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.MaxQueueSize = 1
	h := New(":0", newTestPipeline(t, cfg), nil, nil, nil, testLogger()).Handler()

	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/transactions", transferBody).Code)

	w := do(t, h, http.MethodPost, "/api/v1/transactions", transferBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "queue full")
}

func TestGetTransaction(t *testing.T) {
	p := newTestPipeline(t, testPipelineConfig())
	archived := &pipeline.TransactionRequest{ID: "old-1", Kind: pipeline.KindTransfer, Status: pipeline.StatusConfirmed, Result: "sigOld"}
	archive := &fakeArchive{requests: map[string]*pipeline.TransactionRequest{"old-1": archived}}
	h := New(":0", p, archive, nil, nil, testLogger()).Handler()

	submitted := decode[pipeline.TransactionRequest](t, do(t, h, http.MethodPost, "/api/v1/transactions", transferBody))

	t.Run("queued request", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/v1/transactions/"+submitted.ID, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, pipeline.StatusPending, decode[pipeline.TransactionRequest](t, w).Status)
	})

	t.Run("archive fallback", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/v1/transactions/old-1", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "sigOld", decode[pipeline.TransactionRequest](t, w).Result)
	})

	t.Run("unknown id", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/v1/transactions/missing", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("archive failure", func(t *testing.T) {
		archive.mu.Lock()
		archive.err = errors.New("connection refused")
		archive.mu.Unlock()
		defer func() {
			archive.mu.Lock()
			archive.err = nil
			archive.mu.Unlock()
		}()

		w := do(t, h, http.MethodGet, "/api/v1/transactions/missing", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestListTransactions(t *testing.T) {
	p := newTestPipeline(t, testPipelineConfig())
	h := New(":0", p, nil, nil, nil, testLogger()).Handler()

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/transactions", transferBody).Code)
	}

	t.Run("pending", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/v1/transactions?state=pending&limit=2", "")
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[listResponse](t, w)
		assert.Equal(t, "pending", resp.State)
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("completed is empty before dispatch", func(t *testing.T) {
		resp := decode[listResponse](t, do(t, h, http.MethodGet, "/api/v1/transactions", ""))
		assert.Equal(t, "completed", resp.State)
		assert.Equal(t, 0, resp.Count)
		assert.NotNil(t, resp.Transactions)
	})

	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"limit too small", "limit=0", http.StatusBadRequest},
		{"limit too large", "limit=5000", http.StatusBadRequest},
		{"limit not a number", "limit=ten", http.StatusBadRequest},
		{"negative offset", "offset=-1", http.StatusBadRequest},
		{"bad status", "status=lost", http.StatusBadRequest},
		{"bad state", "state=sideways", http.StatusBadRequest},
		{"archive not configured", "state=archived", http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, do(t, h, http.MethodGet, "/api/v1/transactions?"+tt.query, "").Code)
		})
	}
}

func TestListTransactions_Archived(t *testing.T) {
	archive := &fakeArchive{requests: map[string]*pipeline.TransactionRequest{
		"a": {ID: "a", Status: pipeline.StatusFailed},
	}}
	h := New(":0", newTestPipeline(t, testPipelineConfig()), archive, nil, nil, testLogger()).Handler()

	w := do(t, h, http.MethodGet, "/api/v1/transactions?state=archived&status=failed&source=arb&limit=5&offset=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[listResponse](t, w).Count)

	assert.Equal(t, db.ListRequestsParams{Status: pipeline.StatusFailed, Source: "arb", Limit: 5, Offset: 2}, archive.lastList)
}

func TestDispatcherLifecycle(t *testing.T) {
	p := newTestPipeline(t, testPipelineConfig())
	h := New(":0", p, nil, nil, nil, testLogger()).Handler()

	submitted := decode[pipeline.TransactionRequest](t, do(t, h, http.MethodPost, "/api/v1/transactions", transferBody))

	stats := decode[pipeline.Stats](t, do(t, h, http.MethodGet, "/api/v1/queue", ""))
	assert.False(t, stats.Running)
	assert.Equal(t, 1, stats.QueueSize)
	assert.Equal(t, 1, stats.QueueByPriority["high"])

	w := do(t, h, http.MethodPost, "/api/v1/dispatcher/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[pipeline.Stats](t, w).Running)

	require.Eventually(t, func() bool {
		req, ok := p.GetStatus(submitted.ID)
		return ok && req.Status == pipeline.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	got := decode[pipeline.TransactionRequest](t, do(t, h, http.MethodGet, "/api/v1/transactions/"+submitted.ID, ""))
	assert.Equal(t, "sig-"+submitted.ID, got.Result)

	w = do(t, h, http.MethodPost, "/api/v1/dispatcher/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[pipeline.Stats](t, w).Running)
}

func TestMiddleware(t *testing.T) {
	h := New(":0", newTestPipeline(t, testPipelineConfig()), nil, nil, nil, testLogger()).Handler()

	t.Run("CORS preflight", func(t *testing.T) {
		w := do(t, h, http.MethodOptions, "/api/v1/transactions", "")
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("health", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "OK", w.Body.String())
	})

	t.Run("stream disabled without subscriber", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/v1/stream/events", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		w := do(t, h, http.MethodDelete, "/api/v1/queue", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{pipeline.ErrInvalidRequest, http.StatusBadRequest},
		{pipeline.ErrInvalidPriority, http.StatusBadRequest},
		{pipeline.ErrDuplicateRequest, http.StatusConflict},
		{pipeline.ErrQueueFull, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusRequestTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}
