package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/txpipe/client"
	natspkg "github.com/brojonat/txpipe/service/nats"
	"github.com/brojonat/txpipe/service/pipeline"
)

func TestMatchJQ(t *testing.T) {
	txn := &client.Transaction{
		ID:         "req-1",
		Kind:       "transfer",
		Priority:   "high",
		Status:     "confirmed",
		RetryCount: 2,
		Transfer:   &client.Transfer{To: "dest", Lamports: 5000, Memo: "invoice-7"},
	}

	tests := []struct {
		name      string
		filters   []string
		wantMatch bool
		wantErr   bool
	}{
		{name: "no filters", wantMatch: true},
		{name: "field equality", filters: []string{`.status == "confirmed"`}, wantMatch: true},
		{name: "nested field", filters: []string{`.transfer.lamports >= 5000`}, wantMatch: true},
		{name: "all must match", filters: []string{`.retry_count > 0`, `.priority == "low"`}, wantMatch: false},
		{name: "null is falsy", filters: []string{`.swap`}, wantMatch: false},
		{name: "non-boolean value is truthy", filters: []string{`.transfer.memo`}, wantMatch: true},
		{name: "empty result", filters: []string{`empty`}, wantMatch: false},
		{name: "runtime error", filters: []string{`.transfer.memo | tonumber`}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := compileJQ(tt.filters)
			require.NoError(t, err)

			ok, err := matchJQ(codes, txn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMatch, ok)
		})
	}
}

func TestCompileJQ_Invalid(t *testing.T) {
	_, err := compileJQ([]string{".ok", ".status =="})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `".status =="`)
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0.0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy([]any{}))
}

func TestEventSubject(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: natspkg.SubjectAll},
		{in: "confirmed", want: "txpipe.events.confirmed"},
		{in: "evicted", want: "txpipe.events.evicted"},
		{in: "exploded", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := eventSubject(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		"event: connected",
		`data: {"subject":"txpipe.events.*"}`,
		"",
		": keepalive",
		"",
		"event: confirmed",
		`data: {"type":"confirmed","request_id":"req-1","signature":"sig-1"}`,
		"",
		"event: retried",
		`data: {"type":"retried","request_id":"req-2","reason":"rate limited"}`,
		"",
	}, "\n")

	var got []string
	err := readSSE(strings.NewReader(stream), func(eventType, data string) error {
		got = append(got, eventType)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"connected", "confirmed", "retried"}, got)
}

func TestHandleSSEEvent(t *testing.T) {
	t.Run("lifecycle event as json", func(t *testing.T) {
		var buf bytes.Buffer
		err := handleSSEEvent(&buf, "failed", `{"type":"failed","request_id":"req-9","error":"max retries exceeded"}`, true)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), `"request_id":"req-9"`)
	})

	t.Run("lifecycle event as text", func(t *testing.T) {
		var buf bytes.Buffer
		err := handleSSEEvent(&buf, "confirmed", `{"type":"confirmed","request_id":"req-1","signature":"sig-1","occurred_at":"2025-01-02T03:04:05Z"}`, false)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "req-1")
		assert.Contains(t, buf.String(), "sig=sig-1")
	})

	t.Run("server error", func(t *testing.T) {
		err := handleSSEEvent(&bytes.Buffer{}, "error", `{"error":"subscriber closed"}`, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subscriber closed")
	})

	t.Run("bad payload", func(t *testing.T) {
		err := handleSSEEvent(&bytes.Buffer{}, "confirmed", `not-json`, false)
		assert.Error(t, err)
	})
}

func TestHistoryParams(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	run := func(args ...string) (paramsErr error, status pipeline.Status, since *time.Time, limit int32) {
		app := &cli.App{
			Name: "txpipe",
			Commands: []*cli.Command{{
				Name:  "history",
				Flags: historyCommand().Flags,
				Action: func(c *cli.Context) error {
					p, err := historyParams(c, now)
					paramsErr, status, since, limit = err, p.Status, p.Since, p.Limit
					return nil
				},
			}},
		}
		require.NoError(t, app.Run(append([]string{"txpipe", "history"}, args...)))
		return
	}

	err, status, since, limit := run("--status", "failed", "--since", "24h", "--limit", "20")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, status)
	require.NotNil(t, since)
	assert.Equal(t, now.Add(-24*time.Hour), *since)
	assert.Equal(t, int32(20), limit)

	err, _, since, limit = run()
	require.NoError(t, err)
	assert.Nil(t, since)
	assert.Equal(t, int32(50), limit)

	err, _, _, _ = run("--status", "sideways")
	assert.Error(t, err)

	err, _, _, _ = run("--limit", "5000")
	assert.Error(t, err)
}
