package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestQueue_StrictPriorityThenFIFO(t *testing.T) {
	q, err := NewRequestQueue(10)
	require.NoError(t, err)

	for _, r := range []*TransactionRequest{
		transferRequest(t, "low-1", PriorityLow, 0),
		transferRequest(t, "normal-1", PriorityNormal, 0),
		transferRequest(t, "critical-1", PriorityCritical, 0),
		transferRequest(t, "high-1", PriorityHigh, 0),
		transferRequest(t, "normal-2", PriorityNormal, 0),
		transferRequest(t, "critical-2", PriorityCritical, 0),
	} {
		require.NoError(t, q.Enqueue(r))
	}

	var got []string
	for {
		r, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, r.ID)
	}

	assert.Equal(t, []string{"critical-1", "critical-2", "high-1", "normal-1", "normal-2", "low-1"}, got)
	assert.Equal(t, 0, q.Size())
}

func TestRequestQueue_DequeueEmpty(t *testing.T) {
	q, err := NewRequestQueue(1)
	require.NoError(t, err)

	r, ok := q.Dequeue()
	assert.False(t, ok)
	assert.Nil(t, r)
}

func TestRequestQueue_Capacity(t *testing.T) {
	q, err := NewRequestQueue(2)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(transferRequest(t, "a", PriorityLow, 0)))
	require.NoError(t, q.Enqueue(transferRequest(t, "b", PriorityLow, 0)))

	err = q.Enqueue(transferRequest(t, "c", PriorityCritical, 0))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Size())
	assert.False(t, q.Contains("c"))

	_, _ = q.Dequeue()
	assert.NoError(t, q.Enqueue(transferRequest(t, "c", PriorityCritical, 0)))
}

func TestRequestQueue_InvalidPriority(t *testing.T) {
	q, err := NewRequestQueue(5)
	require.NoError(t, err)

	req := transferRequest(t, "bad", PriorityNormal, 0)
	req.Priority = Priority(4)

	err = q.Enqueue(req)
	assert.ErrorIs(t, err, ErrInvalidPriority)
	assert.Equal(t, 0, q.Size())
}

func TestRequestQueue_ZeroCapacity(t *testing.T) {
	_, err := NewRequestQueue(0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRequestQueue_Introspection(t *testing.T) {
	q, err := NewRequestQueue(10)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(transferRequest(t, "n1", PriorityNormal, 0)))
	require.NoError(t, q.Enqueue(transferRequest(t, "h1", PriorityHigh, 0)))
	require.NoError(t, q.Enqueue(transferRequest(t, "n2", PriorityNormal, 0)))

	assert.Equal(t, 3, q.Size())
	assert.Equal(t, 2, q.SizeByPriority(PriorityNormal))
	assert.Equal(t, 1, q.SizeByPriority(PriorityHigh))
	assert.Equal(t, 0, q.SizeByPriority(PriorityCritical))
	assert.Equal(t, 0, q.SizeByPriority(Priority(-1)))

	list := q.List()
	require.Len(t, list, 3)
	assert.Equal(t, "h1", list[0].ID)
	assert.Equal(t, "n1", list[1].ID)
	assert.Equal(t, "n2", list[2].ID)

	found, ok := q.Lookup("n2")
	require.True(t, ok)
	assert.Equal(t, PriorityNormal, found.Priority)

	_, ok = q.Lookup("missing")
	assert.False(t, ok)
}

func TestRequestQueue_ReadySignalCoalesces(t *testing.T) {
	q, err := NewRequestQueue(10)
	require.NoError(t, err)

	select {
	case <-q.Ready():
		t.Fatal("empty queue should not signal")
	default:
	}

	require.NoError(t, q.Enqueue(transferRequest(t, "a", PriorityLow, 0)))
	require.NoError(t, q.Enqueue(transferRequest(t, "b", PriorityLow, 0)))

	select {
	case <-q.Ready():
	default:
		t.Fatal("expected a ready signal")
	}
	select {
	case <-q.Ready():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestRequestQueue_ConcurrentEnqueueRespectsCapacity(t *testing.T) {
	q, err := NewRequestQueue(50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := transferRequest(t, "", Priorities[i%len(Priorities)], 0)
			if q.Enqueue(req) == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, accepted)
	assert.Equal(t, 50, q.Size())
}
