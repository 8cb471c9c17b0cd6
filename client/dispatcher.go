package client

import (
	"context"
	"net/http"
	"time"
)

// QueueStats is a point-in-time summary of the server's pipeline.
type QueueStats struct {
	Running         bool           `json:"running"`
	QueueSize       int            `json:"queue_size"`
	QueueCapacity   int            `json:"queue_capacity"`
	QueueByPriority map[string]int `json:"queue_by_priority"`
	InFlight        int            `json:"in_flight"`
	MaxConcurrent   int            `json:"max_concurrent"`
	HistorySize     int            `json:"history_size"`
	HistoryLimit    int            `json:"history_limit"`
	HistoryByStatus map[string]int `json:"history_by_status"`
	BackoffUntil    *time.Time     `json:"backoff_until,omitempty"`
	EventsDropped   int64          `json:"events_dropped"`
}

// QueueStats returns queue, in-flight and history counters.
func (c *Client) QueueStats(ctx context.Context) (*QueueStats, error) {
	var out QueueStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/queue", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartDispatcher resumes submission. Starting a running dispatcher is a no-op.
func (c *Client) StartDispatcher(ctx context.Context) (*QueueStats, error) {
	var out QueueStats
	if err := c.do(ctx, http.MethodPost, "/api/v1/dispatcher/start", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("dispatcher started")
	return &out, nil
}

// StopDispatcher pauses submission after in-flight requests finish.
func (c *Client) StopDispatcher(ctx context.Context) (*QueueStats, error) {
	var out QueueStats
	if err := c.do(ctx, http.MethodPost, "/api/v1/dispatcher/stop", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("dispatcher stopped")
	return &out, nil
}
