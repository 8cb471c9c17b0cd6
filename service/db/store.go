package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/txpipe/service/metrics"
	"github.com/brojonat/txpipe/service/pipeline"
)

//go:embed schema.sql
var schemaSQL string

const requestsTable = "transaction_requests"

// ErrNotFound is returned when no archived request has the given id.
var ErrNotFound = errors.New("archived request not found")

// Store archives terminal transaction requests in Postgres.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Connect opens a pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the archive schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, schemaSQL)
	s.record("migrate", start, err)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// requestPayload is the JSONB document holding the kind-specific payload.
type requestPayload struct {
	Transfer *pipeline.TransferPayload `json:"transfer,omitempty"`
	Swap     *pipeline.SwapPayload     `json:"swap,omitempty"`
}

// ArchiveRequest upserts a terminal request.
func (s *Store) ArchiveRequest(ctx context.Context, req pipeline.TransactionRequest) error {
	if !req.Status.Terminal() {
		return fmt.Errorf("refusing to archive request %s in non-terminal status %s", req.ID, req.Status)
	}

	payload, err := json.Marshal(requestPayload{Transfer: req.Transfer, Swap: req.Swap})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	start := time.Now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO transaction_requests (
			id, kind, priority, status, source, payload, retry_count, max_retries,
			signature, error, created_at, last_attempt_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			priority = EXCLUDED.priority,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			signature = EXCLUDED.signature,
			error = EXCLUDED.error,
			last_attempt_at = EXCLUDED.last_attempt_at,
			completed_at = EXCLUDED.completed_at,
			archived_at = now()`,
		req.ID,
		string(req.Kind),
		req.Priority.String(),
		string(req.Status),
		req.Source,
		payload,
		req.RetryCount,
		req.MaxRetries,
		nullString(req.Result),
		nullString(req.Error),
		req.CreatedAt,
		req.LastAttemptAt,
		req.CompletedAt,
	)
	s.record("archive", start, err)
	if err != nil {
		return fmt.Errorf("failed to archive request %s: %w", req.ID, err)
	}
	return nil
}

const selectColumns = `id, kind, priority, status, source, payload, retry_count, max_retries,
	signature, error, created_at, last_attempt_at, completed_at`

// GetRequest retrieves an archived request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*pipeline.TransactionRequest, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transaction_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		s.record("get", start, nil)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.record("get", start, err)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ListRequestsParams filters and paginates ListRequests.
type ListRequestsParams struct {
	Status pipeline.Status // empty for any
	Source string          // empty for any
	Since  *time.Time      // completed at or after
	Limit  int32
	Offset int32
}

// ListRequests returns archived requests, most recently completed first.
func (s *Store) ListRequests(ctx context.Context, params ListRequestsParams) ([]*pipeline.TransactionRequest, error) {
	query, args := buildListQuery(params)

	start := time.Now()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.record("list", start, err)
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.TransactionRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			s.record("list", start, err)
			return nil, err
		}
		out = append(out, req)
	}
	err = rows.Err()
	s.record("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return out, nil
}

// CountByStatus returns archived row counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[pipeline.Status]int64, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM transaction_requests GROUP BY status`)
	if err != nil {
		s.record("count", start, err)
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	defer rows.Close()

	out := make(map[pipeline.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			s.record("count", start, err)
			return nil, err
		}
		out[pipeline.Status(status)] = n
	}
	err = rows.Err()
	s.record("count", start, err)
	return out, err
}

// buildListQuery renders the filtered list statement and its arguments.
func buildListQuery(p ListRequestsParams) (string, []any) {
	var (
		where []string
		args  []any
	)
	if p.Status != "" {
		args = append(args, string(p.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if p.Source != "" {
		args = append(args, p.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if p.Since != nil {
		args = append(args, *p.Since)
		where = append(where, fmt.Sprintf("completed_at >= $%d", len(args)))
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}

	var b strings.Builder
	b.WriteString("SELECT " + selectColumns + " FROM transaction_requests")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY completed_at DESC NULLS LAST, id LIMIT $%d", len(args))
	if p.Offset > 0 {
		args = append(args, p.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

func scanRequest(row pgx.Row) (*pipeline.TransactionRequest, error) {
	var (
		req       pipeline.TransactionRequest
		kind      string
		priority  string
		status    string
		payload   []byte
		signature *string
		errText   *string
	)
	err := row.Scan(
		&req.ID, &kind, &priority, &status, &req.Source, &payload,
		&req.RetryCount, &req.MaxRetries, &signature, &errText,
		&req.CreatedAt, &req.LastAttemptAt, &req.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeRow(&req, kind, priority, status, payload); err != nil {
		return nil, fmt.Errorf("archived request %s: %w", req.ID, err)
	}
	if signature != nil {
		req.Result = *signature
	}
	if errText != nil {
		req.Error = *errText
	}
	return &req, nil
}

func decodeRow(req *pipeline.TransactionRequest, kind, priority, status string, payload []byte) error {
	p, err := pipeline.ParsePriority(priority)
	if err != nil {
		return err
	}
	st, err := pipeline.ParseStatus(status)
	if err != nil {
		return err
	}
	var body requestPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	req.Kind = pipeline.Kind(kind)
	req.Priority = p
	req.Status = st
	req.Transfer = body.Transfer
	req.Swap = body.Swap
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) record(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, requestsTable, time.Since(start).Seconds(), err)
	}
}
