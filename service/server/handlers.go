package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/brojonat/txpipe/service/db"
	"github.com/brojonat/txpipe/service/pipeline"
)

const maxRequestBodySize = 1 << 20 // 1MB

// submitRequest is the JSON body of POST /api/v1/transactions.
type submitRequest struct {
	ID         string                    `json:"id,omitempty"`
	Kind       pipeline.Kind             `json:"kind"`
	Priority   string                    `json:"priority,omitempty"`
	MaxRetries *int                      `json:"max_retries,omitempty"`
	Source     string                    `json:"source,omitempty"`
	Transfer   *pipeline.TransferPayload `json:"transfer,omitempty"`
	Swap       *pipeline.SwapPayload     `json:"swap,omitempty"`
}

// handleSubmitTransaction admits a new request into the pipeline.
// POST /api/v1/transactions
func handleSubmitTransaction(p Pipeline, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var body submitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		priority, err := pipeline.ParsePriority(body.Priority)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		req, err := p.Submit(r.Context(), pipeline.RequestOptions{
			ID:         body.ID,
			Kind:       body.Kind,
			Transfer:   body.Transfer,
			Swap:       body.Swap,
			Priority:   priority,
			MaxRetries: body.MaxRetries,
			Source:     body.Source,
		})
		if err != nil {
			status := statusForError(err)
			if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
				logger.ErrorContext(r.Context(), "failed to submit transaction", "error", err)
			} else {
				logger.DebugContext(r.Context(), "transaction rejected", "error", err)
			}
			writeError(w, err.Error(), status)
			return
		}

		logger.InfoContext(r.Context(), "transaction accepted",
			"request_id", req.ID,
			"kind", req.Kind,
			"priority", req.Priority.String(),
		)

		w.Header().Set("Location", "/api/v1/transactions/"+req.ID)
		writeJSON(w, req, http.StatusAccepted)
	})
}

// handleGetTransaction looks a request up in memory, then in the archive.
// GET /api/v1/transactions/{id}
func handleGetTransaction(p Pipeline, archive Archive, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeError(w, "id is required", http.StatusBadRequest)
			return
		}

		if req, ok := p.GetStatus(id); ok {
			writeJSON(w, req, http.StatusOK)
			return
		}

		if archive != nil {
			req, err := archive.GetRequest(r.Context(), id)
			switch {
			case err == nil:
				writeJSON(w, req, http.StatusOK)
				return
			case !errors.Is(err, db.ErrNotFound):
				logger.ErrorContext(r.Context(), "failed to read archive", "request_id", id, "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
		}

		writeError(w, fmt.Sprintf("transaction request %s not found", id), http.StatusNotFound)
	})
}

// handleListTransactions lists requests by lifecycle stage.
// GET /api/v1/transactions?state=pending|in_flight|completed|archived&status=S&limit=N&offset=N
func handleListTransactions(p Pipeline, archive Archive, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		limit, err := parseBoundedInt(query.Get("limit"), 100, 1, 1000)
		if err != nil {
			writeError(w, "invalid limit parameter: "+err.Error(), http.StatusBadRequest)
			return
		}
		offset, err := parseBoundedInt(query.Get("offset"), 0, 0, 1<<30)
		if err != nil {
			writeError(w, "invalid offset parameter: "+err.Error(), http.StatusBadRequest)
			return
		}

		var status pipeline.Status
		if s := query.Get("status"); s != "" {
			if status, err = pipeline.ParseStatus(s); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		state := query.Get("state")
		var requests []pipeline.TransactionRequest
		switch state {
		case "pending":
			requests = p.Pending()
		case "in_flight":
			requests = p.InFlight()
		case "", "completed":
			state = "completed"
			requests = p.Recent(0)
		case "archived":
			if archive == nil {
				writeError(w, "archive is not configured", http.StatusNotImplemented)
				return
			}
			archived, err := archive.ListRequests(r.Context(), db.ListRequestsParams{
				Status: status,
				Source: query.Get("source"),
				Limit:  int32(limit),
				Offset: int32(offset),
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to list archive", "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			requests = make([]pipeline.TransactionRequest, len(archived))
			for i, a := range archived {
				requests[i] = *a
			}
			writeList(w, state, requests, limit, offset)
			return
		default:
			writeError(w, fmt.Sprintf("unknown state %q", state), http.StatusBadRequest)
			return
		}

		requests = filterRequests(requests, status, query.Get("source"))
		requests = paginate(requests, limit, offset)
		writeList(w, state, requests, limit, offset)
	})
}

// handleQueueStats reports pipeline occupancy.
// GET /api/v1/queue
func handleQueueStats(p Pipeline) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, p.Stats(), http.StatusOK)
	})
}

// POST /api/v1/dispatcher/start
func handleStartDispatcher(p Pipeline, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The dispatcher outlives this request.
		if err := p.Start(context.WithoutCancel(r.Context())); err != nil {
			logger.ErrorContext(r.Context(), "failed to start dispatcher", "error", err)
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		logger.InfoContext(r.Context(), "dispatcher started via API")
		writeJSON(w, p.Stats(), http.StatusOK)
	})
}

// POST /api/v1/dispatcher/stop
func handleStopDispatcher(p Pipeline, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		if err := p.Stop(ctx); err != nil {
			logger.ErrorContext(r.Context(), "failed to stop dispatcher", "error", err)
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		logger.InfoContext(r.Context(), "dispatcher stopped via API")
		writeJSON(w, p.Stats(), http.StatusOK)
	})
}

// statusForError maps pipeline admission errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, pipeline.ErrInvalidPriority):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func filterRequests(in []pipeline.TransactionRequest, status pipeline.Status, source string) []pipeline.TransactionRequest {
	if status == "" && source == "" {
		return in
	}
	out := make([]pipeline.TransactionRequest, 0, len(in))
	for _, req := range in {
		if status != "" && req.Status != status {
			continue
		}
		if source != "" && req.Source != source {
			continue
		}
		out = append(out, req)
	}
	return out
}

func paginate(in []pipeline.TransactionRequest, limit, offset int) []pipeline.TransactionRequest {
	if offset >= len(in) {
		return []pipeline.TransactionRequest{}
	}
	in = in[offset:]
	if len(in) > limit {
		in = in[:limit]
	}
	return in
}

func parseBoundedInt(s string, def, min, max int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if n < min {
		return 0, fmt.Errorf("must be at least %d", min)
	}
	if n > max {
		return 0, fmt.Errorf("cannot exceed %d", max)
	}
	return n, nil
}

// listResponse is the JSON response of the list endpoint.
type listResponse struct {
	State        string                        `json:"state"`
	Transactions []pipeline.TransactionRequest `json:"transactions"`
	Count        int                           `json:"count"`
	Limit        int                           `json:"limit"`
	Offset       int                           `json:"offset"`
}

func writeList(w http.ResponseWriter, state string, requests []pipeline.TransactionRequest, limit, offset int) {
	if requests == nil {
		requests = []pipeline.TransactionRequest{}
	}
	writeJSON(w, listResponse{
		State:        state,
		Transactions: requests,
		Count:        len(requests),
		Limit:        limit,
		Offset:       offset,
	}, http.StatusOK)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
