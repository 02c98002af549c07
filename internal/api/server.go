// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/estrada-diego/myCloud/internal/events"
	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/metrics"
	"github.com/estrada-diego/myCloud/internal/quota"
	"github.com/estrada-diego/myCloud/internal/tree"
	"github.com/estrada-diego/myCloud/pkg/models"
	"github.com/estrada-diego/myCloud/pkg/protocol"
)

// Server is the HTTP server.
type Server struct {
	tree          *tree.Tree
	broadcaster   *events.Broadcaster
	rateLimiter   *quota.RateLimiter
	maxUploadSize int64
}

// NewServer creates a new server.
func NewServer(t *tree.Tree, broadcaster *events.Broadcaster, rateLimiter *quota.RateLimiter, maxUploadSize int64) *Server {
	return &Server{
		tree:          t,
		broadcaster:   broadcaster,
		rateLimiter:   rateLimiter,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/files", s.handleList)
	mux.HandleFunc("GET /api/v1/nodes/{id}", s.handleGetNode)
	mux.HandleFunc("DELETE /api/v1/nodes/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	mux.HandleFunc("POST /api/v1/upload", s.handleUpload)
	mux.HandleFunc("GET /api/v1/content/{id}", s.handleContent)
	mux.HandleFunc("GET /api/v1/usage", s.handleUsage)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	limited := quota.RateLimitMiddleware(s.rateLimiter)(mux)

	// Metrics sit inside logging so they see the request the mux annotates
	// with its route pattern.
	return logging.Middleware(metrics.Middleware(limited))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) publish(e events.Event) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(e)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	// A byte store error may wrap a path or not-found cause; it wins.
	case errors.Is(err, models.ErrByteStoreIO):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, models.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// sendErr reports err with the status it maps to. Internal errors are
// logged and not echoed to the client.
func (s *Server) sendErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
		s.sendError(w, code, "internal error")
		return
	}

	resp := protocol.ErrorResponse{Error: err.Error(), Code: code}
	var qe *quota.QuotaExceededError
	if errors.As(err, &qe) {
		resp.Details = "remaining=" + strconv.FormatInt(qe.Remaining, 10)
	}
	s.sendJSON(w, code, resp)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// pathID parses the {id} path parameter.
func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &models.InvalidPathError{Path: raw, Reason: "node id must be a positive integer"}
	}
	return id, nil
}

// optionalID parses an optional positive id from a query value.
func optionalID(raw string) (*int64, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, &models.InvalidPathError{Path: raw, Reason: "parent id must be a positive integer"}
	}
	return &id, nil
}
