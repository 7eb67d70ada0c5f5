// Package api provides the HTTP and WebSocket surface of the media server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediasync/internal/artifact"
	"github.com/fruitsalade/mediasync/internal/events"
	"github.com/fruitsalade/mediasync/internal/gallery"
	"github.com/fruitsalade/mediasync/internal/logging"
	"github.com/fruitsalade/mediasync/internal/mediaerr"
	"github.com/fruitsalade/mediasync/internal/metrics"
	"github.com/fruitsalade/mediasync/internal/namespace"
	"github.com/fruitsalade/mediasync/internal/ocr"
	"github.com/fruitsalade/mediasync/internal/similarity"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// Deps bundles the subsystems the server exposes. OCR is optional.
type Deps struct {
	Namespaces *namespace.Aggregator
	Cache      *artifact.Cache
	Gallery    *gallery.Engine
	Similarity *similarity.Engine
	OCR        *ocr.Engine
	Hub        *events.Hub
}

// Server is the HTTP server.
type Server struct {
	namespaces *namespace.Aggregator
	cache      *artifact.Cache
	gallery    *gallery.Engine
	similarity *similarity.Engine
	ocr        *ocr.Engine
	hub        *events.Hub
}

// NewServer creates a new server.
func NewServer(deps Deps) *Server {
	return &Server{
		namespaces: deps.Namespaces,
		cache:      deps.Cache,
		gallery:    deps.Gallery,
		similarity: deps.Similarity,
		ocr:        deps.OCR,
		hub:        deps.Hub,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.hub.ServeWS)
	mux.HandleFunc("GET /api/v1/connections", s.handleConnections)

	// Namespaces
	mux.HandleFunc("GET /api/v1/namespaces", s.handleNamespaces)
	mux.HandleFunc("GET /api/v1/namespaces/{name}", s.handleListing)
	mux.HandleFunc("GET /api/v1/listing", s.handleMergedListing)

	// Media
	mux.HandleFunc("GET /api/v1/media/{ns}/{path...}", s.handleMedia)
	mux.HandleFunc("GET /api/v1/thumb/{ns}/{path...}", s.handleThumb)
	mux.HandleFunc("GET /api/v1/meta/{ns}/{path...}", s.handleMeta)
	mux.HandleFunc("GET /api/v1/palette/{ns}/{path...}", s.handlePalette)
	mux.HandleFunc("GET /api/v1/similar/{ns}/{path...}", s.handleSimilar)
	mux.HandleFunc("POST /api/v1/duplicates", s.handleDuplicates)
	mux.HandleFunc("GET /api/v1/ocr/{ns}/{path...}", s.handleOCR)

	// Metrics sees the request the mux annotates with its route pattern.
	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"namespaces":  len(s.namespaces.Namespaces()),
		"connections": s.hub.Count(),
		"ocr":         s.ocr != nil,
	}
	if s.cache != nil {
		resp["cache"] = s.cache.Stats()
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.hub.Connections(r.URL.Query().Get("app")))
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// resolve maps the {ns} and {path...} wildcards to a file path.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (string, bool) {
	ns := r.PathValue("ns")
	rel := r.PathValue("path")
	if ns == "" || rel == "" {
		s.sendError(w, http.StatusBadRequest, "namespace and path required")
		return "", false
	}
	path, err := s.namespaces.Resolve(ns, rel)
	if err != nil {
		s.sendFailure(w, r, err)
		return "", false
	}
	return path, true
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

// queryPercent parses a 0-100 query parameter.
func queryPercent(r *http.Request, name string, fallback float64) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 100 {
		return 0, errors.New("invalid " + name)
	}
	return f, nil
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mediaerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mediaerr.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, mediaerr.ErrUnreadable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, mediaerr.ErrWatchUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.sendErrorDetails(w, code, http.StatusText(code), err.Error())
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendErrorDetails(w, code, message, "")
}

func (s *Server) sendErrorDetails(w http.ResponseWriter, code int, message, details string) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
