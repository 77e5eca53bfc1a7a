// Package web exposes the study loop, reminders and deck sources as a JSON
// HTTP API.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/leitner"
	"github.com/conorfennell/recall/internal/storage"
	"github.com/conorfennell/recall/internal/study"
	"github.com/conorfennell/recall/internal/sync"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	db       *storage.DB
	queue    *study.Queue
	reviewer *study.Reviewer
	syncer   *sync.Syncer
	router   *http.ServeMux
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time
}

// NewServer creates and configures a new server.
func NewServer(db *storage.DB, queue *study.Queue, reviewer *study.Reviewer, syncer *sync.Syncer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		db:       db,
		queue:    queue,
		reviewer: reviewer,
		syncer:   syncer,
		router:   http.NewServeMux(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With("component", "http"),
		now:      time.Now,
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /healthz", s.handleHealth)

	s.router.HandleFunc("GET /deck", s.handleGetDeck)
	s.router.HandleFunc("GET /review/next", s.handleGetNextReview)
	s.router.HandleFunc("POST /review/{id}", s.handlePostReview)

	s.router.HandleFunc("GET /reminders", s.handleListReminders)
	s.router.HandleFunc("POST /reminders", s.handleCreateReminder)
	s.router.HandleFunc("GET /reminders/{id}", s.handleGetReminder)
	s.router.HandleFunc("PATCH /reminders/{id}", s.handleUpdateReminder)
	s.router.HandleFunc("DELETE /reminders/{id}", s.handleDeleteReminder)
	s.router.HandleFunc("PUT /owners/{id}", s.handlePutOwner)
	s.router.HandleFunc("GET /inbox", s.handleGetInbox)

	s.router.HandleFunc("GET /sources", s.handleGetSources)
	s.router.HandleFunc("POST /sources", s.handlePostSource)
	s.router.HandleFunc("DELETE /sources/{id}", s.handleDeleteSource)
	s.router.HandleFunc("POST /sync", s.handlePostSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs server-side failures and answers with a JSON error body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, leitner.ErrInvalidOutcome), errors.Is(err, leitner.ErrInvalidCard):
		status = http.StatusBadRequest
	}
	s.writeError(w, r, status, err)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return false
	}
	return true
}

func setETag(w http.ResponseWriter, version int64) {
	w.Header().Set("ETag", fmt.Sprintf(`W/"%d"`, version))
}

var errBadIfMatch = errors.New(`If-Match must be a version such as W/"3"`)

// ifMatch reads the version in an If-Match header. ok is false when the
// header is absent.
func ifMatch(r *http.Request) (version int64, ok bool, err error) {
	h := strings.TrimSpace(r.Header.Get("If-Match"))
	if h == "" {
		return 0, false, nil
	}
	h = strings.Trim(strings.TrimPrefix(h, "W/"), `"`)
	v, err := strconv.ParseInt(h, 10, 64)
	if err != nil || v <= 0 {
		return 0, false, errBadIfMatch
	}
	return v, true, nil
}

// requireIfMatch answers 428 when the header is missing.
func (s *Server) requireIfMatch(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v, ok, err := ifMatch(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return 0, false
	}
	if !ok {
		s.writeError(w, r, http.StatusPreconditionRequired, errors.New("If-Match header is required"))
		return 0, false
	}
	return v, true
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 time: %w", name, err)
	}
	t = t.UTC()
	return &t, nil
}
