package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/conorfennell/recall/internal/storage"
	"github.com/conorfennell/recall/internal/sync"
)

type sourceResponse struct {
	ID          int64      `json:"id"`
	Path        string     `json:"path"`
	Type        string     `json:"type"`
	LastScanned *time.Time `json:"last_scanned,omitempty"`
}

func newSourceResponse(src storage.Source) sourceResponse {
	return sourceResponse{ID: src.ID, Path: src.Path, Type: src.Type, LastScanned: src.LastScanned}
}

func (s *Server) handleGetSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.db.GetAllSources(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]sourceResponse, len(sources))
	for i, src := range sources {
		out[i] = newSourceResponse(src)
	}
	writeJSON(w, http.StatusOK, out)
}

type sourceRequest struct {
	Path string `json:"path" validate:"required"`
}

// handlePostSource registers a deck directory or git remote. Cards appear
// after the next sync.
func (s *Server) handlePostSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if !s.decode(w, r, &req) {
		return
	}
	src, err := s.syncer.AddSource(r.Context(), req.Path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSourceResponse(src))
}

// handleDeleteSource removes a source together with its cards.
func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid source id: %w", err))
		return
	}
	if err := s.db.DeleteSource(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncReportResponse struct {
	SourceID int64    `json:"source_id"`
	Path     string   `json:"path"`
	Parsed   int      `json:"parsed"`
	Inserted int      `json:"inserted"`
	Deleted  int      `json:"deleted"`
	Errors   []string `json:"errors,omitempty"`
}

func newSyncReportResponse(rep sync.Report) syncReportResponse {
	out := syncReportResponse{
		SourceID: rep.SourceID,
		Path:     rep.Path,
		Parsed:   rep.Parsed,
		Inserted: rep.Inserted,
		Deleted:  rep.Deleted,
	}
	for _, err := range rep.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

// handlePostSync reconciles every source and reports per source. Source
// failures are part of the report, not the status code.
func (s *Server) handlePostSync(w http.ResponseWriter, r *http.Request) {
	reports, err := s.syncer.Run(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]syncReportResponse, len(reports))
	for i, rep := range reports {
		out[i] = newSyncReportResponse(rep)
	}
	writeJSON(w, http.StatusOK, out)
}
