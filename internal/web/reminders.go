package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/reminder"
	"github.com/conorfennell/recall/internal/storage"
)

type reminderResponse struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	ApplicationID  string     `json:"application_id,omitempty"`
	ActivityID     string     `json:"activity_id,omitempty"`
	Title          string     `json:"title"`
	Body           string     `json:"body,omitempty"`
	DueAt          time.Time  `json:"due_at"`
	Channels       []string   `json:"channels"`
	DedupeKey      string     `json:"dedupe_key,omitempty"`
	State          string     `json:"state"`
	Sent           bool       `json:"sent"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty"`
	Version        int64      `json:"version"`
}

func newReminderResponse(r domain.Reminder, state reminder.State) reminderResponse {
	channels := make([]string, len(r.Channels))
	for i, c := range r.Channels {
		channels[i] = string(c)
	}
	return reminderResponse{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		ApplicationID:  r.ApplicationID,
		ActivityID:     r.ActivityID,
		Title:          r.Title,
		Body:           r.Body,
		DueAt:          r.DueAt,
		Channels:       channels,
		DedupeKey:      r.DedupeKey,
		State:          state.String(),
		Sent:           r.Sent,
		SentAt:         r.SentAt,
		AttemptCount:   r.AttemptCount,
		LastAttemptAt:  r.LastAttemptAt,
		LastError:      r.LastError,
		NextAttemptAt:  r.NextAttemptAt,
		DeadLetteredAt: r.DeadLetteredAt,
		Version:        r.Version,
	}
}

// quietHours resolves an owner's quiet window. Unknown owners and malformed
// settings have none.
func (s *Server) quietHours(ctx context.Context, ownerID string) (reminder.QuietHours, error) {
	owner, err := s.db.Owner(ctx, ownerID)
	if errors.Is(err, domain.ErrNotFound) {
		return reminder.QuietHours{}, nil
	}
	if err != nil {
		return reminder.QuietHours{}, err
	}
	q, err := reminder.QuietHoursFor(owner)
	if err != nil {
		return reminder.QuietHours{}, nil
	}
	return q, nil
}

func (s *Server) respondReminder(w http.ResponseWriter, r *http.Request, status int, rem domain.Reminder) {
	q, err := s.quietHours(r.Context(), rem.OwnerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setETag(w, rem.Version)
	writeJSON(w, status, newReminderResponse(rem, reminder.StateOf(rem, s.now().UTC(), q)))
}

func parseChannels(in []string) []domain.Channel {
	out := make([]domain.Channel, 0, len(in))
	for _, name := range in {
		if c, err := domain.ParseChannel(name); err == nil {
			out = append(out, c)
		}
	}
	return out
}

type createReminderRequest struct {
	ID            string    `json:"id" validate:"omitempty,uuid"`
	OwnerID       string    `json:"owner_id" validate:"required,max=128"`
	ApplicationID string    `json:"application_id" validate:"max=128"`
	ActivityID    string    `json:"activity_id" validate:"max=128"`
	Title         string    `json:"title" validate:"required,max=200"`
	Body          string    `json:"body" validate:"max=4000"`
	DueAt         time.Time `json:"due_at" validate:"required"`
	Channels      []string  `json:"channels" validate:"dive,oneof=in_app email calendar"`
	DedupeKey     string    `json:"dedupe_key" validate:"max=200"`
}

// handleCreateReminder stores a reminder. Channels default to in-app; a dedupe
// key the owner already used answers 409.
func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	var req createReminderRequest
	if !s.decode(w, r, &req) {
		return
	}

	rem, err := s.db.CreateReminder(r.Context(), domain.Reminder{
		ID:            req.ID,
		OwnerID:       req.OwnerID,
		ApplicationID: req.ApplicationID,
		ActivityID:    req.ActivityID,
		Title:         req.Title,
		Body:          req.Body,
		DueAt:         req.DueAt,
		Channels:      parseChannels(req.Channels),
		DedupeKey:     req.DedupeKey,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.InfoContext(r.Context(), "reminder created", "reminder_id", rem.ID, "owner_id", rem.OwnerID, "due_at", rem.DueAt)
	s.respondReminder(w, r, http.StatusCreated, rem)
}

func (s *Server) handleGetReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := s.db.GetReminder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondReminder(w, r, http.StatusOK, rem)
}

// handleListReminders lists an owner's reminders, optionally filtered by due
// window and sent flag.
func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ReminderFilter{OwnerID: q.Get("owner")}
	if f.OwnerID == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("owner is required"))
		return
	}

	var err error
	if f.DueBefore, err = parseTimeParam(r, "due_before"); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if f.DueAfter, err = parseTimeParam(r, "due_after"); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if raw := q.Get("sent"); raw != "" {
		sent, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("sent must be a boolean: %w", err))
			return
		}
		f.Sent = &sent
	}

	reminders, err := s.db.ListReminders(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	quiet, err := s.quietHours(r.Context(), f.OwnerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	now := s.now().UTC()
	out := make([]reminderResponse, len(reminders))
	for i, rem := range reminders {
		out[i] = newReminderResponse(rem, reminder.StateOf(rem, now, quiet))
	}
	writeJSON(w, http.StatusOK, out)
}

type updateReminderRequest struct {
	Title    *string    `json:"title" validate:"omitempty,min=1,max=200"`
	Body     *string    `json:"body" validate:"omitempty,max=4000"`
	DueAt    *time.Time `json:"due_at"`
	Channels []string   `json:"channels" validate:"omitempty,dive,oneof=in_app email calendar"`
}

// handleUpdateReminder edits an unsent reminder under an If-Match version.
func (s *Server) handleUpdateReminder(w http.ResponseWriter, r *http.Request) {
	version, ok := s.requireIfMatch(w, r)
	if !ok {
		return
	}
	var req updateReminderRequest
	if !s.decode(w, r, &req) {
		return
	}

	rem, err := s.db.GetReminder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rem.Version != version {
		s.fail(w, r, fmt.Errorf("reminder %s is at version %d: %w", rem.ID, rem.Version, domain.ErrConcurrencyConflict))
		return
	}
	if rem.Sent || rem.DeadLetteredAt != nil {
		s.writeError(w, r, http.StatusConflict, fmt.Errorf("reminder %s is already %s", rem.ID, reminder.StateOf(rem, s.now(), reminder.QuietHours{})))
		return
	}

	if req.Title != nil {
		rem.Title = *req.Title
	}
	if req.Body != nil {
		rem.Body = *req.Body
	}
	if req.DueAt != nil {
		rem.DueAt = *req.DueAt
	}
	if req.Channels != nil {
		rem.Channels = parseChannels(req.Channels)
	}

	updated, err := s.db.UpdateReminder(r.Context(), rem, version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondReminder(w, r, http.StatusOK, updated)
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	version, ok := s.requireIfMatch(w, r)
	if !ok {
		return
	}
	if err := s.db.DeleteReminder(r.Context(), r.PathValue("id"), version); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ownerRequest struct {
	Email      string `json:"email" validate:"omitempty,email"`
	Timezone   string `json:"timezone" validate:"omitempty,timezone"`
	QuietStart string `json:"quiet_start" validate:"omitempty,datetime=15:04"`
	QuietEnd   string `json:"quiet_end" validate:"omitempty,datetime=15:04"`
}

// handlePutOwner sets an owner's email, timezone and quiet hours. Quiet hours
// need both ends or neither.
func (s *Server) handlePutOwner(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if !s.decode(w, r, &req) {
		return
	}
	owner := domain.Owner{
		ID:         r.PathValue("id"),
		Email:      req.Email,
		Timezone:   req.Timezone,
		QuietStart: req.QuietStart,
		QuietEnd:   req.QuietEnd,
	}
	if _, err := reminder.QuietHoursFor(owner); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.db.UpsertOwner(r.Context(), owner); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type inboxItemResponse struct {
	ID          int64     `json:"id"`
	ReminderID  string    `json:"reminder_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// handleGetInbox lists an owner's in-app deliveries, newest first.
func (s *Server) handleGetInbox(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("owner is required"))
		return
	}
	items, err := s.db.ListInbox(r.Context(), owner, 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]inboxItemResponse, len(items))
	for i, it := range items {
		out[i] = inboxItemResponse{
			ID:          it.ID,
			ReminderID:  it.ReminderID,
			Title:       it.Title,
			Body:        it.Body,
			DeliveredAt: it.DeliveredAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}
