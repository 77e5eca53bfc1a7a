package web

import (
	"net/http"
	"time"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/study"
)

type cardResponse struct {
	ID             string     `json:"id"`
	Question       string     `json:"question"`
	Answer         string     `json:"answer"`
	Context        string     `json:"context,omitempty"`
	Bin            int        `json:"bin"`
	IncorrectCount int        `json:"incorrect_count"`
	NextReviewAt   time.Time  `json:"next_review_at"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty"`
	Version        int64      `json:"version"`
}

func newCardResponse(c domain.Card) cardResponse {
	return cardResponse{
		ID:             c.ID,
		Question:       c.Question,
		Answer:         c.Answer,
		Context:        c.Context,
		Bin:            c.Bin,
		IncorrectCount: c.IncorrectCount,
		NextReviewAt:   c.NextReviewAt,
		LastReviewedAt: c.LastReviewedAt,
		Version:        c.Version,
	}
}

type deckResponse struct {
	Status       string     `json:"status"`
	Due          int        `json:"due"`
	Total        int        `json:"total"`
	NextReviewAt *time.Time `json:"next_review_at,omitempty"`
}

func newDeckResponse(st study.Status) deckResponse {
	return deckResponse{
		Status:       st.Completion.String(),
		Due:          st.Due,
		Total:        st.Total,
		NextReviewAt: st.NextReviewAt,
	}
}

// handleGetDeck reports how many cards are due and whether the deck is done.
func (s *Server) handleGetDeck(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Status(r.Context(), s.now().UTC())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDeckResponse(st))
}

type nextReviewResponse struct {
	Card *cardResponse `json:"card,omitempty"`
	Deck *deckResponse `json:"deck,omitempty"`
}

// handleGetNextReview returns the first due card, or the deck status when
// nothing is due.
func (s *Server) handleGetNextReview(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()
	card, ok, err := s.queue.Next(r.Context(), now)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ok {
		resp := newCardResponse(card)
		setETag(w, card.Version)
		writeJSON(w, http.StatusOK, nextReviewResponse{Card: &resp})
		return
	}

	st, err := s.queue.Status(r.Context(), now)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	deck := newDeckResponse(st)
	writeJSON(w, http.StatusOK, nextReviewResponse{Deck: &deck})
}

type reviewRequest struct {
	Outcome string `json:"outcome" validate:"required"`
	Version int64  `json:"version,omitempty" validate:"gte=0"`
}

// handlePostReview records a review. The expected version comes from If-Match
// or the body; without either the current version is used.
func (s *Server) handlePostReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	version, ok, err := ifMatch(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if !ok {
		version = req.Version
	}

	outcome, err := domain.ParseOutcome(req.Outcome)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	card, err := s.reviewer.Submit(r.Context(), r.PathValue("id"), outcome, version, s.now().UTC())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setETag(w, card.Version)
	writeJSON(w, http.StatusOK, newCardResponse(card))
}
