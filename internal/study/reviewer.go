package study

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/leitner"
)

// ReviewStore reads a card and writes its review state under a version check.
type ReviewStore interface {
	GetCard(ctx context.Context, id string) (domain.Card, error)
	UpdateCardReview(ctx context.Context, card domain.Card, expectedVersion int64) (domain.Card, error)
}

// Reviewer applies review outcomes to stored cards.
type Reviewer struct {
	store     ReviewStore
	scheduler *leitner.Scheduler
	log       *slog.Logger
}

func NewReviewer(store ReviewStore, scheduler *leitner.Scheduler, log *slog.Logger) *Reviewer {
	if log == nil {
		log = slog.Default()
	}
	return &Reviewer{store: store, scheduler: scheduler, log: log}
}

// Submit records outcome for the card. expectedVersion is the version the
// caller last saw; zero means the version read here. A write based on a stale
// version fails with domain.ErrConcurrencyConflict and is not retried.
func (r *Reviewer) Submit(ctx context.Context, cardID string, outcome domain.Outcome, expectedVersion int64, now time.Time) (domain.Card, error) {
	card, err := r.store.GetCard(ctx, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	if expectedVersion == 0 {
		expectedVersion = card.Version
	}
	if card.Version != expectedVersion {
		return domain.Card{}, fmt.Errorf("card %s is at version %d, not %d: %w",
			cardID, card.Version, expectedVersion, domain.ErrConcurrencyConflict)
	}

	next, err := r.scheduler.RecordReview(card, outcome, now)
	if err != nil {
		return domain.Card{}, err
	}

	saved, err := r.store.UpdateCardReview(ctx, next, expectedVersion)
	if err != nil {
		return domain.Card{}, err
	}

	r.log.InfoContext(ctx, "review recorded",
		"card_id", cardID,
		"outcome", string(outcome),
		"bin", saved.Bin,
		"incorrect_count", saved.IncorrectCount,
		"next_review_at", saved.NextReviewAt,
		"version", saved.Version,
	)
	return saved, nil
}
