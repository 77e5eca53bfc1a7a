// Package study serves due cards and records review outcomes against the
// card store.
package study

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/storage"
)

// DefaultHorizon bounds how far ahead a deck counts as temporarily complete.
const DefaultHorizon = 365 * 24 * time.Hour

// Completion describes whether a deck has anything to review.
type Completion int

const (
	// Available means at least one card is due now.
	Available Completion = iota
	// TemporarilyComplete means nothing is due now but a card comes due
	// within the horizon.
	TemporarilyComplete
	// PermanentlyComplete means there are no cards, or none due within the
	// horizon.
	PermanentlyComplete
)

func (c Completion) String() string {
	switch c {
	case Available:
		return "available"
	case TemporarilyComplete:
		return "temporarily_complete"
	case PermanentlyComplete:
		return "permanently_complete"
	default:
		return "unknown"
	}
}

// Status is a deck snapshot at one instant.
type Status struct {
	Completion Completion
	Due        int
	Total      int
	// NextReviewAt is the earliest review time of any card, nil for an empty deck.
	NextReviewAt *time.Time
}

// CardStore is the read side of the card table used by Queue.
type CardStore interface {
	ListDueCards(ctx context.Context, now time.Time, after storage.CardCursor, limit int) ([]domain.Card, error)
	CountDueCards(ctx context.Context, now time.Time) (int, error)
	CardStats(ctx context.Context) (total int, earliest *time.Time, err error)
}

// Queue pages through due cards.
type Queue struct {
	cards    CardStore
	pageSize int
	horizon  time.Duration
}

// NewQueue builds a queue. Non-positive pageSize or horizon take defaults.
func NewQueue(cards CardStore, pageSize int, horizon time.Duration) *Queue {
	if pageSize <= 0 {
		pageSize = 100
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Queue{cards: cards, pageSize: pageSize, horizon: horizon}
}

// Due yields the cards due at now ordered by next review time, then id. Pages
// are fetched lazily; ranging again starts a fresh query. A failed page is
// yielded once as an error and ends the sequence.
func (q *Queue) Due(ctx context.Context, now time.Time) iter.Seq2[domain.Card, error] {
	return func(yield func(domain.Card, error) bool) {
		var cursor storage.CardCursor
		for {
			page, err := q.cards.ListDueCards(ctx, now, cursor, q.pageSize)
			if err != nil {
				yield(domain.Card{}, err)
				return
			}
			for _, c := range page {
				if !yield(c, nil) {
					return
				}
			}
			if len(page) < q.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = storage.CardCursor{NextReviewAt: last.NextReviewAt, ID: last.ID}
		}
	}
}

// Next returns the first due card, or false when none is due.
func (q *Queue) Next(ctx context.Context, now time.Time) (domain.Card, bool, error) {
	page, err := q.cards.ListDueCards(ctx, now, storage.CardCursor{}, 1)
	if err != nil {
		return domain.Card{}, false, err
	}
	if len(page) == 0 {
		return domain.Card{}, false, nil
	}
	return page[0], true, nil
}

// Status reports the deck's completion at now.
func (q *Queue) Status(ctx context.Context, now time.Time) (Status, error) {
	total, earliest, err := q.cards.CardStats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read deck status: %w", err)
	}
	st := Status{Total: total, NextReviewAt: earliest}

	switch {
	case total == 0 || earliest == nil:
		st.Completion = PermanentlyComplete
	case !earliest.After(now):
		st.Completion = Available
		st.Due, err = q.cards.CountDueCards(ctx, now)
		if err != nil {
			return Status{}, fmt.Errorf("failed to read deck status: %w", err)
		}
	case earliest.Sub(now) <= q.horizon:
		st.Completion = TemporarilyComplete
	default:
		st.Completion = PermanentlyComplete
	}
	return st, nil
}
