// Package leitner implements bin based spaced repetition: each correct
// answer moves a card one bin up the interval table, each incorrect answer
// sends it back to the retry bin.
package leitner

import (
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/recall/internal/domain"
)

var (
	ErrInvalidOutcome       = errors.New("invalid outcome")
	ErrInvalidConfiguration = errors.New("invalid scheduler configuration")
	ErrInvalidCard          = errors.New("invalid card state")
)

// DefaultIntervals is the interval table used when none is configured.
var DefaultIntervals = []time.Duration{
	10 * time.Minute,
	24 * time.Hour,
	3 * 24 * time.Hour,
	7 * 24 * time.Hour,
	14 * 24 * time.Hour,
	30 * 24 * time.Hour,
	90 * 24 * time.Hour,
}

// Config is the bin table. Intervals[i] is the review interval of bin i.
type Config struct {
	Intervals []time.Duration
	RetryBin  int
}

// Scheduler maps review outcomes to the next card state. It holds no
// mutable state and is safe for concurrent use.
type Scheduler struct {
	intervals []time.Duration
	retryBin  int
}

// New validates cfg and returns a scheduler for it.
func New(cfg Config) (*Scheduler, error) {
	if len(cfg.Intervals) == 0 {
		return nil, fmt.Errorf("%w: interval table is empty", ErrInvalidConfiguration)
	}
	for i, d := range cfg.Intervals {
		if d <= 0 {
			return nil, fmt.Errorf("%w: interval of bin %d must be positive, got %s", ErrInvalidConfiguration, i, d)
		}
		if i > 0 && d <= cfg.Intervals[i-1] {
			return nil, fmt.Errorf("%w: interval of bin %d (%s) must be longer than bin %d (%s)",
				ErrInvalidConfiguration, i, d, i-1, cfg.Intervals[i-1])
		}
	}
	if cfg.RetryBin < 0 || cfg.RetryBin >= len(cfg.Intervals) {
		return nil, fmt.Errorf("%w: retry bin %d outside [0, %d]", ErrInvalidConfiguration, cfg.RetryBin, len(cfg.Intervals)-1)
	}

	return &Scheduler{
		intervals: append([]time.Duration(nil), cfg.Intervals...),
		retryBin:  cfg.RetryBin,
	}, nil
}

// MaxBin is the highest bin index.
func (s *Scheduler) MaxBin() int {
	return len(s.intervals) - 1
}

// RetryBin is the bin a card returns to after an incorrect answer.
func (s *Scheduler) RetryBin() int {
	return s.retryBin
}

// Interval returns the review interval of bin. Bins past the end of the
// table use the last interval.
func (s *Scheduler) Interval(bin int) time.Duration {
	if bin < 0 {
		bin = 0
	}
	if bin > s.MaxBin() {
		bin = s.MaxBin()
	}
	return s.intervals[bin]
}

// RecordReview returns the state of card after a review with the given
// outcome at now. The input card is not modified; persisting the result is
// up to the caller.
func (s *Scheduler) RecordReview(card domain.Card, outcome domain.Outcome, now time.Time) (domain.Card, error) {
	if card.Bin < 0 {
		return domain.Card{}, fmt.Errorf("%w: card %s has negative bin %d", ErrInvalidCard, card.ID, card.Bin)
	}
	if card.IncorrectCount < 0 {
		return domain.Card{}, fmt.Errorf("%w: card %s has negative incorrect count %d", ErrInvalidCard, card.ID, card.IncorrectCount)
	}

	next := card
	switch outcome {
	case domain.Correct:
		next.Bin = min(card.Bin+1, s.MaxBin())
	case domain.Incorrect:
		next.Bin = s.retryBin
		next.IncorrectCount = card.IncorrectCount + 1
	default:
		return domain.Card{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	reviewed := now.UTC()
	next.LastReviewedAt = &reviewed
	next.NextReviewAt = reviewed.Add(s.intervals[next.Bin])
	return next, nil
}
