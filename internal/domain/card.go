package domain

import (
	"fmt"
	"strings"
	"time"
)

// Card is a single question-answer-context entry together with its
// learning-bin state. ID is the content hash of the card and never changes.
type Card struct {
	ID       string
	Question string
	Answer   string
	Context  string
	SourceID int64

	Bin            int
	IncorrectCount int
	NextReviewAt   time.Time
	LastReviewedAt *time.Time

	// Version is bumped by the store on every committed write.
	Version int64
}

// Outcome is the result of a single review.
type Outcome string

const (
	Correct   Outcome = "correct"
	Incorrect Outcome = "incorrect"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	return o == Correct || o == Incorrect
}

// ParseOutcome accepts the outcome names case-insensitively.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("unknown outcome %q", s)
	}
	return o, nil
}
