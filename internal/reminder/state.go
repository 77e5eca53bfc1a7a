package reminder

import (
	"time"

	"github.com/conorfennell/recall/internal/domain"
)

// State is the dispatch state of a reminder, derived from its fields.
type State int

const (
	// Pending reminders are not due yet.
	Pending State = iota
	// Due reminders will be dispatched by the next scan.
	Due
	// Deferred reminders are due but their owner is in quiet hours.
	Deferred
	// RetryWaiting reminders failed and wait out their backoff.
	RetryWaiting
	// Dispatching is only ever reported while an attempt is running.
	Dispatching
	// Sent reminders were accepted by every channel.
	Sent
	// DeadLettered reminders used up their attempts and are never retried.
	DeadLettered
)

var stateNames = [...]string{
	Pending:      "pending",
	Due:          "due",
	Deferred:     "deferred",
	RetryWaiting: "retry_waiting",
	Dispatching:  "dispatching",
	Sent:         "sent",
	DeadLettered: "dead_lettered",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no scan will touch the reminder again.
func (s State) Terminal() bool {
	return s == Sent || s == DeadLettered
}

// StateOf derives the state of r at now.
func StateOf(r domain.Reminder, now time.Time, quiet QuietHours) State {
	switch {
	case r.Sent:
		return Sent
	case r.DeadLetteredAt != nil:
		return DeadLettered
	case r.DueAt.After(now):
		return Pending
	case r.NextAttemptAt != nil && r.NextAttemptAt.After(now):
		return RetryWaiting
	case quiet.Contains(now):
		return Deferred
	default:
		return Due
	}
}
