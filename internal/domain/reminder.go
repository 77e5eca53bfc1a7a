package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Channel is a delivery channel for reminders.
type Channel string

const (
	ChannelInApp    Channel = "in_app"
	ChannelEmail    Channel = "email"
	ChannelCalendar Channel = "calendar"
)

// Channels lists every known channel in dispatch order.
var Channels = []Channel{ChannelInApp, ChannelEmail, ChannelCalendar}

// ParseChannel returns the channel named s.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Channels, c) {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// Reminder is a notification due at a point in time, delivered on one or
// more channels.
type Reminder struct {
	ID            string
	OwnerID       string
	ApplicationID string
	ActivityID    string
	Title         string
	Body          string
	DueAt         time.Time
	Channels      []Channel
	DedupeKey     string

	Sent           bool
	SentAt         *time.Time
	AttemptCount   int
	LastAttemptAt  *time.Time
	LastError      string
	NextAttemptAt  *time.Time
	DeadLetteredAt *time.Time

	Version int64
}

// DeliveryKey identifies the logical reminder for idempotent delivery. Two
// reminders of the same owner sharing a dedupe key are delivered once.
// Caller keys and reminder IDs live under separate prefixes so no dedupe key
// can name another reminder.
func (r Reminder) DeliveryKey() string {
	if r.DedupeKey != "" {
		return "key:" + r.DedupeKey
	}
	return "id:" + r.ID
}

// NormalizeChannels drops duplicates and falls back to in-app delivery when
// no channel was given.
func NormalizeChannels(in []Channel) []Channel {
	out := make([]Channel, 0, len(in))
	for _, c := range Channels {
		if slices.Contains(in, c) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		out = append(out, ChannelInApp)
	}
	return out
}

// InboxItem is a reminder delivered to the in-app channel.
type InboxItem struct {
	ID          int64
	OwnerID     string
	ReminderID  string
	Title       string
	Body        string
	DeliveredAt time.Time
}
