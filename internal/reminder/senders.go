package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/conorfennell/recall/internal/domain"
)

// Delivery is one reminder handed to one channel.
type Delivery struct {
	Reminder domain.Reminder
	Owner    domain.Owner
	At       time.Time
}

// Sender delivers reminders on a single channel. Send may fail or time out;
// the dispatcher retries failed channels on later scans.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, d Delivery) error
}

// Inbox stores in-app deliveries.
type Inbox interface {
	AddInboxItem(ctx context.Context, item domain.InboxItem) error
}

// InAppSender delivers reminders to the owner's in-app inbox.
type InAppSender struct {
	inbox Inbox
}

func NewInAppSender(inbox Inbox) *InAppSender {
	return &InAppSender{inbox: inbox}
}

func (s *InAppSender) Channel() domain.Channel { return domain.ChannelInApp }

func (s *InAppSender) Send(ctx context.Context, d Delivery) error {
	return s.inbox.AddInboxItem(ctx, domain.InboxItem{
		OwnerID:     d.Reminder.OwnerID,
		ReminderID:  d.Reminder.ID,
		Title:       d.Reminder.Title,
		Body:        reminderBody(d.Reminder),
		DeliveredAt: d.At,
	})
}

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is an outgoing email.
type Message struct {
	From        string
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Mailer hands messages to a mail transport.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	log *slog.Logger
}

func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	names := make([]string, len(msg.Attachments))
	for i, a := range msg.Attachments {
		names[i] = a.Filename
	}
	m.log.InfoContext(ctx, "mail",
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"attachments", names,
	)
	return nil
}

var errNoRecipient = errors.New("owner has no email address")

// EmailSender delivers reminders as plain emails.
type EmailSender struct {
	mailer Mailer
	from   string
}

func NewEmailSender(mailer Mailer, from string) *EmailSender {
	return &EmailSender{mailer: mailer, from: from}
}

func (s *EmailSender) Channel() domain.Channel { return domain.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, d Delivery) error {
	if d.Owner.Email == "" {
		return errNoRecipient
	}
	return s.mailer.Send(ctx, Message{
		From:    s.from,
		To:      []string{d.Owner.Email},
		Subject: d.Reminder.Title,
		Body:    reminderBody(d.Reminder),
	})
}

// CalendarSender delivers reminders as calendar invites.
type CalendarSender struct {
	mailer Mailer
	from   string
}

func NewCalendarSender(mailer Mailer, from string) *CalendarSender {
	return &CalendarSender{mailer: mailer, from: from}
}

func (s *CalendarSender) Channel() domain.Channel { return domain.ChannelCalendar }

func (s *CalendarSender) Send(ctx context.Context, d Delivery) error {
	if d.Owner.Email == "" {
		return errNoRecipient
	}
	return s.mailer.Send(ctx, Message{
		From:    s.from,
		To:      []string{d.Owner.Email},
		Subject: "Invitation: " + d.Reminder.Title,
		Body:    reminderBody(d.Reminder),
		Attachments: []Attachment{{
			Filename:    "invite.ics",
			ContentType: "text/calendar; charset=utf-8; method=REQUEST",
			Content:     RenderEvent(d.Reminder, s.from, d.At),
		}},
	})
}

func reminderBody(r domain.Reminder) string {
	if r.Body != "" {
		return r.Body
	}
	return fmt.Sprintf("Reminder: %s. Due at %s", r.Title, r.DueAt.UTC().Format(time.RFC3339))
}

const icsTime = "20060102T150405Z"

// RenderEvent renders r as a single-event iCalendar object. The event UID is
// derived from the delivery key so re-sent invites update the same event.
func RenderEvent(r domain.Reminder, organizer string, stamp time.Time) []byte {
	var b strings.Builder
	line := func(s string) {
		b.WriteString(s)
		b.WriteString("\r\n")
	}

	line("BEGIN:VCALENDAR")
	line("VERSION:2.0")
	line("PRODID:-//recall//reminders//EN")
	line("METHOD:REQUEST")
	line("BEGIN:VEVENT")
	line("UID:" + icsEscape(r.OwnerID+"/"+r.DeliveryKey()) + "@recall")
	line("DTSTAMP:" + stamp.UTC().Format(icsTime))
	line("DTSTART:" + r.DueAt.UTC().Format(icsTime))
	line("DTEND:" + r.DueAt.UTC().Add(30*time.Minute).Format(icsTime))
	line("SUMMARY:" + icsEscape(r.Title))
	line("DESCRIPTION:" + icsEscape(reminderBody(r)))
	if organizer != "" {
		line("ORGANIZER:mailto:" + organizer)
	}
	line("END:VEVENT")
	line("END:VCALENDAR")
	return []byte(b.String())
}

var icsEscaper = strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\r\n", `\n`, "\n", `\n`)

func icsEscape(s string) string {
	return icsEscaper.Replace(s)
}

// LogAlerter reports dead-lettered reminders as error logs.
type LogAlerter struct {
	log *slog.Logger
}

func NewLogAlerter(log *slog.Logger) *LogAlerter {
	return &LogAlerter{log: log}
}

func (a *LogAlerter) DeadLettered(ctx context.Context, r domain.Reminder) {
	a.log.ErrorContext(ctx, "ALERT reminder dead-lettered",
		"reminder_id", r.ID,
		"owner_id", r.OwnerID,
		"attempts", r.AttemptCount,
		"last_error", r.LastError,
	)
}
