package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/recall/internal/domain"
)

const reminderColumns = `id, owner_id, application_id, activity_id, title, body, due_at, channels, dedupe_key,
	sent, sent_at, attempt_count, last_attempt_at, last_error, next_attempt_at, dead_lettered_at, version`

// ReminderCursor marks the position after the last reminder of a page.
type ReminderCursor struct {
	DueAt time.Time
	ID    string
}

// IsZero reports whether c is the start position.
func (c ReminderCursor) IsZero() bool {
	return c.ID == ""
}

func encodeChannels(channels []domain.Channel) string {
	parts := make([]string, len(channels))
	for i, c := range channels {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func decodeChannels(s string) []domain.Channel {
	var channels []domain.Channel
	for _, part := range strings.Split(s, ",") {
		if c, err := domain.ParseChannel(part); err == nil {
			channels = append(channels, c)
		}
	}
	return domain.NormalizeChannels(channels)
}

func scanReminder(row rowScanner) (domain.Reminder, error) {
	var (
		r             domain.Reminder
		dueAt         int64
		channels      string
		dedupeKey     sql.NullString
		sentAt        sql.NullInt64
		lastAttemptAt sql.NullInt64
		nextAttemptAt sql.NullInt64
		deadLettered  sql.NullInt64
	)
	if err := row.Scan(
		&r.ID,
		&r.OwnerID,
		&r.ApplicationID,
		&r.ActivityID,
		&r.Title,
		&r.Body,
		&dueAt,
		&channels,
		&dedupeKey,
		&r.Sent,
		&sentAt,
		&r.AttemptCount,
		&lastAttemptAt,
		&r.LastError,
		&nextAttemptAt,
		&deadLettered,
		&r.Version,
	); err != nil {
		return domain.Reminder{}, err
	}
	r.DueAt = fromNanos(dueAt)
	r.Channels = decodeChannels(channels)
	r.DedupeKey = dedupeKey.String
	r.SentAt = timePtr(sentAt)
	r.LastAttemptAt = timePtr(lastAttemptAt)
	r.NextAttemptAt = timePtr(nextAttemptAt)
	r.DeadLetteredAt = timePtr(deadLettered)
	return r, nil
}

// CreateReminder stores a new unsent reminder. An empty ID is filled with a
// random UUID. A dedupe key already used by the same owner yields
// domain.ErrDuplicate.
func (db *DB) CreateReminder(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Channels = domain.NormalizeChannels(r.Channels)
	r.DueAt = r.DueAt.UTC()
	r.Version = 1

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO reminders (id, owner_id, application_id, activity_id, title, body, due_at, channels, dedupe_key, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`,
		r.ID,
		r.OwnerID,
		r.ApplicationID,
		r.ActivityID,
		r.Title,
		r.Body,
		toNanos(r.DueAt),
		encodeChannels(r.Channels),
		nullString(r.DedupeKey),
	)
	if err != nil {
		if isConstraintError(err) {
			return domain.Reminder{}, fmt.Errorf("reminder %s for owner %s: %w", r.ID, r.OwnerID, domain.ErrDuplicate)
		}
		return domain.Reminder{}, fmt.Errorf("failed to insert reminder %s: %w", r.ID, err)
	}
	return r, nil
}

// GetReminder returns the reminder with the given id.
func (db *DB) GetReminder(ctx context.Context, id string) (domain.Reminder, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reminder{}, fmt.Errorf("reminder %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("failed to get reminder %s: %w", id, err)
	}
	return r, nil
}

// ListDueReminders returns up to limit unsent, live reminders whose due time
// and retry time have passed at now, oldest due first, starting after the
// cursor.
func (db *DB) ListDueReminders(ctx context.Context, now time.Time, after ReminderCursor, limit int) ([]domain.Reminder, error) {
	const base = `SELECT ` + reminderColumns + ` FROM reminders
		WHERE sent = 0 AND dead_lettered_at IS NULL AND due_at <= ?
		AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`

	n := toNanos(now)
	var (
		rows *sql.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = db.conn.QueryContext(ctx, base+` ORDER BY due_at, id LIMIT ?`, n, n, limit)
	} else {
		at := toNanos(after.DueAt)
		rows, err = db.conn.QueryContext(ctx,
			base+` AND (due_at > ? OR (due_at = ? AND id > ?)) ORDER BY due_at, id LIMIT ?`,
			n, n, at, at, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list due reminders: %w", err)
	}
	defer rows.Close()

	var reminders []domain.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder row: %w", err)
		}
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reminder rows: %w", err)
	}
	return reminders, nil
}

// SaveDispatch writes the dispatch bookkeeping of r if the stored version
// still equals expectedVersion, and returns r at its new version.
func (db *DB) SaveDispatch(ctx context.Context, r domain.Reminder, expectedVersion int64) (domain.Reminder, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE reminders
		SET sent = ?, sent_at = ?, attempt_count = ?, last_attempt_at = ?, last_error = ?,
		    next_attempt_at = ?, dead_lettered_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		r.Sent,
		nullNanos(r.SentAt),
		r.AttemptCount,
		nullNanos(r.LastAttemptAt),
		r.LastError,
		nullNanos(r.NextAttemptAt),
		nullNanos(r.DeadLetteredAt),
		r.ID,
		expectedVersion,
	)
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("failed to update reminder %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("failed to update reminder %s: %w", r.ID, err)
	}
	if n == 0 {
		return domain.Reminder{}, db.versionMiss(ctx, "reminders", r.ID)
	}

	r.Version = expectedVersion + 1
	return r, nil
}

// CountDeadLettered counts reminders that exhausted their retries.
func (db *DB) CountDeadLettered(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminders WHERE dead_lettered_at IS NOT NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead-lettered reminders: %w", err)
	}
	return n, nil
}

// ReminderFilter narrows ListReminders. Zero fields do not filter.
type ReminderFilter struct {
	OwnerID   string
	DueBefore *time.Time
	DueAfter  *time.Time
	Sent      *bool
	Limit     int
}

// ListReminders returns an owner's reminders ordered by due time.
func (db *DB) ListReminders(ctx context.Context, f ReminderFilter) ([]domain.Reminder, error) {
	var (
		where = []string{"owner_id = ?"}
		args  = []any{f.OwnerID}
	)
	if f.DueBefore != nil {
		where = append(where, "due_at <= ?")
		args = append(args, toNanos(*f.DueBefore))
	}
	if f.DueAfter != nil {
		where = append(where, "due_at >= ?")
		args = append(args, toNanos(*f.DueAfter))
	}
	if f.Sent != nil {
		where = append(where, "sent = ?")
		args = append(args, *f.Sent)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, `SELECT `+reminderColumns+` FROM reminders
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY due_at, id
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders for owner %s: %w", f.OwnerID, err)
	}
	defer rows.Close()

	var reminders []domain.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder row: %w", err)
		}
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reminder rows: %w", err)
	}
	return reminders, nil
}

// UpdateReminder rewrites the title, body, due time and channels of r if the
// stored version still equals expectedVersion. A pending retry time is
// cleared so a rescheduled reminder is picked up at its new due time.
func (db *DB) UpdateReminder(ctx context.Context, r domain.Reminder, expectedVersion int64) (domain.Reminder, error) {
	r.Channels = domain.NormalizeChannels(r.Channels)
	r.DueAt = r.DueAt.UTC()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE reminders
		SET title = ?, body = ?, due_at = ?, channels = ?, next_attempt_at = NULL, version = version + 1
		WHERE id = ? AND version = ?
	`,
		r.Title,
		r.Body,
		toNanos(r.DueAt),
		encodeChannels(r.Channels),
		r.ID,
		expectedVersion,
	)
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("failed to update reminder %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("failed to update reminder %s: %w", r.ID, err)
	}
	if n == 0 {
		return domain.Reminder{}, db.versionMiss(ctx, "reminders", r.ID)
	}
	return db.GetReminder(ctx, r.ID)
}

// DeleteReminder removes the reminder if its stored version equals
// expectedVersion.
func (db *DB) DeleteReminder(ctx context.Context, id string, expectedVersion int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM reminders WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete reminder %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete reminder %s: %w", id, err)
	}
	if n == 0 {
		return db.versionMiss(ctx, "reminders", id)
	}
	return nil
}
