package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/conorfennell/recall/internal/domain"
)

// UpsertOwner creates or replaces an owner's profile and quiet hours.
func (db *DB) UpsertOwner(ctx context.Context, o domain.Owner) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO owners (id, email, timezone, quiet_start, quiet_end)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			timezone = excluded.timezone,
			quiet_start = excluded.quiet_start,
			quiet_end = excluded.quiet_end
	`, o.ID, o.Email, o.Timezone, o.QuietStart, o.QuietEnd)
	if err != nil {
		return fmt.Errorf("failed to upsert owner %s: %w", o.ID, err)
	}
	return nil
}

// Owner returns the owner with the given id.
func (db *DB) Owner(ctx context.Context, id string) (domain.Owner, error) {
	var o domain.Owner
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, email, timezone, quiet_start, quiet_end FROM owners WHERE id = ?
	`, id).Scan(&o.ID, &o.Email, &o.Timezone, &o.QuietStart, &o.QuietEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Owner{}, fmt.Errorf("owner %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Owner{}, fmt.Errorf("failed to get owner %s: %w", id, err)
	}
	return o, nil
}

// AddInboxItem stores an in-app delivery.
func (db *DB) AddInboxItem(ctx context.Context, item domain.InboxItem) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO inbox (owner_id, reminder_id, title, body, delivered_at)
		VALUES (?, ?, ?, ?, ?)
	`, item.OwnerID, item.ReminderID, item.Title, item.Body, toNanos(item.DeliveredAt))
	if err != nil {
		return fmt.Errorf("failed to add inbox item for reminder %s: %w", item.ReminderID, err)
	}
	return nil
}

// ListInbox returns an owner's in-app deliveries, newest first.
func (db *DB) ListInbox(ctx context.Context, ownerID string, limit int) ([]domain.InboxItem, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, owner_id, reminder_id, title, body, delivered_at
		FROM inbox WHERE owner_id = ?
		ORDER BY delivered_at DESC, id DESC
		LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var items []domain.InboxItem
	for rows.Next() {
		var (
			item domain.InboxItem
			at   int64
		)
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.ReminderID, &item.Title, &item.Body, &at); err != nil {
			return nil, fmt.Errorf("failed to scan inbox row: %w", err)
		}
		item.DeliveredAt = fromNanos(at)
		items = append(items, item)
	}
	return items, rows.Err()
}
