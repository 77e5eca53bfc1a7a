package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/conorfennell/recall/internal/domain"
)

// DeliveredChannels returns the channels that already accepted the logical
// reminder identified by (ownerID, deliveryKey). Claimed channels whose send
// has not finished are not included.
func (db *DB) DeliveredChannels(ctx context.Context, ownerID, deliveryKey string) (map[domain.Channel]bool, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT channel FROM deliveries
		WHERE owner_id = ? AND delivery_key = ? AND state = 'delivered'
	`, ownerID, deliveryKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read deliveries for %s/%s: %w", ownerID, deliveryKey, err)
	}
	defer rows.Close()

	delivered := make(map[domain.Channel]bool)
	for rows.Next() {
		var channel string
		if err := rows.Scan(&channel); err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		delivered[domain.Channel(channel)] = true
	}
	return delivered, rows.Err()
}

// ClaimDelivery reserves channel of the logical reminder for one send
// attempt. It reports false when the channel is already delivered or claimed
// by another attempt. A claim taken before staleBefore is considered
// abandoned and may be taken over.
func (db *DB) ClaimDelivery(ctx context.Context, ownerID, deliveryKey string, channel domain.Channel, reminderID string, at, staleBefore time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO deliveries (owner_id, delivery_key, channel, reminder_id, state, claimed_at)
		VALUES (?, ?, ?, ?, 'claimed', ?)
		ON CONFLICT (owner_id, delivery_key, channel) DO UPDATE
		SET reminder_id = excluded.reminder_id, claimed_at = excluded.claimed_at
		WHERE deliveries.state = 'claimed' AND deliveries.claimed_at < ?
	`, ownerID, deliveryKey, string(channel), reminderID, toNanos(at), toNanos(staleBefore))
	if err != nil {
		return false, fmt.Errorf("failed to claim %s delivery for %s/%s: %w", channel, ownerID, deliveryKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s delivery for %s/%s: %w", channel, ownerID, deliveryKey, err)
	}
	return n > 0, nil
}

// CompleteDelivery marks a claimed channel as delivered.
func (db *DB) CompleteDelivery(ctx context.Context, ownerID, deliveryKey string, channel domain.Channel, reminderID string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE deliveries SET state = 'delivered', delivered_at = ?
		WHERE owner_id = ? AND delivery_key = ? AND channel = ? AND reminder_id = ? AND state = 'claimed'
	`, toNanos(at), ownerID, deliveryKey, string(channel), reminderID)
	if err != nil {
		return fmt.Errorf("failed to record %s delivery for %s/%s: %w", channel, ownerID, deliveryKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s delivery for %s/%s is not claimed by reminder %s: %w",
			channel, ownerID, deliveryKey, reminderID, domain.ErrConcurrencyConflict)
	}
	return nil
}

// ReleaseDelivery drops the claim taken at claimedAt after a failed send so a
// later attempt can claim the channel again. Delivered channels and claims
// taken over by another attempt are left alone.
func (db *DB) ReleaseDelivery(ctx context.Context, ownerID, deliveryKey string, channel domain.Channel, reminderID string, claimedAt time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		DELETE FROM deliveries
		WHERE owner_id = ? AND delivery_key = ? AND channel = ? AND reminder_id = ? AND claimed_at = ? AND state = 'claimed'
	`, ownerID, deliveryKey, string(channel), reminderID, toNanos(claimedAt))
	if err != nil {
		return fmt.Errorf("failed to release %s delivery for %s/%s: %w", channel, ownerID, deliveryKey, err)
	}
	return nil
}

// CountDeliveries counts the delivered channels recorded for
// (ownerID, deliveryKey).
func (db *DB) CountDeliveries(ctx context.Context, ownerID, deliveryKey string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deliveries
		WHERE owner_id = ? AND delivery_key = ? AND state = 'delivered'
	`, ownerID, deliveryKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count deliveries for %s/%s: %w", ownerID, deliveryKey, err)
	}
	return n, nil
}
