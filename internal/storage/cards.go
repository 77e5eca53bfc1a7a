package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/recall/internal/domain"
)

const cardColumns = `id, question, answer, context, source_id, bin, incorrect_count, next_review_at, last_reviewed_at, version`

// CardCursor marks the position after the last card of a page. The zero
// value starts at the beginning.
type CardCursor struct {
	NextReviewAt time.Time
	ID           string
}

// IsZero reports whether c is the start position.
func (c CardCursor) IsZero() bool {
	return c.ID == ""
}

func scanCard(row rowScanner) (domain.Card, error) {
	var (
		c          domain.Card
		sourceID   sql.NullInt64
		nextReview int64
		lastReview sql.NullInt64
	)
	if err := row.Scan(
		&c.ID,
		&c.Question,
		&c.Answer,
		&c.Context,
		&sourceID,
		&c.Bin,
		&c.IncorrectCount,
		&nextReview,
		&lastReview,
		&c.Version,
	); err != nil {
		return domain.Card{}, err
	}
	c.SourceID = sourceID.Int64
	c.NextReviewAt = fromNanos(nextReview)
	c.LastReviewedAt = timePtr(lastReview)
	return c, nil
}

func scanCards(rows *sql.Rows) ([]domain.Card, error) {
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate card rows: %w", err)
	}
	return cards, nil
}

// InsertCard stores a new card at version 1.
func (db *DB) InsertCard(ctx context.Context, card domain.Card) error {
	var sourceID sql.NullInt64
	if card.SourceID != 0 {
		sourceID = sql.NullInt64{Int64: card.SourceID, Valid: true}
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO cards (id, question, answer, context, source_id, bin, incorrect_count, next_review_at, last_reviewed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`,
		card.ID,
		card.Question,
		card.Answer,
		card.Context,
		sourceID,
		card.Bin,
		card.IncorrectCount,
		toNanos(card.NextReviewAt),
		nullNanos(card.LastReviewedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("card %s: %w", card.ID, domain.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert card %s: %w", card.ID, err)
	}
	return nil
}

// GetCard returns the card with the given id.
func (db *DB) GetCard(ctx context.Context, id string) (domain.Card, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Card{}, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Card{}, fmt.Errorf("failed to get card %s: %w", id, err)
	}
	return c, nil
}

// UpdateCardReview writes the review state of card if the stored version
// still equals expectedVersion, and returns the card at its new version.
func (db *DB) UpdateCardReview(ctx context.Context, card domain.Card, expectedVersion int64) (domain.Card, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE cards
		SET bin = ?, incorrect_count = ?, next_review_at = ?, last_reviewed_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		card.Bin,
		card.IncorrectCount,
		toNanos(card.NextReviewAt),
		nullNanos(card.LastReviewedAt),
		card.ID,
		expectedVersion,
	)
	if err != nil {
		return domain.Card{}, fmt.Errorf("failed to update card %s: %w", card.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Card{}, fmt.Errorf("failed to update card %s: %w", card.ID, err)
	}
	if n == 0 {
		return domain.Card{}, db.versionMiss(ctx, "cards", card.ID)
	}

	card.Version = expectedVersion + 1
	return card, nil
}

// ListDueCards returns up to limit cards due at now, ordered by
// next_review_at then id, starting after the cursor.
func (db *DB) ListDueCards(ctx context.Context, now time.Time, after CardCursor, limit int) ([]domain.Card, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT `+cardColumns+` FROM cards
			WHERE next_review_at <= ?
			ORDER BY next_review_at, id
			LIMIT ?
		`, toNanos(now), limit)
	} else {
		at := toNanos(after.NextReviewAt)
		rows, err = db.conn.QueryContext(ctx, `
			SELECT `+cardColumns+` FROM cards
			WHERE next_review_at <= ? AND (next_review_at > ? OR (next_review_at = ? AND id > ?))
			ORDER BY next_review_at, id
			LIMIT ?
		`, toNanos(now), at, at, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list due cards: %w", err)
	}
	return scanCards(rows)
}

// CountDueCards counts the cards due at now.
func (db *DB) CountDueCards(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards WHERE next_review_at <= ?`, toNanos(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count due cards: %w", err)
	}
	return n, nil
}

// CardStats returns the number of cards and the earliest next_review_at.
// earliest is nil when there are no cards.
func (db *DB) CardStats(ctx context.Context) (total int, earliest *time.Time, err error) {
	var first sql.NullInt64
	err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*), MIN(next_review_at) FROM cards`).Scan(&total, &first)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read card stats: %w", err)
	}
	return total, timePtr(first), nil
}

// GetCardsBySourceID retrieves all cards associated with a specific source ID.
func (db *DB) GetCardsBySourceID(ctx context.Context, sourceID int64) ([]domain.Card, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cards for source ID %d: %w", sourceID, err)
	}
	return scanCards(rows)
}

// DeleteCard removes a card from the database by its id.
func (db *DB) DeleteCard(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete card %s: %w", id, err)
	}
	return nil
}
