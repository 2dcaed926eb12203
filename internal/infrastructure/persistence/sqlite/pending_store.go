// Package sqlite implements the durable pending-answer store on a local
// SQLite file. Pending answers survive process restarts here until they
// are confirmed by the item store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/review"

	_ "modernc.org/sqlite" // Registers the sqlite driver
)

const schema = `
-- Answer updates that have not yet been confirmed by the item store.
CREATE TABLE IF NOT EXISTS pending_actions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    card_id TEXT NOT NULL,
    score INTEGER NOT NULL,
    submitted_at DATETIME NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_pending_actions_submitted ON pending_actions(submitted_at);

-- IDs of updates already applied to the item store. Replaying an ID
-- present here is a no-op, which keeps counters and XP from doubling.
CREATE TABLE IF NOT EXISTS applied_actions (
    id TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL
);
`

// PendingStore implements review.PendingStore on SQLite.
type PendingStore struct {
	conn *sql.DB
}

// Open creates the store and ensures the schema is up to date.
func Open(dsn string) (*PendingStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pending store: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to pending store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply pending store schema: %w", err)
	}

	return &PendingStore{conn: db}, nil
}

// Close closes the database connection.
func (s *PendingStore) Close() error {
	return s.conn.Close()
}

// AppendPendingAction saves a buffered answer update.
// Re-appending the same ID overwrites the row, bumping attempts.
func (s *PendingStore) AppendPendingAction(ctx context.Context, update review.PendingUpdate) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO pending_actions (id, user_id, card_id, score, submitted_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET attempts = excluded.attempts
	`,
		update.ID,
		string(update.UserID),
		string(update.CardID),
		int(update.Score),
		update.SubmittedAt.UTC(),
		update.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to append pending action %s: %w", update.ID, err)
	}
	return nil
}

// ListPendingActions returns all pending updates in submission order.
func (s *PendingStore) ListPendingActions(ctx context.Context) ([]review.PendingUpdate, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, user_id, card_id, score, submitted_at, attempts
		FROM pending_actions
		ORDER BY submitted_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	defer rows.Close()

	var updates []review.PendingUpdate
	for rows.Next() {
		var (
			u      review.PendingUpdate
			userID string
			cardID string
			score  int
			subAt  time.Time
		)
		if err := rows.Scan(&u.ID, &userID, &cardID, &score, &subAt, &u.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan pending action: %w", err)
		}
		u.UserID = review.UserID(userID)
		u.CardID = card.ID(cardID)
		u.Score = review.Score(score)
		u.SubmittedAt = subAt
		updates = append(updates, u)
	}

	return updates, rows.Err()
}

// RemovePendingAction deletes a single update after it was applied.
// Removing an already removed ID is not an error.
func (s *PendingStore) RemovePendingAction(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove pending action %s: %w", id, err)
	}
	return nil
}

// MarkApplied records that the update was applied to the item store.
func (s *PendingStore) MarkApplied(ctx context.Context, id string, appliedAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO applied_actions (id, applied_at)
		VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, appliedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark action %s applied: %w", id, err)
	}
	return nil
}

// WasApplied reports whether the update was applied before.
func (s *PendingStore) WasApplied(ctx context.Context, id string) (bool, error) {
	var found int
	err := s.conn.QueryRowContext(ctx,
		`SELECT 1 FROM applied_actions WHERE id = ?`, id,
	).Scan(&found)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check applied action %s: %w", id, err)
	}
	return true, nil
}

// PruneApplied drops applied markers older than the cutoff. The applied
// set only needs to cover the replay horizon, not the full history.
func (s *PendingStore) PruneApplied(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM applied_actions WHERE applied_at < ?`, olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune applied actions: %w", err)
	}
	return res.RowsAffected()
}

// Len returns the number of pending updates.
func (s *PendingStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return n, nil
}
