// Package postgres implements the PostgreSQL item store for SkyDeck Review Hub.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator handles database migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a new migrator with embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	return nil
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	query := fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName)

	rows, err := m.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time

		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}

		applied[version] = appliedAt
	}

	return applied, rows.Err()
}

// Migrate applies all pending migrations.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, isApplied := applied[mig.Version]; isApplied {
			continue
		}

		if mig.UpSQL == "" {
			return fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}

			insertQuery := fmt.Sprintf(
				"INSERT INTO %s (version, name) VALUES ($1, $2)",
				m.tableName,
			)
			_, err := tx.Exec(ctx, insertQuery, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
	}

	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE CARDS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create cards table
-- Version: 001

CREATE TABLE IF NOT EXISTS cards (
    id VARCHAR(100) PRIMARY KEY,
    category VARCHAR(100) NOT NULL,
    sub_category VARCHAR(100) NOT NULL DEFAULT '',
    regulation VARCHAR(10) NOT NULL DEFAULT '',
    difficulty SMALLINT NOT NULL DEFAULT 1,
    question TEXT NOT NULL,
    answers JSONB NOT NULL DEFAULT '[]'::jsonb,
    explanation TEXT NOT NULL DEFAULT '',
    image_url TEXT NOT NULL DEFAULT '',
    revision INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_regulation CHECK (regulation IN ('', 'DS301', 'DV301', 'both')),
    CONSTRAINT valid_difficulty CHECK (difficulty BETWEEN 1 AND 3)
);

CREATE INDEX IF NOT EXISTS idx_cards_category ON cards(category);
CREATE INDEX IF NOT EXISTS idx_cards_category_sub ON cards(category, sub_category);
CREATE INDEX IF NOT EXISTS idx_cards_regulation ON cards(regulation) WHERE regulation != '';
`

const migration001Down = `
DROP TABLE IF EXISTS cards;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CREATE REVIEW STATES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Migration: Create review states table
-- Version: 002

CREATE TABLE IF NOT EXISTS review_states (
    user_id VARCHAR(100) NOT NULL,
    card_id VARCHAR(100) NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
    box SMALLINT NOT NULL DEFAULT 1,
    streak INTEGER NOT NULL DEFAULT 0,
    correct_count INTEGER NOT NULL DEFAULT 0,
    incorrect_count INTEGER NOT NULL DEFAULT 0,
    last_score SMALLINT NOT NULL DEFAULT 0,
    last_reviewed_at TIMESTAMP WITH TIME ZONE NOT NULL,
    next_review_at TIMESTAMP WITH TIME ZONE NOT NULL,
    repetition_count INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (user_id, card_id),

    CONSTRAINT valid_box CHECK (box BETWEEN 1 AND 5),
    CONSTRAINT valid_last_score CHECK (last_score BETWEEN 0 AND 5)
);

-- Composite index for due queries: "everything ripe for this user, oldest first"
CREATE INDEX IF NOT EXISTS idx_review_states_due ON review_states(user_id, next_review_at);
CREATE INDEX IF NOT EXISTS idx_review_states_box ON review_states(user_id, box);
`

const migration002Down = `
DROP TABLE IF EXISTS review_states;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: CREATE USER STATS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
-- Migration: Create user stats table
-- Version: 003

CREATE TABLE IF NOT EXISTS user_stats (
    user_id VARCHAR(100) PRIMARY KEY,
    total_xp INTEGER NOT NULL DEFAULT 0,
    correct_total INTEGER NOT NULL DEFAULT 0,
    incorrect_total INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_total_xp CHECK (total_xp >= 0)
);
`

const migration003Down = `
DROP TABLE IF EXISTS user_stats;
`

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_cards",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_review_states",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
		{
			Version: 3,
			Name:    "create_user_stats",
			UpSQL:   migration003Up,
			DownSQL: migration003Down,
		},
	}
}
