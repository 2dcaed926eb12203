package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/review"
)

// ItemStore implements review.ItemStore for PostgreSQL.
type ItemStore struct {
	conn *Connection
}

// NewItemStore creates a new ItemStore.
func NewItemStore(conn *Connection) *ItemStore {
	return &ItemStore{conn: conn}
}

// cardColumns is the column list shared by all card-returning queries.
const cardColumns = `c.id, c.category, c.sub_category, c.regulation, c.difficulty,
	c.question, c.answers, c.explanation, c.image_url, c.revision`

// stateColumns is the column list shared by all state-returning queries.
const stateColumns = `rs.box, rs.streak, rs.correct_count, rs.incorrect_count,
	rs.last_score, rs.last_reviewed_at, rs.next_review_at, rs.repetition_count`

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// FetchDueReviewStates returns states with next_review_at <= now joined with
// their cards, oldest first.
func (r *ItemStore) FetchDueReviewStates(ctx context.Context, userID review.UserID, filters card.Filters) ([]review.DueCard, error) {
	args := []interface{}{string(userID)}
	where := []string{"rs.user_id = $1", "rs.next_review_at <= NOW()"}
	where = appendFilterClauses(where, &args, filters)

	query := fmt.Sprintf(`
		SELECT %s, %s
		FROM review_states rs
		JOIN cards c ON c.id = rs.card_id
		WHERE %s
		ORDER BY rs.next_review_at ASC, rs.card_id ASC
	`, cardColumns, stateColumns, strings.Join(where, " AND "))

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due review states: %w", err)
	}
	defer rows.Close()

	return scanDueCards(rows, userID)
}

// FetchNewCards returns up to limit cards matching the filters that the user
// has never answered, excluding the given IDs. The anti-join keeps
// already-reviewed cards out even when they are not due yet; the exclusion
// list covers cards already picked into the session.
func (r *ItemStore) FetchNewCards(ctx context.Context, userID review.UserID, filters card.Filters, excluded []card.ID, limit int) ([]card.Card, error) {
	args := []interface{}{}
	where := []string{}
	where = appendFilterClauses(where, &args, filters)

	args = append(args, string(userID))
	where = append(where, fmt.Sprintf(
		"NOT EXISTS (SELECT 1 FROM review_states rs WHERE rs.card_id = c.id AND rs.user_id = $%d)",
		len(args),
	))

	if len(excluded) > 0 {
		ids := make([]string, len(excluded))
		for i, id := range excluded {
			ids[i] = string(id)
		}
		args = append(args, ids)
		where = append(where, fmt.Sprintf("NOT (c.id = ANY($%d))", len(args)))
	}

	whereSQL := "TRUE"
	if len(where) > 0 {
		whereSQL = strings.Join(where, " AND ")
	}

	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT %s
		FROM cards c
		WHERE %s
		ORDER BY c.created_at ASC
		LIMIT $%d
	`, cardColumns, whereSQL, len(args))

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query new cards: %w", err)
	}
	defer rows.Close()

	return scanCards(rows)
}

// FetchCardsByBox returns all states in the given box with their cards.
// Truncation to batch size is the composer's job.
func (r *ItemStore) FetchCardsByBox(ctx context.Context, userID review.UserID, box review.Box, filters card.Filters) ([]review.DueCard, error) {
	args := []interface{}{string(userID), int(box)}
	where := []string{"rs.user_id = $1", "rs.box = $2"}
	where = appendFilterClauses(where, &args, filters)

	query := fmt.Sprintf(`
		SELECT %s, %s
		FROM review_states rs
		JOIN cards c ON c.id = rs.card_id
		WHERE %s
		ORDER BY rs.next_review_at ASC, rs.card_id ASC
	`, cardColumns, stateColumns, strings.Join(where, " AND "))

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards by box: %w", err)
	}
	defer rows.Close()

	return scanDueCards(rows, userID)
}

// FetchPracticeCards returns up to limit cards ignoring review states.
// Random order keeps repeated practice sessions from looking identical.
func (r *ItemStore) FetchPracticeCards(ctx context.Context, filters card.Filters, limit int) ([]card.Card, error) {
	args := []interface{}{}
	where := []string{}
	where = appendFilterClauses(where, &args, filters)

	whereSQL := "TRUE"
	if len(where) > 0 {
		whereSQL = strings.Join(where, " AND ")
	}

	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT %s
		FROM cards c
		WHERE %s
		ORDER BY random()
		LIMIT $%d
	`, cardColumns, whereSQL, len(args))

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query practice cards: %w", err)
	}
	defer rows.Close()

	return scanCards(rows)
}

// GetReviewState returns the current review state for the card, or (nil, nil)
// if the card has never been answered.
func (r *ItemStore) GetReviewState(ctx context.Context, userID review.UserID, cardID card.ID) (*review.State, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM review_states rs
		WHERE rs.user_id = $1 AND rs.card_id = $2
	`, stateColumns)

	state := review.State{
		UserID: userID,
		CardID: cardID,
	}

	err := r.conn.QueryRow(ctx, query, string(userID), string(cardID)).Scan(
		&state.Box,
		&state.Streak,
		&state.CorrectCount,
		&state.IncorrectCount,
		&state.LastScore,
		&state.LastReviewedAt,
		&state.NextReviewAt,
		&state.RepetitionCount,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get review state: %w", err)
	}

	return &state, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITES
// ══════════════════════════════════════════════════════════════════════════════

// UpsertReviewState atomically persists a review state.
func (r *ItemStore) UpsertReviewState(ctx context.Context, state review.State) (review.State, error) {
	query := `
		INSERT INTO review_states (
			user_id, card_id, box, streak, correct_count, incorrect_count,
			last_score, last_reviewed_at, next_review_at, repetition_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (user_id, card_id) DO UPDATE SET
			box = EXCLUDED.box,
			streak = EXCLUDED.streak,
			correct_count = EXCLUDED.correct_count,
			incorrect_count = EXCLUDED.incorrect_count,
			last_score = EXCLUDED.last_score,
			last_reviewed_at = EXCLUDED.last_reviewed_at,
			next_review_at = EXCLUDED.next_review_at,
			repetition_count = EXCLUDED.repetition_count,
			updated_at = NOW()
		RETURNING box, streak, correct_count, incorrect_count,
			last_score, last_reviewed_at, next_review_at, repetition_count
	`

	saved := review.State{
		UserID: state.UserID,
		CardID: state.CardID,
	}

	err := r.conn.QueryRow(ctx, query,
		string(state.UserID),
		string(state.CardID),
		int(state.Box),
		state.Streak,
		state.CorrectCount,
		state.IncorrectCount,
		int(state.LastScore),
		state.LastReviewedAt,
		state.NextReviewAt,
		state.RepetitionCount,
	).Scan(
		&saved.Box,
		&saved.Streak,
		&saved.CorrectCount,
		&saved.IncorrectCount,
		&saved.LastScore,
		&saved.LastReviewedAt,
		&saved.NextReviewAt,
		&saved.RepetitionCount,
	)
	if err != nil {
		return review.State{}, fmt.Errorf("failed to upsert review state: %w", err)
	}

	return saved, nil
}

// UpsertUserStats adds XP and bumps the correct/incorrect counters.
func (r *ItemStore) UpsertUserStats(ctx context.Context, userID review.UserID, xpDelta int, correct bool) error {
	correctInc := 0
	incorrectInc := 0
	if correct {
		correctInc = 1
	} else {
		incorrectInc = 1
	}

	query := `
		INSERT INTO user_stats (user_id, total_xp, correct_total, incorrect_total, updated_at)
		VALUES ($1, GREATEST(0, $2), $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			total_xp = GREATEST(0, user_stats.total_xp + $2),
			correct_total = user_stats.correct_total + $3,
			incorrect_total = user_stats.incorrect_total + $4,
			updated_at = NOW()
	`

	if _, err := r.conn.Exec(ctx, query, string(userID), xpDelta, correctInc, incorrectInc); err != nil {
		return fmt.Errorf("failed to upsert user stats: %w", err)
	}

	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SCAN HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// appendFilterClauses translates card filters into WHERE conditions.
// The regulation clause mirrors card.Regulation.MatchesFilter: a specific
// filter also passes "both" and untagged cards.
func appendFilterClauses(where []string, args *[]interface{}, filters card.Filters) []string {
	if filters.Category != "" {
		*args = append(*args, string(filters.Category))
		where = append(where, fmt.Sprintf("c.category = $%d", len(*args)))
	}

	if subs := filters.EffectiveSubCategories(); len(subs) > 0 {
		lowered := make([]string, len(subs))
		for i, s := range subs {
			lowered[i] = strings.ToLower(s)
		}
		*args = append(*args, lowered)
		where = append(where, fmt.Sprintf("LOWER(c.sub_category) = ANY($%d)", len(*args)))
	}

	if filters.Regulation != card.RegulationUnset {
		*args = append(*args, string(filters.Regulation))
		where = append(where, fmt.Sprintf("(c.regulation = $%d OR c.regulation = 'both' OR c.regulation = '')", len(*args)))
	}

	return where
}

// answerRecord is the JSONB shape of a single answer option.
type answerRecord struct {
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanCard scans the card column block from the current row.
func scanCard(rows rowScanner) (card.Card, error) {
	var c card.Card
	var answersJSON []byte

	err := rows.Scan(
		&c.ID,
		&c.Category,
		&c.SubCategory,
		&c.Regulation,
		&c.Difficulty,
		&c.Content.Question,
		&answersJSON,
		&c.Content.Explanation,
		&c.Content.ImageURL,
		&c.Revision,
	)
	if err != nil {
		return card.Card{}, fmt.Errorf("failed to scan card: %w", err)
	}

	if len(answersJSON) > 0 {
		var records []answerRecord
		if err := json.Unmarshal(answersJSON, &records); err != nil {
			return card.Card{}, fmt.Errorf("failed to decode answers for card %s: %w", c.ID, err)
		}
		c.Content.Answers = make([]card.Answer, len(records))
		for i, rec := range records {
			c.Content.Answers[i] = card.Answer{Text: rec.Text, Correct: rec.Correct}
		}
	}

	return c, nil
}

// scanCards drains rows into cards.
func scanCards(rows rowScanner) ([]card.Card, error) {
	var cards []card.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// scanDueCards drains joined rows into due cards.
func scanDueCards(rows rowScanner, userID review.UserID) ([]review.DueCard, error) {
	var out []review.DueCard
	for rows.Next() {
		var c card.Card
		var answersJSON []byte
		state := review.State{UserID: userID}

		err := rows.Scan(
			&c.ID,
			&c.Category,
			&c.SubCategory,
			&c.Regulation,
			&c.Difficulty,
			&c.Content.Question,
			&answersJSON,
			&c.Content.Explanation,
			&c.Content.ImageURL,
			&c.Revision,
			&state.Box,
			&state.Streak,
			&state.CorrectCount,
			&state.IncorrectCount,
			&state.LastScore,
			&state.LastReviewedAt,
			&state.NextReviewAt,
			&state.RepetitionCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due card: %w", err)
		}

		if len(answersJSON) > 0 {
			var records []answerRecord
			if err := json.Unmarshal(answersJSON, &records); err != nil {
				return nil, fmt.Errorf("failed to decode answers for card %s: %w", c.ID, err)
			}
			c.Content.Answers = make([]card.Answer, len(records))
			for i, rec := range records {
				c.Content.Answers[i] = card.Answer{Text: rec.Text, Correct: rec.Correct}
			}
		}

		state.CardID = c.ID
		out = append(out, review.DueCard{Card: c, State: state})
	}

	return out, rows.Err()
}
