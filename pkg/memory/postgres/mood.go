package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/cadence/pkg/provider/mood"
)

// MoodSource reads the mood a user reported at login from the users table.
// A session without its own row falls back to the most recent login overall,
// which covers single-user deployments where the login flow does not know the
// session ID.
type MoodSource struct {
	pool *pgxpool.Pool
}

// CurrentMood implements [mood.Provider]. It returns "" when no login row
// exists.
func (m *MoodSource) CurrentMood(ctx context.Context, req mood.Request) (string, error) {
	const bySession = `
		SELECT initial_mood FROM users
		WHERE  session_id = $1 AND initial_mood <> ''
		ORDER  BY login_at DESC
		LIMIT  1`
	const latest = `
		SELECT initial_mood FROM users
		WHERE  initial_mood <> ''
		ORDER  BY login_at DESC
		LIMIT  1`

	label, err := m.queryOne(ctx, bySession, req.SessionID)
	if err != nil || label != "" {
		return label, err
	}
	return m.queryOne(ctx, latest)
}

func (m *MoodSource) queryOne(ctx context.Context, q string, args ...any) (string, error) {
	var label string
	err := m.pool.QueryRow(ctx, q, args...).Scan(&label)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres mood: %w", err)
	}
	return label, nil
}

// RecordLogin stores the mood a user reported when opening sessionID.
func (m *MoodSource) RecordLogin(ctx context.Context, username, sessionID, initialMood string) error {
	const q = `INSERT INTO users (username, session_id, initial_mood) VALUES ($1, $2, $3)`
	if _, err := m.pool.Exec(ctx, q, username, sessionID, initialMood); err != nil {
		return fmt.Errorf("postgres mood: record login: %w", err)
	}
	return nil
}
