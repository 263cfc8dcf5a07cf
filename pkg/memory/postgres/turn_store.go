package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/cadence/pkg/memory"
)

// AppendTurn implements [memory.TurnStore]. A turn without an ID gets a
// fresh UUID; a zero CreatedAt defers to the database clock.
func (s *Store) AppendTurn(ctx context.Context, t memory.Turn) error {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	var createdAt any
	if !t.CreatedAt.IsZero() {
		createdAt = t.CreatedAt
	}

	const q = `
		INSERT INTO turns
		    (id, session_id, created_at, kind, transcript, response, mood, first_seq, last_seq)
		VALUES ($1, $2, COALESCE($3, now()), $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, q,
		id,
		t.SessionID,
		createdAt,
		string(t.Kind),
		t.Transcript,
		t.Response,
		t.Mood,
		int64(t.FirstSeq),
		int64(t.LastSeq),
	)
	if err != nil {
		return fmt.Errorf("postgres turns: append: %w", err)
	}
	return nil
}

// RecentTurns implements [memory.TurnStore].
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	q := `
		SELECT id::text, session_id, created_at, kind, transcript, response, mood, first_seq, last_seq
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY created_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres turns: recent: %w", err)
	}
	turns, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return nil, fmt.Errorf("postgres turns: recent scan: %w", err)
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	slices.Reverse(turns)
	return turns, nil
}

func scanTurn(row pgx.CollectableRow) (memory.Turn, error) {
	var (
		t              memory.Turn
		kind           string
		first, lastSeq int64
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.CreatedAt, &kind, &t.Transcript, &t.Response, &t.Mood, &first, &lastSeq)
	t.Kind = memory.TurnKind(kind)
	t.FirstSeq = uint64(first)
	t.LastSeq = uint64(lastSeq)
	return t, err
}
