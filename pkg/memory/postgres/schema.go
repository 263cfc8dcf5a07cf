// Package postgres keeps the turn log and the user mood table in PostgreSQL.
//
// [Store] implements [memory.TurnStore]; [Store.Moods] reads the mood a user
// logged in with. Both run on one [pgxpool.Pool], and [Migrate] is idempotent
// so it runs on every start.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id          UUID         PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    kind        TEXT         NOT NULL,
    transcript  TEXT         NOT NULL DEFAULT '',
    response    TEXT         NOT NULL DEFAULT '',
    mood        TEXT         NOT NULL DEFAULT '',
    first_seq   BIGINT       NOT NULL DEFAULT 0,
    last_seq    BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turns_session_created
    ON turns (session_id, created_at);
`

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id            BIGSERIAL    PRIMARY KEY,
    username      TEXT         NOT NULL DEFAULT '',
    session_id    TEXT         NOT NULL,
    initial_mood  TEXT         NOT NULL DEFAULT '',
    login_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_users_session_login
    ON users (session_id, login_at DESC);

CREATE INDEX IF NOT EXISTS idx_users_login
    ON users (login_at DESC);
`

var migrations = []struct{ name, ddl string }{
	{"turns", ddlTurns},
	{"users", ddlUsers},
}

// Migrate creates the tables and indexes that do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m.ddl); err != nil {
			return fmt.Errorf("postgres: migrate %s: %w", m.name, err)
		}
	}
	return nil
}
