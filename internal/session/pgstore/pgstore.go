// Package pgstore persists session records in PostgreSQL so that several
// server instances can share sessions.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/unifile/internal/logging"
	"github.com/fruitsalade/unifile/internal/retry"
	"github.com/fruitsalade/unifile/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS unifile_sessions (
	id          TEXT PRIMARY KEY,
	backend     TEXT NOT NULL,
	state       TEXT NOT NULL,
	sealed      BYTEA,
	created_at  TIMESTAMPTZ NOT NULL,
	last_seen   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS unifile_sessions_last_seen ON unifile_sessions (last_seen);
`

// Store implements session.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// New connects to the database and creates the sessions table.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	// the database may still be starting next to us
	cfg := retry.DefaultConfig()
	cfg.OnRetry = func(attempt int, err error) {
		logging.Warn("database not reachable, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	err = retry.Do(ctx, cfg, func() error {
		return retry.Retryable(db.PingContext(ctx))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the sessions table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	logging.Info("running session store migration")
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sessions table: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*session.Record, error) {
	var rec session.Record
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, backend, state, sealed, created_at, last_seen FROM unifile_sessions WHERE id = $1`,
		id).Scan(&rec.ID, &rec.Backend, &state, &rec.Sealed, &rec.CreatedAt, &rec.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	rec.State = session.State(state)
	return &rec, nil
}

func (s *Store) Put(ctx context.Context, rec *session.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unifile_sessions (id, backend, state, sealed, created_at, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   backend = EXCLUDED.backend,
		   state = EXCLUDED.state,
		   sealed = EXCLUDED.sealed,
		   last_seen = EXCLUDED.last_seen`,
		rec.ID, rec.Backend, string(rec.State), rec.Sealed, rec.CreatedAt, rec.LastSeen)
	if err != nil {
		return fmt.Errorf("put session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM unifile_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*session.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, backend, state, sealed, created_at, last_seen FROM unifile_sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Record
	for rows.Next() {
		var rec session.Record
		var state string
		if err := rows.Scan(&rec.ID, &rec.Backend, &state, &rec.Sealed, &rec.CreatedAt, &rec.LastSeen); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.State = session.State(state)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
