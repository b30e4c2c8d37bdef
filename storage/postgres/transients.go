// Package pgstore provides Postgres implementations of the ephemeral store and user repository.
//
// Both run on a *pgxpool.Pool. The schema is created by package pgmigrations.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the part of *pgxpool.Pool the stores use.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Transients is a core.EphemeralStore backed by the oauthlogin.transients table.
// Expired rows are invisible to reads; PurgeExpired removes them in batches.
type Transients struct {
	db  DB
	now func() time.Time
}

func NewTransients(db DB) *Transients {
	return &Transients{db: db, now: time.Now}
}

// WithClock replaces the time source used for expiry checks.
func (t *Transients) WithClock(now func() time.Time) *Transients {
	t.now = now
	return t
}

func (t *Transients) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := t.db.QueryRow(ctx,
		`SELECT value FROM oauthlogin.transients WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, t.now().UTC()).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get transient: %w", err)
	}
	return v, true, nil
}

func (t *Transients) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp *time.Time
	if ttl > 0 {
		at := t.now().UTC().Add(ttl)
		exp = &at
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO oauthlogin.transients (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at`,
		key, value, exp)
	if err != nil {
		return fmt.Errorf("set transient: %w", err)
	}
	return nil
}

func (t *Transients) Del(ctx context.Context, key string) error {
	if _, err := t.db.Exec(ctx, `DELETE FROM oauthlogin.transients WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete transient: %w", err)
	}
	return nil
}

// TakeOnce deletes the row and returns its value in one statement. Row locking makes concurrent
// callers serialize on the DELETE, so only one of them gets a row back. An expired row is
// removed but reported as absent.
func (t *Transients) TakeOnce(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		v   []byte
		exp *time.Time
	)
	err := t.db.QueryRow(ctx,
		`DELETE FROM oauthlogin.transients WHERE key = $1 RETURNING value, expires_at`, key).Scan(&v, &exp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("take transient: %w", err)
	}
	if exp != nil && !t.now().Before(*exp) {
		return nil, false, nil
	}
	return v, true, nil
}

// PurgeExpired deletes at most limit rows that expired at or before before.
func (t *Transients) PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	tag, err := t.db.Exec(ctx, `
		DELETE FROM oauthlogin.transients
		WHERE key IN (
			SELECT key FROM oauthlogin.transients
			WHERE expires_at IS NOT NULL AND expires_at <= $1
			LIMIT $2
		)`, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("purge transients: %w", err)
	}
	return tag.RowsAffected(), nil
}
