package pgstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/open-rails/oauthlogin/core"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

var (
	_ core.EphemeralStore = (*Transients)(nil)
	_ DB                  = (*pgxpool.Pool)(nil)
)

func ptr[T any](v T) *T { return &v }

func newMockTransients(t *testing.T, now time.Time) (*Transients, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewTransients(mock).WithClock(func() time.Time { return now }), mock
}

func TestTransients_Get(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, mock := newMockTransients(t, now)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM oauthlogin.transients WHERE key = $1")).
		WithArgs("oauth:state:abc", now).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("payload")))
	v, ok, err := store.Get(ctx, "oauth:state:abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "payload", string(v))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM oauthlogin.transients")).
		WithArgs("missing", now).
		WillReturnRows(pgxmock.NewRows([]string{"value"}))
	_, ok, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransients_SetWithAndWithoutTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, mock := newMockTransients(t, now)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO oauthlogin.transients (key, value, expires_at)")).
		WithArgs("k", []byte("v"), ptr(now.Add(time.Minute))).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO oauthlogin.transients (key, value, expires_at)")).
		WithArgs("forever", []byte("v"), (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Set(ctx, "forever", []byte("v"), 0))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransients_TakeOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, mock := newMockTransients(t, now)
	ctx := context.Background()
	take := regexp.QuoteMeta("DELETE FROM oauthlogin.transients WHERE key = $1 RETURNING value, expires_at")

	mock.ExpectQuery(take).WithArgs("s").
		WillReturnRows(pgxmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte("fs"), ptr(now.Add(time.Minute))))
	v, ok, err := store.TakeOnce(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fs", string(v))

	mock.ExpectQuery(take).WithArgs("s").
		WillReturnRows(pgxmock.NewRows([]string{"value", "expires_at"}))
	_, ok, err = store.TakeOnce(ctx, "s")
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectQuery(take).WithArgs("old").
		WillReturnRows(pgxmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte("fs"), ptr(now.Add(-time.Second))))
	_, ok, err = store.TakeOnce(ctx, "old")
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectQuery(take).WithArgs("broken").WillReturnError(errors.New("conn reset"))
	_, _, err = store.TakeOnce(ctx, "broken")
	require.ErrorContains(t, err, "take transient")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransients_PurgeExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, mock := newMockTransients(t, now)

	mock.ExpectExec(regexp.QuoteMeta("WHERE expires_at IS NOT NULL AND expires_at <= $1")).
		WithArgs(now, 500).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	n, err := store.PurgeExpired(context.Background(), now, 500)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM oauthlogin.transients")).
		WithArgs(now, 1000).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	n, err = store.PurgeExpired(context.Background(), now, 0)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, mock.ExpectationsWereMet())
}
