// Package pgmigrations applies the oauthlogin Postgres schema from embedded SQL files using golang-migrate.
package pgmigrations

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var FS embed.FS

// ErrNoChange is returned by migrate when the schema is already at the target version.
var ErrNoChange = migrate.ErrNoChange

// MigrationsTable keeps oauthlogin's version row apart from the host application's migrations.
const MigrationsTable = "oauthlogin_schema_migrations"

// Run applies migrations in direction ("up" or "down") against dsn. Reaching the target version
// is not an error.
func Run(dsn, direction string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("oauthlogin: DATABASE_URL is required")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
	url, err := driverURL(dsn)
	if err != nil {
		return err
	}

	src, err := iofs.New(FS, "sql")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// driverURL rewrites a postgres:// DSN to the pgx5:// scheme and pins the migrations table.
func driverURL(dsn string) (string, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "", fmt.Errorf("invalid DATABASE_URL: missing scheme")
	}
	switch scheme {
	case "postgres", "postgresql", "pgx5":
	default:
		return "", fmt.Errorf("invalid DATABASE_URL: unsupported scheme %q", scheme)
	}
	if strings.TrimSpace(rest) == "" {
		return "", fmt.Errorf("invalid DATABASE_URL: missing host")
	}
	sep := "?"
	if strings.Contains(rest, "?") {
		sep = "&"
	}
	out := "pgx5://" + rest
	if !strings.Contains(rest, "x-migrations-table=") {
		out += sep + "x-migrations-table=" + MigrationsTable
	}
	return out, nil
}
