package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/open-rails/oauthlogin/claims"
	"github.com/open-rails/oauthlogin/core"
	"github.com/open-rails/oauthlogin/roles"
)

// Users is a core.UserRepository over oauthlogin.users, oauthlogin.roles and
// oauthlogin.user_attributes.
type Users struct {
	db DB
}

func NewUsers(db DB) *Users {
	return &Users{db: db}
}

var _ core.UserRepository = (*Users)(nil)

const selectUser = `SELECT u.id, u.subject, u.username, u.email, u.first_name, u.last_name, u.display_name,
	COALESCE(r.slug, ''), u.claims, u.last_login_at, u.created_at
	FROM oauthlogin.users u LEFT JOIN oauthlogin.roles r ON r.id = u.role_id`

func (u *Users) FindBySubject(ctx context.Context, subject string) (*core.Identity, error) {
	if subject == "" {
		return nil, nil
	}
	return u.findOne(ctx, `u.subject = $1`, subject)
}

func (u *Users) FindByEmail(ctx context.Context, email string) (*core.Identity, error) {
	if email == "" {
		return nil, nil
	}
	return u.findOne(ctx, `lower(u.email) = lower($1)`, email)
}

func (u *Users) FindByUsername(ctx context.Context, username string) (*core.Identity, error) {
	if username == "" {
		return nil, nil
	}
	return u.findOne(ctx, `u.username = $1`, username)
}

func (u *Users) FindByID(ctx context.Context, id string) (*core.Identity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return u.findOne(ctx, `u.id = $1`, id)
}

func (u *Users) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := u.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM oauthlogin.users WHERE username = $1)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("username exists: %w", err)
	}
	return exists, nil
}

func (u *Users) findOne(ctx context.Context, where string, arg any) (*core.Identity, error) {
	var (
		id        core.Identity
		subject   *string
		rawClaims []byte
		lastLogin *time.Time
	)
	err := u.db.QueryRow(ctx, selectUser+` WHERE `+where+` LIMIT 1`, arg).Scan(
		&id.ID, &subject, &id.Username, &id.Email, &id.FirstName, &id.LastName, &id.DisplayName,
		&id.Role, &rawClaims, &lastLogin, &id.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if subject != nil {
		id.Subject = *subject
	}
	if lastLogin != nil {
		id.LastLoginAt = *lastLogin
	}
	if len(rawClaims) > 0 {
		var c claims.Claims
		if err := json.Unmarshal(rawClaims, &c); err != nil {
			return nil, fmt.Errorf("decode user claims: %w", err)
		}
		id.Claims = c
	}
	attrs, err := u.attributes(ctx, id.ID)
	if err != nil {
		return nil, err
	}
	id.Attributes = attrs
	return &id, nil
}

func (u *Users) attributes(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := u.db.Query(ctx,
		`SELECT name, value FROM oauthlogin.user_attributes WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user attributes: %w", err)
	}
	defer rows.Close()
	var out map[string]string
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan user attribute: %w", err)
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (u *Users) Create(ctx context.Context, id *core.Identity) error {
	if id.ID == "" {
		id.ID = uuid.NewString()
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	raw, err := encodeClaims(id.Claims)
	if err != nil {
		return err
	}
	return u.inTx(ctx, func(tx pgx.Tx) error {
		roleID, err := ensureRole(ctx, tx, id.Role)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO oauthlogin.users
				(id, subject, username, email, first_name, last_name, display_name, role_id, claims, last_login_at, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`,
			id.ID, id.Subject, id.Username, id.Email, id.FirstName, id.LastName, id.DisplayName,
			roleID, raw, nullTime(id.LastLoginAt), id.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return putAttributes(ctx, tx, id.ID, id.Attributes)
	})
}

func (u *Users) Update(ctx context.Context, id *core.Identity) error {
	raw, err := encodeClaims(id.Claims)
	if err != nil {
		return err
	}
	return u.inTx(ctx, func(tx pgx.Tx) error {
		roleID, err := ensureRole(ctx, tx, id.Role)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE oauthlogin.users SET
				subject = NULLIF($2, ''), email = $3, first_name = $4, last_name = $5, display_name = $6,
				role_id = $7, claims = $8, last_login_at = $9, updated_at = now()
			WHERE id = $1`,
			id.ID, id.Subject, id.Email, id.FirstName, id.LastName, id.DisplayName,
			roleID, raw, nullTime(id.LastLoginAt))
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update user %s: not found", id.ID)
		}
		return putAttributes(ctx, tx, id.ID, id.Attributes)
	})
}

func (u *Users) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := u.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// ensureRole makes sure the role row for slug exists and returns its stable ID.
func ensureRole(ctx context.Context, tx pgx.Tx, slug string) (*uuid.UUID, error) {
	if slug == "" {
		return nil, nil
	}
	id := roles.RoleID(slug)
	if _, err := tx.Exec(ctx,
		`INSERT INTO oauthlogin.roles (id, slug) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, slug); err != nil {
		return nil, fmt.Errorf("ensure role %q: %w", slug, err)
	}
	return &id, nil
}

// putAttributes upserts attrs in key order; attributes absent from attrs are kept.
func putAttributes(ctx context.Context, tx pgx.Tx, userID string, attrs map[string]string) error {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.Exec(ctx, `
			INSERT INTO oauthlogin.user_attributes (user_id, name, value, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (user_id, name) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			userID, k, attrs[k]); err != nil {
			return fmt.Errorf("upsert attribute %q: %w", k, err)
		}
	}
	return nil
}

func encodeClaims(c claims.Claims) ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode user claims: %w", err)
	}
	return b, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
