package core

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/open-rails/oauthlogin/claims"
	"github.com/open-rails/oauthlogin/roles"
)

// IdentityResolver maps a claim set onto a local identity, creating it on first login.
// It only talks to the UserRepository.
type IdentityResolver struct {
	opts Options
	repo UserRepository
	now  func() time.Time
	log  *slog.Logger
}

func NewIdentityResolver(opts Options, repo UserRepository) *IdentityResolver {
	return &IdentityResolver{
		opts: opts,
		repo: repo,
		now:  time.Now,
		log:  slog.Default().With("component", "identity"),
	}
}

// WithClock replaces the time source used for last-login timestamps.
func (r *IdentityResolver) WithClock(now func() time.Time) *IdentityResolver {
	r.now = now
	return r
}

func (r *IdentityResolver) WithLogger(l *slog.Logger) *IdentityResolver {
	if l != nil {
		r.log = l
	}
	return r
}

type profile struct {
	email     string
	firstName string
	lastName  string
	nameClaim string
}

func (r *IdentityResolver) profile(c claims.Claims) profile {
	return profile{
		email:     strings.TrimSpace(claims.Resolve(c, r.opts.Attributes.Email)),
		firstName: strings.TrimSpace(claims.Resolve(c, r.opts.Attributes.FirstName)),
		lastName:  strings.TrimSpace(claims.Resolve(c, r.opts.Attributes.LastName)),
		nameClaim: strings.TrimSpace(claims.Resolve(c, "name")),
	}
}

// FindOrCreate returns the identity for c. Errors are *Error with an identity kind.
func (r *IdentityResolver) FindOrCreate(ctx context.Context, c claims.Claims) (*Identity, error) {
	if r == nil || r.repo == nil {
		return nil, NewError(KindRepositoryError, "User storage is not configured.", nil)
	}
	existing, err := r.lookup(ctx, c)
	if err != nil {
		return nil, repoErr(err)
	}
	if existing != nil {
		return r.update(ctx, existing, c)
	}
	return r.create(ctx, c)
}

func (r *IdentityResolver) lookup(ctx context.Context, c claims.Claims) (*Identity, error) {
	sub := strings.TrimSpace(claims.Resolve(c, "sub"))
	if sub != "" {
		if id, err := r.repo.FindBySubject(ctx, sub); err != nil || id != nil {
			return id, err
		}
	}
	if email := strings.TrimSpace(claims.Resolve(c, r.opts.Attributes.Email)); email != "" {
		if id, err := r.repo.FindByEmail(ctx, email); err != nil || id != nil {
			return id, err
		}
	}
	if sub != "" {
		return r.repo.FindByUsername(ctx, sub)
	}
	return nil, nil
}

func (r *IdentityResolver) update(ctx context.Context, id *Identity, c claims.Claims) (*Identity, error) {
	rm := r.opts.Roles
	// Deny is judged as if the user were new: a claim that no longer maps revokes access even
	// when existing roles would otherwise be kept.
	if rm.Enabled && rm.DenyUnmapped {
		if out := roles.Determine(c, rm, false); out.Decision == roles.Deny {
			r.log.WarnContext(ctx, "login denied for existing user", "user_id", id.ID)
			return nil, roleNotMapped()
		}
	}

	p := r.profile(c)
	if p.email != "" {
		id.Email = p.email
	}
	if p.firstName != "" {
		id.FirstName = p.firstName
	}
	if p.lastName != "" {
		id.LastName = p.lastName
	}
	if dn := displayName(r.opts.Attributes.DisplayNameFormat, p.firstName, p.lastName, id.Username, p.email, p.nameClaim); dn != "" {
		id.DisplayName = dn
	}
	if rm.Enabled {
		if out := roles.Determine(c, rm, true); out.Decision == roles.Assign && out.Role != id.Role {
			r.log.InfoContext(ctx, "role changed by mapping", "user_id", id.ID, "from", id.Role, "to", out.Role)
			id.Role = out.Role
		}
	}
	if sub := strings.TrimSpace(claims.Resolve(c, "sub")); sub != "" {
		id.Subject = sub
	}
	id.Claims = c
	id.LastLoginAt = r.now().UTC()
	id.Attributes = r.customAttributes(c)

	if err := r.repo.Update(ctx, id); err != nil {
		return nil, repoErr(err)
	}
	return id, nil
}

func (r *IdentityResolver) create(ctx context.Context, c claims.Claims) (*Identity, error) {
	p := r.profile(c)
	sub := strings.TrimSpace(claims.Resolve(c, "sub"))

	base := SanitizeUsername(claims.Resolve(c, r.opts.Attributes.Username))
	if base == "" {
		base = localPart(p.email)
	}
	if base == "" {
		base = SanitizeUsername(sub)
	}
	if base == "" {
		return nil, NewError(KindUsernameUnavailable, "No username could be determined.", nil)
	}

	out := roles.Determine(c, r.opts.Roles, false)
	if out.Decision == roles.Deny {
		return nil, roleNotMapped()
	}

	username, err := uniqueUsername(ctx, r.repo, base)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, e
		}
		return nil, repoErr(err)
	}

	email := p.email
	if email == "" {
		email = username + "@oauth.local"
	}
	now := r.now().UTC()
	id := &Identity{
		Subject:     sub,
		Username:    username,
		Email:       email,
		FirstName:   p.firstName,
		LastName:    p.lastName,
		DisplayName: displayName(r.opts.Attributes.DisplayNameFormat, p.firstName, p.lastName, username, p.email, p.nameClaim),
		Role:        out.Role,
		Claims:      c,
		Attributes:  r.customAttributes(c),
		LastLoginAt: now,
		CreatedAt:   now,
	}
	if err := r.repo.Create(ctx, id); err != nil {
		return nil, repoErr(err)
	}
	r.log.InfoContext(ctx, "identity created", "user_id", id.ID, "username", id.Username, "role", id.Role)
	return id, nil
}

// customAttributes resolves every configured mapping; empty values are skipped so they never
// overwrite stored data.
func (r *IdentityResolver) customAttributes(c claims.Claims) map[string]string {
	if len(r.opts.CustomAttributes) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.opts.CustomAttributes))
	for _, m := range r.opts.CustomAttributes {
		v, ok := claims.ResolveWithMetadata(c, r.opts.MetadataClaim, m.ClaimPath)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		out[m.LocalField] = strings.TrimSpace(v)
	}
	return out
}

func roleNotMapped() *Error {
	return NewError(KindRoleNotMapped, "Login denied: no matching role was found.", nil)
}

func repoErr(err error) *Error {
	return NewError(KindRepositoryError, "User storage failed.", err)
}
