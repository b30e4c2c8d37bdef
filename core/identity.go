package core

import (
	"context"
	"time"

	"github.com/open-rails/oauthlogin/claims"
)

// Identity is the local user record a provider subject maps onto.
type Identity struct {
	ID          string
	Subject     string
	Username    string
	Email       string
	FirstName   string
	LastName    string
	DisplayName string
	Role        string
	// Claims is the full userinfo response from the latest login.
	Claims      claims.Claims
	Attributes  map[string]string
	LastLoginAt time.Time
	CreatedAt   time.Time
}

// UserRepository persists identities. Lookups return (nil, nil) when nothing matches.
//
// Update overwrites every profile column with the identity's values and merges Attributes
// key by key; attributes not present in the map are left untouched. Identities are never deleted.
type UserRepository interface {
	FindBySubject(ctx context.Context, subject string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	FindByUsername(ctx context.Context, username string) (*Identity, error)
	FindByID(ctx context.Context, id string) (*Identity, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, id *Identity) error
	Update(ctx context.Context, id *Identity) error
}
