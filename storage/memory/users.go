package memorystore

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/open-rails/oauthlogin/core"
)

// Users is an in-memory core.UserRepository for tests and the dev server.
type Users struct {
	mu   sync.RWMutex
	byID map[string]*core.Identity
}

func NewUsers() *Users {
	return &Users{byID: make(map[string]*core.Identity)}
}

var _ core.UserRepository = (*Users)(nil)

func (u *Users) find(match func(*core.Identity) bool) *core.Identity {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, id := range u.byID {
		if match(id) {
			return clone(id)
		}
	}
	return nil
}

func (u *Users) FindBySubject(_ context.Context, subject string) (*core.Identity, error) {
	if subject == "" {
		return nil, nil
	}
	return u.find(func(id *core.Identity) bool { return id.Subject == subject }), nil
}

func (u *Users) FindByEmail(_ context.Context, email string) (*core.Identity, error) {
	if email == "" {
		return nil, nil
	}
	return u.find(func(id *core.Identity) bool { return strings.EqualFold(id.Email, email) }), nil
}

func (u *Users) FindByUsername(_ context.Context, username string) (*core.Identity, error) {
	if username == "" {
		return nil, nil
	}
	return u.find(func(id *core.Identity) bool { return id.Username == username }), nil
}

func (u *Users) FindByID(_ context.Context, id string) (*core.Identity, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if v, ok := u.byID[id]; ok {
		return clone(v), nil
	}
	return nil, nil
}

func (u *Users) UsernameExists(ctx context.Context, username string) (bool, error) {
	id, err := u.FindByUsername(ctx, username)
	return id != nil, err
}

func (u *Users) Create(_ context.Context, id *core.Identity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if id.ID == "" {
		id.ID = uuid.NewString()
	}
	u.byID[id.ID] = clone(id)
	return nil
}

func (u *Users) Update(_ context.Context, id *core.Identity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	cur, ok := u.byID[id.ID]
	if !ok {
		return core.NewError(core.KindRepositoryError, "User storage failed.", nil)
	}
	next := clone(id)
	attrs := make(map[string]string, len(cur.Attributes)+len(id.Attributes))
	for k, v := range cur.Attributes {
		attrs[k] = v
	}
	for k, v := range id.Attributes {
		attrs[k] = v
	}
	next.Attributes = attrs
	u.byID[id.ID] = next
	return nil
}

// All returns a snapshot of every stored identity.
func (u *Users) All() []*core.Identity {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*core.Identity, 0, len(u.byID))
	for _, id := range u.byID {
		out = append(out, clone(id))
	}
	return out
}

func clone(id *core.Identity) *core.Identity {
	c := *id
	if id.Attributes != nil {
		c.Attributes = make(map[string]string, len(id.Attributes))
		for k, v := range id.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
