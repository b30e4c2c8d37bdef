package memorystore

import (
	"context"
	"testing"

	"github.com/open-rails/oauthlogin/core"
	"github.com/stretchr/testify/require"
)

func TestUsers_CreateFindUpdate(t *testing.T) {
	ctx := context.Background()
	u := NewUsers()

	id := &core.Identity{Subject: "sub-1", Username: "jdoe", Email: "J@Example.com", Attributes: map[string]string{"phone": "1"}}
	require.NoError(t, u.Create(ctx, id))
	require.NotEmpty(t, id.ID)

	got, err := u.FindBySubject(ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, "jdoe", got.Username)

	got, err = u.FindByEmail(ctx, "j@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)

	exists, err := u.UsernameExists(ctx, "jdoe")
	require.NoError(t, err)
	require.True(t, exists)

	missing, err := u.FindBySubject(ctx, "")
	require.NoError(t, err)
	require.Nil(t, missing)

	got.Role = "editor"
	got.Attributes = map[string]string{"dept": "ops"}
	require.NoError(t, u.Update(ctx, got))

	after, err := u.FindByID(ctx, id.ID)
	require.NoError(t, err)
	require.Equal(t, "editor", after.Role)
	require.Equal(t, map[string]string{"phone": "1", "dept": "ops"}, after.Attributes)
}

func TestUsers_UpdateUnknown(t *testing.T) {
	err := NewUsers().Update(context.Background(), &core.Identity{ID: "nope"})
	require.ErrorIs(t, err, core.ErrRepositoryError)
}
