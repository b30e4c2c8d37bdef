package roles

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRoleID_StablePerSlug(t *testing.T) {
	a := RoleID("editor")
	require.Equal(t, a, RoleID("editor"))
	require.NotEqual(t, a, RoleID("administrator"))
	require.Equal(t, uuid.Version(5), a.Version())
}
