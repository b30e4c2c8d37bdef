package roles

import "github.com/google/uuid"

var roleNamespace = uuid.MustParse("ef5d0f45-83c6-5dbe-b15a-e017bc88ab5a")

// RoleID derives the stable UUIDv5 row ID for a mapped role slug, so every store and every
// process agrees on it without a lookup.
func RoleID(slug string) uuid.UUID {
	return uuid.NewSHA1(roleNamespace, []byte("role:"+slug))
}
