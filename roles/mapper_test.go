package roles

import (
	"testing"

	"github.com/open-rails/oauthlogin/claims"
	"github.com/stretchr/testify/require"
)

func TestDetermine_Disabled(t *testing.T) {
	out := Determine(claims.Claims{"role": "admin"}, Mapping{DefaultRole: "author"}, false)
	require.Equal(t, AssignRole("author"), out)

	out = Determine(nil, Mapping{}, true)
	require.Equal(t, AssignRole(DefaultRole), out)
}

func TestDetermine_KeepExisting(t *testing.T) {
	m := Mapping{Enabled: true, Attributes: "role", KeepExistingRoles: true, DenyUnmapped: true}
	require.Equal(t, KeepExisting, Determine(claims.Claims{"role": "admin"}, m, true))
	// New users are never "unchanged".
	require.Equal(t, DenyLogin, Determine(claims.Claims{"role": "admin"}, m, false))
}

func TestDetermine_FirstMatchWins(t *testing.T) {
	m := Mapping{
		Enabled:    true,
		Attributes: "role",
		Rules:      []Rule{{ClaimValue: "admin", Role: "editor"}, {ClaimValue: "admin", Role: "subscriber"}},
	}
	require.Equal(t, AssignRole("editor"), Determine(claims.Claims{"role": "admin"}, m, false))
}

func TestDetermine_RuleOrderNotCandidateOrder(t *testing.T) {
	m := Mapping{
		Enabled:    true,
		Attributes: "groups",
		Rules:      []Rule{{ClaimValue: "staff", Role: "author"}, {ClaimValue: "admins", Role: "administrator"}},
	}
	c := claims.Claims{"groups": []any{"admins", "staff"}}
	require.Equal(t, AssignRole("author"), Determine(c, m, false))
}

func TestDetermine_DenyUnmappedPrecedence(t *testing.T) {
	m := Mapping{Enabled: true, Attributes: "role", DenyUnmapped: true, DefaultRole: "administrator"}
	require.Equal(t, DenyLogin, Determine(claims.Claims{"role": "x"}, m, false))
	require.Equal(t, DenyLogin, Determine(claims.Claims{}, m, false))

	m.DenyUnmapped = false
	require.Equal(t, AssignRole("administrator"), Determine(claims.Claims{"role": "x"}, m, false))
	require.Equal(t, AssignRole("administrator"), Determine(claims.Claims{}, m, false))
}

func TestDetermine_ExactCaseSensitive(t *testing.T) {
	m := Mapping{
		Enabled:      true,
		Attributes:   "role",
		Rules:        []Rule{{ClaimValue: "admin", Role: "administrator"}},
		DenyUnmapped: true,
	}
	for _, v := range []string{"Admin", "ADMIN", "admin ", "administrator", "adm"} {
		require.Equal(t, DenyLogin, Determine(claims.Claims{"role": v}, m, false), v)
	}
}

func TestCandidates_ZitadelProjectRoles(t *testing.T) {
	c := claims.Claims{
		"urn:zitadel:iam:org:project:roles": map[string]any{
			"editor": map[string]any{"123": "org.example"},
			"admin":  map[string]any{"123": "org.example"},
		},
		"dept": "sales",
		"org":  map[string]any{"team": "blue"},
	}
	got := Candidates(c, "urn:zitadel:iam:org:project:roles; dept ;org.team;dept;missing")
	require.Equal(t, []string{"admin", "editor", "sales", "blue"}, got)
}

func TestCandidates_NestedObjectKeys(t *testing.T) {
	c := claims.Claims{"realm_access": map[string]any{"roles": map[string]any{"ops": true}}}
	require.Equal(t, []string{"ops"}, Candidates(c, "realm_access.roles"))
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules(" admin=administrator; staff = author ;;a=b=editor")
	require.NoError(t, err)
	require.Equal(t, []Rule{
		{ClaimValue: "admin", Role: "administrator"},
		{ClaimValue: "staff", Role: "author"},
		{ClaimValue: "a=b", Role: "editor"},
	}, rules)

	_, err = ParseRules("admin")
	require.Error(t, err)
	_, err = ParseRules("admin=")
	require.Error(t, err)
}
