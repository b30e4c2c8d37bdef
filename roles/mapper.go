// Package roles derives a local role from untrusted claim data using an ordered rule list.
package roles

import (
	"fmt"
	"sort"
	"strings"

	"github.com/open-rails/oauthlogin/claims"
)

// DefaultRole is assigned when mapping is disabled or nothing matched and unmapped users are allowed.
const DefaultRole = "subscriber"

// Rule maps one exact claim value to a local role.
type Rule struct {
	ClaimValue string `json:"claim_value"`
	Role       string `json:"role"`
}

// Mapping is the role mapping configuration.
type Mapping struct {
	Enabled bool
	// Attributes is a semicolon separated list of claim paths to collect candidate values from.
	Attributes        string
	Rules             []Rule
	DefaultRole       string
	DenyUnmapped      bool
	KeepExistingRoles bool
}

type Decision int

const (
	Assign Decision = iota + 1
	Deny
	Unchanged
)

func (d Decision) String() string {
	switch d {
	case Assign:
		return "assign"
	case Deny:
		return "deny"
	case Unchanged:
		return "unchanged"
	}
	return "unknown"
}

// Outcome is the result of Determine. Role is set only for Assign.
type Outcome struct {
	Decision Decision
	Role     string
}

func AssignRole(role string) Outcome { return Outcome{Decision: Assign, Role: role} }

var (
	DenyLogin    = Outcome{Decision: Deny}
	KeepExisting = Outcome{Decision: Unchanged}
)

// Determine computes the role outcome for c. It has no side effects.
//
// Matching is exact and case sensitive, and the first rule whose claim value is among the
// candidates wins regardless of later rules.
func Determine(c claims.Claims, m Mapping, isExistingUser bool) Outcome {
	def := m.DefaultRole
	if def == "" {
		def = DefaultRole
	}
	if !m.Enabled {
		return AssignRole(def)
	}
	if isExistingUser && m.KeepExistingRoles {
		return KeepExisting
	}
	fallback := AssignRole(def)
	if m.DenyUnmapped {
		fallback = DenyLogin
	}

	candidates := Candidates(c, m.Attributes)
	if len(candidates) == 0 {
		return fallback
	}
	set := make(map[string]struct{}, len(candidates))
	for _, v := range candidates {
		set[v] = struct{}{}
	}
	for _, r := range m.Rules {
		if _, ok := set[r.ClaimValue]; ok {
			return AssignRole(r.Role)
		}
	}
	return fallback
}

// Candidates collects the values role rules are matched against, in discovery order and
// without duplicates. For every path it takes the resolved string value, the keys of an object
// value (Zitadel's {"role": {"project": "org"}} shape) and the string elements of a list value.
func Candidates(c claims.Claims, attributePaths string) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, path := range SplitAttributes(attributePaths) {
		raw, ok := claims.Lookup(c, path)
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			add(v)
		case map[string]any:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				add(k)
			}
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok {
					add(s)
				}
			}
		}
	}
	return out
}

// SplitAttributes splits a semicolon separated path list, dropping blanks.
func SplitAttributes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseRules parses "claimValue=role;claimValue=role". Order is preserved.
func ParseRules(s string) ([]Rule, error) {
	var out []Rule
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.LastIndex(part, "=")
		if i <= 0 || i == len(part)-1 {
			return nil, fmt.Errorf("invalid role rule %q (want claimValue=role)", part)
		}
		out = append(out, Rule{ClaimValue: strings.TrimSpace(part[:i]), Role: strings.TrimSpace(part[i+1:])})
	}
	return out, nil
}
