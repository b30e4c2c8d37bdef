package core

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxUsernameSuffix = 10000

// SanitizeUsername folds accents and keeps only letters, digits, space and "_.-@".
// Runs of whitespace collapse to a single space and the result is trimmed.
func SanitizeUsername(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	space := false
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '_', r == '.', r == '-', r == '@':
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r):
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// uniqueUsername appends _1, _2, ... to base until the repository reports it unused.
func uniqueUsername(ctx context.Context, repo UserRepository, base string) (string, error) {
	candidate := base
	for i := 1; i <= maxUsernameSuffix; i++ {
		taken, err := repo.UsernameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
	return "", NewError(KindUsernameUnavailable, "No free username could be found.", nil)
}

// localPart returns the text before the first "@" of an email address.
func localPart(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return ""
}

func joinName(a, b string) string {
	return strings.TrimSpace(strings.TrimSpace(a) + " " + strings.TrimSpace(b))
}

// displayName builds the display name for format, falling back to first+last and finally to
// the username.
func displayName(format DisplayNameFormat, first, last, username, email, nameClaim string) string {
	var dn string
	switch format {
	case DisplayLastFirst:
		dn = joinName(last, first)
	case DisplayFirst:
		dn = strings.TrimSpace(first)
	case DisplayUsername:
		dn = username
	case DisplayEmail:
		dn = email
	case DisplayNameClaim:
		dn = strings.TrimSpace(nameClaim)
	default:
		dn = joinName(first, last)
	}
	if dn == "" && (first != "" || last != "") {
		dn = joinName(first, last)
	}
	if dn == "" {
		dn = username
	}
	return dn
}
