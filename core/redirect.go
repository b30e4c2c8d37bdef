package core

import (
	"net/url"
	"strings"
	"unicode"
)

// SafeRedirect returns target when it is a local path or points at the site host, and the admin
// URL otherwise. Protocol-relative and backslash tricks ("//evil", "/\evil") are rejected, as is
// any control character, since browsers strip tabs and newlines before resolving a Location.
func (s *Service) SafeRedirect(target string) string {
	target = strings.TrimSpace(target)
	if target == "" || strings.ContainsFunc(target, unicode.IsControl) {
		return s.opts.AdminURL
	}
	if strings.HasPrefix(target, "/") {
		if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
			return s.opts.AdminURL
		}
		return target
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return s.opts.AdminURL
	}
	home, err := url.Parse(s.opts.HomeURL)
	if err != nil || !strings.EqualFold(u.Host, home.Host) {
		return s.opts.AdminURL
	}
	return target
}
