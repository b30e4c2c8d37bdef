// Package authhttp mounts the OAuth login flow on net/http: the initiate and callback
// endpoints (as REST routes and as query triggers on any path), the logout side-channel and
// the administrator endpoints used by the settings screen.
package authhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/open-rails/oauthlogin/core"
	oidckit "github.com/open-rails/oauthlogin/oidc"
)

// DefaultAdminRole is the role that may run test flows and use the administrator endpoints.
const DefaultAdminRole = "administrator"

// Service wraps core.Service and the flow controller with net/http mounting helpers.
type Service struct {
	svc      *core.Service
	flow     *oidckit.Flow
	sessions SessionManager
	isAdmin  func(*core.Identity) bool
	rl       RateLimiter
	clientIP ClientIPFunc
	log      *slog.Logger
}

// NewService wires the flow controller, a cookie session manager and the default in-memory
// rate limits over svc.
func NewService(svc *core.Service) *Service {
	return &Service{
		svc:      svc,
		flow:     oidckit.NewFlow(svc),
		sessions: NewCookieSessions(svc),
		isAdmin:  func(id *core.Identity) bool { return id != nil && id.Role == DefaultAdminRole },
		rl:       NewMemoryRateLimiter(DefaultRateLimits()),
		clientIP: PeerIP(),
		log:      svc.Logger().With("subsystem", "authhttp"),
	}
}

func (s *Service) WithFlow(f *oidckit.Flow) *Service {
	if f != nil {
		s.flow = f
	}
	return s
}

// WithSessions replaces the session manager. With nil, callbacks resolve identities but
// nobody is logged in and admin-only routes always answer 403.
func (s *Service) WithSessions(sm SessionManager) *Service { s.sessions = sm; return s }

func (s *Service) WithAdminCheck(fn func(*core.Identity) bool) *Service {
	if fn != nil {
		s.isAdmin = fn
	}
	return s
}

func (s *Service) WithRateLimiter(rl RateLimiter) *Service { s.rl = rl; return s }
func (s *Service) DisableRateLimiter() *Service            { s.rl = nil; return s }

func (s *Service) WithClientIPFunc(fn ClientIPFunc) *Service {
	if fn == nil {
		fn = PeerIP()
	}
	s.clientIP = fn
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}

func (s *Service) Core() *core.Service      { return s.svc }
func (s *Service) Flow() *oidckit.Flow      { return s.flow }
func (s *Service) Sessions() SessionManager { return s.sessions }

// allow applies the bucket limit to the caller's IP. Unknown or non-public addresses and
// limiter errors fail open.
func (s *Service) allow(r *http.Request, bucket string) bool {
	if s.rl == nil {
		return true
	}
	ip := s.clientIP(r)
	if strings.TrimSpace(ip) == "" || !limitable(ip) {
		return true
	}
	ok, err := s.rl.AllowNamed(bucket, "oauth:"+bucket+":ip:"+ip)
	if err != nil {
		s.log.WarnContext(r.Context(), "rate limiter failed", "bucket", bucket, "err", err)
		return true
	}
	return ok
}

func (s *Service) fingerprint(r *http.Request) string {
	return s.svc.Fingerprint(s.clientIP(r), r.UserAgent())
}

func (s *Service) requestContext(r *http.Request) context.Context {
	return core.WithRequestMeta(r.Context(), s.clientIP(r), r.UserAgent())
}

// admin returns the current identity when it holds administrator privileges.
func (s *Service) admin(r *http.Request) (*core.Identity, bool) {
	if s.sessions == nil {
		return nil, false
	}
	id, ok := s.sessions.Current(r)
	if !ok || !s.isAdmin(id) {
		return nil, false
	}
	return id, true
}
