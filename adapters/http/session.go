package authhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/open-rails/oauthlogin/core"
)

// SessionManager is the host's authenticated-session capability. Login is handed to the
// flow controller; the boundary uses Current for privilege checks and Logout on the logout route.
type SessionManager interface {
	Login(ctx context.Context, w http.ResponseWriter, r *http.Request, id *core.Identity) error
	Current(r *http.Request) (*core.Identity, bool)
	Logout(w http.ResponseWriter, r *http.Request) error
}

// DefaultSessionCookie names the cookie used by CookieSessions.
const DefaultSessionCookie = "oauthlogin_session"

// CookieSessions keeps an opaque token in a cookie and the identity ID in the ephemeral
// store. It is meant for the dev server and simple hosts.
type CookieSessions struct {
	svc    *core.Service
	name   string
	ttl    time.Duration
	secure bool
	ip     ClientIPFunc
}

func NewCookieSessions(svc *core.Service) *CookieSessions {
	return &CookieSessions{svc: svc, name: DefaultSessionCookie, ttl: core.SessionTTL, secure: true, ip: PeerIP()}
}

// WithInsecureCookie drops the Secure attribute, for plain-HTTP development.
func (c *CookieSessions) WithInsecureCookie() *CookieSessions { c.secure = false; return c }

func (c *CookieSessions) WithTTL(ttl time.Duration) *CookieSessions {
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

func (c *CookieSessions) Login(ctx context.Context, w http.ResponseWriter, r *http.Request, id *core.Identity) error {
	token, sess, err := c.svc.IssueSession(ctx, id.ID, r.UserAgent(), c.ip(r), c.ttl)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (c *CookieSessions) Current(r *http.Request) (*core.Identity, bool) {
	ck, err := r.Cookie(c.name)
	if err != nil || ck.Value == "" {
		return nil, false
	}
	sess, ok, err := c.svc.ResolveSession(r.Context(), ck.Value)
	if err != nil || !ok {
		return nil, false
	}
	users := c.svc.Users()
	if users == nil {
		return nil, false
	}
	id, err := users.FindByID(r.Context(), sess.UserID)
	if err != nil || id == nil {
		return nil, false
	}
	return id, true
}

func (c *CookieSessions) Logout(w http.ResponseWriter, r *http.Request) error {
	var err error
	if ck, cerr := r.Cookie(c.name); cerr == nil {
		err = c.svc.RevokeSession(r.Context(), ck.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return err
}
