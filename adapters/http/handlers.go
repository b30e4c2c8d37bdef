package authhttp

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/open-rails/oauthlogin/claims"
	"github.com/open-rails/oauthlogin/core"
	oidckit "github.com/open-rails/oauthlogin/oidc"
)

// Query parameters that trigger the flow on any path.
const (
	QueryLoginStart    = "oauth-login-start"
	QueryLoginCallback = "oauth-login-callback"
)

// Handler serves every route under /auth/oauth/ plus the query triggers. It is intended to
// be mounted at the site root or wrapped around the host's own handler via Middleware.
func (s *Service) Handler() http.Handler {
	if s == nil || s.svc == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sendErr(w, http.StatusInternalServerError, "oauthlogin_not_initialized")
		})
	}
	if !core.IsDevEnvironment() && s.svc.EphemeralMode() == core.EphemeralMemory {
		panic("oauthlogin: a shared ephemeral store (redis or postgres) is required in production")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/oauth/login", s.handleLoginStart)
	mux.HandleFunc("GET /auth/oauth/callback", s.handleCallback)
	mux.HandleFunc("POST /auth/oauth/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/oauth/login-error", s.handleLoginError)
	mux.HandleFunc("GET /auth/oauth/test-claims", s.handleTestClaims)
	mux.HandleFunc("GET /auth/oauth/available-claims", s.handleAvailableClaims)
	mux.HandleFunc("POST /auth/oauth/discovery", s.handleDiscovery)
	return s.Middleware(mux)
}

// Middleware answers the query triggers on any path and rewrites redirects to the login
// page into the provider's end-session redirect for callers flagged by a logout.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Has(QueryLoginCallback):
			s.handleCallback(w, r)
			return
		case q.Has(QueryLoginStart):
			s.handleLoginStart(w, r)
			return
		}
		next.ServeHTTP(&logoutRewriter{ResponseWriter: w, rewrite: func(loc string) string {
			return s.svc.LogoutRedirect(r.Context(), s.fingerprint(r), loc)
		}}, r)
	})
}

func (s *Service) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLLoginStart) {
		tooMany(w)
		return
	}
	q := r.URL.Query()
	req := oidckit.InitiateRequest{RedirectTo: q.Get("redirect_to")}
	if truthy(q.Get("test")) {
		id, ok := s.admin(r)
		if !ok {
			forbidden(w, "admin_required")
			return
		}
		req.IsTest = true
		req.Initiator = id.ID
	}
	s.respond(w, r, s.flow.Initiate(s.requestContext(r), req))
}

func (s *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLLoginCallback) {
		tooMany(w)
		return
	}
	q := r.URL.Query()
	req := oidckit.CallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	if s.sessions != nil {
		req.Login = func(ctx context.Context, id *core.Identity) error {
			return s.sessions.Login(ctx, w, r, id)
		}
	}
	s.respond(w, r, s.flow.HandleCallback(s.requestContext(r), req))
}

// respond performs the redirect a flow result asks for. Recoverable failures are parked
// for the login page under the caller fingerprint.
func (s *Service) respond(w http.ResponseWriter, r *http.Request, res oidckit.Result) {
	switch v := res.(type) {
	case oidckit.Redirect:
		http.Redirect(w, r, v.URL, http.StatusFound)
	case oidckit.Success:
		http.Redirect(w, r, v.RedirectTo, http.StatusFound)
	case oidckit.Failure:
		if v.Err.Fatal() {
			operatorError(w, v.Err.Message)
			return
		}
		if err := s.svc.SetLoginError(r.Context(), s.fingerprint(r), v.Err.Message); err != nil {
			s.log.WarnContext(r.Context(), "login error not stored", "err", err)
		}
		http.Redirect(w, r, s.svc.Options().LoginURL, http.StatusFound)
	default:
		sendErr(w, http.StatusInternalServerError, "unexpected_result")
	}
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLLogout) {
		tooMany(w)
		return
	}
	ctx := s.requestContext(r)
	fp := s.fingerprint(r)
	var userID string
	if s.sessions != nil {
		if id, ok := s.sessions.Current(r); ok {
			userID = id.ID
			if err := s.svc.BeginLogout(ctx, fp, id); err != nil {
				s.log.WarnContext(ctx, "logout marker not stored", "err", err)
			}
		}
		if err := s.sessions.Logout(w, r); err != nil {
			s.log.WarnContext(ctx, "session not cleared", "err", err)
		}
	}
	s.svc.LogLoginEvent(ctx, core.EventFromContext(ctx, core.LoginEvent{Event: core.LoginEventLogout, UserID: userID}))
	loc := withQuery(s.svc.Options().LoginURL, "loggedout", "true")
	http.Redirect(w, r, s.svc.LogoutRedirect(ctx, fp, loc), http.StatusFound)
}

func (s *Service) handleLoginError(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLLoginError) {
		tooMany(w)
		return
	}
	msg, ok, err := s.svc.TakeLoginError(r.Context(), s.fingerprint(r))
	if err != nil || !ok || msg == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, errResp{Error: msg})
}

type testClaimsResp struct {
	Claims   claims.Claims     `json:"claims"`
	Metadata map[string]string `json:"metadata"`
	Names    []string          `json:"names"`
}

func (s *Service) handleTestClaims(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLTestClaims) {
		tooMany(w)
		return
	}
	id, ok := s.admin(r)
	if !ok {
		forbidden(w, "admin_required")
		return
	}
	c, ok, err := s.svc.TakeTestClaims(r.Context(), id.ID)
	if err != nil || !ok {
		notFound(w, "no_test_claims")
		return
	}
	md := claims.Metadata(c, s.svc.Options().MetadataClaim)
	if md == nil {
		md = map[string]string{}
	}
	writeJSON(w, http.StatusOK, testClaimsResp{Claims: c, Metadata: md, Names: nonNil(claims.Names(c))})
}

func (s *Service) handleAvailableClaims(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLAvailableClaims) {
		tooMany(w)
		return
	}
	if _, ok := s.admin(r); !ok {
		forbidden(w, "admin_required")
		return
	}
	names := nonNil(claims.Names(s.svc.AvailableClaims(r.Context())))
	writeJSON(w, http.StatusOK, map[string][]string{"names": names})
}

type discoveryReq struct {
	URL string `json:"url"`
}

func (s *Service) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLDiscovery) {
		tooMany(w)
		return
	}
	if _, ok := s.admin(r); !ok {
		forbidden(w, "admin_required")
		return
	}
	var req discoveryReq
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.URL) == "" {
		badRequest(w, "invalid_request")
		return
	}
	res, err := s.flow.Discover(r.Context(), req.URL)
	if err != nil {
		badGateway(w, core.AsError(err).Message)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// logoutRewriter applies rewrite to the Location header of the first redirect written.
type logoutRewriter struct {
	http.ResponseWriter
	rewrite func(string) string
	wrote   bool
}

func (w *logoutRewriter) WriteHeader(code int) {
	if !w.wrote && code >= 300 && code < 400 {
		if loc := w.Header().Get("Location"); loc != "" {
			w.Header().Set("Location", w.rewrite(loc))
		}
	}
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *logoutRewriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *logoutRewriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
