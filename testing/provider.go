// Package testing provides an in-process OAuth 2.0 provider for exercising the login flow
// end to end without a real identity provider.
package testing

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/open-rails/oauthlogin/core"
)

// TestProvider answers the authorize, token, userinfo, discovery and end-session endpoints.
// The authorize endpoint approves immediately and redirects back with a fresh code.
type TestProvider struct {
	srv          *httptest.Server
	clientID     string
	clientSecret string

	mu          sync.Mutex
	claims      map[string]any
	denyWith    string
	codes       map[string]grant
	tokens      map[string]map[string]any
	endSessions []url.Values
}

type grant struct {
	claims      map[string]any
	nonce       string
	redirectURI string
}

func NewTestProvider(clientID, clientSecret string) *TestProvider {
	p := &TestProvider{
		clientID:     clientID,
		clientSecret: clientSecret,
		claims:       map[string]any{"sub": "test-subject", "email": "user@example.com"},
		codes:        map[string]grant{},
		tokens:       map[string]map[string]any{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/v2/authorize", p.authorize)
	mux.HandleFunc("POST /oauth/v2/token", p.token)
	mux.HandleFunc("GET /oidc/v1/userinfo", p.userinfo)
	mux.HandleFunc("GET /oidc/v1/end_session", p.endSession)
	mux.HandleFunc("GET /.well-known/openid-configuration", p.discovery)
	p.srv = httptest.NewServer(mux)
	return p
}

func (p *TestProvider) URL() string { return p.srv.URL }
func (p *TestProvider) Close()      { p.srv.Close() }

// Client returns an HTTP client that trusts the provider.
func (p *TestProvider) Client() *http.Client { return p.srv.Client() }

// SetClaims replaces the claims returned for subsequent logins.
func (p *TestProvider) SetClaims(c map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = c
}

// Deny makes the authorize endpoint return the given OAuth error code instead of a code.
// An empty value restores approval.
func (p *TestProvider) Deny(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denyWith = code
}

// EndSessions returns the query of every end-session request received.
func (p *TestProvider) EndSessions() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.endSessions...)
}

// ProviderConfig returns the default transmission settings pointed at this provider.
func (p *TestProvider) ProviderConfig() core.ProviderConfig {
	pc := core.DefaultProviderConfig()
	pc.AuthorizeEndpoint = p.srv.URL + "/oauth/v2/authorize"
	pc.TokenEndpoint = p.srv.URL + "/oauth/v2/token"
	pc.UserinfoEndpoint = p.srv.URL + "/oidc/v1/userinfo"
	pc.EndSessionEndpoint = p.srv.URL + "/oidc/v1/end_session"
	pc.ClientID = p.clientID
	pc.ClientSecret = p.clientSecret
	return pc
}

func (p *TestProvider) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != p.clientID || q.Get("response_type") != "code" {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	back, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || back.Host == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	out := back.Query()
	if s := q.Get("state"); s != "" {
		out.Set("state", s)
	}

	p.mu.Lock()
	if p.denyWith != "" {
		out.Set("error", p.denyWith)
		out.Set("error_description", "The user denied the request.")
	} else {
		code := core.RandB64(16)
		p.codes[code] = grant{claims: p.claims, nonce: q.Get("nonce"), redirectURI: back.String()}
		out.Set("code", code)
	}
	p.mu.Unlock()

	back.RawQuery = out.Encode()
	http.Redirect(w, r, back.String(), http.StatusFound)
}

func (p *TestProvider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if id != p.clientID || subtle.ConstantTimeCompare([]byte(secret), []byte(p.clientSecret)) != 1 {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	p.mu.Lock()
	g, found := p.codes[r.PostForm.Get("code")]
	delete(p.codes, r.PostForm.Get("code"))
	p.mu.Unlock()
	if !found || g.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "unknown or used code")
		return
	}

	access := core.RandB64(24)
	p.mu.Lock()
	p.tokens[access] = g.claims
	p.mu.Unlock()

	idc := jwt.MapClaims{"iss": p.srv.URL, "aud": p.clientID, "sub": g.claims["sub"], "exp": time.Now().Add(time.Hour).Unix()}
	if g.nonce != "" {
		idc["nonce"] = g.nonce
	}
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, idc).SignedString([]byte(p.clientSecret))
	if err != nil {
		tokenError(w, http.StatusInternalServerError, "server_error", "signing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
}

func (p *TestProvider) userinfo(w http.ResponseWriter, r *http.Request) {
	access, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	c, found := p.tokens[access]
	p.mu.Unlock()
	if !ok || !found {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (p *TestProvider) endSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p.mu.Lock()
	p.endSessions = append(p.endSessions, q)
	p.mu.Unlock()
	if back := q.Get("post_logout_redirect_uri"); back != "" && q.Get("client_id") == p.clientID {
		http.Redirect(w, r, back, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (p *TestProvider) discovery(w http.ResponseWriter, _ *http.Request) {
	base := p.srv.URL
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/oauth/v2/authorize",
		"token_endpoint":                        base + "/oauth/v2/token",
		"userinfo_endpoint":                     base + "/oidc/v1/userinfo",
		"end_session_endpoint":                  base + "/oidc/v1/end_session",
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	})
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
