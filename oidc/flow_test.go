package oidckit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/open-rails/oauthlogin/claims"
	"github.com/open-rails/oauthlogin/core"
	"github.com/open-rails/oauthlogin/roles"
	memorystore "github.com/open-rails/oauthlogin/storage/memory"
	"github.com/stretchr/testify/require"
)

// fakeIDP is a minimal authorization server: a token endpoint, a userinfo endpoint and a
// discovery document.
type fakeIDP struct {
	srv *httptest.Server

	mu             sync.Mutex
	tokenStatus    int
	tokenBody      map[string]any
	userinfoStatus int
	userinfoRaw    string
	claims         map[string]any

	form       url.Values
	basicUser  string
	basicPass  string
	basicOK    bool
	bearer     string
	tokenCalls int
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()
	idp := &fakeIDP{
		tokenStatus:    http.StatusOK,
		tokenBody:      map[string]any{"access_token": "at-123", "token_type": "Bearer", "expires_in": 3600},
		userinfoStatus: http.StatusOK,
		claims:         map[string]any{"sub": "abc123", "email": "a@b.com", "given_name": "Jane", "family_name": "Doe"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		idp.mu.Lock()
		idp.tokenCalls++
		idp.form = r.PostForm
		idp.basicUser, idp.basicPass, idp.basicOK = r.BasicAuth()
		status, body := idp.tokenStatus, idp.tokenBody
		idp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/oidc/v1/userinfo", func(w http.ResponseWriter, r *http.Request) {
		idp.mu.Lock()
		idp.bearer = r.Header.Get("Authorization")
		status, raw, c := idp.userinfoStatus, idp.userinfoRaw, idp.claims
		idp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if raw != "" {
			_, _ = w.Write([]byte(raw))
			return
		}
		_ = json.NewEncoder(w).Encode(c)
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                "https://issuer.example",
			"authorization_endpoint":                idp.srv.URL + "/oauth/v2/authorize",
			"token_endpoint":                        idp.srv.URL + "/oauth/v2/token",
			"userinfo_endpoint":                     idp.srv.URL + "/oidc/v1/userinfo",
			"end_session_endpoint":                  idp.srv.URL + "/oidc/v1/end_session",
			"jwks_uri":                              idp.srv.URL + "/oauth/v2/keys",
			"scopes_supported":                      []string{"openid", "email"},
			"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
			"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		})
	})
	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

func (idp *fakeIDP) set(fn func(*fakeIDP)) {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	fn(idp)
}

func (idp *fakeIDP) lastForm() url.Values {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	return idp.form
}

func (idp *fakeIDP) lastBasic() (string, string, bool) {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	return idp.basicUser, idp.basicPass, idp.basicOK
}

func (idp *fakeIDP) lastBearer() string {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	return idp.bearer
}

func (idp *fakeIDP) calls() int {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	return idp.tokenCalls
}

type harness struct {
	flow  *Flow
	svc   *core.Service
	users *memorystore.Users
	idp   *fakeIDP
}

func newHarness(t *testing.T, mutate func(*core.Config)) *harness {
	t.Helper()
	idp := newFakeIDP(t)
	cfg := core.Config{
		Provider:    core.DefaultProviderConfig(),
		CallbackURL: "https://site.test/auth/oauth/callback",
	}
	cfg.Provider.AuthorizeEndpoint = idp.srv.URL + "/oauth/v2/authorize"
	cfg.Provider.TokenEndpoint = idp.srv.URL + "/oauth/v2/token"
	cfg.Provider.UserinfoEndpoint = idp.srv.URL + "/oidc/v1/userinfo"
	cfg.Provider.ClientID = "client-1"
	cfg.Provider.ClientSecret = "s3cret"
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := core.NewFromConfig(cfg)
	require.NoError(t, err)
	users := memorystore.NewUsers()
	svc.WithUserRepository(users).WithEphemeralStore(memorystore.NewKV(), core.EphemeralMemory)
	flow := NewFlow(svc).WithHTTPClient(idp.srv.Client())
	return &harness{flow: flow, svc: svc, users: users, idp: idp}
}

func (h *harness) initiate(t *testing.T, req InitiateRequest) (Redirect, url.Values) {
	t.Helper()
	res := h.flow.Initiate(context.Background(), req)
	rd, ok := res.(Redirect)
	require.True(t, ok, "expected Redirect, got %#v", res)
	u, err := url.Parse(rd.URL)
	require.NoError(t, err)
	return rd, u.Query()
}

func requireFailure(t *testing.T, res Result, kind core.Kind) Failure {
	t.Helper()
	f, ok := res.(Failure)
	require.True(t, ok, "expected Failure, got %#v", res)
	require.Equal(t, kind, f.Err.Kind)
	require.Equal(t, StateFailed, f.State())
	return f
}

func TestInitiate_RequiresEndpointAndClientID(t *testing.T) {
	h := newHarness(t, func(cfg *core.Config) { cfg.Provider.ClientID = "" })
	f := requireFailure(t, h.flow.Initiate(context.Background(), InitiateRequest{}), core.KindConfiguration)
	require.True(t, f.Err.Fatal())
	require.Equal(t, StateIdle, f.At)

	h = newHarness(t, func(cfg *core.Config) { cfg.Provider.AuthorizeEndpoint = " " })
	requireFailure(t, h.flow.Initiate(context.Background(), InitiateRequest{}), core.KindConfiguration)
}

func TestInitiate_BuildsAuthorizationRequest(t *testing.T) {
	h := newHarness(t, func(cfg *core.Config) { cfg.Provider.SendNonce = true })
	rd, q := h.initiate(t, InitiateRequest{RedirectTo: "/dashboard"})

	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "client-1", q.Get("client_id"))
	require.Equal(t, "https://site.test/auth/oauth/callback", q.Get("redirect_uri"))
	require.Equal(t, core.DefaultScope, q.Get("scope"))
	require.Len(t, q.Get("state"), 43)
	require.Equal(t, rd.OAuthState, q.Get("state"))
	require.NotEmpty(t, q.Get("nonce"))

	fs, ok, err := h.svc.TakeFlowSession(context.Background(), rd.OAuthState)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/dashboard", fs.RedirectTo)
	require.False(t, fs.IsTest)
	require.Empty(t, fs.Nonce)
}

func TestInitiate_WithoutStateOrNonce(t *testing.T) {
	h := newHarness(t, func(cfg *core.Config) { cfg.Provider.DisableState = true })
	rd, q := h.initiate(t, InitiateRequest{})
	require.Empty(t, rd.OAuthState)
	require.False(t, q.Has("state"))
	require.False(t, q.Has("nonce"))
}

func TestInitiate_TestModeNeedsState(t *testing.T) {
	h := newHarness(t, func(cfg *core.Config) { cfg.Provider.DisableState = true })
	res := h.flow.Initiate(context.Background(), InitiateRequest{IsTest: true, Initiator: "admin-1"})
	f := requireFailure(t, res, core.KindConfiguration)
	require.True(t, f.Err.Fatal())
}

func TestInitiate_UnsafeRedirectFallsBackToAdmin(t *testing.T) {
	h := newHarness(t, nil)
	rd, _ := h.initiate(t, InitiateRequest{RedirectTo: "https://evil.test/"})
	fs, ok, err := h.svc.TakeFlowSession(context.Background(), rd.OAuthState)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://site.test/admin/", fs.RedirectTo)
}

func TestHandleCallback_LogsInNewUser(t *testing.T) {
	h := newHarness(t, nil)
	rd, _ := h.initiate(t, InitiateRequest{RedirectTo: "/welcome"})

	var loggedIn *core.Identity
	res := h.flow.HandleCallback(context.Background(), CallbackRequest{
		Code:  "code-1",
		State: rd.OAuthState,
		Login: func(_ context.Context, id *core.Identity) error { loggedIn = id; return nil },
	})
	s, ok := res.(Success)
	require.True(t, ok, "expected Success, got %#v", res)
	require.Equal(t, StateLoggedIn, s.State())
	require.Equal(t, "/welcome", s.RedirectTo)
	require.Equal(t, "a", s.Identity.Username)
	require.Equal(t, "Jane Doe", s.Identity.DisplayName)
	require.Equal(t, roles.DefaultRole, s.Identity.Role)
	require.Same(t, s.Identity, loggedIn)
	require.Equal(t, "Bearer at-123", h.idp.lastBearer())

	// The same state cannot complete a second login.
	res = h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "code-1", State: rd.OAuthState})
	requireFailure(t, res, core.KindInvalidState)
	require.Equal(t, 1, h.idp.calls())
}

func TestHandleCallback_DefaultRedirectIsAdmin(t *testing.T) {
	h := newHarness(t, func(cfg *core.Config) { cfg.Provider.DisableState = true })
	res := h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "c"})
	s, ok := res.(Success)
	require.True(t, ok, "expected Success, got %#v", res)
	require.Equal(t, "https://site.test/admin/", s.RedirectTo)
}

func TestHandleCallback_ConcurrentReplayHasOneWinner(t *testing.T) {
	h := newHarness(t, nil)
	rd, _ := h.initiate(t, InitiateRequest{})

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "c", State: rd.OAuthState})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		switch v := r.(type) {
		case Success:
			wins++
		case Failure:
			require.Equal(t, core.KindInvalidState, v.Err.Kind)
		}
	}
	require.Equal(t, 1, wins)
}

func TestHandleCallback_EarlyFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	f := requireFailure(t, h.flow.HandleCallback(ctx, CallbackRequest{Error: "access_denied", ErrorDescription: "User cancelled"}), core.KindProviderError)
	require.Contains(t, f.Err.Message, "User cancelled")

	requireFailure(t, h.flow.HandleCallback(ctx, CallbackRequest{State: "x"}), core.KindNoCode)
	requireFailure(t, h.flow.HandleCallback(ctx, CallbackRequest{Code: "c", State: "forged"}), core.KindInvalidState)
	requireFailure(t, h.flow.HandleCallback(ctx, CallbackRequest{Code: "c"}), core.KindInvalidState)
	require.Zero(t, h.idp.calls())
}

func TestExchange_CredentialModes(t *testing.T) {
	cases := []struct {
		name           string
		mode           core.ClientAuthMode
		omitScope      bool
		wantBasic      bool
		wantBodySecret bool
	}{
		{name: "zero value", wantBasic: true, wantBodySecret: true},
		{name: "header and body", mode: core.ClientAuthHeaderAndBody, wantBasic: true, wantBodySecret: true},
		{name: "header only", mode: core.ClientAuthHeader, omitScope: true, wantBasic: true},
		{name: "body only", mode: core.ClientAuthBody, omitScope: true, wantBodySecret: true},
		{name: "none", mode: core.ClientAuthNone, omitScope: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *core.Config) {
				cfg.Provider.DisableState = true
				cfg.Provider.ClientAuth = tc.mode
				cfg.Provider.OmitScopeInBody = tc.omitScope
			})
			res := h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "the-code"})
			_, ok := res.(Success)
			require.True(t, ok, "expected Success, got %#v", res)

			form := h.idp.lastForm()
			require.Equal(t, "authorization_code", form.Get("grant_type"))
			require.Equal(t, "the-code", form.Get("code"))
			require.Equal(t, "https://site.test/auth/oauth/callback", form.Get("redirect_uri"))

			user, pass, basic := h.idp.lastBasic()
			require.Equal(t, tc.wantBasic, basic)
			if tc.wantBasic {
				require.Equal(t, "client-1", user)
				require.Equal(t, "s3cret", pass)
			}
			if tc.wantBodySecret {
				require.Equal(t, "client-1", form.Get("client_id"))
				require.Equal(t, "s3cret", form.Get("client_secret"))
			} else {
				require.False(t, form.Has("client_secret"))
			}
			require.Equal(t, !tc.omitScope, form.Has("scope"))
		})
	}
}

func TestExchange_CustomGrantType(t *testing.T) {
	h := newHarness(t, func(cfg *core.Config) {
		cfg.Provider.DisableState = true
		cfg.Provider.GrantType = "urn:example:grant"
	})
	_, ok := h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "c"}).(Success)
	require.True(t, ok)
	require.Equal(t, "urn:example:grant", h.idp.lastForm().Get("grant_type"))
}

func TestExchange_Errors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    map[string]any
		kind    core.Kind
		message string
	}{
		{"error description", http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Code expired"}, core.KindTokenError, "Token request failed: Code expired"},
		{"error code only", http.StatusUnauthorized, map[string]any{"error": "invalid_client"}, core.KindTokenError, "Token request failed: invalid_client"},
		{"error field on 200", http.StatusOK, map[string]any{"error": "invalid_request"}, core.KindTokenError, "Token request failed: invalid_request"},
		{"bare status", http.StatusBadGateway, map[string]any{}, core.KindTokenError, "Token request failed: HTTP 502"},
		{"created with token", http.StatusCreated, map[string]any{"access_token": "at-1", "token_type": "Bearer"}, core.KindTokenError, "Token request failed: HTTP 201"},
		{"accepted with description", http.StatusAccepted, map[string]any{"error": "authorization_pending", "error_description": "Still waiting"}, core.KindTokenError, "Token request failed: Still waiting"},
		{"missing access token", http.StatusOK, map[string]any{"token_type": "Bearer"}, core.KindNoAccessToken, "The provider did not return an access token."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *core.Config) { cfg.Provider.DisableState = true })
			h.idp.set(func(i *fakeIDP) { i.tokenStatus, i.tokenBody = tc.status, tc.body })
			f := requireFailure(t, h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "c"}), tc.kind)
			require.Equal(t, tc.message, f.Err.Message)
			require.NotContains(t, f.Err.Message, "s3cret")
			require.Empty(t, h.users.All())
		})
	}
}

func TestExchange_ErrorsDropResponseBody(t *testing.T) {
	for name, status := range map[string]int{"failure status": http.StatusBadRequest, "error field on 200": http.StatusOK} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(cfg *core.Config) { cfg.Provider.DisableState = true })
			h.idp.set(func(i *fakeIDP) {
				i.tokenStatus = status
				i.tokenBody = map[string]any{"error": "invalid_client", "echo": "client_secret=s3cret"}
			})
			f := requireFailure(t, h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "c"}), core.KindTokenError)
			require.Equal(t, "Token request failed: invalid_client", f.Err.Message)
			require.NotNil(t, f.Err.Err)
			require.NotContains(t, f.Err.Err.Error(), "s3cret")
			require.Contains(t, f.Err.Err.Error(), "invalid_client")
		})
	}
}

func TestExchange_TransportFailure(t *testing.T) {
	h := newHarness(t, func(cfg *core.Config) { cfg.Provider.DisableState = true })
	h.idp.srv.Close()
	requireFailure(t, h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "c"}), core.KindTokenError)
}

func TestUserInfo_Errors(t *testing.T) {
	for name, mut := range map[string]func(*fakeIDP){
		"unauthorized": func(i *fakeIDP) { i.userinfoStatus = http.StatusUnauthorized },
		"bad json":     func(i *fakeIDP) { i.userinfoRaw = "{not json" },
		"null body":    func(i *fakeIDP) { i.userinfoRaw = "null" },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(cfg *core.Config) { cfg.Provider.DisableState = true })
			h.idp.set(mut)
			f := requireFailure(t, h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "c"}), core.KindUserInfoError)
			require.Equal(t, StateTokenExchanged, f.At)
		})
	}
}

func TestHandleCallback_TestModeTransportsClaimsOnly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	rd, _ := h.initiate(t, InitiateRequest{IsTest: true, RedirectTo: "/ignored", Initiator: "admin-1"})

	res := h.flow.HandleCallback(ctx, CallbackRequest{
		Code:  "c",
		State: rd.OAuthState,
		Login: func(context.Context, *core.Identity) error { return errors.New("must not be called") },
	})
	s, ok := res.(Success)
	require.True(t, ok, "expected Success, got %#v", res)
	require.Equal(t, StateTestCompleted, s.State())
	require.Nil(t, s.Identity)
	require.Equal(t, "https://site.test/admin/?test_complete=1", s.RedirectTo)
	require.Empty(t, h.users.All())

	got, ok, err := h.svc.TakeTestClaims(ctx, "admin-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc123", claims.Resolve(got, "sub"))

	_, ok, err = h.svc.TakeTestClaims(ctx, "admin-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, "a@b.com", claims.Resolve(h.svc.AvailableClaims(ctx), "email"))
}

func TestHandleCallback_IdentityErrorsPropagate(t *testing.T) {
	h := newHarness(t, func(cfg *core.Config) {
		cfg.Provider.DisableState = true
		cfg.Roles = roles.Mapping{Enabled: true, Attributes: "groups", DenyUnmapped: true}
	})
	f := requireFailure(t, h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "c"}), core.KindRoleNotMapped)
	require.Equal(t, StateClaimsFetched, f.At)
	require.Empty(t, h.users.All())
}

func TestHandleCallback_LoginCapabilityFailure(t *testing.T) {
	h := newHarness(t, func(cfg *core.Config) { cfg.Provider.DisableState = true })
	res := h.flow.HandleCallback(context.Background(), CallbackRequest{
		Code:  "c",
		Login: func(context.Context, *core.Identity) error { return errors.New("cookie jar full") },
	})
	requireFailure(t, res, core.KindRepositoryError)
}

func idToken(t *testing.T, nonce string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "abc123", "nonce": nonce}).SignedString([]byte("unused"))
	require.NoError(t, err)
	return s
}

func TestHandleCallback_VerifyNonce(t *testing.T) {
	verifying := func(cfg *core.Config) {
		cfg.Provider.SendNonce = true
		cfg.Provider.VerifyNonce = true
	}

	t.Run("match", func(t *testing.T) {
		h := newHarness(t, verifying)
		rd, q := h.initiate(t, InitiateRequest{})
		h.idp.set(func(i *fakeIDP) { i.tokenBody["id_token"] = idToken(t, q.Get("nonce")) })
		_, ok := h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "c", State: rd.OAuthState}).(Success)
		require.True(t, ok)
	})

	t.Run("mismatch", func(t *testing.T) {
		h := newHarness(t, verifying)
		rd, _ := h.initiate(t, InitiateRequest{})
		h.idp.set(func(i *fakeIDP) { i.tokenBody["id_token"] = idToken(t, "replayed") })
		f := requireFailure(t, h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "c", State: rd.OAuthState}), core.KindInvalidState)
		require.Equal(t, StateTokenExchanged, f.At)
	})

	t.Run("missing id_token", func(t *testing.T) {
		h := newHarness(t, verifying)
		rd, _ := h.initiate(t, InitiateRequest{})
		requireFailure(t, h.flow.HandleCallback(context.Background(), CallbackRequest{Code: "c", State: rd.OAuthState}), core.KindInvalidState)
	})
}
