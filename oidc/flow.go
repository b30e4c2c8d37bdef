// Package oidckit runs the OAuth 2.0 authorization code flow against a single provider:
// building the authorization request, validating the callback, exchanging the code, fetching
// userinfo and handing the claims to the identity resolver.
package oidckit

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/open-rails/oauthlogin/claims"
	"github.com/open-rails/oauthlogin/core"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
)

// Flow is the flow controller. It holds no per-request state; every request goes through the
// ephemeral store owned by the Service.
type Flow struct {
	svc  *core.Service
	base *http.Client
	now  func() time.Time
	log  *slog.Logger
	tel  instruments
}

func NewFlow(svc *core.Service) *Flow {
	return &Flow{
		svc:  svc,
		base: http.DefaultClient,
		now:  time.Now,
		log:  svc.Logger().With("subsystem", "oauth_flow"),
		tel:  newInstruments(),
	}
}

// WithHTTPClient sets the client used for provider requests. Its Transport is reused; timeouts
// are applied per call from the service options.
func (f *Flow) WithHTTPClient(c *http.Client) *Flow {
	if c != nil {
		f.base = c
	}
	return f
}

func (f *Flow) WithClock(now func() time.Time) *Flow {
	f.now = now
	return f
}

func (f *Flow) WithLogger(l *slog.Logger) *Flow {
	if l != nil {
		f.log = l
	}
	return f
}

// InitiateRequest starts a flow. Initiator is the local identity ID of the administrator
// running a test flow; the boundary checks privileges before setting IsTest.
type InitiateRequest struct {
	IsTest     bool
	RedirectTo string
	Initiator  string
}

// CallbackRequest carries the callback query parameters and the session setter capability.
type CallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	// Login marks the resolved identity as authenticated. It may be nil.
	Login func(ctx context.Context, id *core.Identity) error
}

func (f *Flow) opts() core.Options { return f.svc.Options() }

// client returns an http.Client sharing the base transport with the given timeout.
func (f *Flow) client(timeout time.Duration) *http.Client {
	c := *f.base
	c.Timeout = timeout
	return &c
}

func (f *Flow) oauthConfig() *oauth2.Config {
	o := f.opts()
	p := o.Provider
	cfg := &oauth2.Config{
		RedirectURL: o.CallbackURL,
		Scopes:      strings.Fields(p.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthorizeEndpoint,
			TokenURL:  p.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	if p.CredentialsInHeader() {
		cfg.ClientID = p.ClientID
		cfg.ClientSecret = p.ClientSecret
		cfg.Endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}
	return cfg
}

// Initiate builds the authorization URL. A missing authorize endpoint or client ID is a
// configuration failure the caller must surface to the operator.
func (f *Flow) Initiate(ctx context.Context, req InitiateRequest) Result {
	ctx, span := f.tel.start(ctx, "oauthlogin.initiate", attribute.Bool("test", req.IsTest))
	o := f.opts()
	p := o.Provider

	if strings.TrimSpace(p.AuthorizeEndpoint) == "" || strings.TrimSpace(p.ClientID) == "" {
		err := core.NewError(core.KindConfiguration,
			"OAuth login is not configured: the authorize endpoint and client ID are required.", nil)
		endSpan(span, err)
		f.log.ErrorContext(ctx, "initiate refused", "err", err)
		return fail(StateIdle, err)
	}
	if req.IsTest && !p.SendState() {
		err := core.NewError(core.KindConfiguration,
			"Test logins need the state parameter; it is disabled in the provider settings.", nil)
		endSpan(span, err)
		return fail(StateIdle, err)
	}

	cfg := f.oauthConfig()
	cfg.ClientID = p.ClientID
	var authOpts []oauth2.AuthCodeOption

	redirectTo := f.svc.SafeRedirect(req.RedirectTo)
	if req.IsTest {
		redirectTo = o.TestCompleteURL
	}

	var state, nonce string
	if p.SendNonce {
		nonce = core.RandB64(32)
		authOpts = append(authOpts, gooidc.Nonce(nonce))
	}
	if p.SendState() {
		state = core.RandB64(32)
		fs := core.FlowSession{
			State:      state,
			IsTest:     req.IsTest,
			RedirectTo: redirectTo,
			CreatedAt:  f.now().UTC(),
			Initiator:  req.Initiator,
		}
		if p.VerifyNonce {
			fs.Nonce = nonce
		}
		if err := f.svc.PutFlowSession(ctx, fs, core.FlowSessionTTL); err != nil {
			e := core.NewError(core.KindConfiguration, "The login state could not be stored.", err)
			endSpan(span, err)
			f.log.ErrorContext(ctx, "flow session not stored", "err", err)
			return fail(StateIdle, e)
		}
	}

	u := cfg.AuthCodeURL(state, authOpts...)
	f.tel.countInitiated(ctx, req.IsTest)
	f.svc.LogLoginEvent(ctx, core.EventFromContext(ctx, core.LoginEvent{
		OccurredAt: f.now().UTC(), Event: core.LoginEventStarted, UserID: req.Initiator,
	}))
	f.log.InfoContext(ctx, "authorization requested", "test", req.IsTest, "state", statePrefix(state))
	endSpan(span, nil)
	return Redirect{URL: u, OAuthState: state}
}

// HandleCallback validates the callback and completes the flow. A consumed state can never be
// used again, whatever the outcome.
func (f *Flow) HandleCallback(ctx context.Context, req CallbackRequest) Result {
	ctx, span := f.tel.start(ctx, "oauthlogin.callback")
	res := f.handleCallback(ctx, req)
	f.tel.countCompleted(ctx, res)
	f.record(ctx, res)
	if fl, ok := res.(Failure); ok {
		span.SetAttributes(attribute.String("error.kind", string(fl.Err.Kind)), attribute.String("failed_at", string(fl.At)))
		endSpan(span, fl.Err)
	} else {
		span.SetAttributes(attribute.String("outcome", string(res.State())))
		endSpan(span, nil)
	}
	return res
}

func (f *Flow) handleCallback(ctx context.Context, req CallbackRequest) Result {
	o := f.opts()
	p := o.Provider

	if req.Error != "" {
		msg := req.ErrorDescription
		if msg == "" {
			msg = req.Error
		}
		return fail(StateCallbackReceived, core.NewError(core.KindProviderError, "Login failed: "+msg, nil))
	}
	if strings.TrimSpace(req.Code) == "" {
		return fail(StateCallbackReceived, core.NewError(core.KindNoCode, "No authorization code was returned.", nil))
	}

	var fs core.FlowSession
	if p.SendState() {
		got, ok, err := f.svc.TakeFlowSession(ctx, req.State)
		if err != nil || !ok {
			f.log.WarnContext(ctx, "callback with unknown state", "state", statePrefix(req.State), "err", err)
			return fail(StateCallbackReceived, core.NewError(core.KindInvalidState,
				"The login request is invalid or has expired. Please try again.", err))
		}
		fs = got
	}

	tok, ferr := f.exchange(ctx, req.Code)
	if ferr != nil {
		return fail(StateCallbackReceived, ferr)
	}
	if p.VerifyNonce {
		if err := verifyNonce(tok, fs.Nonce); err != nil {
			return fail(StateTokenExchanged, err)
		}
	}

	c, ferr := f.fetchUserInfo(ctx, tok.AccessToken)
	if ferr != nil {
		return fail(StateTokenExchanged, ferr)
	}

	if fs.IsTest {
		return f.completeTest(ctx, fs, c)
	}

	id, err := f.svc.FindOrCreate(ctx, c)
	if err != nil {
		return fail(StateClaimsFetched, core.AsError(err))
	}
	if req.Login != nil {
		if err := req.Login(ctx, id); err != nil {
			return fail(StateClaimsFetched, core.NewError(core.KindRepositoryError, "The session could not be started.", err))
		}
	}
	redirectTo := fs.RedirectTo
	if redirectTo == "" {
		redirectTo = o.AdminURL
	}
	return Success{Outcome: StateLoggedIn, Identity: id, Claims: c, RedirectTo: redirectTo}
}

// completeTest hands the claims back to the initiator without touching any identity.
func (f *Flow) completeTest(ctx context.Context, fs core.FlowSession, c claims.Claims) Result {
	if err := f.svc.StashTestClaims(ctx, fs.Initiator, c); err != nil {
		f.log.WarnContext(ctx, "test claims not stored", "err", err)
	}
	if err := f.svc.RememberAvailableClaims(ctx, c); err != nil {
		f.log.WarnContext(ctx, "available claims not stored", "err", err)
	}
	redirectTo := fs.RedirectTo
	if redirectTo == "" {
		redirectTo = f.opts().TestCompleteURL
	}
	return Success{Outcome: StateTestCompleted, Claims: c, RedirectTo: redirectTo}
}

func (f *Flow) record(ctx context.Context, res Result) {
	e := core.LoginEvent{OccurredAt: f.now().UTC()}
	switch r := res.(type) {
	case Success:
		e.Event = core.LoginEventSucceeded
		if r.Outcome == StateTestCompleted {
			e.Event = core.LoginEventTestCompleted
		}
		if r.Identity != nil {
			e.UserID = r.Identity.ID
			e.Subject = r.Identity.Subject
		}
		f.log.InfoContext(ctx, "login completed", "outcome", string(r.Outcome), "user_id", e.UserID)
	case Failure:
		e.Event = core.LoginEventFailed
		e.Kind = r.Err.Kind
		f.log.WarnContext(ctx, "login failed", "kind", string(r.Err.Kind), "at", string(r.At), "err", r.Err.Err)
	}
	f.svc.LogLoginEvent(ctx, core.EventFromContext(ctx, e))
}

// statePrefix keeps state values out of logs beyond a short correlation prefix.
func statePrefix(s string) string {
	if len(s) > 6 {
		return s[:6]
	}
	return s
}
