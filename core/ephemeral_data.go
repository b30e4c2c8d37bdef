package core

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/open-rails/oauthlogin/claims"
)

const (
	keyFlowState       = "oauth:state:"
	keyTestClaims      = "oauth:test_claims:"
	keyAvailableClaims = "oauth:available_claims"
	keyLoginError      = "oauth:login_error:"
	keyLogoutMarker    = "oauth:logout:"
)

const (
	FlowSessionTTL     = 600 * time.Second
	TestClaimsTTL      = 60 * time.Second
	AvailableClaimsTTL = 86400 * time.Second
	LoginErrorTTL      = 60 * time.Second
	LogoutMarkerTTL    = 60 * time.Second
)

// FlowSession is the server-side half of an authorization request, keyed by its state value.
type FlowSession struct {
	State      string    `cbor:"1,keyasint"`
	IsTest     bool      `cbor:"2,keyasint,omitempty"`
	RedirectTo string    `cbor:"3,keyasint,omitempty"`
	CreatedAt  time.Time `cbor:"4,keyasint"`
	// Initiator is the local identity that started a test flow; test claims are handed back to it.
	Initiator string `cbor:"5,keyasint,omitempty"`
	// Nonce is only stored when nonce verification is enabled.
	Nonce string `cbor:"6,keyasint,omitempty"`
}

type logoutMarker struct {
	EndSessionEndpoint string `json:"end_session_endpoint"`
	ClientID           string `json:"client_id"`
}

// PutFlowSession stores fs under its state for FlowSessionTTL (or ttl when positive).
func (s *Service) PutFlowSession(ctx context.Context, fs FlowSession, ttl time.Duration) error {
	if fs.State == "" {
		return fmt.Errorf("flow session without state")
	}
	if ttl <= 0 {
		ttl = FlowSessionTTL
	}
	b, err := cbor.Marshal(fs)
	if err != nil {
		return fmt.Errorf("encode flow session: %w", err)
	}
	return s.write(ctx, keyFlowState+fs.State, b, ttl)
}

// TakeFlowSession consumes the session for state. A second call for the same state, or a call
// after expiry, reports found=false.
func (s *Service) TakeFlowSession(ctx context.Context, state string) (FlowSession, bool, error) {
	if state == "" {
		return FlowSession{}, false, nil
	}
	b, ok, err := s.read(ctx, keyFlowState+state, true)
	if err != nil || !ok {
		return FlowSession{}, false, err
	}
	var fs FlowSession
	if err := cbor.Unmarshal(b, &fs); err != nil {
		return FlowSession{}, false, fmt.Errorf("decode flow session: %w", err)
	}
	if fs.State != state {
		return FlowSession{}, false, nil
	}
	return fs, true, nil
}

// StashTestClaims hands claims from a test flow back to the identity that started it.
func (s *Service) StashTestClaims(ctx context.Context, initiator string, c claims.Claims) error {
	return s.ephemSetJSON(ctx, keyTestClaims+initiator, c, TestClaimsTTL)
}

// TakeTestClaims returns the stashed test claims once.
func (s *Service) TakeTestClaims(ctx context.Context, initiator string) (claims.Claims, bool, error) {
	var c claims.Claims
	ok, err := s.ephemTakeJSON(ctx, keyTestClaims+initiator, &c)
	if err != nil || !ok {
		return nil, false, err
	}
	return c, true, nil
}

// RememberAvailableClaims keeps the last observed claim set for admin mapping suggestions.
func (s *Service) RememberAvailableClaims(ctx context.Context, c claims.Claims) error {
	return s.ephemSetJSON(ctx, keyAvailableClaims, c, AvailableClaimsTTL)
}

// AvailableClaims is best effort: any failure simply reports nothing.
func (s *Service) AvailableClaims(ctx context.Context) claims.Claims {
	var c claims.Claims
	if ok, err := s.ephemGetJSON(ctx, keyAvailableClaims, &c); err != nil || !ok {
		return nil
	}
	return c
}

// SetLoginError stores a user-visible message for the caller identified by fingerprint.
func (s *Service) SetLoginError(ctx context.Context, fingerprint, message string) error {
	return s.write(ctx, keyLoginError+fingerprint, []byte(message), LoginErrorTTL)
}

// TakeLoginError returns and clears the message stored for fingerprint.
func (s *Service) TakeLoginError(ctx context.Context, fingerprint string) (string, bool, error) {
	b, ok, err := s.read(ctx, keyLoginError+fingerprint, true)
	if err != nil || !ok {
		return "", false, err
	}
	return string(b), true, nil
}

// BeginLogout flags the caller for a provider end-session redirect. It is a no-op unless the
// identity came from this provider and an end-session endpoint is configured.
func (s *Service) BeginLogout(ctx context.Context, fingerprint string, id *Identity) error {
	if id == nil || id.Subject == "" || s.opts.Provider.EndSessionEndpoint == "" {
		return nil
	}
	m := logoutMarker{EndSessionEndpoint: s.opts.Provider.EndSessionEndpoint, ClientID: s.opts.Provider.ClientID}
	return s.ephemSetJSON(ctx, keyLogoutMarker+fingerprint, m, LogoutMarkerTTL)
}

// LogoutRedirect rewrites the local post-logout redirect to the provider's end-session
// endpoint when BeginLogout flagged the caller. Only redirects to the login page are
// intercepted, and the marker is consumed so the rewrite happens exactly once.
func (s *Service) LogoutRedirect(ctx context.Context, fingerprint, location string) string {
	if !sameTarget(location, s.opts.LoginURL) {
		return location
	}
	var m logoutMarker
	ok, err := s.ephemTakeJSON(ctx, keyLogoutMarker+fingerprint, &m)
	if err != nil || !ok || m.EndSessionEndpoint == "" {
		return location
	}
	u, err := url.Parse(m.EndSessionEndpoint)
	if err != nil {
		return location
	}
	q := u.Query()
	if m.ClientID != "" {
		q.Set("client_id", m.ClientID)
	}
	q.Set("post_logout_redirect_uri", s.opts.HomeURL)
	u.RawQuery = q.Encode()
	return u.String()
}

// sameTarget compares scheme-less path targets so "/login?loggedout=true" matches "https://x/login".
func sameTarget(location, target string) bool {
	a, err1 := url.Parse(location)
	b, err2 := url.Parse(target)
	if err1 != nil || err2 != nil {
		return false
	}
	if a.Host != "" && b.Host != "" && a.Host != b.Host {
		return false
	}
	return a.Path == b.Path
}
