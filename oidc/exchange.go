package oidckit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/open-rails/oauthlogin/claims"
	"github.com/open-rails/oauthlogin/core"
	"golang.org/x/oauth2"
)

// exchange trades code for a token. Client credentials travel in the Basic header, the form
// body, or both, as configured.
func (f *Flow) exchange(ctx context.Context, code string) (*oauth2.Token, *core.Error) {
	o := f.opts()
	p := o.Provider
	ctx, span := f.tel.start(ctx, "oauthlogin.token_exchange")
	start := time.Now()

	if strings.TrimSpace(p.TokenEndpoint) == "" {
		err := core.NewError(core.KindConfiguration, "OAuth login is not configured: the token endpoint is required.", nil)
		endSpan(span, err)
		return nil, err
	}

	var params []oauth2.AuthCodeOption
	if p.GrantType != "" && p.GrantType != "authorization_code" {
		params = append(params, oauth2.SetAuthURLParam("grant_type", p.GrantType))
	}
	if p.CredentialsInBody() {
		params = append(params,
			oauth2.SetAuthURLParam("client_id", p.ClientID),
			oauth2.SetAuthURLParam("client_secret", p.ClientSecret),
		)
	}
	if p.ScopeInBody() && p.Scope != "" {
		params = append(params, oauth2.SetAuthURLParam("scope", p.Scope))
	}

	hc := f.client(o.ProviderTimeout)
	hc.Transport = strictStatus{next: hc.Transport}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	tok, err := f.oauthConfig().Exchange(ctx, code, params...)
	f.tel.observe(ctx, "token", start)
	if err != nil {
		ferr := tokenError(err)
		endSpan(span, ferr)
		return nil, ferr
	}
	endSpan(span, nil)
	return tok, nil
}

// strictStatus turns every token response other than 200 into a *tokenStatusError. The oauth2
// package alone accepts any 2xx status.
type strictStatus struct{ next http.RoundTripper }

func (s strictStatus) RoundTrip(req *http.Request) (*http.Response, error) {
	next := s.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	if err != nil || resp.StatusCode == http.StatusOK {
		return resp, err
	}
	defer resp.Body.Close()
	se := &tokenStatusError{Status: resp.StatusCode}
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body) == nil {
		se.Code, se.Description = body.Error, body.ErrorDescription
	}
	return nil, se
}

type tokenStatusError struct {
	Status      int
	Code        string
	Description string
}

func (e *tokenStatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token endpoint: HTTP %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("token endpoint: HTTP %d", e.Status)
}

// tokenError classifies an exchange error. Provider messages are kept; response bodies are
// not, since they may echo credentials.
func tokenError(err error) *core.Error {
	var se *tokenStatusError
	if errors.As(err, &se) {
		return core.NewError(core.KindTokenError, "Token request failed: "+providerMessage(se.Description, se.Code, se.Status), se)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		cause := &tokenStatusError{Status: status, Code: re.ErrorCode}
		return core.NewError(core.KindTokenError, "Token request failed: "+providerMessage(re.ErrorDescription, re.ErrorCode, status), cause)
	}
	if strings.Contains(err.Error(), "missing access_token") {
		return core.NewError(core.KindNoAccessToken, "The provider did not return an access token.", err)
	}
	return core.NewError(core.KindTokenError, "Token request failed.", err)
}

func providerMessage(description, code string, status int) string {
	switch {
	case description != "":
		return description
	case code != "":
		return code
	}
	return fmt.Sprintf("HTTP %d", status)
}

// fetchUserInfo calls the userinfo endpoint with the access token as a Bearer credential.
func (f *Flow) fetchUserInfo(ctx context.Context, accessToken string) (claims.Claims, *core.Error) {
	o := f.opts()
	ctx, span := f.tel.start(ctx, "oauthlogin.userinfo")
	start := time.Now()
	defer f.tel.observe(ctx, "userinfo", start)

	endpoint := strings.TrimSpace(o.Provider.UserinfoEndpoint)
	if endpoint == "" {
		err := core.NewError(core.KindConfiguration, "OAuth login is not configured: the userinfo endpoint is required.", nil)
		endSpan(span, err)
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.base)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
	hc.Timeout = o.ProviderTimeout

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		ferr := core.NewError(core.KindUserInfoError, "Userinfo request failed.", err)
		endSpan(span, ferr)
		return nil, ferr
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		ferr := core.NewError(core.KindUserInfoError, "Userinfo request failed.", err)
		endSpan(span, ferr)
		return nil, ferr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		ferr := core.NewError(core.KindUserInfoError, fmt.Sprintf("Userinfo request failed: HTTP %d", resp.StatusCode), nil)
		endSpan(span, ferr)
		return nil, ferr
	}
	var c claims.Claims
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil || c == nil {
		ferr := core.NewError(core.KindUserInfoError, "Userinfo response could not be parsed.", err)
		endSpan(span, ferr)
		return nil, ferr
	}
	endSpan(span, nil)
	return c, nil
}
