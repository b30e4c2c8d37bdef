package oidckit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/open-rails/oauthlogin/core"
	zoidc "github.com/zitadel/oidc/v2/pkg/oidc"
	"go.opentelemetry.io/otel/attribute"
)

// DiscoveryResult is the subset of a provider's discovery document offered to administrators.
// Missing fields are empty strings or empty lists, never nil.
type DiscoveryResult struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// DiscoveryURL appends the well-known path to base unless it is already there.
func DiscoveryURL(base string) string {
	base = strings.TrimSpace(base)
	if strings.HasSuffix(strings.TrimRight(base, "/"), zoidc.DiscoveryEndpoint) {
		return strings.TrimRight(base, "/")
	}
	return strings.TrimRight(base, "/") + zoidc.DiscoveryEndpoint
}

// Discover fetches and maps the discovery document at baseURL. The issuer is reported as
// published; it is not required to match baseURL.
func Discover(ctx context.Context, client *http.Client, baseURL string) (DiscoveryResult, error) {
	if strings.TrimSpace(baseURL) == "" {
		return DiscoveryResult{}, core.NewError(core.KindDiscoveryError, "A provider URL is required.", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, DiscoveryURL(baseURL), nil)
	if err != nil {
		return DiscoveryResult{}, core.NewError(core.KindDiscoveryError, "The provider URL is invalid.", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return DiscoveryResult{}, core.NewError(core.KindDiscoveryError, "The discovery document could not be fetched.", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DiscoveryResult{}, core.NewError(core.KindDiscoveryError,
			fmt.Sprintf("The discovery document could not be fetched: HTTP %d", resp.StatusCode), nil)
	}

	var doc zoidc.DiscoveryConfiguration
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return DiscoveryResult{}, core.NewError(core.KindDiscoveryError, "The discovery document is not valid JSON.", err)
	}

	out := DiscoveryResult{
		Issuer:                 doc.Issuer,
		AuthorizationEndpoint:  doc.AuthorizationEndpoint,
		TokenEndpoint:          doc.TokenEndpoint,
		UserinfoEndpoint:       doc.UserinfoEndpoint,
		EndSessionEndpoint:     doc.EndSessionEndpoint,
		JWKSURI:                doc.JwksURI,
		ScopesSupported:        nonNil(doc.ScopesSupported),
		ResponseTypesSupported: nonNil(doc.ResponseTypesSupported),
		ClaimsSupported:        nonNil(doc.ClaimsSupported),
	}
	out.GrantTypesSupported = make([]string, 0, len(doc.GrantTypesSupported))
	for _, g := range doc.GrantTypesSupported {
		out.GrantTypesSupported = append(out.GrantTypesSupported, string(g))
	}
	out.TokenEndpointAuthMethodsSupported = make([]string, 0, len(doc.TokenEndpointAuthMethodsSupported))
	for _, m := range doc.TokenEndpointAuthMethodsSupported {
		out.TokenEndpointAuthMethodsSupported = append(out.TokenEndpointAuthMethodsSupported, string(m))
	}
	return out, nil
}

// Discover runs Discover with the configured discovery timeout and records telemetry.
func (f *Flow) Discover(ctx context.Context, baseURL string) (DiscoveryResult, error) {
	ctx, span := f.tel.start(ctx, "oauthlogin.discovery", attribute.String("url", DiscoveryURL(baseURL)))
	start := time.Now()
	res, err := Discover(ctx, f.client(f.opts().DiscoveryTimeout), baseURL)
	f.tel.observe(ctx, "discovery", start)
	if err != nil {
		f.log.WarnContext(ctx, "discovery failed", "url", baseURL, "err", err)
	}
	endSpan(span, err)
	return res, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
