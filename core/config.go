package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/open-rails/oauthlogin/claims"
	"github.com/open-rails/oauthlogin/roles"
)

// DefaultScope asks Zitadel (and standard OIDC providers) for profile data plus user metadata.
const DefaultScope = "openid profile email urn:zitadel:iam:user:metadata"

// DisplayNameFormat selects how a display name is built from claims.
type DisplayNameFormat string

const (
	DisplayFirstLast DisplayNameFormat = "firstname_lastname"
	DisplayLastFirst DisplayNameFormat = "lastname_firstname"
	DisplayFirst     DisplayNameFormat = "firstname"
	DisplayUsername  DisplayNameFormat = "username"
	DisplayEmail     DisplayNameFormat = "email"
	DisplayNameClaim DisplayNameFormat = "name_claim"
)

// ClientAuthMode selects how client credentials travel on the token request.
type ClientAuthMode string

const (
	// ClientAuthHeaderAndBody sends the Basic header and the form fields. It is the default.
	ClientAuthHeaderAndBody ClientAuthMode = "header_and_body"
	ClientAuthHeader        ClientAuthMode = "header"
	ClientAuthBody          ClientAuthMode = "body"
	// ClientAuthNone sends no client secret, for public clients.
	ClientAuthNone ClientAuthMode = "none"
)

// ClientAuthFor maps the two independent transmission switches onto a mode.
func ClientAuthFor(header, body bool) ClientAuthMode {
	switch {
	case header && body:
		return ClientAuthHeaderAndBody
	case header:
		return ClientAuthHeader
	case body:
		return ClientAuthBody
	}
	return ClientAuthNone
}

// ProviderConfig describes the single upstream authorization server. The zero value of every
// switch is the safe default: state on, credentials in header and body, scope in body.
type ProviderConfig struct {
	AuthorizeEndpoint  string
	TokenEndpoint      string
	UserinfoEndpoint   string
	EndSessionEndpoint string

	ClientID     string
	ClientSecret string
	Scope        string
	GrantType    string

	ClientAuth      ClientAuthMode
	OmitScopeInBody bool

	// DisableState skips the CSRF state parameter and the flow session behind it. Test mode
	// and nonce verification are unavailable without state.
	DisableState bool
	SendNonce    bool
	// VerifyNonce persists the nonce with the flow session and checks it against the id_token
	// returned by the token endpoint. Requires SendNonce and state.
	VerifyNonce bool
}

func (p ProviderConfig) CredentialsInHeader() bool {
	return p.ClientAuth == "" || p.ClientAuth == ClientAuthHeaderAndBody || p.ClientAuth == ClientAuthHeader
}

func (p ProviderConfig) CredentialsInBody() bool {
	return p.ClientAuth == "" || p.ClientAuth == ClientAuthHeaderAndBody || p.ClientAuth == ClientAuthBody
}

func (p ProviderConfig) ScopeInBody() bool { return !p.OmitScopeInBody }
func (p ProviderConfig) SendState() bool   { return !p.DisableState }

// AttributeMapping names the claim paths used for the built-in profile fields.
type AttributeMapping struct {
	Username          string
	Email             string
	FirstName         string
	LastName          string
	DisplayNameFormat DisplayNameFormat
}

// CustomAttribute copies one claim into a named local profile attribute.
type CustomAttribute struct {
	LocalField string `json:"local_field"`
	ClaimPath  string `json:"claim_path"`
}

// Config is the host-facing configuration. NewFromConfig fills defaults and validates it.
type Config struct {
	Provider         ProviderConfig
	Attributes       AttributeMapping
	CustomAttributes []CustomAttribute
	Roles            roles.Mapping

	// MetadataClaim holds Base64 encoded provider metadata. Defaults to the Zitadel URN.
	MetadataClaim string

	// CallbackURL is the fixed redirect_uri registered with the provider.
	CallbackURL string
	// HomeURL is the site root; used as post-logout redirect and to validate redirect targets.
	HomeURL string
	// AdminURL is the default post-login target.
	AdminURL string
	// LoginURL is where failed flows land so the login page can show the stored error.
	LoginURL string
	// TestCompleteURL is where a finished test flow lands. Defaults to AdminURL?test_complete=1.
	TestCompleteURL string

	// FingerprintKey keys the caller fingerprint hash. Random per process when empty.
	FingerprintKey []byte

	// Optional provider HTTP timeouts (defaults 30s and 15s).
	ProviderTimeout  time.Duration
	DiscoveryTimeout time.Duration
}

// Options is the validated, defaulted configuration used at runtime.
type Options struct {
	Provider         ProviderConfig
	Attributes       AttributeMapping
	CustomAttributes []CustomAttribute
	Roles            roles.Mapping
	MetadataClaim    string
	CallbackURL      string
	HomeURL          string
	AdminURL         string
	LoginURL         string
	TestCompleteURL  string
	FingerprintKey   []byte
	ProviderTimeout  time.Duration
	DiscoveryTimeout time.Duration
}

// DefaultProviderConfig returns the defaults NewFromConfig would fill in, spelled out.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Scope:      DefaultScope,
		GrantType:  "authorization_code",
		ClientAuth: ClientAuthHeaderAndBody,
	}
}

func (c Config) options() (Options, error) {
	callback := strings.TrimSpace(c.CallbackURL)
	if callback == "" {
		return Options{}, fmt.Errorf("oauthlogin: CallbackURL is required (e.g., \"https://example.com/auth/oauth/callback\")")
	}
	u, err := url.Parse(callback)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Options{}, fmt.Errorf("oauthlogin: CallbackURL must be an absolute URL, got %q", callback)
	}

	home := strings.TrimSpace(c.HomeURL)
	if home == "" {
		home = u.Scheme + "://" + u.Host + "/"
	}
	admin := strings.TrimSpace(c.AdminURL)
	if admin == "" {
		admin = strings.TrimRight(home, "/") + "/admin/"
	}
	login := strings.TrimSpace(c.LoginURL)
	if login == "" {
		login = strings.TrimRight(home, "/") + "/login"
	}
	testDone := strings.TrimSpace(c.TestCompleteURL)
	if testDone == "" {
		testDone = appendQuery(admin, "test_complete", "1")
	}

	p := c.Provider
	if strings.TrimSpace(p.Scope) == "" {
		p.Scope = DefaultScope
	}
	if strings.TrimSpace(p.GrantType) == "" {
		p.GrantType = "authorization_code"
	}
	switch p.ClientAuth {
	case "":
		p.ClientAuth = ClientAuthHeaderAndBody
	case ClientAuthHeaderAndBody, ClientAuthHeader, ClientAuthBody, ClientAuthNone:
	default:
		return Options{}, fmt.Errorf("oauthlogin: unknown Provider.ClientAuth %q", p.ClientAuth)
	}
	if p.VerifyNonce && !p.SendNonce {
		return Options{}, fmt.Errorf("oauthlogin: Provider.VerifyNonce requires Provider.SendNonce")
	}
	if p.VerifyNonce && p.DisableState {
		return Options{}, fmt.Errorf("oauthlogin: Provider.VerifyNonce requires state (Provider.DisableState must be false)")
	}

	attrs := c.Attributes
	if attrs.Username == "" {
		attrs.Username = "preferred_username"
	}
	if attrs.Email == "" {
		attrs.Email = "email"
	}
	if attrs.FirstName == "" {
		attrs.FirstName = "given_name"
	}
	if attrs.LastName == "" {
		attrs.LastName = "family_name"
	}
	if attrs.DisplayNameFormat == "" {
		attrs.DisplayNameFormat = DisplayFirstLast
	}

	rm := c.Roles
	if rm.DefaultRole == "" {
		rm.DefaultRole = roles.DefaultRole
	}

	custom := make([]CustomAttribute, 0, len(c.CustomAttributes))
	for _, m := range c.CustomAttributes {
		field := strings.TrimSpace(m.LocalField)
		path := strings.TrimSpace(m.ClaimPath)
		if field == "" || path == "" {
			continue
		}
		custom = append(custom, CustomAttribute{LocalField: field, ClaimPath: path})
	}

	md := c.MetadataClaim
	if md == "" {
		md = claims.DefaultMetadataClaim
	}
	pt := c.ProviderTimeout
	if pt <= 0 {
		pt = 30 * time.Second
	}
	dt := c.DiscoveryTimeout
	if dt <= 0 {
		dt = 15 * time.Second
	}

	key := c.FingerprintKey
	if len(key) == 0 {
		key = randBytes(32)
	}

	return Options{
		Provider:         p,
		Attributes:       attrs,
		CustomAttributes: custom,
		Roles:            rm,
		MetadataClaim:    md,
		CallbackURL:      callback,
		HomeURL:          home,
		AdminURL:         admin,
		LoginURL:         login,
		TestCompleteURL:  testDone,
		FingerprintKey:   key,
		ProviderTimeout:  pt,
		DiscoveryTimeout: dt,
	}, nil
}

// ParseCustomAttributes parses "field=claim;field=claim".
func ParseCustomAttributes(s string) ([]CustomAttribute, error) {
	var out []CustomAttribute
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		field, path, ok := strings.Cut(part, "=")
		field, path = strings.TrimSpace(field), strings.TrimSpace(path)
		if !ok || field == "" || path == "" {
			return nil, fmt.Errorf("invalid attribute mapping %q (want field=claim)", part)
		}
		out = append(out, CustomAttribute{LocalField: field, ClaimPath: path})
	}
	return out, nil
}

func appendQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
