package authhttp

// Rate limit bucket names.
const (
	RLLoginStart      = "oauth_login_start"
	RLLoginCallback   = "oauth_login_callback"
	RLLogout          = "oauth_logout"
	RLLoginError      = "oauth_login_error"
	RLTestClaims      = "oauth_test_claims"
	RLAvailableClaims = "oauth_available_claims"
	RLDiscovery       = "oauth_discovery"
)
