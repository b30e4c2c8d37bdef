package oidckit

import (
	"github.com/open-rails/oauthlogin/claims"
	"github.com/open-rails/oauthlogin/core"
)

// FlowState names the steps of an authorization code flow.
type FlowState string

const (
	StateIdle                   FlowState = "idle"
	StateAuthorizationRequested FlowState = "authorization_requested"
	StateCallbackReceived       FlowState = "callback_received"
	StateTokenExchanged         FlowState = "token_exchanged"
	StateClaimsFetched          FlowState = "claims_fetched"
	StateLoggedIn               FlowState = "logged_in"
	StateTestCompleted          FlowState = "test_completed"
	StateFailed                 FlowState = "failed"
)

// Result is what Initiate and HandleCallback return. It is one of Redirect, Success or Failure;
// the HTTP boundary turns it into a response.
type Result interface {
	// State is the terminal state reached by the operation.
	State() FlowState
	result()
}

// Redirect sends the browser to the provider's authorization endpoint.
type Redirect struct {
	URL string
	// OAuthState is the state value sent to the provider, empty when state is disabled.
	OAuthState string
}

func (Redirect) State() FlowState { return StateAuthorizationRequested }
func (Redirect) result()          {}

// Success is a completed callback. Identity is nil for test flows.
type Success struct {
	Outcome    FlowState
	Identity   *core.Identity
	Claims     claims.Claims
	RedirectTo string
}

func (s Success) State() FlowState { return s.Outcome }
func (Success) result()            {}

// Failure carries a classified error and the last state reached before it.
type Failure struct {
	Err *core.Error
	// At is the state the flow was in when it failed.
	At FlowState
}

func (Failure) State() FlowState { return StateFailed }
func (Failure) result()          {}

func fail(at FlowState, err *core.Error) Failure { return Failure{Err: err, At: at} }
