package core

import "errors"

// Class groups error kinds by how the caller must react.
type Class string

const (
	// ClassConfiguration aborts with an operator-facing message.
	ClassConfiguration Class = "configuration"
	// ClassProtocol and ClassIdentity are shown on the login page; the flow restarts from scratch.
	ClassProtocol Class = "protocol"
	ClassIdentity Class = "identity"
)

// Kind identifies a specific login failure.
type Kind string

const (
	KindConfiguration Kind = "configuration"

	KindProviderError  Kind = "provider_error"
	KindNoCode         Kind = "no_code"
	KindInvalidState   Kind = "invalid_state"
	KindNoAccessToken  Kind = "no_access_token"
	KindTokenError     Kind = "token_error"
	KindUserInfoError  Kind = "userinfo_error"
	KindDiscoveryError Kind = "discovery_error"

	KindRoleNotMapped       Kind = "role_not_mapped"
	KindUsernameUnavailable Kind = "no_username"
	KindRepositoryError     Kind = "repository_error"
)

func (k Kind) Class() Class {
	switch k {
	case KindConfiguration:
		return ClassConfiguration
	case KindRoleNotMapped, KindUsernameUnavailable, KindRepositoryError:
		return ClassIdentity
	}
	return ClassProtocol
}

// Error is the single error type returned by the login flow. Message is safe to show to the
// end user and never contains secrets or tokens.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, so errors.Is(err, ErrInvalidState) holds for any message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind
}

// Fatal reports whether the error must abort instead of being shown on the login page.
func (e *Error) Fatal() bool { return e != nil && e.Kind.Class() == ClassConfiguration }

var (
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrProviderError       = &Error{Kind: KindProviderError}
	ErrNoCode              = &Error{Kind: KindNoCode}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrNoAccessToken       = &Error{Kind: KindNoAccessToken}
	ErrTokenError          = &Error{Kind: KindTokenError}
	ErrUserInfoError       = &Error{Kind: KindUserInfoError}
	ErrDiscoveryError      = &Error{Kind: KindDiscoveryError}
	ErrRoleNotMapped       = &Error{Kind: KindRoleNotMapped}
	ErrUsernameUnavailable = &Error{Kind: KindUsernameUnavailable}
	ErrRepositoryError     = &Error{Kind: KindRepositoryError}
)

// NewError builds an *Error of the given kind. err may be nil.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AsError extracts the flow error from err. Anything that is not already an *Error is reported
// as a repository error, since only storage collaborators return foreign errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindRepositoryError, Message: "User storage failed.", Err: err}
}
