package oidckit

import (
	"crypto/subtle"

	"github.com/golang-jwt/jwt/v5"
	"github.com/open-rails/oauthlogin/core"
	"golang.org/x/oauth2"
)

// verifyNonce compares the nonce claim of the returned id_token with the one sent in the
// authorization request. The token signature is not checked.
func verifyNonce(tok *oauth2.Token, want string) *core.Error {
	invalid := func(err error) *core.Error {
		return core.NewError(core.KindInvalidState, "The login response could not be matched to this request.", err)
	}
	if want == "" {
		return invalid(nil)
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return invalid(nil)
	}
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mc); err != nil {
		return invalid(err)
	}
	got, _ := mc["nonce"].(string)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return invalid(nil)
	}
	return nil
}
