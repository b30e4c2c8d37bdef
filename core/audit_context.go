package core

import "context"

type authCtxKey string

const authCtxKeyRequestMeta authCtxKey = "oauthlogin.request_meta"

type requestMeta struct {
	ip        string
	userAgent string
}

// WithRequestMeta annotates ctx with the caller's IP and user agent for login events.
func WithRequestMeta(ctx context.Context, ip, userAgent string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, authCtxKeyRequestMeta, requestMeta{ip: ip, userAgent: userAgent})
}

// EventFromContext fills the request metadata of e from ctx.
func EventFromContext(ctx context.Context, e LoginEvent) LoginEvent {
	if ctx == nil {
		return e
	}
	m, ok := ctx.Value(authCtxKeyRequestMeta).(requestMeta)
	if !ok {
		return e
	}
	if m.ip != "" {
		ip := m.ip
		e.IPAddr = &ip
	}
	if m.userAgent != "" {
		ua := m.userAgent
		e.UserAgent = &ua
	}
	return e
}
