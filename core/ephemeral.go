package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// EphemeralMode names the backend holding short-lived login state. Memory is per process and
// only acceptable in development.
type EphemeralMode string

const (
	EphemeralMemory   EphemeralMode = "memory"
	EphemeralRedis    EphemeralMode = "redis"
	EphemeralPostgres EphemeralMode = "postgres"
)

// ErrNoEphemeralStore is returned by every operation that needs login state storage when
// WithEphemeralStore was never called.
var ErrNoEphemeralStore = errors.New("oauthlogin: no ephemeral store attached")

// EphemeralStore holds flow sessions, one-shot messages and browser sessions.
// Missing or expired keys read as (found=false, err=nil).
//
// TakeOnce is an atomic get-and-delete: for any key at most one caller ever receives the value,
// even when several race for it.
type EphemeralStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	TakeOnce(ctx context.Context, key string) ([]byte, bool, error)
}

func (s *Service) WithEphemeralStore(store EphemeralStore, mode EphemeralMode) *Service {
	if mode == "" {
		mode = EphemeralMemory
	}
	s.ephemeralStore = store
	s.ephemeralMode = mode
	return s
}

func (s *Service) EphemeralMode() EphemeralMode {
	if s == nil || s.ephemeralMode == "" {
		return EphemeralMemory
	}
	return s.ephemeralMode
}

func (s *Service) ephemeral() (EphemeralStore, error) {
	if s == nil || s.ephemeralStore == nil {
		return nil, ErrNoEphemeralStore
	}
	return s.ephemeralStore, nil
}

// read fetches key with Get or, when consume is set, TakeOnce.
func (s *Service) read(ctx context.Context, key string, consume bool) ([]byte, bool, error) {
	st, err := s.ephemeral()
	if err != nil {
		return nil, false, err
	}
	if consume {
		return st.TakeOnce(ctx, key)
	}
	return st.Get(ctx, key)
}

func (s *Service) write(ctx context.Context, key string, b []byte, ttl time.Duration) error {
	st, err := s.ephemeral()
	if err != nil {
		return err
	}
	return st.Set(ctx, key, b, ttl)
}

func (s *Service) ephemSetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.write(ctx, key, b, ttl)
}

func (s *Service) ephemGetJSON(ctx context.Context, key string, out any) (bool, error) {
	b, ok, err := s.read(ctx, key, false)
	return unmarshalFound(b, ok, err, out)
}

func (s *Service) ephemTakeJSON(ctx context.Context, key string, out any) (bool, error) {
	b, ok, err := s.read(ctx, key, true)
	return unmarshalFound(b, ok, err, out)
}

func unmarshalFound(b []byte, ok bool, err error, out any) (bool, error) {
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}
