package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const keySession = "oauth:session:"

// SessionTTL bounds a browser session issued by IssueSession.
const SessionTTL = 12 * time.Hour

// Session is the server-side view of a browser session (no token).
type Session struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UserAgent *string   `json:"user_agent,omitempty"`
	IPAddr    *string   `json:"ip_addr,omitempty"`
}

// IssueSession records a session for userID and returns the opaque token to hand to the
// browser. Only a hash of the token is used as the storage key.
func (s *Service) IssueSession(ctx context.Context, userID, userAgent, ip string, ttl time.Duration) (string, Session, error) {
	if strings.TrimSpace(userID) == "" {
		return "", Session{}, errors.New("session without user")
	}
	if ttl <= 0 {
		ttl = SessionTTL
	}
	now := time.Now().UTC()
	sess := Session{
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		UserAgent: nullable(userAgent),
		IPAddr:    nullable(ip),
	}
	token := RandB64(32)
	if err := s.ephemSetJSON(ctx, keySession+hashToken(token), sess, ttl); err != nil {
		return "", Session{}, err
	}
	return token, sess, nil
}

// ResolveSession looks up the session for token. Unknown and expired tokens report found=false.
func (s *Service) ResolveSession(ctx context.Context, token string) (Session, bool, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, false, nil
	}
	var sess Session
	ok, err := s.ephemGetJSON(ctx, keySession+hashToken(token), &sess)
	if err != nil || !ok {
		return Session{}, false, err
	}
	return sess, true, nil
}

// RevokeSession forgets the session for token. Revoking an unknown token is not an error.
func (s *Service) RevokeSession(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	st, err := s.ephemeral()
	if err != nil {
		return err
	}
	return st.Del(ctx, keySession+hashToken(token))
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
