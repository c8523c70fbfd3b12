package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTokenTTL is applied when IssueToken is called with a zero TTL.
const DefaultTokenTTL = 24 * time.Hour

// ErrTokenNotFound covers unknown and expired tokens alike; an expired
// token is deleted on lookup, so callers cannot distinguish the two.
var ErrTokenNotFound = errors.New("token not found")

// Token is a short-lived credential bound to a robot.
type Token struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	RobotID   string    `json:"robot_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero = never expires
}

// TokenManager issues and validates robot auth tokens.
type TokenManager struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewTokenManager creates an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*Token)}
}

// IssueToken mints a 32-byte URL-safe random token for the robot. A zero
// ttl falls back to DefaultTokenTTL; a negative ttl produces a token that
// never expires.
func (tm *TokenManager) IssueToken(robotID, tokenType string, scopes []string, ttl time.Duration) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	if ttl == 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	tok := &Token{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		TokenType: tokenType,
		RobotID:   robotID,
		Scopes:    scopes,
		CreatedAt: now,
	}
	if ttl > 0 {
		tok.ExpiresAt = now.Add(ttl)
	}

	tm.mu.Lock()
	tm.tokens[tok.Token] = tok
	tm.mu.Unlock()

	return tok, nil
}

// ValidateToken returns the token record iff the token exists and has not
// expired. Expired tokens are deleted lazily on lookup.
func (tm *TokenManager) ValidateToken(token string) (*Token, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tok, ok := tm.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if !tok.ExpiresAt.IsZero() && !time.Now().Before(tok.ExpiresAt) {
		delete(tm.tokens, token)
		return nil, ErrTokenNotFound
	}
	return tok, nil
}

// HasScope reports whether the token carries the scope.
func (t *Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RevokeToken deletes a single token.
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// RevokeRobotTokens deletes every token issued to the robot and returns
// how many were removed.
func (tm *TokenManager) RevokeRobotTokens(robotID string) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	removed := 0
	for key, tok := range tm.tokens {
		if tok.RobotID == robotID {
			delete(tm.tokens, key)
			removed++
		}
	}
	return removed
}

// CleanupExpired removes every expired token. Validation already deletes
// lazily; this sweep bounds the map for tokens never looked up again.
func (tm *TokenManager) CleanupExpired() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for key, tok := range tm.tokens {
		if !tok.ExpiresAt.IsZero() && now.After(tok.ExpiresAt) {
			delete(tm.tokens, key)
		}
	}
}

// ActiveTokens returns the number of live tokens.
func (tm *TokenManager) ActiveTokens() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.tokens)
}
