package security

import "time"

// Config tunes the security manager.
type Config struct {
	SigningSecret     []byte
	TokenTTL          time.Duration
	RateLimitWindow   time.Duration
	RateLimitRequests int
}

// Manager bundles the three security concerns the server depends on:
// token issuance/validation, message signing and per-identity rate limits.
type Manager struct {
	Tokens  *TokenManager
	Signer  *Signer
	Limiter *RateLimiter

	tokenTTL time.Duration
}

// NewManager wires a manager from config. Zero values fall back to 24h
// tokens and 100 requests per minute.
func NewManager(cfg Config) *Manager {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.RateLimitRequests == 0 {
		cfg.RateLimitRequests = 100
	}

	return &Manager{
		Tokens:   NewTokenManager(),
		Signer:   NewSigner(cfg.SigningSecret),
		Limiter:  NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitRequests),
		tokenTTL: cfg.TokenTTL,
	}
}

// IssueRobotToken mints a robot auth token with the configured TTL.
func (m *Manager) IssueRobotToken(robotID string, scopes []string) (*Token, error) {
	return m.Tokens.IssueToken(robotID, "robot", scopes, m.tokenTTL)
}
