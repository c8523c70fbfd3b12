package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces and verifies HMAC-SHA256 signatures over message bytes.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer with the shared secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex-encoded HMAC-SHA256 of message.
func (s *Signer) Sign(message []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the message. The comparison is
// constant-time.
func (s *Signer) Verify(message []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), expected)
}
