// Package token issues and verifies signed, expiring approval tokens for
// HITL gates. Tokens are self-contained: run id, gate name, and expiry are
// embedded and HMAC-SHA256 signed, so verification needs no store lookup.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mylo-james/myloware/internal/domain"
)

// Signer signs and verifies gate tokens with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer. The secret must be non-empty.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Claims are the facts embedded in a gate token.
type Claims struct {
	RunID     string `json:"run_id"`
	GateName  string `json:"gate_name"`
	ExpiresAt int64  `json:"exp"` // Unix seconds
}

// Sign produces a token for the gate, valid until expiresAt.
func (s *Signer) Sign(runID, gateName string, expiresAt time.Time) (string, error) {
	claims := Claims{
		RunID:     runID,
		GateName:  gateName,
		ExpiresAt: expiresAt.Unix(),
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + s.sign(payload), nil
}

// Verify checks signature and expiry and returns the embedded claims.
// A bad signature or malformed token yields domain.ErrInvalidToken; a
// well-formed token past its expiry yields domain.ErrExpiredToken.
func (s *Signer) Verify(tok string) (*Claims, error) {
	payload, sig, ok := strings.Cut(tok, ".")
	if !ok || payload == "" || sig == "" {
		return nil, domain.ErrInvalidToken
	}
	if !hmac.Equal([]byte(s.sign(payload)), []byte(sig)) {
		return nil, domain.ErrInvalidToken
	}

	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, domain.ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, domain.ErrInvalidToken
	}
	if claims.RunID == "" || claims.GateName == "" {
		return nil, domain.ErrInvalidToken
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, domain.ErrExpiredToken
	}
	return &claims, nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
