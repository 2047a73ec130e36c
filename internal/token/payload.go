package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/factory-guard/internal/keys"
)

// PayloadVersion is the current payload schema.
const PayloadVersion = 1

// Sentinel errors for token validation.
var (
	ErrTokenInvalid        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrTTLTooLong          = errors.New("token ttl exceeds maximum")
	ErrInvitationExhausted = errors.New("invitation exhausted")
	ErrInvitationNotFound  = errors.New("invitation not found")
)

// Kind distinguishes token families sealed under the same keys.
type Kind string

// Token kinds.
const (
	KindEnterprise Kind = "enterprise"
	KindInvitation Kind = "invitation"
)

// Subject identifies who or what a token speaks for.
type Subject struct {
	UserID       string `json:"uid,omitempty"`
	CompanyID    string `json:"cid,omitempty"`
	Role         string `json:"role,omitempty"`
	SessionID    string `json:"sid,omitempty"`
	InvitationID string `json:"inv,omitempty"`
}

// Payload is the sealed content of a token.
type Payload struct {
	Version   int       `json:"v"`
	Kind      Kind      `json:"typ"`
	TokenID   string    `json:"jti"`
	KeyID     string    `json:"kid"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
	Subject   Subject   `json:"sub"`
}

// Keyring is the view of the keystore tokens need.
type Keyring interface {
	Current() *keys.Key
	Keys() []*keys.Key
}

// Seal stamps p with k's ID and encrypts it under k.
func Seal(p Payload, k *keys.Key) (string, error) {
	p.Version = PayloadVersion
	p.KeyID = k.ID
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshalling token payload: %w", err)
	}
	return Encrypt(b, k.EncryptionKey())
}

// Open trial-decrypts token against the keyring, current key first. A key
// matches only if the plaintext parses and names that key.
func Open(token string, ring Keyring) (Payload, error) {
	for _, k := range ring.Keys() {
		plain, err := Decrypt(token, k.EncryptionKey())
		if err != nil {
			continue
		}
		var p Payload
		if err := json.Unmarshal(plain, &p); err != nil {
			continue
		}
		if p.KeyID != k.ID || p.Version != PayloadVersion || p.TokenID == "" {
			continue
		}
		return p, nil
	}
	return Payload{}, ErrTokenInvalid
}
