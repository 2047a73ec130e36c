package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// SecretSize is the length of key material in bytes.
const SecretSize = 32

// HKDF info strings for the subkeys.
const (
	encryptionInfo = "factoryguard token encryption v1"
	signingInfo    = "factoryguard assertion signing v1"
)

// ErrKeyNotFound is returned for an unknown or pruned key ID.
var ErrKeyNotFound = errors.New("key not found")

// Key is one generation of key material. Keys are immutable once
// published; supersession produces a new copy.
type Key struct {
	ID           string
	GeneratedAt  time.Time
	SupersededAt time.Time // zero while current

	secret     []byte
	encryption []byte
	signing    []byte
}

// Secret returns the raw key material.
func (k *Key) Secret() []byte {
	return k.secret
}

// EncryptionKey returns the 256-bit subkey used to seal tokens.
func (k *Key) EncryptionKey() []byte {
	return k.encryption
}

// SigningKey returns the subkey used to sign service assertions.
func (k *Key) SigningKey() []byte {
	return k.signing
}

// Superseded reports whether a newer key has replaced k.
func (k *Key) Superseded() bool {
	return !k.SupersededAt.IsZero()
}

// NewKey builds a key from existing material, deriving its subkeys.
func NewKey(id string, secret []byte, generatedAt time.Time) (*Key, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("key %s: secret must be %d bytes, got %d", id, SecretSize, len(secret))
	}
	enc, err := derive(secret, encryptionInfo)
	if err != nil {
		return nil, err
	}
	sig, err := derive(secret, signingInfo)
	if err != nil {
		return nil, err
	}
	return &Key{
		ID:          id,
		GeneratedAt: generatedAt,
		secret:      append([]byte(nil), secret...),
		encryption:  enc,
		signing:     sig,
	}, nil
}

func generate(r io.Reader, now time.Time) (*Key, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	return NewKey("key-"+uuid.NewString()[:8], secret, now)
}

func derive(secret []byte, info string) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("deriving subkey: %w", err)
	}
	return out, nil
}

// superseded returns a copy of k marked as replaced at t.
func (k *Key) superseded(t time.Time) *Key {
	c := *k
	c.SupersededAt = t
	return &c
}

var defaultRand io.Reader = rand.Reader
