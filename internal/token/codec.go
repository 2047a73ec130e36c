package token

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt is returned when a token cannot be decoded or decrypted with a
// key. It does not say whether the token is forged or sealed by another key.
var ErrDecrypt = errors.New("token decryption failed")

// Encrypt seals plaintext under a 256-bit key with a random IV.
func Encrypt(plaintext, key []byte) (string, error) {
	return encrypt(rand.Reader, plaintext, key)
}

func encrypt(r io.Reader, plaintext, key []byte) (string, error) {
	block, err := newCipher(key)
	if err != nil {
		return "", err
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(r, iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	inner := base64.StdEncoding.EncodeToString(out)
	return base64.RawURLEncoding.EncodeToString([]byte(inner)), nil
}

// Decrypt opens a token sealed by Encrypt. Any malformed input or a wrong
// key yields ErrDecrypt.
func Decrypt(token string, key []byte) ([]byte, error) {
	block, err := newCipher(key)
	if err != nil {
		return nil, err
	}

	inner, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: outer encoding", ErrDecrypt)
	}
	raw, err := base64.StdEncoding.DecodeString(string(inner))
	if err != nil {
		return nil, fmt.Errorf("%w: inner encoding", ErrDecrypt)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad length", ErrDecrypt)
	}

	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	out, ok := unpad(plain, aes.BlockSize)
	if !ok {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	return out, nil
}

func newCipher(key []byte) (cipher.Block, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("token key must be 32 bytes, got %d", len(key))
	}
	return aes.NewCipher(key)
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
