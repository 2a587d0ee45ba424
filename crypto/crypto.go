// Package crypto seals credential tokens at rest. It implements AES-256-GCM
// authenticated encryption where the channel id is bound as associated data,
// so a sealed token copied onto another channel's row fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("crypto: sealed value failed authentication")

// Cipher seals and opens short secrets for storage in text columns.
type Cipher interface {
	// Seal encrypts plaintext bound to aad and returns base64 text.
	Seal(plaintext, aad string) (string, error)
	// Open reverses Seal. The aad must match the one used to seal.
	Open(sealed, aad string) (string, error)
	// KeyID identifies the key without revealing it.
	KeyID() string
}

// AESCipher implements Cipher using AES-256-GCM.
// Output layout before base64: nonce(12) || ciphertext || tag(16).
type AESCipher struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESCipher creates a cipher from a base64-encoded 32-byte key:
//
//	openssl rand -base64 32
func NewAESCipher(base64Key string) (*AESCipher, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESCipher{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// FromEnv builds a cipher from ENCRYPTION_KEY. It returns (nil, nil) when the
// variable is unset, meaning tokens are stored in plaintext.
func FromEnv() (Cipher, error) {
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		return nil, nil
	}
	c, err := NewAESCipher(key)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// KeyID returns a short fingerprint of the key.
func (c *AESCipher) KeyID() string { return c.keyID }

// Seal encrypts plaintext. Empty input stays empty so absent tokens remain absent.
func (c *AESCipher) Seal(plaintext, aad string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (c *AESCipher) Open(sealed, aad string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", fmt.Errorf("sealed value too short: %d bytes", len(raw))
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], []byte(aad))
	if err != nil {
		// never surface the underlying GCM error
		return "", ErrOpen
	}
	return string(plain), nil
}
