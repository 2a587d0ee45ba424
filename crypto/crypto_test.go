package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestNewAESCipherRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "%%%"},
		{"short", base64.StdEncoding.EncodeToString([]byte("too-short"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAESCipher(tt.key); err == nil {
				t.Errorf("NewAESCipher(%q) expected error", tt.key)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	c, err := NewAESCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewAESCipher: %v", err)
	}
	sealed, err := c.Seal("access-token-value", "channel-a")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, "access-token-value") {
		t.Fatalf("sealed value leaks plaintext: %s", sealed)
	}
	got, err := c.Open(sealed, "channel-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "access-token-value" {
		t.Errorf("Open = %q, want access-token-value", got)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	c, _ := NewAESCipher(testKey(t))
	a, _ := c.Seal("same", "ch")
	b, _ := c.Seal("same", "ch")
	if a == b {
		t.Errorf("two seals of the same plaintext should differ")
	}
}

func TestOpenWrongChannelFails(t *testing.T) {
	c, _ := NewAESCipher(testKey(t))
	sealed, _ := c.Seal("refresh", "channel-a")
	if _, err := c.Open(sealed, "channel-b"); !errors.Is(err, ErrOpen) {
		t.Errorf("Open with other channel aad: err = %v, want ErrOpen", err)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	c1, _ := NewAESCipher(testKey(t))
	c2, _ := NewAESCipher(testKey(t))
	sealed, _ := c1.Seal("refresh", "ch")
	if _, err := c2.Open(sealed, "ch"); err == nil {
		t.Errorf("expected error opening with a different key")
	}
	if c1.KeyID() == c2.KeyID() {
		t.Errorf("distinct keys should have distinct ids")
	}
}

func TestEmptyValuesPassThrough(t *testing.T) {
	c, _ := NewAESCipher(testKey(t))
	s, err := c.Seal("", "ch")
	if err != nil || s != "" {
		t.Errorf("Seal(\"\") = %q, %v", s, err)
	}
	p, err := c.Open("", "ch")
	if err != nil || p != "" {
		t.Errorf("Open(\"\") = %q, %v", p, err)
	}
}

func TestOpenTruncated(t *testing.T) {
	c, _ := NewAESCipher(testKey(t))
	if _, err := c.Open(base64.StdEncoding.EncodeToString([]byte("abc")), "ch"); err == nil {
		t.Errorf("expected error for truncated input")
	}
}

func TestFromEnvUnset(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")
	c, err := FromEnv()
	if err != nil || c != nil {
		t.Errorf("FromEnv() = %v, %v; want nil, nil", c, err)
	}
}
