package puzzle

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
)

const invitePrefix = "HASHPASS-"

// Minter derives invite codes from a server-private key. Rotating the key
// invalidates every previously minted code.
type Minter struct {
	mu     sync.RWMutex
	secret []byte
}

// NewMinter builds a minter around the given 256-bit key, or a fresh random
// key when secret is nil.
func NewMinter(secret []byte) *Minter {
	m := &Minter{}
	if secret != nil {
		m.secret = append([]byte(nil), secret...)
	} else {
		m.secret = randomSecret()
	}
	return m
}

func randomSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("invite: random secret: %v", err))
	}
	return b
}

// Mint derives the invite code for a winning submission. Deterministic in
// (secret, fingerprint, nonce, seed).
func (m *Minter) Mint(fingerprint string, nonce uint64, seed string) string {
	m.mu.RLock()
	secret := m.secret
	m.mu.RUnlock()

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%d:%s", fingerprint, nonce, seed)
	sum := mac.Sum(nil)
	return invitePrefix + base64.RawURLEncoding.EncodeToString(sum[:12])
}

// Check reports whether code is the invite for the given submission context,
// comparing in constant time.
func (m *Minter) Check(code, fingerprint string, nonce uint64, seed string) bool {
	expected := m.Mint(fingerprint, nonce, seed)
	return hmac.Equal([]byte(code), []byte(expected))
}

// Rotate replaces the key with a fresh random one.
func (m *Minter) Rotate() {
	m.mu.Lock()
	m.secret = randomSecret()
	m.mu.Unlock()
}

// SetSecret installs an operator-supplied key.
func (m *Minter) SetSecret(secret []byte) error {
	if len(secret) < 16 {
		return fmt.Errorf("secret must be at least 128-bit")
	}
	m.mu.Lock()
	m.secret = append([]byte(nil), secret...)
	m.mu.Unlock()
	return nil
}
