package puzzle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintDeterministic(t *testing.T) {
	m := NewMinter([]byte("0123456789abcdef0123456789abcdef"))

	a := m.Mint("visitor", 42, "seed")
	b := m.Mint("visitor", 42, "seed")
	assert.Equal(t, a, b)
}

func TestMintFormat(t *testing.T) {
	m := NewMinter(nil)
	code := m.Mint("visitor", 42, "seed")

	assert.True(t, strings.HasPrefix(code, "HASHPASS-"))
	// 12 HMAC bytes encode to 16 unpadded url-safe base64 chars
	assert.Len(t, strings.TrimPrefix(code, "HASHPASS-"), 16)
	assert.NotContains(t, code, "=")
}

func TestMintSensitiveToEveryInput(t *testing.T) {
	m := NewMinter(nil)
	base := m.Mint("visitor", 42, "seed")

	assert.NotEqual(t, base, m.Mint("other", 42, "seed"))
	assert.NotEqual(t, base, m.Mint("visitor", 43, "seed"))
	assert.NotEqual(t, base, m.Mint("visitor", 42, "other"))
}

func TestMintersWithDifferentKeysDisagree(t *testing.T) {
	a := NewMinter(nil)
	b := NewMinter(nil)
	assert.NotEqual(t, a.Mint("v", 1, "s"), b.Mint("v", 1, "s"))
}

func TestCheck(t *testing.T) {
	m := NewMinter(nil)
	code := m.Mint("visitor", 42, "seed")

	assert.True(t, m.Check(code, "visitor", 42, "seed"))
	assert.False(t, m.Check(code, "visitor", 43, "seed"))
	assert.False(t, m.Check("HASHPASS-bogus", "visitor", 42, "seed"))
}

func TestRotateInvalidatesOldCodes(t *testing.T) {
	m := NewMinter(nil)
	code := m.Mint("visitor", 42, "seed")
	require.True(t, m.Check(code, "visitor", 42, "seed"))

	m.Rotate()
	assert.False(t, m.Check(code, "visitor", 42, "seed"))
}

func TestSetSecretRejectsShortKeys(t *testing.T) {
	m := NewMinter(nil)
	assert.Error(t, m.SetSecret([]byte("short")))
	assert.NoError(t, m.SetSecret([]byte("0123456789abcdef")))
}
