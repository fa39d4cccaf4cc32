package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashpass/internal/logger"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.New(t.TempDir(), "error")
	require.NoError(t, err)
	t.Cleanup(log.Close)
	return NewRegistry(log)
}

func TestIssueAndValidate(t *testing.T) {
	r := testRegistry(t)
	token := r.Issue("1.2.3.4", "chan-1")

	assert.NotEmpty(t, token)
	assert.True(t, r.Validate(token, "1.2.3.4"))
	assert.Equal(t, 1, r.Count())
}

func TestTokensAreUnique(t *testing.T) {
	r := testRegistry(t)
	a := r.Issue("1.2.3.4", "chan-1")
	b := r.Issue("1.2.3.4", "chan-2")
	assert.NotEqual(t, a, b)
}

func TestValidateRejectsWrongIP(t *testing.T) {
	r := testRegistry(t)
	token := r.Issue("1.2.3.4", "chan-1")

	assert.False(t, r.Validate(token, "5.6.7.8"), "token must be bound to its issuing IP")
	assert.True(t, r.Validate(token, "1.2.3.4"))
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	r := testRegistry(t)
	r.Issue("1.2.3.4", "chan-1")
	assert.False(t, r.Validate("bogus", "1.2.3.4"))
	assert.False(t, r.Validate("", "1.2.3.4"))
}

func TestDisconnectedTokenValidWithinGrace(t *testing.T) {
	r := testRegistry(t)
	token := r.Issue("1.2.3.4", "chan-1")

	r.MarkDisconnected("chan-1")
	assert.True(t, r.Validate(token, "1.2.3.4"),
		"freshly disconnected token must stay valid for the grace window")
}

func TestMarkConnectedReactivates(t *testing.T) {
	r := testRegistry(t)
	token := r.Issue("1.2.3.4", "chan-1")
	r.MarkDisconnected("chan-1")

	assert.True(t, r.MarkConnected(token, "chan-2"))
	assert.True(t, r.Validate(token, "1.2.3.4"))
	assert.False(t, r.MarkConnected("bogus", "chan-3"))
}

func TestMarkDisconnectedOnlyAffectsItsChannel(t *testing.T) {
	r := testRegistry(t)
	a := r.Issue("1.1.1.1", "chan-a")
	b := r.Issue("2.2.2.2", "chan-b")

	r.MarkDisconnected("chan-a")

	infos := r.Infos()
	require.Len(t, infos, 2)
	assert.True(t, r.Validate(a, "1.1.1.1"))
	assert.True(t, r.Validate(b, "2.2.2.2"))

	connected := 0
	for _, info := range infos {
		if info.IsConnected {
			connected++
		}
	}
	assert.Equal(t, 1, connected)
}

func TestRevoke(t *testing.T) {
	r := testRegistry(t)
	token := r.Issue("1.2.3.4", "chan-1")

	assert.True(t, r.Revoke(token))
	assert.False(t, r.Validate(token, "1.2.3.4"), "revoked token must fail immediately")
	assert.False(t, r.Revoke(token), "double revoke reports false")
}

func TestRevokeByIP(t *testing.T) {
	r := testRegistry(t)
	a := r.Issue("1.1.1.1", "chan-a")
	b := r.Issue("1.1.1.1", "chan-b")
	c := r.Issue("2.2.2.2", "chan-c")

	assert.Equal(t, 2, r.RevokeByIP("1.1.1.1"))
	assert.False(t, r.Validate(a, "1.1.1.1"))
	assert.False(t, r.Validate(b, "1.1.1.1"))
	assert.True(t, r.Validate(c, "2.2.2.2"))
}

func TestRevokeAll(t *testing.T) {
	r := testRegistry(t)
	r.Issue("1.1.1.1", "chan-a")
	r.Issue("2.2.2.2", "chan-b")

	assert.Equal(t, 2, r.RevokeAll())
	assert.Equal(t, 0, r.RevokeAll())
}

func TestSweepRemovesRevoked(t *testing.T) {
	r := testRegistry(t)
	token := r.Issue("1.2.3.4", "chan-1")
	r.Issue("5.6.7.8", "chan-2")

	r.Revoke(token)
	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, 1, r.Count())
}

func TestInfosRedactsTokens(t *testing.T) {
	r := testRegistry(t)
	token := r.Issue("1.2.3.4", "chan-1")

	infos := r.Infos()
	require.Len(t, infos, 1)
	assert.Equal(t, token[:8]+"...", infos[0].TokenPreview)
	assert.NotContains(t, infos[0].TokenPreview, token[8:])
	assert.Equal(t, "1.2.3.4", infos[0].IP)
	assert.True(t, infos[0].IsConnected)
	assert.Nil(t, infos[0].DisconnectedAt)
}
