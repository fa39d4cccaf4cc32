package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *apiFixture) adminRequest(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminRequiresToken(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.adminRequest(t, http.MethodGet, "/api/admin/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.adminRequest(t, http.MethodGet, "/api/admin/status", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.adminRequest(t, http.MethodGet, "/api/admin/status", "admin-token", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminStatus(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp := f.adminRequest(t, http.MethodGet, "/api/admin/status", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Contains(t, body, "puzzle")
	assert.Contains(t, body, "connected_clients")
	assert.Contains(t, body, "active_sessions")
	assert.Contains(t, body, "network_hashrate")
}

func TestAdminSetDifficultyRotatesSeed(t *testing.T) {
	f := newAPIFixture(t, nil)
	before := f.state.CurrentSeed()

	resp := f.adminRequest(t, http.MethodPost, "/api/admin/difficulty", "admin-token",
		map[string]any{"difficulty": 8})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NotEqual(t, before, f.state.CurrentSeed())
	assert.Equal(t, 8, f.state.Status().Difficulty)
}

func TestAdminSetDifficultyValidates(t *testing.T) {
	f := newAPIFixture(t, nil)
	before := f.state.CurrentSeed()

	resp := f.adminRequest(t, http.MethodPost, "/api/admin/difficulty", "admin-token",
		map[string]any{"difficulty": 99})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, before, f.state.CurrentSeed(), "rejected change must not rotate")

	resp = f.adminRequest(t, http.MethodPost, "/api/admin/difficulty", "admin-token",
		map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminSetTargetTime(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp := f.adminRequest(t, http.MethodPost, "/api/admin/target-time", "admin-token",
		map[string]any{"target_time_min": 10, "target_time_max": 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := f.state.Status()
	assert.Equal(t, 10, status.TargetTimeMin)
	assert.Equal(t, 60, status.TargetTimeMax)
}

func TestAdminSetArgon2RotatesSeed(t *testing.T) {
	f := newAPIFixture(t, nil)
	before := f.state.CurrentSeed()

	resp := f.adminRequest(t, http.MethodPost, "/api/admin/argon2", "admin-token",
		map[string]any{"time_cost": 2, "memory_cost": 2048})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := f.state.Status()
	assert.Equal(t, 2, status.TimeCost)
	assert.Equal(t, 2048, status.MemoryCost)
	assert.NotEqual(t, before, f.state.CurrentSeed())
}

func TestAdminWorkerCount(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.adminRequest(t, http.MethodPost, "/api/admin/worker-count", "admin-token",
		map[string]any{"worker_count": 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, f.state.WorkerCount())

	resp = f.adminRequest(t, http.MethodPost, "/api/admin/worker-count", "admin-token",
		map[string]any{"worker_count": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminMaxNonceSpeed(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp := f.adminRequest(t, http.MethodPost, "/api/admin/max-nonce-speed", "admin-token",
		map[string]any{"max_nonce_speed": 250.5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 250.5, f.state.MaxNonceSpeed())
}

func TestAdminResetPuzzle(t *testing.T) {
	f := newAPIFixture(t, nil)
	before := f.state.CurrentSeed()

	resp := f.adminRequest(t, http.MethodPost, "/api/admin/reset-puzzle", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, before, f.state.CurrentSeed())
}

func TestAdminRegenerateHMACInvalidatesCodes(t *testing.T) {
	f := newAPIFixture(t, nil)
	code := f.minter.Mint("visitor", 1, "seed")
	require.True(t, f.minter.Check(code, "visitor", 1, "seed"))

	resp := f.adminRequest(t, http.MethodPost, "/api/admin/regenerate-hmac", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.minter.Check(code, "visitor", 1, "seed"))
}

func TestAdminRegenerateHMACWithSuppliedSecret(t *testing.T) {
	f := newAPIFixture(t, nil)
	secret := strings.Repeat("ab", 32)

	resp := f.adminRequest(t, http.MethodPost, "/api/admin/regenerate-hmac", "admin-token",
		map[string]any{"secret": secret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	code := f.minter.Mint("visitor", 1, "seed")

	// installing the same key again leaves minting deterministic
	resp = f.adminRequest(t, http.MethodPost, "/api/admin/regenerate-hmac", "admin-token",
		map[string]any{"secret": secret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.minter.Check(code, "visitor", 1, "seed"))

	// short or non-hex keys are refused
	resp = f.adminRequest(t, http.MethodPost, "/api/admin/regenerate-hmac", "admin-token",
		map[string]any{"secret": "abcd"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.adminRequest(t, http.MethodPost, "/api/admin/regenerate-hmac", "admin-token",
		map[string]any{"secret": "not-hex"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminBanAndUnban(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := f.issueSession(t)

	resp := f.adminRequest(t, http.MethodPost, "/api/admin/ban", "admin-token",
		map[string]any{"ip": "127.0.0.1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.bans.IsBanned("127.0.0.1"))

	// banned IP is cut off from the API and its sessions are revoked
	apiResp := f.request(t, http.MethodPost, "/api/puzzle", token, nil)
	assert.Equal(t, http.StatusForbidden, apiResp.StatusCode)
	assert.False(t, f.sessions.Validate(token, "127.0.0.1"))

	resp = f.adminRequest(t, http.MethodPost, "/api/admin/unban", "admin-token",
		map[string]any{"ip": "127.0.0.1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.bans.IsBanned("127.0.0.1"))
}

func TestAdminBanRequiresIP(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp := f.adminRequest(t, http.MethodPost, "/api/admin/ban", "admin-token", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminKickUnknownIP(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp := f.adminRequest(t, http.MethodPost, "/api/admin/kick", "admin-token",
		map[string]any{"ip": "203.0.113.1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, false, body["kicked"])
}

func TestAdminClearSessions(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := f.issueSession(t)

	resp := f.adminRequest(t, http.MethodPost, "/api/admin/clear-sessions", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["revoked_sessions"])
	assert.False(t, f.sessions.Validate(token, "127.0.0.1"))
}

func TestAdminSessionsList(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.issueSession(t)

	resp := f.adminRequest(t, http.MethodGet, "/api/admin/sessions", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	sessions, ok := body["sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, sessions, 1)
}

func TestAdminBlacklistList(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.bans.Ban("9.9.9.9")

	resp := f.adminRequest(t, http.MethodGet, "/api/admin/blacklist", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])
}

func TestAdminLogsAndVerifyStats(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.adminRequest(t, http.MethodGet, "/api/admin/logs?count=10", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp), "logs")

	resp = f.adminRequest(t, http.MethodGet, "/api/admin/verify-stats", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(0), body["total_codes"])

	resp = f.adminRequest(t, http.MethodGet, "/api/admin/verify-log", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp), "records")
}

func TestAdminTuningMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp := f.adminRequest(t, http.MethodGet, "/api/admin/reset-puzzle", "admin-token", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
