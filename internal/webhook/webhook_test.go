package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashpass/internal/config"
	"hashpass/internal/logger"
)

func testNotifier(t *testing.T, url, token string) *Notifier {
	t.Helper()
	log, err := logger.New(t.TempDir(), "error")
	require.NoError(t, err)
	t.Cleanup(log.Close)
	return New(&config.WebhookConfig{URL: url, Token: token}, log)
}

func TestNotifyDeliversPayload(t *testing.T) {
	var got payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier(t, srv.URL, "secret-token")
	n.Notify(context.Background(), "visitor-1", "HASHPASS-abc")

	assert.Equal(t, "visitor-1", got.VisitorID)
	assert.Equal(t, "HASHPASS-abc", got.InviteCode)
	assert.Equal(t, "Bearer secret-token", auth)
}

func TestNotifyRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier(t, srv.URL, "")
	n.Notify(context.Background(), "visitor-1", "HASHPASS-abc")

	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifyGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := testNotifier(t, srv.URL, "")
	// failure must not panic or block beyond the retry budget
	n.Notify(context.Background(), "visitor-1", "HASHPASS-abc")

	assert.Equal(t, int32(maxAttempts), calls.Load())
}

func TestNotifyDisabledWithoutURL(t *testing.T) {
	n := testNotifier(t, "", "")
	assert.False(t, n.Enabled())
	// no URL configured: must return without any network activity
	n.Notify(context.Background(), "visitor-1", "HASHPASS-abc")
}

func TestNotifyOmitsAuthWithoutToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier(t, srv.URL, "")
	n.Notify(context.Background(), "v", "c")
	assert.Empty(t, auth)
}
