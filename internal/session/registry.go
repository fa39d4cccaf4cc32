package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"hashpass/internal/logger"
)

const (
	// DisconnectGrace is how long a disconnected token stays valid so a
	// client can resume after a dropped channel.
	DisconnectGrace = 5 * time.Minute

	// sweepInterval is the cadence of the background expiry sweeper.
	sweepInterval = 60 * time.Second
)

type entry struct {
	token          string
	ip             string
	createdAt      time.Time
	connected      bool
	disconnectedAt time.Time
	lastSeen       time.Time
	revoked        bool
	channelID      string
}

// Info is the admin-facing view of a session.
type Info struct {
	TokenPreview   string   `json:"token_preview"`
	IP             string   `json:"ip"`
	CreatedAt      float64  `json:"created_at"`
	IsConnected    bool     `json:"is_connected"`
	DisconnectedAt *float64 `json:"disconnected_at"`
}

// Registry maps opaque session tokens to the client IP they were issued to.
// A token validates only from its bound IP and, once disconnected, only
// within the grace window.
type Registry struct {
	mu       sync.RWMutex
	sessions []*entry
	log      *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{log: log}
}

// Issue mints a fresh 256-bit token bound to ip and marks it connected on
// the given channel.
func (r *Registry) Issue(ip, channelID string) string {
	token := newToken()
	now := time.Now()

	r.mu.Lock()
	r.sessions = append(r.sessions, &entry{
		token:     token,
		ip:        ip,
		createdAt: now,
		connected: true,
		lastSeen:  now,
		channelID: channelID,
	})
	total := len(r.sessions)
	r.mu.Unlock()

	r.log.Infof("session", "token issued for IP %s (total sessions: %d)", ip, total)
	return token
}

func newToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("session: random token: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Validate reports whether token exists, is bound to ip, and has not
// expired or been revoked. The token comparison itself is constant-time;
// every stored token is compared so timing does not reveal prefix matches.
func (r *Registry) Validate(token, ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.lookupLocked(token)
	if e == nil {
		return false
	}
	if e.revoked {
		return false
	}
	if e.ip != ip {
		r.log.Debugf("session", "token IP mismatch: bound=%s presented=%s", e.ip, ip)
		return false
	}
	if !e.connected && time.Since(e.disconnectedAt) > DisconnectGrace {
		return false
	}
	return true
}

func (r *Registry) lookupLocked(token string) *entry {
	tb := []byte(token)
	var found *entry
	for _, e := range r.sessions {
		if subtle.ConstantTimeCompare(tb, []byte(e.token)) == 1 {
			found = e
		}
	}
	return found
}

// MarkConnected reactivates a token for a reconnecting channel.
func (r *Registry) MarkConnected(token, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookupLocked(token)
	if e == nil {
		return false
	}
	e.connected = true
	e.disconnectedAt = time.Time{}
	e.lastSeen = time.Now()
	e.channelID = channelID
	r.log.Infof("session", "token reconnected (IP: %s)", e.ip)
	return true
}

// MarkDisconnected starts the grace window for whatever token the channel
// carried. The token survives until the sweeper collects it.
func (r *Registry) MarkDisconnected(channelID string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sessions {
		if e.channelID == channelID && e.connected {
			e.connected = false
			e.disconnectedAt = now
			e.channelID = ""
		}
	}
}

// Touch refreshes a token's last-seen timestamp.
func (r *Registry) Touch(token string) {
	r.mu.Lock()
	if e := r.lookupLocked(token); e != nil {
		e.lastSeen = time.Now()
	}
	r.mu.Unlock()
}

// Revoke invalidates a single token immediately.
func (r *Registry) Revoke(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookupLocked(token)
	if e == nil || e.revoked {
		return false
	}
	r.revokeLocked(e)
	return true
}

// RevokeByIP invalidates every token bound to ip, returning the count.
// Revoked tokens fail validation immediately so a reconnect cannot slip
// through before the sweeper runs.
func (r *Registry) RevokeByIP(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	revoked := 0
	for _, e := range r.sessions {
		if e.ip == ip && !e.revoked {
			r.revokeLocked(e)
			revoked++
		}
	}
	if revoked > 0 {
		r.log.Infof("session", "revoked %d token(s) for IP %s", revoked, ip)
	}
	return revoked
}

// RevokeAll invalidates every token, returning the count.
func (r *Registry) RevokeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	revoked := 0
	for _, e := range r.sessions {
		if !e.revoked {
			r.revokeLocked(e)
			revoked++
		}
	}
	if revoked > 0 {
		r.log.Infof("session", "revoked all %d token(s)", revoked)
	}
	return revoked
}

func (r *Registry) revokeLocked(e *entry) {
	e.revoked = true
	e.connected = false
	e.disconnectedAt = time.Now()
	e.channelID = ""
}

// Sweep removes revoked tokens and disconnected tokens past the grace
// window. Returns the number removed.
func (r *Registry) Sweep() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.sessions[:0]
	removed := 0
	for _, e := range r.sessions {
		expired := e.revoked ||
			(!e.connected && !e.disconnectedAt.IsZero() && now.Sub(e.disconnectedAt) > DisconnectGrace)
		if expired {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.sessions = kept
	return removed
}

// RunSweeper deletes expired tokens every minute until stop is closed.
func (r *Registry) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.log.Debugf("session", "swept %d expired token(s) | remaining: %d", removed, r.Count())
			}
		}
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Infos returns the admin session list with token previews only.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, e := range r.sessions {
		info := Info{
			TokenPreview: e.token[:8] + "...",
			IP:           e.ip,
			CreatedAt:    float64(e.createdAt.UnixNano()) / 1e9,
			IsConnected:  e.connected,
		}
		if !e.disconnectedAt.IsZero() {
			v := float64(e.disconnectedAt.UnixNano()) / 1e9
			info.DisconnectedAt = &v
		}
		infos = append(infos, info)
	}
	return infos
}
