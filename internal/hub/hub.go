package hub

import (
	"crypto/subtle"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hashpass/internal/blacklist"
	"hashpass/internal/logger"
	"hashpass/internal/puzzle"
	"hashpass/internal/session"
	"hashpass/internal/turnstile"
	"hashpass/internal/useragent"
)

// adminStatusInterval is the push cadence on the admin channel.
const adminStatusInterval = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// submission remembers a session's latest well-formed verify attempt, for
// the timeout consolation pick. Fingerprint and nonce are kept so a code
// can be minted against the attempt that earned it.
type submission struct {
	bits        int
	at          time.Time
	fingerprint string
	nonce       uint64
}

// Hub owns every realtime channel. Connections authenticate with either a
// one-shot human-challenge token or a previously issued session token, and
// each IP holds at most one channel at a time.
type Hub struct {
	log       *logger.Logger
	state     *puzzle.State
	sessions  *session.Registry
	bans      *blacklist.Store
	turnstile turnstile.Verifier
	rates     *Aggregator

	adminToken string
	statusFn   func() any

	mu      sync.RWMutex
	clients map[string]*Client
	byIP    map[string]*Client
	admins  map[string]*Client

	subMu       sync.Mutex
	submissions map[string]submission
}

func New(state *puzzle.State, sessions *session.Registry, bans *blacklist.Store,
	ts turnstile.Verifier, rates *Aggregator, adminToken string, log *logger.Logger) *Hub {
	return &Hub{
		log:         log,
		state:       state,
		sessions:    sessions,
		bans:        bans,
		turnstile:   ts,
		rates:       rates,
		adminToken:  adminToken,
		clients:     make(map[string]*Client),
		byIP:        make(map[string]*Client),
		admins:      make(map[string]*Client),
		submissions: make(map[string]submission),
	}
}

// SetStatusFunc installs the snapshot builder pushed on the admin channel.
func (h *Hub) SetStatusFunc(fn func() any) { h.statusFn = fn }

// RealIP resolves the client address, trusting the CDN header when present.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ServeWS is the realtime handshake. Identity checks run before the
// upgrade; authentication failures after the upgrade close with 1008 so
// the client sees the reason.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := RealIP(r)

	if ok, reason := useragent.Validate(r.UserAgent()); !ok {
		h.log.Warnf("hub", "rejected connection from %s: %s", ip, reason)
		http.Error(w, reason, http.StatusForbidden)
		return
	}
	if h.bans.IsBanned(ip) {
		h.log.Warnf("hub", "rejected banned IP %s", ip)
		http.Error(w, "Access denied", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugf("hub", "upgrade failed for %s: %v", ip, err)
		return
	}

	c := &Client{
		ID:   uuid.NewString(),
		IP:   ip,
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		c.closeWithPolicy("Missing token in query parameter")
		return
	}

	// one query param carries either token kind: try it as a session token
	// first so reconnects skip the human challenge, then fall back to
	// challenge verification.
	freshToken := ""
	if h.sessions.Validate(token, ip) {
		// a reconnect displaces whatever channel the IP already holds
		h.displace(ip, "Replaced by new connection")
		h.sessions.MarkConnected(token, c.ID)
		c.SessionToken = token
		h.log.Infof("hub", "client reconnected via session token (IP: %s)", ip)
	} else {
		ok, reason := h.turnstile.Verify(r.Context(), token, ip)
		if !ok {
			c.closeWithPolicy(reason)
			return
		}
		if h.hasIP(ip) {
			c.closeWithPolicy("Only one connection per IP allowed")
			return
		}
		freshToken = h.sessions.Issue(ip, c.ID)
		c.SessionToken = freshToken
	}

	h.register(c)
	go c.writePump()
	go c.readPump()

	if freshToken != "" {
		c.trySend(sessionTokenMessage(freshToken))
	}
}

func (h *Hub) hasIP(ip string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byIP[ip]
	return ok
}

func (h *Hub) displace(ip, reason string) {
	h.mu.RLock()
	old := h.byIP[ip]
	h.mu.RUnlock()
	if old != nil {
		h.log.Infof("hub", "displacing existing connection for IP %s", ip)
		old.closeWithPolicy(reason)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.byIP[c.IP] = c
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Infof("hub", "client connected (IP: %s, online: %d)", c.IP, total)
}

// unregister tears down a channel exactly once. Miner state goes first so
// the mining clock pauses before the session enters its grace window.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	current, ok := h.clients[c.ID]
	if !ok || current != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	if h.byIP[c.IP] == c {
		delete(h.byIP, c.IP)
	}
	delete(h.admins, c.ID)
	total := len(h.clients)
	h.mu.Unlock()

	close(c.done)
	h.state.StopMiner(c.ID)
	h.sessions.MarkDisconnected(c.ID)
	h.rates.Remove(c.ID)
	h.log.Infof("hub", "client disconnected (IP: %s, online: %d)", c.IP, total)
}

func (h *Hub) handleMessage(c *Client, raw []byte) {
	if c.admin {
		return
	}
	msg, err := parseInbound(raw)
	if err != nil {
		h.log.Debugf("hub", "bad message from %s: %v", c.IP, err)
		return
	}

	switch msg.Type {
	case msgPing:
		h.sessions.Touch(c.SessionToken)
		c.trySend(pongMessage(h.Count()))
	case msgMiningStart:
		h.state.StartMiner(c.ID)
	case msgMiningStop:
		h.state.StopMiner(c.ID)
	case msgHashrate:
		h.rates.Update(c.ID, c.IP, msg.rate(), h.state.MaxNonceSpeed())
	}
}

// Broadcast queues msg on every non-admin channel. Clients that cannot
// keep up are closed; the read pump handles their cleanup.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if !c.admin {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.trySend(msg) {
			h.log.Warnf("hub", "dropping slow client %s", c.IP)
			c.conn.Close()
		}
	}
}

// BroadcastReset announces a seed rotation to every client.
func (h *Hub) BroadcastReset(snap puzzle.ResetSnapshot, isTimeout bool) {
	h.Broadcast(puzzleResetMessage(snap, isTimeout))
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if !c.admin {
			n++
		}
	}
	return n
}

// KickIP closes the channel held by ip. Returns false when none exists.
func (h *Hub) KickIP(ip, reason string) bool {
	h.mu.RLock()
	c := h.byIP[ip]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	c.closeWithPolicy(reason)
	return true
}

// KickAll closes every non-admin channel and returns the count.
func (h *Hub) KickAll(reason string) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if !c.admin {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.closeWithPolicy(reason)
	}
	h.log.Infof("hub", "kicked %d client(s): %s", len(targets), reason)
	return len(targets)
}

// RecordSubmission notes the strength of a session's latest well-formed
// submission. Only the most recent attempt per session counts.
func (h *Hub) RecordSubmission(sessionToken string, bits int, fingerprint string, nonce uint64) {
	if sessionToken == "" {
		return
	}
	h.subMu.Lock()
	h.submissions[sessionToken] = submission{
		bits:        bits,
		at:          time.Now(),
		fingerprint: fingerprint,
		nonce:       nonce,
	}
	h.subMu.Unlock()
}

// ClearSubmissions forgets all recorded attempts. Called on every seed
// rotation since old attempts are meaningless against a new seed.
func (h *Hub) ClearSubmissions() {
	h.subMu.Lock()
	h.submissions = make(map[string]submission)
	h.subMu.Unlock()
}

// BestSubmission is the consolation pick: the strongest recent attempt by
// a still-connected client.
type BestSubmission struct {
	Client      *Client
	Bits        int
	Fingerprint string
	Nonce       uint64
}

// BestSubmitter picks the connected client whose latest submission had the
// most leading zero bits; ties go to the earlier attempt. Returns nil when
// no connected client has submitted.
func (h *Hub) BestSubmitter() *BestSubmission {
	h.subMu.Lock()
	subs := make(map[string]submission, len(h.submissions))
	for k, v := range h.submissions {
		subs[k] = v
	}
	h.subMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()

	var best *BestSubmission
	var bestAt time.Time
	for _, c := range h.clients {
		if c.admin || c.SessionToken == "" {
			continue
		}
		sub, ok := subs[c.SessionToken]
		if !ok {
			continue
		}
		if best == nil || sub.bits > best.Bits ||
			(sub.bits == best.Bits && sub.at.Before(bestAt)) {
			best = &BestSubmission{
				Client:      c,
				Bits:        sub.bits,
				Fingerprint: sub.fingerprint,
				Nonce:       sub.nonce,
			}
			bestAt = sub.at
		}
	}
	return best
}

// SendTimeoutInvite delivers a consolation code to one client.
func (h *Hub) SendTimeoutInvite(c *Client, code string) {
	c.trySend(timeoutInviteMessage(code))
	h.log.Infof("hub", "timeout consolation code sent to %s", c.IP)
}

// ServeAdminWS is the operator channel: token-gated, push-only status
// stream at adminStatusInterval.
func (h *Hub) ServeAdminWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if h.adminToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugf("hub", "admin upgrade failed: %v", err)
		return
	}

	c := &Client{
		ID:    uuid.NewString(),
		IP:    RealIP(r),
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		admin: true,
	}

	h.mu.Lock()
	h.clients[c.ID] = c
	h.admins[c.ID] = c
	h.mu.Unlock()
	h.log.Infof("hub", "admin channel opened (IP: %s)", c.IP)

	go c.writePump()
	go c.readPump()
	go h.adminStatusLoop(c)
}

func (h *Hub) adminStatusLoop(c *Client) {
	if h.statusFn == nil {
		return
	}
	ticker := time.NewTicker(adminStatusInterval)
	defer ticker.Stop()

	// immediate first frame so the panel renders without waiting a tick
	c.trySend(statusUpdateMessage(h.statusFn()))
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.trySend(statusUpdateMessage(h.statusFn())) {
				return
			}
		}
	}
}
