package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"hashpass/internal/audit"
	"hashpass/internal/blacklist"
	"hashpass/internal/config"
	"hashpass/internal/hub"
	"hashpass/internal/logger"
	"hashpass/internal/puzzle"
	"hashpass/internal/session"
	"hashpass/internal/useragent"
	"hashpass/internal/webhook"
)

// turnstileProvider is what the HTTP layer needs from the human-challenge
// client: the config endpoint exposes the site key, verification itself
// happens in the hub handshake.
type turnstileProvider interface {
	SiteKey() string
	TestMode() bool
}

// Server wires every component behind the HTTP surface.
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	state    *puzzle.State
	verifier *puzzle.Verifier
	minter   *puzzle.Minter
	sessions *session.Registry
	bans     *blacklist.Store
	ts       turnstileProvider
	hub      *hub.Hub
	rates    *hub.Aggregator
	audit    *audit.Log
	webhook  *webhook.Notifier
	watcher  *puzzle.Watcher

	limiter *ipLimiter
	mux     *http.ServeMux
}

func NewServer(cfg *config.Config, state *puzzle.State, verifier *puzzle.Verifier,
	minter *puzzle.Minter, sessions *session.Registry, bans *blacklist.Store,
	ts turnstileProvider, h *hub.Hub, rates *hub.Aggregator, auditLog *audit.Log,
	notifier *webhook.Notifier, log *logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		state:    state,
		verifier: verifier,
		minter:   minter,
		sessions: sessions,
		bans:     bans,
		ts:       ts,
		hub:      h,
		rates:    rates,
		audit:    auditLog,
		webhook:  notifier,
		limiter:  newIPLimiter(),
		mux:      http.NewServeMux(),
	}
	s.routes()
	h.SetStatusFunc(s.statusSnapshot)
	return s
}

// AttachWatcher hands the server the timeout watcher it restarts after
// every rotation. Set once at startup before traffic arrives.
func (s *Server) AttachWatcher(w *puzzle.Watcher) { s.watcher = w }

func (s *Server) routes() {
	s.mux.HandleFunc("/api/ws", s.hub.ServeWS)

	s.mux.HandleFunc("/api/puzzle", s.rateLimited(s.handlePuzzle))
	s.mux.HandleFunc("/api/verify", s.rateLimited(s.handleVerify))
	s.mux.HandleFunc("/api/turnstile/config", s.handleTurnstileConfig)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/dev/trace", s.handleDevTrace)

	s.mux.HandleFunc("/api/admin/ws", s.hub.ServeAdminWS)
	s.mux.HandleFunc("/api/admin/status", s.requireAdmin(s.handleAdminStatus))
	s.mux.HandleFunc("/api/admin/miners", s.requireAdmin(s.handleAdminMiners))
	s.mux.HandleFunc("/api/admin/sessions", s.requireAdmin(s.handleAdminSessions))
	s.mux.HandleFunc("/api/admin/logs", s.requireAdmin(s.handleAdminLogs))
	s.mux.HandleFunc("/api/admin/verify-log", s.requireAdmin(s.handleAdminVerifyLog))
	s.mux.HandleFunc("/api/admin/verify-stats", s.requireAdmin(s.handleAdminVerifyStats))
	s.mux.HandleFunc("/api/admin/blacklist", s.requireAdmin(s.handleAdminBlacklist))
	s.mux.HandleFunc("/api/admin/difficulty", s.requireAdmin(s.handleAdminDifficulty))
	s.mux.HandleFunc("/api/admin/target-time", s.requireAdmin(s.handleAdminTargetTime))
	s.mux.HandleFunc("/api/admin/argon2", s.requireAdmin(s.handleAdminArgon2))
	s.mux.HandleFunc("/api/admin/worker-count", s.requireAdmin(s.handleAdminWorkerCount))
	s.mux.HandleFunc("/api/admin/max-nonce-speed", s.requireAdmin(s.handleAdminMaxNonceSpeed))
	s.mux.HandleFunc("/api/admin/reset-puzzle", s.requireAdmin(s.handleAdminResetPuzzle))
	s.mux.HandleFunc("/api/admin/regenerate-hmac", s.requireAdmin(s.handleAdminRegenerateHMAC))
	s.mux.HandleFunc("/api/admin/kick", s.requireAdmin(s.handleAdminKick))
	s.mux.HandleFunc("/api/admin/kick-all", s.requireAdmin(s.handleAdminKickAll))
	s.mux.HandleFunc("/api/admin/ban", s.requireAdmin(s.handleAdminBan))
	s.mux.HandleFunc("/api/admin/unban", s.requireAdmin(s.handleAdminUnban))
	s.mux.HandleFunc("/api/admin/clear-sessions", s.requireAdmin(s.handleAdminClearSessions))
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return securityHeaders(s.userAgentGate(s.mux))
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// userAgentGate rejects automation clients on the public API surface.
// Health checks, the trace helper, and the token-gated admin surface are
// exempt; the realtime handshake repeats the check itself.
func (s *Server) userAgentGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/health",
			r.URL.Path == "/api/dev/trace",
			strings.HasPrefix(r.URL.Path, "/api/admin/"):
			next.ServeHTTP(w, r)
			return
		}
		if ok, reason := useragent.Validate(r.UserAgent()); !ok {
			s.log.Warnf("http", "blocked %s %s from %s: %s", r.Method, r.URL.Path, hub.RealIP(r), reason)
			writeError(w, http.StatusForbidden, reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusSnapshot is the combined state pushed on the admin channel and
// served by the status endpoint.
func (s *Server) statusSnapshot() any {
	totalRate, reporting := s.rates.Totals()
	return map[string]any{
		"puzzle":            s.state.Status(),
		"connected_clients": s.hub.Count(),
		"active_sessions":   s.sessions.Count(),
		"network_hashrate":  totalRate,
		"reporting_miners":  reporting,
		"webhook_enabled":   s.webhook.Enabled(),
		"turnstile_test":    s.ts.TestMode(),
	}
}

// resetPuzzle runs mutate under the puzzle lock, rotates the seed once, and
// fans the reset out. Every operator-driven state change goes through here
// so a change can never leave a half-updated puzzle visible.
func (s *Server) resetPuzzle(mutate func() error) error {
	s.state.Lock()
	if mutate != nil {
		if err := mutate(); err != nil {
			s.state.Unlock()
			return err
		}
	}
	snap := s.state.RotateLocked()
	s.afterRotation(snap, false)
	s.state.Unlock()
	return nil
}

// afterRotation runs with the puzzle lock still held: the reset frames are
// enqueued (non-blocking) before the lock drops, so the new seed cannot be
// served to anyone ahead of the broadcast.
func (s *Server) afterRotation(snap puzzle.ResetSnapshot, isTimeout bool) {
	s.hub.ClearSubmissions()
	s.hub.BroadcastReset(snap, isTimeout)
	if s.watcher != nil {
		s.watcher.Restart()
	}
}

// HandleTimeout fires when a puzzle's mining-time age exceeds the window
// maximum with no winner: lower difficulty, rotate, and optionally hand
// the strongest recent submitter a consolation code.
func (s *Server) HandleTimeout() {
	s.state.Lock()
	age := s.state.MiningTimeLocked()
	if age < float64(s.state.TimeoutSecondsLocked()) {
		// a winner slipped in between the watcher's check and this lock
		s.state.Unlock()
		if s.watcher != nil {
			s.watcher.Restart()
		}
		return
	}
	oldSeed := s.state.SeedLocked()
	oldDiff, newDiff, reason := s.state.TimeoutAdjustLocked(age)
	snap := s.state.RotateLocked()

	// the pick must happen before afterRotation clears the submissions
	var consolation *hub.BestSubmission
	if s.cfg.Puzzle.TimeoutConsolation {
		consolation = s.hub.BestSubmitter()
	}
	s.afterRotation(snap, true)
	s.state.Unlock()

	s.log.Infof("puzzle", "timeout: %s", reason)

	if consolation != nil {
		code := s.minter.Mint(consolation.Fingerprint, consolation.Nonce, oldSeed)
		s.hub.SendTimeoutInvite(consolation.Client, code)
		rec := audit.Record{
			Timestamp:        time.Now().UTC().Format(time.RFC3339),
			InviteCode:       code,
			VisitorID:        consolation.Fingerprint,
			Nonce:            consolation.Nonce,
			Seed:             oldSeed,
			RealIP:           consolation.Client.IP,
			Difficulty:       oldDiff,
			SolveTime:        puzzle.Round2(age),
			NewDifficulty:    newDiff,
			AdjustmentReason: reason,
		}
		go func() {
			if err := s.audit.Append(rec); err != nil {
				s.log.Errorf("audit", "append consolation record: %v", err)
			}
		}()
		go s.webhook.Notify(context.Background(), consolation.Fingerprint, code)
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
