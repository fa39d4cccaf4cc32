package httpapi

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// requireAdmin gates a handler behind the bearer admin token. The compare
// is constant-time; an unset token disables the whole admin surface.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.cfg.Server.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleAdminMiners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"miners": s.rates.MinersInfo()})
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Infos()})
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	count := 200
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			count = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.log.GetEntries(count)})
}

func (s *Server) handleAdminVerifyLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	file := q.Get("file")
	if file == "" {
		file = "verify.json"
	}
	page := intParam(q.Get("page"), 1)
	perPage := intParam(q.Get("per_page"), 50)
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 500 {
		perPage = 50
	}
	writeJSON(w, http.StatusOK, s.audit.Query(file, page, perPage, q.Get("search")))
}

func (s *Server) handleAdminVerifyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.audit.Stats())
}

func (s *Server) handleAdminBlacklist(w http.ResponseWriter, r *http.Request) {
	ips := s.bans.List()
	writeJSON(w, http.StatusOK, map[string]any{"ips": ips, "count": len(ips)})
}

// Tuning endpoints. Each applies its change and rotates the seed exactly
// once, so clients never mine a puzzle whose parameters shifted under them.

func (s *Server) handleAdminDifficulty(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Difficulty    *int `json:"difficulty"`
		MinDifficulty *int `json:"min_difficulty"`
		MaxDifficulty *int `json:"max_difficulty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Difficulty == nil && req.MinDifficulty == nil && req.MaxDifficulty == nil {
		writeError(w, http.StatusBadRequest, "no difficulty fields provided")
		return
	}
	err := s.resetPuzzle(func() error {
		return s.state.SetDifficultyLocked(req.Difficulty, req.MinDifficulty, req.MaxDifficulty)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Infof("admin", "difficulty updated, puzzle reset")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "puzzle": s.state.Status()})
}

func (s *Server) handleAdminTargetTime(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Min *int `json:"target_time_min"`
		Max *int `json:"target_time_max"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Min == nil && req.Max == nil {
		writeError(w, http.StatusBadRequest, "no target time fields provided")
		return
	}
	err := s.resetPuzzle(func() error {
		return s.state.SetTargetWindowLocked(req.Min, req.Max)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Infof("admin", "target time window updated, puzzle reset")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "puzzle": s.state.Status()})
}

func (s *Server) handleAdminArgon2(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		TimeCost    *int `json:"time_cost"`
		MemoryCost  *int `json:"memory_cost"`
		Parallelism *int `json:"parallelism"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.TimeCost == nil && req.MemoryCost == nil && req.Parallelism == nil {
		writeError(w, http.StatusBadRequest, "no argon2 fields provided")
		return
	}
	err := s.resetPuzzle(func() error {
		return s.state.SetArgon2Locked(req.TimeCost, req.MemoryCost, req.Parallelism)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Infof("admin", "argon2 parameters updated, puzzle reset")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "puzzle": s.state.Status()})
}

func (s *Server) handleAdminWorkerCount(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		WorkerCount int `json:"worker_count"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	err := s.resetPuzzle(func() error {
		return s.state.SetWorkerCountLocked(req.WorkerCount)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Infof("admin", "worker count set to %d, puzzle reset", req.WorkerCount)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "worker_count": req.WorkerCount})
}

func (s *Server) handleAdminMaxNonceSpeed(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		MaxNonceSpeed float64 `json:"max_nonce_speed"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	err := s.resetPuzzle(func() error {
		return s.state.SetMaxNonceSpeedLocked(req.MaxNonceSpeed)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Infof("admin", "max nonce speed set to %.1f, puzzle reset", req.MaxNonceSpeed)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "max_nonce_speed": req.MaxNonceSpeed})
}

func (s *Server) handleAdminResetPuzzle(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.resetPuzzle(nil)
	s.log.Info("admin", "puzzle manually reset")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "puzzle": s.state.Status()})
}

// handleAdminRegenerateHMAC replaces the invite-code key, which invalidates
// every code minted so far, then resets the puzzle. With no body a fresh
// random key is generated; a hex-encoded secret in the body installs an
// operator-chosen key instead.
func (s *Server) handleAdminRegenerateHMAC(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Secret string `json:"secret"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Secret != "" {
		key, err := hex.DecodeString(req.Secret)
		if err != nil {
			writeError(w, http.StatusBadRequest, "secret must be hex encoded")
			return
		}
		if err := s.minter.SetSecret(key); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		s.minter.Rotate()
	}
	s.resetPuzzle(nil)
	s.log.Warn("admin", "invite HMAC key replaced, all previous codes invalidated")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleAdminKick(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		IP string `json:"ip"`
	}
	if err := decodeJSON(r, &req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	kicked := s.hub.KickIP(req.IP, "Disconnected by administrator")
	revoked := s.sessions.RevokeByIP(req.IP)
	s.log.Infof("admin", "kick %s: kicked=%t revoked=%d", req.IP, kicked, revoked)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok", "kicked": kicked, "revoked_sessions": revoked,
	})
}

func (s *Server) handleAdminKickAll(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	kicked := s.hub.KickAll("Disconnected by administrator")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "kicked": kicked})
}

// handleAdminBan blacklists an IP, closes its channel, and revokes its
// sessions in that order so the IP cannot reconnect in between.
func (s *Server) handleAdminBan(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		IP string `json:"ip"`
	}
	if err := decodeJSON(r, &req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	added := s.bans.Ban(req.IP)
	s.hub.KickIP(req.IP, "Access denied")
	revoked := s.sessions.RevokeByIP(req.IP)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok", "banned": added, "revoked_sessions": revoked,
	})
}

func (s *Server) handleAdminUnban(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		IP string `json:"ip"`
	}
	if err := decodeJSON(r, &req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	removed := s.bans.Unban(req.IP)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "unbanned": removed})
}

func (s *Server) handleAdminClearSessions(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	revoked := s.sessions.RevokeAll()
	kicked := s.hub.KickAll("Session cleared by administrator")
	s.log.Infof("admin", "cleared %d session(s), kicked %d client(s)", revoked, kicked)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok", "revoked_sessions": revoked, "kicked": kicked,
	})
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
