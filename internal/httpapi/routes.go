package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"hashpass/internal/audit"
	"hashpass/internal/hub"
	"hashpass/internal/puzzle"
)

// sessionToken extracts and validates the caller's session token from the
// Authorization header. Valid tokens get their last-seen timestamp refreshed.
func (s *Server) sessionToken(r *http.Request, ip string) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" || !s.sessions.Validate(token, ip) {
		return "", false
	}
	s.sessions.Touch(token)
	return token, true
}

// handlePuzzle serves the current puzzle parameters to an authenticated
// session.
func (s *Server) handlePuzzle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ip := hub.RealIP(r)
	if s.bans.IsBanned(ip) {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	if _, ok := s.sessionToken(r, ip); !ok {
		writeError(w, http.StatusUnauthorized, "Invalid or missing session token")
		return
	}
	writeJSON(w, http.StatusOK, s.state.Info())
}

type verifyRequest struct {
	Nonce     uint64 `json:"nonce"`
	Hash      string `json:"hash"`
	Seed      string `json:"submittedSeed"`
	VisitorID string `json:"visitorId"`
	TraceData string `json:"traceData"`
}

func (req *verifyRequest) validate() error {
	if req.Seed == "" {
		return fmt.Errorf("submittedSeed is required")
	}
	if req.VisitorID == "" {
		return fmt.Errorf("visitorId is required")
	}
	if len(req.Hash) != 64 {
		return fmt.Errorf("hash must be 64 hex characters")
	}
	if req.TraceData == "" {
		return fmt.Errorf("traceData is required")
	}
	return nil
}

// traceIP pulls the ip field out of CDN trace text ("key=value" lines).
func traceIP(trace string) string {
	for _, line := range strings.Split(trace, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "ip="); ok {
			return v
		}
	}
	return ""
}

// handleVerify is the winner path. The puzzle lock is held from the seed
// re-check through rotation and the reset broadcast, so at most one
// submission per seed can pass the difficulty gate, and no caller can
// observe the new seed before the reset has been queued for every client.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ip := hub.RealIP(r)
	if s.bans.IsBanned(ip) {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	token, ok := s.sessionToken(r, ip)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid or missing session token")
		return
	}

	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// the trace blob must carry an ip= line naming the requesting address
	if tip := traceIP(req.TraceData); tip != ip {
		s.log.Warnf("verify", "trace IP mismatch from %s (trace claims %q)", ip, tip)
		writeError(w, http.StatusForbidden, "Trace data does not match request origin")
		return
	}

	// cheap rejection before contending for the critical section
	if req.Seed != s.state.CurrentSeed() {
		writeError(w, http.StatusConflict, "Puzzle seed has expired")
		return
	}

	s.state.Lock()
	if req.Seed != s.state.SeedLocked() {
		s.state.Unlock()
		writeError(w, http.StatusConflict, "Puzzle seed has expired")
		return
	}

	solveTime := puzzle.Round2(s.state.MiningTimeLocked())
	if max := s.state.MaxNonceSpeedLocked(); max > 0 && solveTime > 0 &&
		float64(req.Nonce)/solveTime > max {
		s.state.Unlock()
		s.log.Warnf("verify", "implausible nonce speed from %s: nonce=%d in %.1fs (ceiling %.1f/s)",
			ip, req.Nonce, solveTime, max)
		writeError(w, http.StatusBadRequest, "Nonce rate exceeds plausible hashing speed")
		return
	}

	timeCost, memoryKiB, parallelism := s.state.ArgonParamsLocked()
	difficulty := s.state.DifficultyLocked()

	res, err := s.verifier.Verify(r.Context(), req.Nonce, req.Seed, req.VisitorID,
		req.TraceData, req.Hash, difficulty, puzzle.ArgonParams{
			TimeCost:    timeCost,
			MemoryKiB:   memoryKiB,
			Parallelism: parallelism,
		})
	if err != nil {
		s.state.Unlock()
		if errors.Is(err, puzzle.ErrPoolUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "Verification temporarily unavailable")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if res.Match {
		s.hub.RecordSubmission(token, res.LeadingZeroBits, req.VisitorID, req.Nonce)
	}
	if !res.Match {
		s.state.Unlock()
		writeError(w, http.StatusBadRequest, "Hash does not match puzzle parameters")
		return
	}
	if !res.MeetsDifficulty {
		s.state.Unlock()
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Hash has %d leading zero bits, %d required", res.LeadingZeroBits, difficulty))
		return
	}

	code := s.minter.Mint(req.VisitorID, req.Nonce, req.Seed)
	oldDiff, newDiff, reason := s.state.AdjustDifficultyLocked(solveTime)
	s.state.RecordSolveLocked(solveTime)
	snap := s.state.RotateLocked()
	s.afterRotation(snap, false)
	s.state.Unlock()

	s.log.Infof("verify", "winner %s solved in %.1fs, %s", ip, solveTime, reason)

	rec := audit.Record{
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		InviteCode:       code,
		VisitorID:        req.VisitorID,
		Nonce:            req.Nonce,
		Hash:             req.Hash,
		Seed:             req.Seed,
		RealIP:           ip,
		TraceData:        req.TraceData,
		Difficulty:       oldDiff,
		SolveTime:        solveTime,
		NewDifficulty:    newDiff,
		AdjustmentReason: reason,
	}
	go func() {
		if err := s.audit.Append(rec); err != nil {
			s.log.Errorf("audit", "append winner record: %v", err)
		}
	}()
	go s.webhook.Notify(context.Background(), req.VisitorID, code)

	writeJSON(w, http.StatusOK, map[string]any{
		"invite_code":    code,
		"solve_time":     solveTime,
		"difficulty":     oldDiff,
		"new_difficulty": newDiff,
	})
}

func (s *Server) handleTurnstileConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"site_key":  s.ts.SiteKey(),
		"test_mode": s.ts.TestMode(),
	})
}

// handleHealth is unauthenticated and exposes only a seed preview.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	seed := s.state.CurrentSeed()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"current_seed": seed[:8] + "...",
		"online":       s.hub.Count(),
	})
}

// handleDevTrace mimics the CDN trace endpoint for local development so
// clients can assemble trace data without a CDN in front.
func (s *Server) handleDevTrace(w http.ResponseWriter, r *http.Request) {
	ip := hub.RealIP(r)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "fl=0f000\nh=%s\nip=%s\nts=%.3f\nvisit_scheme=http\nuag=%s\ncolo=DEV\nhttp=http/1.1\nloc=XX\ntls=off\nsni=plaintext\nwarp=off\ngateway=off\n",
		r.Host, ip, float64(time.Now().UnixNano())/1e9, r.UserAgent())
}
