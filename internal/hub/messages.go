package hub

import (
	"encoding/json"
	"fmt"

	"hashpass/internal/puzzle"
)

// Inbound message types accepted from clients.
const (
	msgPing        = "ping"
	msgMiningStart = "mining_start"
	msgMiningStop  = "mining_stop"
	msgHashrate    = "hashrate"
)

// Outbound message types pushed to clients.
const (
	msgSessionToken      = "SESSION_TOKEN"
	msgPong              = "PONG"
	msgPuzzleReset       = "PUZZLE_RESET"
	msgNetworkHashrate   = "NETWORK_HASHRATE"
	msgTimeoutInviteCode = "TIMEOUT_INVITE_CODE"
	msgStatusUpdate      = "STATUS_UPDATE"
)

type inbound struct {
	Type    string `json:"type"`
	Payload struct {
		Rate *float64 `json:"rate"`
	} `json:"payload"`
}

// rate resolves a hashrate report; a missing payload or rate counts as zero.
func (m inbound) rate() float64 {
	if m.Payload.Rate == nil {
		return 0
	}
	return *m.Payload.Rate
}

// parseInbound decodes a client frame. Bare "ping" text is accepted for
// older clients that predate the JSON envelope.
func parseInbound(raw []byte) (inbound, error) {
	if string(raw) == msgPing {
		return inbound{Type: msgPing}, nil
	}
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return inbound{}, fmt.Errorf("malformed message: %w", err)
	}
	switch msg.Type {
	case msgPing, msgMiningStart, msgMiningStop, msgHashrate:
	default:
		return inbound{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return msg, nil
}

func sessionTokenMessage(token string) []byte {
	return marshal(map[string]any{
		"type":  msgSessionToken,
		"token": token,
	})
}

func pongMessage(online int) []byte {
	return marshal(map[string]any{
		"type":   msgPong,
		"online": online,
	})
}

// puzzleResetMessage announces a seed rotation. Solve-time fields are
// omitted until a first winner exists; is_timeout is present only on
// timeout rotations.
func puzzleResetMessage(snap puzzle.ResetSnapshot, isTimeout bool) []byte {
	payload := map[string]any{
		"type":              msgPuzzleReset,
		"seed":              snap.Seed,
		"difficulty":        snap.Difficulty,
		"puzzle_start_time": snap.PuzzleStartTime,
	}
	if snap.SolveTime != nil {
		payload["solve_time"] = *snap.SolveTime
	}
	if snap.AverageSolveTime != nil {
		payload["average_solve_time"] = *snap.AverageSolveTime
	}
	if isTimeout {
		payload["is_timeout"] = true
	}
	return marshal(payload)
}

func networkHashrateMessage(total float64, activeMiners int, timestamp float64) []byte {
	return marshal(map[string]any{
		"type":           msgNetworkHashrate,
		"total_hashrate": total,
		"active_miners":  activeMiners,
		"timestamp":      timestamp,
	})
}

func timeoutInviteMessage(code string) []byte {
	return marshal(map[string]any{
		"type":        msgTimeoutInviteCode,
		"invite_code": code,
	})
}

func statusUpdateMessage(status any) []byte {
	return marshal(map[string]any{
		"type":   msgStatusUpdate,
		"status": status,
	})
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// outbound payloads are built from plain maps and numbers
		panic(fmt.Sprintf("hub: marshal outbound: %v", err))
	}
	return data
}
