package puzzle

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"hashpass/internal/config"
	"hashpass/internal/logger"
)

const (
	solveHistorySize = 5
	chartHistorySize = 50
)

// State is the single authoritative puzzle state. All mutation goes through
// one mutex; the verify path holds it across hash verification so that at
// most one submission per seed can win. Horizontal scaling is deliberately
// impossible: the lock is process-local.
type State struct {
	log *logger.Logger

	mu sync.Mutex

	seed       string
	difficulty int
	minDiff    int
	maxDiff    int

	targetTimeMin int
	targetTimeMax int

	timeCost    int
	memoryKiB   int
	parallelism int

	workerCount   int
	maxNonceSpeed float64

	puzzleStart time.Time

	lastSolve    float64
	hasLastSolve bool
	solveHistory []float64
	solveChart   []float64

	emaAlpha float64
	emaSolve float64
	hasEMA   bool

	clock  miningClock
	miners map[string]struct{}
}

// PuzzleInfo is the client-facing parameter snapshot.
type PuzzleInfo struct {
	Seed             string   `json:"seed"`
	Difficulty       int      `json:"difficulty"`
	MemoryCost       int      `json:"memory_cost"`
	TimeCost         int      `json:"time_cost"`
	Parallelism      int      `json:"parallelism"`
	WorkerCount      int      `json:"worker_count"`
	PuzzleStartTime  float64  `json:"puzzle_start_time"`
	LastSolveTime    *float64 `json:"last_solve_time"`
	AverageSolveTime *float64 `json:"average_solve_time"`
}

// ResetSnapshot captures the post-rotation state needed for a PUZZLE_RESET
// broadcast. It must be taken while the lock is held.
type ResetSnapshot struct {
	Seed             string
	Difficulty       int
	SolveTime        *float64
	AverageSolveTime *float64
	PuzzleStartTime  float64
}

// StatusSnapshot is the admin-facing full state dump.
type StatusSnapshot struct {
	Difficulty       int       `json:"difficulty"`
	MinDifficulty    int       `json:"min_difficulty"`
	MaxDifficulty    int       `json:"max_difficulty"`
	TargetTimeMin    int       `json:"target_time_min"`
	TargetTimeMax    int       `json:"target_time_max"`
	EMASolveTime     *float64  `json:"ema_solve_time"`
	CurrentSeed      string    `json:"current_seed"`
	PuzzleStartTime  float64   `json:"puzzle_start_time"`
	MiningTime       float64   `json:"mining_time"`
	IsMiningActive   bool      `json:"is_mining_active"`
	LastSolveTime    *float64  `json:"last_solve_time"`
	SolveHistory     []float64 `json:"solve_history"`
	AverageSolveTime *float64  `json:"average_solve_time"`
	ActiveMiners     int       `json:"active_miners"`
	TimeCost         int       `json:"argon2_time_cost"`
	MemoryCost       int       `json:"argon2_memory_cost"`
	Parallelism      int       `json:"argon2_parallelism"`
	WorkerCount      int       `json:"worker_count"`
	MaxNonceSpeed    float64   `json:"max_nonce_speed"`
	SolveTimeChart   []float64 `json:"solve_time_chart_history"`
}

func NewState(cfg *config.PuzzleConfig, log *logger.Logger) *State {
	s := &State{
		log:           log,
		seed:          newSeed(),
		difficulty:    cfg.Difficulty,
		minDiff:       cfg.MinDifficulty,
		maxDiff:       cfg.MaxDifficulty,
		targetTimeMin: cfg.TargetTimeMin,
		targetTimeMax: cfg.TargetTimeMax,
		timeCost:      cfg.Argon2TimeCost,
		memoryKiB:     cfg.Argon2MemoryCost,
		parallelism:   cfg.Argon2Parallelism,
		workerCount:   cfg.WorkerCount,
		maxNonceSpeed: cfg.MaxNonceSpeed,
		puzzleStart:   time.Now(),
		emaAlpha:      2.0 / (solveHistorySize + 1),
		miners:        make(map[string]struct{}),
	}
	return s
}

// newSeed returns a fresh random 128-bit hex seed (32 chars).
func newSeed() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is unrecoverable for a puzzle service
		panic(fmt.Sprintf("puzzle: random seed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// Lock acquires the atomic critical section. Callers use the *Locked
// methods while holding it and must release it with Unlock.
func (s *State) Lock() { s.mu.Lock() }

// Unlock releases the atomic critical section.
func (s *State) Unlock() { s.mu.Unlock() }

func (s *State) SeedLocked() string { return s.seed }

func (s *State) DifficultyLocked() int { return s.difficulty }

// ArgonParamsLocked returns (timeCost, memoryKiB, parallelism).
func (s *State) ArgonParamsLocked() (int, int, int) {
	return s.timeCost, s.memoryKiB, s.parallelism
}

func (s *State) MaxNonceSpeedLocked() float64 { return s.maxNonceSpeed }

func (s *State) TimeoutSecondsLocked() int { return s.targetTimeMax }

// MiningTimeLocked returns the accumulated mining time in seconds.
func (s *State) MiningTimeLocked() float64 {
	return s.clock.elapsed(time.Now()).Seconds()
}

// RecordSolveLocked appends a winning solve time to the rolling history
// and the admin chart.
func (s *State) RecordSolveLocked(solve float64) {
	s.solveHistory = append(s.solveHistory, solve)
	if len(s.solveHistory) > solveHistorySize {
		s.solveHistory = s.solveHistory[1:]
	}
	s.solveChart = append(s.solveChart, solve)
	if len(s.solveChart) > chartHistorySize {
		s.solveChart = s.solveChart[1:]
	}
}

// RotateLocked installs a fresh seed, restarts the puzzle clock, and clears
// the active miner set. Every winner event, timeout, and parameter change
// funnels through here so the seed rotates exactly once per mutation.
func (s *State) RotateLocked() ResetSnapshot {
	s.seed = newSeed()
	s.puzzleStart = time.Now()
	s.miners = make(map[string]struct{})
	s.clock.reset()
	return s.resetSnapshotLocked()
}

func (s *State) resetSnapshotLocked() ResetSnapshot {
	snap := ResetSnapshot{
		Seed:            s.seed,
		Difficulty:      s.difficulty,
		PuzzleStartTime: unixSeconds(s.puzzleStart),
	}
	if s.hasLastSolve {
		v := Round2(s.lastSolve)
		snap.SolveTime = &v
	}
	if avg := s.averageSolveLocked(); avg != nil {
		snap.AverageSolveTime = avg
	}
	return snap
}

func (s *State) averageSolveLocked() *float64 {
	if len(s.solveHistory) == 0 {
		return nil
	}
	var sum float64
	for _, t := range s.solveHistory {
		sum += t
	}
	v := Round2(sum / float64(len(s.solveHistory)))
	return &v
}

// CurrentSeed is the unlocked fast-path seed read used to reject stale
// submissions before taking the critical section.
func (s *State) CurrentSeed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seed
}

func (s *State) MaxNonceSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxNonceSpeed
}

func (s *State) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerCount
}

func (s *State) TimeoutSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetTimeMax
}

// MiningAge returns the puzzle's effective age under mining-time accounting.
func (s *State) MiningAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.elapsed(time.Now())
}

// StartMiner registers a channel as actively mining. The zero-to-one
// transition resumes the mining clock.
func (s *State) StartMiner(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.miners[id]; ok {
		return
	}
	if len(s.miners) == 0 {
		s.clock.resume(time.Now())
		s.log.Debug("puzzle", "mining clock resumed - first miner online")
	}
	s.miners[id] = struct{}{}
}

// StopMiner removes a channel from the active set. The one-to-zero
// transition pauses the mining clock without losing accumulated time.
func (s *State) StopMiner(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.miners[id]; !ok {
		return
	}
	delete(s.miners, id)
	if len(s.miners) == 0 {
		s.clock.pause(time.Now())
		s.log.Debug("puzzle", "mining clock paused - all miners offline")
	}
}

func (s *State) ActiveMiners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.miners)
}

// Info returns the client-facing puzzle parameters.
func (s *State) Info() PuzzleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := PuzzleInfo{
		Seed:            s.seed,
		Difficulty:      s.difficulty,
		MemoryCost:      s.memoryKiB,
		TimeCost:        s.timeCost,
		Parallelism:     s.parallelism,
		WorkerCount:     s.workerCount,
		PuzzleStartTime: unixSeconds(s.puzzleStart),
	}
	if s.hasLastSolve {
		v := Round2(s.lastSolve)
		info.LastSolveTime = &v
	}
	info.AverageSolveTime = s.averageSolveLocked()
	return info
}

// Status returns the admin snapshot.
func (s *State) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatusSnapshot{
		Difficulty:      s.difficulty,
		MinDifficulty:   s.minDiff,
		MaxDifficulty:   s.maxDiff,
		TargetTimeMin:   s.targetTimeMin,
		TargetTimeMax:   s.targetTimeMax,
		CurrentSeed:     s.seed,
		PuzzleStartTime: unixSeconds(s.puzzleStart),
		MiningTime:      Round2(s.clock.elapsed(time.Now()).Seconds()),
		IsMiningActive:  s.clock.active,
		SolveHistory:    append([]float64(nil), s.solveHistory...),
		ActiveMiners:    len(s.miners),
		TimeCost:        s.timeCost,
		MemoryCost:      s.memoryKiB,
		Parallelism:     s.parallelism,
		WorkerCount:     s.workerCount,
		MaxNonceSpeed:   s.maxNonceSpeed,
		SolveTimeChart:  append([]float64(nil), s.solveChart...),
	}
	if s.hasLastSolve {
		v := s.lastSolve
		snap.LastSolveTime = &v
	}
	if s.hasEMA {
		v := Round2(s.emaSolve)
		snap.EMASolveTime = &v
	}
	snap.AverageSolveTime = s.averageSolveLocked()
	return snap
}

// SeedEMA primes the solve-time EMA from historical records at startup.
func (s *State) SeedEMA(times []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(times) == 0 {
		return
	}
	ema := times[0]
	for _, t := range times[1:] {
		ema = s.emaAlpha*t + (1-s.emaAlpha)*ema
	}
	s.emaSolve = ema
	s.hasEMA = true
	s.log.Infof("puzzle", "EMA solve time primed: %.1fs (%d records)", ema, len(times))
}

// ===== parameter setters, caller holds the lock and rotates after =====

func (s *State) SetDifficultyLocked(difficulty, minDiff, maxDiff *int) error {
	if minDiff != nil {
		if *minDiff < 1 || *minDiff > 32 {
			return fmt.Errorf("min_difficulty must be between 1 and 32")
		}
		s.minDiff = *minDiff
	}
	if maxDiff != nil {
		if *maxDiff < 1 || *maxDiff > 32 {
			return fmt.Errorf("max_difficulty must be between 1 and 32")
		}
		s.maxDiff = *maxDiff
	}
	if s.minDiff > s.maxDiff {
		s.minDiff, s.maxDiff = s.maxDiff, s.minDiff
	}
	if difficulty != nil {
		if *difficulty < s.minDiff || *difficulty > s.maxDiff {
			return fmt.Errorf("difficulty must be between %d and %d", s.minDiff, s.maxDiff)
		}
		s.difficulty = *difficulty
	}
	// re-clamp in case the bounds moved past the current value
	s.difficulty = clamp(s.difficulty, s.minDiff, s.maxDiff)
	return nil
}

func (s *State) SetTargetWindowLocked(min, max *int) error {
	if min != nil {
		if *min < 1 {
			return fmt.Errorf("target_time_min must be >= 1")
		}
		s.targetTimeMin = *min
	}
	if max != nil {
		if *max < 1 {
			return fmt.Errorf("target_time_max must be >= 1")
		}
		s.targetTimeMax = *max
	}
	if s.targetTimeMin > s.targetTimeMax {
		s.targetTimeMin, s.targetTimeMax = s.targetTimeMax, s.targetTimeMin
	}
	return nil
}

func (s *State) SetArgon2Locked(timeCost, memoryKiB, parallelism *int) error {
	if timeCost != nil {
		if *timeCost < 1 || *timeCost > 10 {
			return fmt.Errorf("time_cost must be between 1 and 10")
		}
		s.timeCost = *timeCost
	}
	if memoryKiB != nil {
		if *memoryKiB < 1024 || *memoryKiB > 1048576 {
			return fmt.Errorf("memory_cost must be between 1024 and 1048576 KiB")
		}
		s.memoryKiB = *memoryKiB
	}
	if parallelism != nil {
		if *parallelism < 1 || *parallelism > 8 {
			return fmt.Errorf("parallelism must be between 1 and 8")
		}
		s.parallelism = *parallelism
	}
	return nil
}

func (s *State) SetWorkerCountLocked(n int) error {
	if n < 1 || n > 32 {
		return fmt.Errorf("worker_count must be between 1 and 32")
	}
	s.workerCount = n
	return nil
}

func (s *State) SetMaxNonceSpeedLocked(v float64) error {
	if v < 0 {
		return fmt.Errorf("max_nonce_speed must not be negative")
	}
	s.maxNonceSpeed = v
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Round2 rounds to two decimals, the precision every solve-time value is
// stored and reported with.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
