package puzzle

import (
	"fmt"
	"math"
)

const maxStep = 4

// stepFor computes the difficulty step for a measured solve time against the
// window midpoint: clamp(floor(log2(mid/T)), -maxStep, +maxStep). Fast solves
// yield positive steps (harder), slow solves negative (easier); an exact
// midpoint solve contributes zero.
func stepFor(solve, mid float64) int {
	if solve < 0.1 {
		solve = 0.1
	}
	step := int(math.Floor(math.Log2(mid / solve)))
	if step > maxStep {
		return maxStep
	}
	if step < -maxStep {
		return -maxStep
	}
	return step
}

// AdjustDifficultyLocked retargets difficulty after a winning solve. Solves
// inside the target window leave difficulty unchanged; outside it, the
// clamped log2 step applies. The EMA is updated on every solve regardless.
func (s *State) AdjustDifficultyLocked(solve float64) (int, int, string) {
	s.updateEMALocked(solve)
	s.lastSolve = solve
	s.hasLastSolve = true

	old := s.difficulty
	if solve >= float64(s.targetTimeMin) && solve <= float64(s.targetTimeMax) {
		reason := fmt.Sprintf("solve=%.1fs within target window %d-%ds, no change",
			solve, s.targetTimeMin, s.targetTimeMax)
		return old, old, reason
	}

	mid := float64(s.targetTimeMin+s.targetTimeMax) / 2
	step := stepFor(solve, mid)
	s.difficulty = clamp(old+step, s.minDiff, s.maxDiff)

	reason := fmt.Sprintf("solve=%.1fs outside target window %d-%ds, step=%+d: %d -> %d",
		solve, s.targetTimeMin, s.targetTimeMax, step, old, s.difficulty)
	return old, s.difficulty, reason
}

// TimeoutAdjustLocked lowers difficulty after a puzzle's mining-time age
// exceeded the window maximum with no winner. The decrease is at least 2
// bits, growing with how far past the window the age ran.
func (s *State) TimeoutAdjustLocked(age float64) (int, int, string) {
	s.updateEMALocked(age)

	old := s.difficulty
	mid := float64(s.targetTimeMin+s.targetTimeMax) / 2
	step := stepFor(age, mid)
	dec := -step
	if dec < 2 {
		dec = 2
	}
	s.difficulty = clamp(old-dec, s.minDiff, s.maxDiff)

	reason := fmt.Sprintf("timeout after %.1fs mining (limit %ds), -%d bit(s): %d -> %d",
		age, s.targetTimeMax, dec, old, s.difficulty)
	return old, s.difficulty, reason
}

func (s *State) updateEMALocked(solve float64) {
	if !s.hasEMA {
		s.emaSolve = solve
		s.hasEMA = true
		return
	}
	s.emaSolve = s.emaAlpha*solve + (1-s.emaAlpha)*s.emaSolve
}
