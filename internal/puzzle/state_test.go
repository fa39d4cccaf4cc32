package puzzle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashpass/internal/config"
)

func TestNewSeedFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seed := newSeed()
		assert.Len(t, seed, 32)
		assert.False(t, seen[seed], "seeds must not repeat")
		seen[seed] = true
	}
}

func TestMiningClockPausedWithoutMiners(t *testing.T) {
	s := testState(t, nil)
	assert.Zero(t, s.MiningAge(), "clock must not run before any miner starts")

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, s.MiningAge())
}

func TestMiningClockRunsWhileMinersActive(t *testing.T) {
	s := testState(t, nil)
	s.StartMiner("a")
	time.Sleep(30 * time.Millisecond)
	age := s.MiningAge()
	assert.Greater(t, age, 20*time.Millisecond)

	// a second miner does not double-count time
	s.StartMiner("b")
	time.Sleep(30 * time.Millisecond)
	assert.Less(t, s.MiningAge(), 200*time.Millisecond)
}

func TestMiningClockPausesOnLastMinerStop(t *testing.T) {
	s := testState(t, nil)
	s.StartMiner("a")
	s.StartMiner("b")
	time.Sleep(20 * time.Millisecond)

	s.StopMiner("a")
	assert.Equal(t, 1, s.ActiveMiners())

	s.StopMiner("b")
	paused := s.MiningAge()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, s.MiningAge(), "paused clock must hold its value")

	// resuming continues from the accumulated value
	s.StartMiner("c")
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, s.MiningAge(), paused)
}

func TestStartMinerIdempotent(t *testing.T) {
	s := testState(t, nil)
	s.StartMiner("a")
	s.StartMiner("a")
	assert.Equal(t, 1, s.ActiveMiners())
	s.StopMiner("a")
	assert.Equal(t, 0, s.ActiveMiners())
	s.StopMiner("a")
	assert.Equal(t, 0, s.ActiveMiners())
}

func TestRotateInstallsFreshSeedAndClearsMiners(t *testing.T) {
	s := testState(t, nil)
	s.StartMiner("a")
	before := s.CurrentSeed()

	s.Lock()
	snap := s.RotateLocked()
	s.Unlock()

	assert.NotEqual(t, before, snap.Seed)
	assert.Equal(t, snap.Seed, s.CurrentSeed())
	assert.Equal(t, 0, s.ActiveMiners())
	assert.Zero(t, s.MiningAge(), "rotation must reset the mining clock")
}

func TestResetSnapshotOmitsSolveTimesBeforeFirstWin(t *testing.T) {
	s := testState(t, nil)
	s.Lock()
	snap := s.RotateLocked()
	s.Unlock()
	assert.Nil(t, snap.SolveTime)
	assert.Nil(t, snap.AverageSolveTime)
}

func TestResetSnapshotCarriesSolveTimes(t *testing.T) {
	s := testState(t, nil)
	s.Lock()
	s.AdjustDifficultyLocked(42.5)
	s.RecordSolveLocked(42.5)
	snap := s.RotateLocked()
	s.Unlock()

	require.NotNil(t, snap.SolveTime)
	assert.Equal(t, 42.5, *snap.SolveTime)
	require.NotNil(t, snap.AverageSolveTime)
	assert.Equal(t, 42.5, *snap.AverageSolveTime)
}

func TestSolveHistoryBounded(t *testing.T) {
	s := testState(t, nil)
	s.Lock()
	for i := 1; i <= 10; i++ {
		s.RecordSolveLocked(float64(i))
	}
	s.Unlock()

	status := s.Status()
	require.Len(t, status.SolveHistory, solveHistorySize)
	assert.Equal(t, []float64{6, 7, 8, 9, 10}, status.SolveHistory)
	require.NotNil(t, status.AverageSolveTime)
	assert.Equal(t, 8.0, *status.AverageSolveTime)
}

func TestSetDifficultyValidation(t *testing.T) {
	s := testState(t, nil)
	s.Lock()
	defer s.Unlock()

	bad := 0
	assert.Error(t, s.SetDifficultyLocked(nil, &bad, nil))

	outOfRange := 30
	assert.Error(t, s.SetDifficultyLocked(&outOfRange, nil, nil))

	ok := 8
	require.NoError(t, s.SetDifficultyLocked(&ok, nil, nil))
	assert.Equal(t, 8, s.DifficultyLocked())
}

func TestSetDifficultyReclampsWhenBoundsMove(t *testing.T) {
	s := testState(t, func(p *config.PuzzleConfig) { p.Difficulty = 20 })
	s.Lock()
	defer s.Unlock()

	newMax := 10
	require.NoError(t, s.SetDifficultyLocked(nil, nil, &newMax))
	assert.Equal(t, 10, s.DifficultyLocked())
}

func TestSetTargetWindowSwapsInvertedBounds(t *testing.T) {
	s := testState(t, nil)
	s.Lock()
	min, max := 200, 100
	require.NoError(t, s.SetTargetWindowLocked(&min, &max))
	assert.Equal(t, 100, s.targetTimeMin)
	assert.Equal(t, 200, s.TimeoutSecondsLocked())
	s.Unlock()
}

func TestSeedEMA(t *testing.T) {
	s := testState(t, nil)
	s.SeedEMA([]float64{60, 90})

	status := s.Status()
	require.NotNil(t, status.EMASolveTime)
	assert.InDelta(t, 70, *status.EMASolveTime, 0.01)
}

func TestInfoExposesClientParameters(t *testing.T) {
	s := testState(t, nil)
	info := s.Info()
	assert.Equal(t, s.CurrentSeed(), info.Seed)
	assert.Equal(t, 12, info.Difficulty)
	assert.Equal(t, 65536, info.MemoryCost)
	assert.Equal(t, 3, info.TimeCost)
	assert.Equal(t, 1, info.Parallelism)
	assert.Nil(t, info.LastSolveTime)
}
