package puzzle

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"hashpass/internal/config"
)

func TestWatcherFiresOnceAfterTimeout(t *testing.T) {
	s := testState(t, func(p *config.PuzzleConfig) {
		p.TargetTimeMin = 1
		p.TargetTimeMax = 1
	})

	var fired atomic.Int32
	w := NewWatcher(s, 10*time.Millisecond, func() { fired.Add(1) }, testLogger(t))
	w.Restart()
	defer w.Stop()

	s.StartMiner("a")
	assert.Eventually(t, func() bool { return fired.Load() == 1 },
		3*time.Second, 10*time.Millisecond)

	// the loop exits after firing; it must not fire again on its own
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestWatcherDoesNotFireWhileClockPaused(t *testing.T) {
	s := testState(t, func(p *config.PuzzleConfig) {
		p.TargetTimeMin = 1
		p.TargetTimeMax = 1
	})

	var fired atomic.Int32
	w := NewWatcher(s, 10*time.Millisecond, func() { fired.Add(1) }, testLogger(t))
	w.Restart()
	defer w.Stop()

	// no miners: mining-time accounting keeps the age at zero forever
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestWatcherStop(t *testing.T) {
	s := testState(t, func(p *config.PuzzleConfig) {
		p.TargetTimeMin = 1
		p.TargetTimeMax = 1
	})

	var fired atomic.Int32
	w := NewWatcher(s, 10*time.Millisecond, func() { fired.Add(1) }, testLogger(t))
	w.Restart()
	w.Stop()

	s.StartMiner("a")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
