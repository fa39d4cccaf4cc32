package puzzle

import (
	"sync"
	"time"

	"hashpass/internal/logger"
)

// Watcher polls the puzzle's mining-time age and fires once when it exceeds
// the timeout. It is cancelled and re-created on every seed rotation; the
// fire callback performs the reset and is responsible for restarting it.
type Watcher struct {
	state    *State
	interval time.Duration
	fire     func()
	log      *logger.Logger

	mu   sync.Mutex
	stop chan struct{}
}

func NewWatcher(state *State, interval time.Duration, fire func(), log *logger.Logger) *Watcher {
	return &Watcher{
		state:    state,
		interval: interval,
		fire:     fire,
		log:      log,
	}
}

// Restart cancels any running watch loop and begins a new one for the
// current puzzle.
func (w *Watcher) Restart() {
	w.mu.Lock()
	if w.stop != nil {
		close(w.stop)
	}
	stop := make(chan struct{})
	w.stop = stop
	w.mu.Unlock()

	go w.loop(stop)
}

// Stop cancels the watch loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
	w.mu.Unlock()
}

func (w *Watcher) loop(stop chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			timeout := time.Duration(w.state.TimeoutSeconds()) * time.Second
			if w.state.MiningAge() < timeout {
				continue
			}
			// The callback re-checks the age under the puzzle lock before
			// acting, then restarts this watcher for the new seed.
			w.fire()
			return
		}
	}
}
