package puzzle

import "time"

// miningClock accumulates time only while at least one miner is active.
// It is the authoritative clock for difficulty and timeout decisions;
// wall-clock puzzle age is never used for either.
type miningClock struct {
	accumulated time.Duration
	active      bool
	since       time.Time
}

func (c *miningClock) resume(now time.Time) {
	if c.active {
		return
	}
	c.active = true
	c.since = now
}

func (c *miningClock) pause(now time.Time) {
	if !c.active {
		return
	}
	c.accumulated += now.Sub(c.since)
	c.active = false
}

func (c *miningClock) elapsed(now time.Time) time.Duration {
	if c.active {
		return c.accumulated + now.Sub(c.since)
	}
	return c.accumulated
}

func (c *miningClock) reset() {
	*c = miningClock{}
}
