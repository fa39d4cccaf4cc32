package hub

import (
	"math"
	"sync"
	"time"

	"hashpass/internal/logger"
)

const (
	// aggregateInterval is how often the network total is recomputed and
	// broadcast.
	aggregateInterval = 5 * time.Second

	// staleAfter is how long a reported rate counts toward the network
	// total without a refresh.
	staleAfter = 10 * time.Second

	// maxSaneRate rejects garbage reports. No browser miner gets anywhere
	// near 1000 H/s on a memory-hard hash.
	maxSaneRate = 1000
)

type minerRate struct {
	ip        string
	rate      float64
	updatedAt time.Time
	overspeed bool
}

// MinerInfo is the admin view of one reporting miner.
type MinerInfo struct {
	ID        string  `json:"id"`
	IP        string  `json:"ip"`
	Hashrate  float64 `json:"hashrate"`
	Overspeed bool    `json:"overspeed"`
	UpdatedAt float64 `json:"updated_at"`
}

// Aggregator collects self-reported client hashrates. Reports above the
// configured nonce-speed ceiling are kept for the operator's miner list but
// flagged and left out of the network total; the rate itself is advisory
// and never gates verification.
type Aggregator struct {
	mu     sync.Mutex
	miners map[string]*minerRate
	log    *logger.Logger
}

func NewAggregator(log *logger.Logger) *Aggregator {
	return &Aggregator{
		miners: make(map[string]*minerRate),
		log:    log,
	}
}

// Update records a client's reported rate. Returns false when the report
// fails the sanity window and should be ignored.
func (a *Aggregator) Update(clientID, ip string, rate, maxSpeed float64) bool {
	if rate < 0 || rate >= maxSaneRate || math.IsNaN(rate) {
		a.log.Warnf("hashrate", "rejected insane rate %.2f from %s", rate, ip)
		return false
	}

	overspeed := maxSpeed > 0 && rate > maxSpeed

	a.mu.Lock()
	a.miners[clientID] = &minerRate{
		ip:        ip,
		rate:      rate,
		updatedAt: time.Now(),
		overspeed: overspeed,
	}
	a.mu.Unlock()

	if overspeed {
		a.log.Warnf("hashrate", "overspeed miner %s: %.2f H/s exceeds ceiling %.2f", ip, rate, maxSpeed)
	}
	return true
}

// Remove drops a client's entry, typically on disconnect.
func (a *Aggregator) Remove(clientID string) {
	a.mu.Lock()
	delete(a.miners, clientID)
	a.mu.Unlock()
}

// prune drops entries that have gone staleAfter or longer without a refresh.
func (a *Aggregator) prune(now time.Time) {
	a.mu.Lock()
	for id, m := range a.miners {
		if now.Sub(m.updatedAt) >= staleAfter {
			delete(a.miners, id)
		}
	}
	a.mu.Unlock()
}

// Totals returns the summed network hashrate and reporting miner count.
// Overspeed entries are excluded from both.
func (a *Aggregator) Totals() (float64, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total float64
	count := 0
	for _, m := range a.miners {
		if m.overspeed {
			continue
		}
		total += m.rate
		count++
	}
	return math.Round(total*100) / 100, count
}

// MinersInfo returns the per-miner breakdown for the admin panel.
func (a *Aggregator) MinersInfo() []MinerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	infos := make([]MinerInfo, 0, len(a.miners))
	for id, m := range a.miners {
		infos = append(infos, MinerInfo{
			ID:        id,
			IP:        m.ip,
			Hashrate:  m.rate,
			Overspeed: m.overspeed,
			UpdatedAt: float64(m.updatedAt.UnixNano()) / 1e9,
		})
	}
	return infos
}

// Run prunes stale reports and broadcasts the network total every
// aggregateInterval until stop is closed.
func (a *Aggregator) Run(h *Hub, stop <-chan struct{}) {
	ticker := time.NewTicker(aggregateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			a.prune(now)
			total, count := a.Totals()
			h.Broadcast(networkHashrateMessage(total, count, float64(now.UnixNano())/1e9))
		}
	}
}
