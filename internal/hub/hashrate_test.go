package hub

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashpass/internal/logger"
)

func testAggregator(t *testing.T) *Aggregator {
	t.Helper()
	log, err := logger.New(t.TempDir(), "error")
	require.NoError(t, err)
	t.Cleanup(log.Close)
	return NewAggregator(log)
}

func TestAggregatorTotals(t *testing.T) {
	a := testAggregator(t)
	assert.True(t, a.Update("c1", "1.1.1.1", 10.5, 0))
	assert.True(t, a.Update("c2", "2.2.2.2", 20.25, 0))

	total, count := a.Totals()
	assert.Equal(t, 30.75, total)
	assert.Equal(t, 2, count)
}

func TestAggregatorLatestReportWins(t *testing.T) {
	a := testAggregator(t)
	a.Update("c1", "1.1.1.1", 10, 0)
	a.Update("c1", "1.1.1.1", 15, 0)

	total, count := a.Totals()
	assert.Equal(t, 15.0, total)
	assert.Equal(t, 1, count)
}

func TestAggregatorSanityWindow(t *testing.T) {
	a := testAggregator(t)
	assert.False(t, a.Update("c1", "1.1.1.1", -1, 0))
	assert.False(t, a.Update("c1", "1.1.1.1", 1000, 0))
	assert.False(t, a.Update("c1", "1.1.1.1", math.NaN(), 0))
	assert.True(t, a.Update("c1", "1.1.1.1", 999.9, 0))

	_, count := a.Totals()
	assert.Equal(t, 1, count)
}

func TestAggregatorOverspeedExcludedFromTotals(t *testing.T) {
	a := testAggregator(t)
	require.True(t, a.Update("c1", "1.1.1.1", 500, 100))
	require.True(t, a.Update("c2", "2.2.2.2", 50, 100))

	total, count := a.Totals()
	assert.Equal(t, 50.0, total, "overspeed reports are left out of the network total")
	assert.Equal(t, 1, count)

	// the flagged miner stays visible to the operator
	infos := a.MinersInfo()
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, info.ID == "c1", info.Overspeed)
	}

	// a legal report clears the flag and rejoins the total
	require.True(t, a.Update("c1", "1.1.1.1", 40, 100))
	total, count = a.Totals()
	assert.Equal(t, 90.0, total)
	assert.Equal(t, 2, count)
}

func TestAggregatorRemove(t *testing.T) {
	a := testAggregator(t)
	a.Update("c1", "1.1.1.1", 10, 0)
	a.Remove("c1")

	total, count := a.Totals()
	assert.Zero(t, total)
	assert.Zero(t, count)
}

func TestAggregatorPruneStale(t *testing.T) {
	a := testAggregator(t)
	a.Update("c1", "1.1.1.1", 10, 0)
	a.Update("c2", "2.2.2.2", 20, 0)

	// backdate c1 to exactly the staleness boundary: the next sweep drops it
	now := time.Now()
	a.mu.Lock()
	a.miners["c1"].updatedAt = now.Add(-staleAfter)
	a.mu.Unlock()

	a.prune(now)
	total, count := a.Totals()
	assert.Equal(t, 20.0, total)
	assert.Equal(t, 1, count)
}
