package httpapi

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := newIPLimiter()

	for i := 0; i < rateBurst; i++ {
		assert.True(t, l.allow("1.1.1.1"), "request %d within burst", i)
	}
	assert.False(t, l.allow("1.1.1.1"), "burst exhausted")

	// a different IP has its own bucket
	assert.True(t, l.allow("2.2.2.2"))
}

func TestRateLimitReturns429(t *testing.T) {
	f := newAPIFixture(t, nil)

	got429 := false
	for i := 0; i < rateBurst+5; i++ {
		resp := f.request(t, http.MethodPost, "/api/puzzle", "", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	assert.True(t, got429, "sustained requests from one IP must hit the limiter")
}
