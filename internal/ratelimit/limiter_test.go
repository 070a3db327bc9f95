package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newLimiter(capacity int, refill float64) *Limiter {
	return New(Config{Enabled: true, Capacity: capacity, RefillRate: refill}, zap.NewNop())
}

func TestAdmitUpToCapacity(t *testing.T) {
	l := newLimiter(3, 1)
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Admit("s1", now), "admission %d", i)
	}
	assert.False(t, l.Admit("s1", now))

	// Other keys have their own bucket.
	assert.True(t, l.Admit("s2", now))
}

func TestRefillNeedsOneTokenInterval(t *testing.T) {
	l := newLimiter(2, 4) // one token every 250ms
	now := time.Unix(1000, 0)

	assert.True(t, l.Admit("k", now))
	assert.True(t, l.Admit("k", now))
	assert.False(t, l.Admit("k", now))

	assert.False(t, l.Admit("k", now.Add(200*time.Millisecond)))
	assert.True(t, l.Admit("k", now.Add(250*time.Millisecond)))
	assert.False(t, l.Admit("k", now.Add(250*time.Millisecond)))
}

func TestTokensNeverExceedCapacity(t *testing.T) {
	l := newLimiter(5, 10)
	now := time.Unix(1000, 0)

	assert.True(t, l.Admit("k", now))
	later := now.Add(24 * time.Hour)
	assert.Equal(t, 5.0, l.Tokens("k", later))

	admitted := 0
	for i := 0; i < 20; i++ {
		if l.Admit("k", later) {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)
}

func TestClockGoingBackwardsDoesNotRefill(t *testing.T) {
	l := newLimiter(1, 1)
	now := time.Unix(1000, 0)

	assert.True(t, l.Admit("k", now))
	assert.False(t, l.Admit("k", now.Add(-time.Hour)))
	assert.False(t, l.Admit("k", now))
}

func TestConcurrentAdmissionNeverOverAdmits(t *testing.T) {
	l := newLimiter(50, 0.001)
	now := time.Unix(1000, 0)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if l.Admit("hot", now) {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), admitted.Load())
}

func TestDisabledAdmitsEverything(t *testing.T) {
	l := New(Config{Enabled: false, Capacity: 1, RefillRate: 1}, zap.NewNop())
	now := time.Unix(1000, 0)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Admit("k", now))
	}
	assert.Equal(t, 0, l.Len())
}

func TestUpdateAppliesToLiveBuckets(t *testing.T) {
	l := newLimiter(1, 1)
	now := time.Unix(1000, 0)

	assert.True(t, l.Admit("k", now))
	assert.False(t, l.Admit("k", now))

	l.Update(Config{Enabled: true, Capacity: 10, RefillRate: 100}, now)
	assert.True(t, l.Admit("k", now.Add(20*time.Millisecond)))
}

func TestRetryAfter(t *testing.T) {
	l := newLimiter(1, 2)
	now := time.Unix(1000, 0)

	assert.True(t, l.Admit("k", now))
	assert.Equal(t, 500*time.Millisecond, l.RetryAfter("k", now))
	assert.Equal(t, time.Duration(0), l.RetryAfter("k", now.Add(time.Second)))
}

func TestSweepDropsFullBuckets(t *testing.T) {
	l := newLimiter(2, 1)
	now := time.Unix(1000, 0)

	l.Admit("idle", now)
	l.Admit("busy", now.Add(10*time.Second))
	l.Admit("busy", now.Add(10*time.Second))

	assert.Equal(t, 1, l.Sweep(now.Add(10*time.Second)))
	assert.Equal(t, 1, l.Len())
}

func TestConcurrentSweepNeverOverAdmits(t *testing.T) {
	l := newLimiter(5, 0.001)
	now := time.Unix(1000, 0)

	stop := make(chan struct{})
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		for {
			select {
			case <-stop:
				return
			default:
				l.Sweep(now)
			}
		}
	}()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if l.Admit("hot", now) {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-swept

	assert.Equal(t, int64(5), admitted.Load())
}
