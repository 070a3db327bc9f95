// Package ratelimit implements per-key token-bucket admission control.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when admission is denied.
var ErrRateLimited = errors.New("rate limit exceeded")

// Key modes.
const (
	KeyBySubnet = "subnet"
	KeyByClient = "client"
)

// Config holds bucket parameters. Capacity is the bucket size; RefillRate is
// tokens per second.
type Config struct {
	Enabled    bool
	KeyMode    string
	Capacity   int
	RefillRate float64
}

// Limiter keeps one token bucket per key. Buckets are created full on first
// use.
type Limiter struct {
	logger *zap.Logger

	mu      sync.Mutex
	cfg     Config
	buckets map[string]*rate.Limiter
}

// New creates a limiter.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.KeyMode == "" {
		cfg.KeyMode = KeyBySubnet
	}
	return &Limiter{
		logger:  logger,
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Admit refills key's bucket for the time elapsed up to now and takes one
// token if available. The token is taken under the limiter lock so Sweep
// never drops a bucket while an admission against it is in flight.
func (l *Limiter) Admit(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.Enabled {
		return true
	}
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.cfg.RefillRate), l.cfg.Capacity)
		l.buckets[key] = bucket
	}
	return bucket.AllowN(now, 1)
}

// RetryAfter returns how long until key has a whole token again.
func (l *Limiter) RetryAfter(key string, now time.Time) time.Duration {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	refill := l.cfg.RefillRate
	l.mu.Unlock()

	if !ok || refill <= 0 {
		return time.Second
	}
	missing := 1 - bucket.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / refill * float64(time.Second)))
}

// Tokens reports the tokens key's bucket holds at now.
func (l *Limiter) Tokens(key string, now time.Time) float64 {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	capacity := l.cfg.Capacity
	l.mu.Unlock()

	if !ok {
		return float64(capacity)
	}
	return bucket.TokensAt(now)
}

// KeyMode returns how request keys are derived.
func (l *Limiter) KeyMode() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.KeyMode
}

// Update applies new bucket parameters to every live bucket.
func (l *Limiter) Update(cfg Config, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cfg.KeyMode == "" {
		cfg.KeyMode = l.cfg.KeyMode
	}
	l.cfg = cfg
	for _, bucket := range l.buckets {
		bucket.SetLimitAt(now, rate.Limit(cfg.RefillRate))
		bucket.SetBurstAt(now, cfg.Capacity)
	}
}

// Sweep drops buckets that have refilled completely; a new bucket for the
// same key would be identical.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, bucket := range l.buckets {
		if bucket.TokensAt(now) >= float64(bucket.Burst()) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Run sweeps idle buckets every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if removed := l.Sweep(now); removed > 0 {
				l.logger.Debug("swept idle rate limit buckets", zap.Int("removed", removed))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
