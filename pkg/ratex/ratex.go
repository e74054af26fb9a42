// Package ratex provides a keyed token-bucket limiter. The engine uses it to
// throttle per-identity MFA verification attempts so a brute-force run is
// slowed down before the attempt counter ever reaches its ceiling.
package ratex

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the limiting parameters for one limiter profile.
type Config struct {
	// RequestsPerWindow is the number of events allowed in the time window
	RequestsPerWindow int
	// Window is the time window for rate limiting
	Window time.Duration
	// Burst allows for temporary bursts above the steady rate
	Burst int
}

// StrictProfile suits authentication-style operations: 5 attempts per minute
// with the full allowance available as a burst.
var StrictProfile = Config{
	RequestsPerWindow: 5,
	Window:            time.Minute,
	Burst:             5,
}

// Keyed manages independent token buckets per string key.
type Keyed struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int

	mu          sync.Mutex
	lastCleanup time.Time
}

// NewKeyed builds a keyed limiter from the given profile.
func NewKeyed(cfg Config) *Keyed {
	if cfg.RequestsPerWindow <= 0 || cfg.Window <= 0 {
		cfg = StrictProfile
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerWindow
	}

	return &Keyed{
		rate:        rate.Limit(float64(cfg.RequestsPerWindow) / cfg.Window.Seconds()),
		burst:       cfg.Burst,
		lastCleanup: time.Now(),
	}
}

// Allow reports whether one event for key may proceed now.
func (k *Keyed) Allow(key string) bool {
	return k.limiter(key).Allow()
}

// limiter retrieves or creates the bucket for the given key.
func (k *Keyed) limiter(key string) *rate.Limiter {
	// Fast path: limiter already exists
	if limiter, ok := k.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	// Slow path: create new limiter
	limiter := rate.NewLimiter(k.rate, k.burst)
	actual, _ := k.limiters.LoadOrStore(key, limiter)

	// Periodic cleanup to prevent memory leak
	k.maybeCleanup()

	return actual.(*rate.Limiter)
}

// maybeCleanup removes buckets that have refilled completely, which means
// their key has been idle for at least a full window.
func (k *Keyed) maybeCleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()

	// Only cleanup once every 5 minutes
	if time.Since(k.lastCleanup) < 5*time.Minute {
		return
	}

	k.lastCleanup = time.Now()

	k.limiters.Range(func(key, value any) bool {
		limiter := value.(*rate.Limiter)
		if limiter.Tokens() >= float64(k.burst) {
			k.limiters.Delete(key)
		}
		return true
	})
}
