package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the per-tenant API rate limiter.
type RateLimitConfig struct {
	// MutationsPerMinute limits create and transition requests per tenant.
	// Zero disables limiting.
	MutationsPerMinute int
	// Burst is the token bucket burst size; defaults to the per-minute
	// limit.
	Burst int
}

// RateLimit throttles mutation requests per tenant. Read routes are not
// limited here; backpressure on reads comes from pagination.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	store := newLimiterStore(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MutationsPerMinute <= 0 || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			limiter := store.limiter(TenantID(r.Context()))
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type limiterStore struct {
	mu          sync.Mutex
	limiters    map[string]*limiterEntry
	perMinute   int
	burst       int
	stopCleanup chan struct{}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.MutationsPerMinute
	}
	store := &limiterStore{
		limiters:    make(map[string]*limiterEntry),
		perMinute:   cfg.MutationsPerMinute,
		burst:       burst,
		stopCleanup: make(chan struct{}),
	}

	// Entries not seen for a while are dropped to keep memory bounded.
	go store.cleanupLoop()

	return store
}

func (s *limiterStore) limiter(tenant string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.limiters[tenant]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}

	interval := time.Minute / time.Duration(s.perMinute)
	limiter := rate.NewLimiter(rate.Every(interval), s.burst)
	s.limiters[tenant] = &limiterEntry{
		limiter:  limiter,
		lastSeen: time.Now(),
	}
	return limiter
}

func (s *limiterStore) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *limiterStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > 15*time.Minute {
			delete(s.limiters, key)
		}
	}
}

// Stop gracefully shuts down the cleanup goroutine
func (s *limiterStore) Stop() {
	close(s.stopCleanup)
}
