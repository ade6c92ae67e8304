package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tenantLimiters hands out one token bucket per tenant. Buckets not used
// for a while are dropped to keep memory bounded.
type tenantLimiters struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	perMinute int
	burst     int
	stop      chan struct{}
	stopOnce  sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newTenantLimiters(perMinute, burst int) *tenantLimiters {
	l := &tenantLimiters{
		limiters:  make(map[string]*limiterEntry),
		perMinute: perMinute,
		burst:     burst,
		stop:      make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// allow reports whether the tenant may dispatch one more item now. A zero
// or negative configured rate disables limiting entirely.
func (l *tenantLimiters) allow(tenantID string) bool {
	if l.perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[tenantID]
	if !ok {
		interval := time.Minute / time.Duration(l.perMinute)
		burst := l.burst
		if burst <= 0 {
			burst = l.perMinute
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(interval), burst)}
		l.limiters[tenantID] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func (l *tenantLimiters) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *tenantLimiters) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for tenant, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > 15*time.Minute {
			delete(l.limiters, tenant)
		}
	}
}

func (l *tenantLimiters) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
