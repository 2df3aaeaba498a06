package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// reporterLimiter throttles reading submissions per reporter account.
type reporterLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newReporterLimiter returns nil when rps is not positive, which disables
// throttling.
func newReporterLimiter(rps float64, burst int) *reporterLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &reporterLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *reporterLimiter) Allow(reporter string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[reporter]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[reporter] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
