package server

import (
	"math"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// minLimiterIdle is the shortest time an unused scope keeps its limiter.
const minLimiterIdle = 10 * time.Minute

// scopeLimiter rate limits ingestion per scope. A zero rate disables it.
// Limiters of scopes idle longer than the time to refill a full burst are
// evicted, so arbitrary scope ids cannot grow it without bound.
type scopeLimiter struct {
	limiters *cache.Cache
	idle     time.Duration
	rate     rate.Limit
	burst    int
}

func newScopeLimiter(perSecond float64, burst int) *scopeLimiter {
	if burst <= 0 {
		burst = 5
	}
	idle := minLimiterIdle
	if perSecond > 0 {
		refill := time.Duration(math.Ceil(float64(burst)/perSecond)) * time.Second
		if refill > idle {
			idle = refill
		}
	}
	return &scopeLimiter{
		limiters: cache.New(idle, idle),
		idle:     idle,
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether the scope may submit now.
func (l *scopeLimiter) Allow(scope string) bool {
	if l.rate <= 0 {
		return true
	}
	return l.get(scope).Allow()
}

// Len reports how many scopes currently hold a limiter.
func (l *scopeLimiter) Len() int {
	return l.limiters.ItemCount()
}

func (l *scopeLimiter) get(scope string) *rate.Limiter {
	if v, ok := l.limiters.Get(scope); ok {
		lim := v.(*rate.Limiter)
		// Touch to extend the idle window.
		l.limiters.Set(scope, lim, l.idle)
		return lim
	}

	lim := rate.NewLimiter(l.rate, l.burst)
	if err := l.limiters.Add(scope, lim, l.idle); err != nil {
		// Lost the race to another request for the same scope.
		if v, ok := l.limiters.Get(scope); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}
