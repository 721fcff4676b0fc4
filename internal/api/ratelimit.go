package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// subjectLimiter keeps one token bucket per authenticated subject. Idle
// buckets are swept on access once evictTTL has passed since the last sweep.
type subjectLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastSeen  map[string]time.Time
	r         rate.Limit
	burst     int
	evictTTL  time.Duration
	lastSweep time.Time
}

func newSubjectLimiter(r rate.Limit, burst int, evictTTL time.Duration) *subjectLimiter {
	return &subjectLimiter{
		limiters:  make(map[string]*rate.Limiter),
		lastSeen:  make(map[string]time.Time),
		r:         r,
		burst:     burst,
		evictTTL:  evictTTL,
		lastSweep: time.Now(),
	}
}

func (sl *subjectLimiter) Allow(subject string) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	now := time.Now()
	if now.Sub(sl.lastSweep) > sl.evictTTL {
		cutoff := now.Add(-sl.evictTTL)
		for k, last := range sl.lastSeen {
			if last.Before(cutoff) {
				delete(sl.limiters, k)
				delete(sl.lastSeen, k)
			}
		}
		sl.lastSweep = now
	}
	l, ok := sl.limiters[subject]
	if !ok {
		l = rate.NewLimiter(sl.r, sl.burst)
		sl.limiters[subject] = l
	}
	sl.lastSeen[subject] = now
	return l.Allow()
}

func (srv *Server) rateLimit(next http.Handler) http.Handler {
	if srv.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !srv.limiter.Allow(subjectFrom(r.Context())) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
