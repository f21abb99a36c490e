package logx

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle rate-limits log lines per key (for example per job name).
//
// Allow reports whether the caller should log now, and how many events were suppressed for
// the key since the last allowed one, so the next line can say "(N suppressed)".
// A nil *Throttle allows everything.
type Throttle struct {
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	limiters   map[string]*rate.Limiter
	suppressed map[string]uint64
}

// NewThrottle allows perSec events per second per key. perSec <= 0 disables limiting.
func NewThrottle(perSec float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	lim := rate.Limit(perSec)
	if perSec <= 0 {
		lim = rate.Inf
	}
	return &Throttle{
		limit:      lim,
		burst:      burst,
		limiters:   map[string]*rate.Limiter{},
		suppressed: map[string]uint64{},
	}
}

func (t *Throttle) Allow(key string) (bool, uint64) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.limiters[key]
	if l == nil {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[key] = l
	}
	if !l.Allow() {
		t.suppressed[key]++
		return false, 0
	}
	n := t.suppressed[key]
	delete(t.suppressed, key)
	return true, n
}

// Forget drops state for key (e.g. when a job is removed on reload).
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.limiters, key)
	delete(t.suppressed, key)
	t.mu.Unlock()
}
