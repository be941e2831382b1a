package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates repetitive log lines per key.
//
// The first event for a key always passes; afterwards at most one event per
// `every` is allowed. Suppressed counts are reported on the next allowed event
// so operators still see how noisy a key was.
type Throttle struct {
	every time.Duration

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
}

func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Throttle{
		every:      every,
		limiters:   map[string]*rate.Limiter{},
		suppressed: map[string]int{},
	}
}

// Allow reports whether an event for key may be logged now, and how many
// events for key were suppressed since the last allowed one.
func (t *Throttle) Allow(key string) (bool, int) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	lim := t.limiters[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.every), 1)
		t.limiters[key] = lim
	}
	if !lim.Allow() {
		t.suppressed[key]++
		return false, 0
	}
	n := t.suppressed[key]
	delete(t.suppressed, key)
	return true, n
}

// Forget drops state for key (e.g. after the failing component recovered).
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.limiters, key)
	delete(t.suppressed, key)
	t.mu.Unlock()
}
