package schedule

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

// MaxSpread bounds the first-occurrence jitter.
const MaxSpread = 30 * time.Second

// Spread wraps a base schedule and moves its first occurrence to First.
// After that it delegates to the base schedule.
type Spread struct {
	Base  Source
	First time.Time
}

func (s *Spread) DueTimeAfter(after time.Time) time.Time {
	if !s.First.IsZero() && after.Before(s.First) {
		return s.First
	}
	return s.Base.DueTimeAfter(after)
}

func (s *Spread) String() string {
	return fmt.Sprintf("%s (first %s)", Describe(s.Base), s.First.Format(time.RFC3339))
}

var spreadSeq uint64

// NewSpread delays the first occurrence of base after now by a random jitter
// in [0, max). max is capped at MaxSpread and at the gap between the first
// two occurrences, so the shifted first run never skips past the second.
func NewSpread(base Source, now time.Time, max time.Duration, tag string) (*Spread, time.Duration) {
	first := base.DueTimeAfter(now)
	if IsNever(first) {
		return &Spread{Base: base}, 0
	}
	if max > MaxSpread {
		max = MaxSpread
	}
	if second := base.DueTimeAfter(first); !IsNever(second) && second.Sub(first) < max {
		max = second.Sub(first)
	}
	if max <= 0 {
		return &Spread{Base: base}, 0
	}

	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	jitter := time.Duration(rng.Int63n(int64(max)))
	return &Spread{Base: base, First: first.Add(jitter)}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
