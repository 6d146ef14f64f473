package reconciler

import (
	"math/rand/v2"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
)

// jitterBackoff is an exponential per-item rate limiter with full jitter:
// the nth retry waits a uniform random duration in [0, min(max, base*2^n)].
type jitterBackoff struct {
	mu       sync.Mutex
	failures map[interface{}]int
	base     time.Duration
	max      time.Duration
	random   func(n int64) int64
}

var _ workqueue.RateLimiter = (*jitterBackoff)(nil)

func newJitterBackoff(base, max time.Duration) *jitterBackoff {
	return &jitterBackoff{
		failures: map[interface{}]int{},
		base:     base,
		max:      max,
		random:   rand.Int64N,
	}
}

// ceiling returns the upper bound of the nth retry delay.
func (b *jitterBackoff) ceiling(n int) time.Duration {
	if n >= 32 {
		return b.max
	}
	d := b.base << uint(n)
	if d <= 0 || d > b.max {
		return b.max
	}
	return d
}

func (b *jitterBackoff) When(item interface{}) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.failures[item]
	b.failures[item] = n + 1
	return time.Duration(b.random(int64(b.ceiling(n)) + 1))
}

func (b *jitterBackoff) Forget(item interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, item)
}

func (b *jitterBackoff) NumRequeues(item interface{}) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[item]
}
