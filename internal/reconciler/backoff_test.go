package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitterBackoff_Ceiling(t *testing.T) {
	b := newJitterBackoff(time.Second, 30*time.Second)

	// Always pick the upper bound to observe the ceiling
	b.random = func(n int64) int64 { return n - 1 }

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.When("Bridge/vmbr0"), "retry %d", i)
	}
	assert.Equal(t, len(want), b.NumRequeues("Bridge/vmbr0"))

	b.Forget("Bridge/vmbr0")
	assert.Equal(t, 0, b.NumRequeues("Bridge/vmbr0"))
	assert.Equal(t, time.Second, b.When("Bridge/vmbr0"))
}

func TestJitterBackoff_FullJitter(t *testing.T) {
	b := newJitterBackoff(time.Second, 30*time.Second)
	b.random = func(n int64) int64 { return 0 }
	assert.Equal(t, time.Duration(0), b.When("Bridge/vmbr0"))

	b = newJitterBackoff(time.Second, 30*time.Second)
	for i := 0; i < 100; i++ {
		d := b.When("Bridge/vmbr1")
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestJitterBackoff_Overflow(t *testing.T) {
	b := newJitterBackoff(time.Second, 30*time.Second)
	assert.Equal(t, 30*time.Second, b.ceiling(40))
	assert.Equal(t, 30*time.Second, b.ceiling(31))
}
