// ABOUTME: Tests for the replay window: marking, expiry, eviction and sweeping.
// ABOUTME: Uses an injected clock instead of sleeping.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestWindow(ttl time.Duration, size int) (*Window, *fakeClock) {
	w := NewWindow(ttl, size)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	w.now = clock.Now
	return w, clock
}

func TestWindowSeen(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 10)
	defer w.Close()

	assert.False(t, w.Seen("a"), "first delivery")
	assert.True(t, w.Seen("a"), "replay")
	assert.False(t, w.Seen("b"))

	t.Run("empty key is never a duplicate", func(t *testing.T) {
		assert.False(t, w.Seen(""))
		assert.False(t, w.Seen(""))
	})
}

func TestWindowExpiry(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 10)
	defer w.Close()

	w.Seen("a")
	clock.Advance(59 * time.Second)
	assert.True(t, w.Seen("a"))

	clock.Advance(2 * time.Minute)
	assert.False(t, w.Seen("a"), "expired key is accepted again")
	assert.True(t, w.Seen("a"))
}

func TestWindowEvictsOldest(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 3)
	defer w.Close()

	for i := 0; i < 4; i++ {
		w.Seen(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Seen("k0"), "k0 was evicted")
	assert.True(t, w.Seen("k3"))
}

func TestWindowSweep(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 10)
	defer w.Close()

	w.Seen("old")
	clock.Advance(30 * time.Second)
	w.Seen("young")
	clock.Advance(45 * time.Second)

	w.sweep()
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Seen("young"))
}

func TestWindowForget(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 10)
	defer w.Close()

	w.Seen("a")
	w.Forget("a")
	assert.False(t, w.Seen("a"))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "", Key("app1", ""))
	assert.NotEqual(t, Key("app1", "m1"), Key("app2", "m1"))
}

func TestWindowConcurrentSeen(t *testing.T) {
	w := NewWindow(time.Hour, 1000)
	defer w.Close()

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("shared") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts.Load())
}

func TestWindowCloseTwice(t *testing.T) {
	w := NewWindow(0, 0)
	w.Close()
	assert.NotPanics(t, w.Close)
}
