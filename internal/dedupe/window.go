// ABOUTME: Replay window for inbound envelopes keyed by sender and message id.
// ABOUTME: Bounded by size and age; the oldest keys are evicted first.

// Package dedupe drops envelopes a peer delivers more than once, for
// example a confirmation reply resent after a reconnect.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultTTL and DefaultSize are used when a Window is built from zero values.
const (
	DefaultTTL  = 10 * time.Minute
	DefaultSize = 10000
)

type mark struct {
	key  string
	at   time.Time
	elem *list.Element
}

// Window remembers recently seen keys.
type Window struct {
	mu      sync.Mutex
	marks   map[string]*mark
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewWindow creates a Window and starts its sweeper.
func NewWindow(ttl time.Duration, maxSize int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	w := &Window{
		marks:   make(map[string]*mark),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go w.sweepLoop(sweepInterval(ttl))
	return w
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// Key builds the window key for an envelope from a sender.
// Returns "" when the envelope carries no id, which callers never dedupe.
func Key(senderID, messageID string) string {
	if messageID == "" {
		return ""
	}
	return senderID + "\x00" + messageID
}

// Seen reports whether key was already observed inside the window and
// marks it otherwise. Empty keys are never duplicates.
func (w *Window) Seen(key string) bool {
	if key == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if m, ok := w.marks[key]; ok {
		if now.Sub(m.at) < w.ttl {
			return true
		}
		w.order.Remove(m.elem)
		delete(w.marks, key)
	}

	for len(w.marks) >= w.maxSize {
		w.evictOldest()
	}
	m := &mark{key: key, at: now}
	m.elem = w.order.PushBack(m)
	w.marks[key] = m
	return false
}

// Forget removes key so the next delivery is accepted.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.marks[key]; ok {
		w.order.Remove(m.elem)
		delete(w.marks, key)
	}
}

// Len returns the number of remembered keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.marks)
}

func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	m := front.Value.(*mark)
	w.order.Remove(front)
	delete(w.marks, m.key)
}

// sweep drops expired keys. Insertion order equals age order, so it stops
// at the first live key.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	for e := w.order.Front(); e != nil; {
		m := e.Value.(*mark)
		if now.Sub(m.at) < w.ttl {
			return
		}
		next := e.Next()
		w.order.Remove(e)
		delete(w.marks, m.key)
		e = next
	}
}

func (w *Window) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stop:
			return
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.once.Do(func() { close(w.stop) })
}
