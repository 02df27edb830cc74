// Package clock provides a mockable time source and alarm scheduler.
// In production it wraps the time package. For tests, use MockClock, which
// fires scheduled alarms only when its time is advanced.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the interface for time operations.
// Inject a Clock wherever timers must be controllable from tests.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call created by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was already stopped.
	Stop() bool
}

// --- Real Clock (simple wrapper) ---

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Until returns the duration until t.
func (c *RealClock) Until(t time.Time) time.Duration {
	return time.Until(t)
}

// AfterFunc wraps time.AfterFunc.
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// --- Mock Clock (for testing) ---

// MockClock is a test clock with controllable time.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
	timers  []*mockTimer
	seq     int
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	seq      int
	f        func()
	done     bool
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the duration until t.
func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// AfterFunc schedules f to run when the mock time reaches now+d.
// The call happens synchronously inside Set or Advance.
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &mockTimer{clock: c, deadline: c.current.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *mockTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	c.removeLocked(t)
	return true
}

func (c *MockClock) removeLocked(t *mockTimer) {
	for i, p := range c.timers {
		if p == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

// Set sets the mock time and fires every timer whose deadline has passed.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
	c.fireDue()
}

// Advance advances the mock time by d and fires due timers.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
	c.fireDue()
}

// PendingTimers returns the number of scheduled, unfired timers.
func (c *MockClock) PendingTimers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.timers)
}

// Deadlines returns the deadlines of pending timers in firing order.
func (c *MockClock) Deadlines() []time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	due := c.sortedLocked()
	out := make([]time.Time, len(due))
	for i, t := range due {
		out[i] = t.deadline
	}
	return out
}

func (c *MockClock) sortedLocked() []*mockTimer {
	out := append([]*mockTimer(nil), c.timers...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].deadline.Equal(out[j].deadline) {
			return out[i].seq < out[j].seq
		}
		return out[i].deadline.Before(out[j].deadline)
	})
	return out
}

// fireDue runs due timers one at a time so callbacks may schedule or stop
// other timers.
func (c *MockClock) fireDue() {
	for {
		c.mu.Lock()
		var next *mockTimer
		for _, t := range c.sortedLocked() {
			if !t.deadline.After(c.current) {
				next = t
			}
			break
		}
		if next == nil {
			c.mu.Unlock()
			return
		}
		next.done = true
		c.removeLocked(next)
		c.mu.Unlock()
		next.f()
	}
}

// --- Package-level convenience functions ---

// Now returns the current system time.
func Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Until returns the duration until t.
func Until(t time.Time) time.Duration {
	return time.Until(t)
}

// Or returns c, or a RealClock when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return &RealClock{}
	}
	return c
}
