// Package timeutil lets the supervisor's rate limits and settle delays run
// against either the wall clock or a manually advanced clock in tests.
package timeutil

import (
	"context"
	"sync"
	"time"
)

// Clock is the subset of the time package used by the control plane.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a single-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker delivers ticks at a fixed period.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// Sleep waits for d on clock c, returning early with ctx.Err() if ctx is
// cancelled first.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// RealClock implements Clock with the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time        { return r.t.C }
func (r realTimer) Stop() bool                 { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time   { return r.t.C }
func (r realTicker) Stop()                 { r.t.Stop() }
func (r realTicker) Reset(d time.Duration) { r.t.Reset(d) }

// MockClock is a manually advanced clock. Timers and tickers created from it
// fire only from Advance.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
}

// NewMockClock returns a MockClock reading t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward by d and fires every timer or ticker whose
// deadline has been reached.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	waiters := append([]*mockWaiter(nil), c.waiters...)
	c.mu.Unlock()

	for _, w := range waiters {
		w.fire(now)
	}
}

// Waiters reports how many timers and tickers are currently armed.
func (c *MockClock) Waiters() int {
	c.mu.Lock()
	waiters := append([]*mockWaiter(nil), c.waiters...)
	c.mu.Unlock()
	n := 0
	for _, w := range waiters {
		w.mu.Lock()
		if w.active {
			n++
		}
		w.mu.Unlock()
	}
	return n
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.add(d, false)
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	return mockTicker{c.add(d, true)}
}

func (c *MockClock) add(d time.Duration, periodic bool) *mockWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWaiter{
		clock:    c,
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
		period:   d,
		periodic: periodic,
		active:   true,
	}
	c.waiters = append(c.waiters, w)
	return w
}

type mockWaiter struct {
	clock    *MockClock
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	period   time.Duration
	periodic bool
	active   bool
}

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

func (w *mockWaiter) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.active
	w.active = false
	return was
}

func (w *mockWaiter) Reset(d time.Duration) bool {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.active
	w.active = true
	w.period = d
	w.deadline = now.Add(d)
	return was
}

func (w *mockWaiter) fire(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active || now.Before(w.deadline) {
		return
	}
	select {
	case w.ch <- now:
	default:
	}
	if w.periodic {
		w.deadline = now.Add(w.period)
		return
	}
	w.active = false
}

type mockTicker struct{ w *mockWaiter }

func (t mockTicker) C() <-chan time.Time   { return t.w.ch }
func (t mockTicker) Stop()                 { t.w.Stop() }
func (t mockTicker) Reset(d time.Duration) { t.w.Reset(d) }
