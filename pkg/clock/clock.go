// Package clock provides an injectable time source for the SWIM engine.
// Spec.md §9 calls out the engine's clock as its one piece of global
// state and asks for it to be injected so protocol timing (round step,
// ack timeout, suspicion, GC) can be driven deterministically in tests
// (see scenarios 2-6 of spec.md §8, which rely on simulated time).
package clock

import (
	"sync"
	"time"
)

// Clock is the time source the SWIM engine consumes. Real uses
// wall-clock time; Manual is advanced explicitly by tests.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives the current time once d
	// has elapsed according to this clock.
	After(d time.Duration) <-chan time.Time
	// NewTicker returns a ticker that fires every d according to this
	// clock. Callers must call Stop when done.
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker's exported surface so Manual can provide
// a simulated equivalent.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real wraps the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Manual is a simulated clock for deterministic protocol tests. Time
// only moves forward when Advance is called; waiters registered via
// After/NewTicker are woken in timestamp order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*manualWaiter
}

type manualWaiter struct {
	fireAt time.Time
	period time.Duration // zero for a one-shot After waiter
	ch     chan time.Time
	active bool
}

// NewManual creates a Manual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	m.waiters = append(m.waiters, &manualWaiter{
		fireAt: m.now.Add(d),
		ch:     ch,
		active: true,
	})
	return ch
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &manualWaiter{
		fireAt: m.now.Add(d),
		period: d,
		ch:     make(chan time.Time, 1),
		active: true,
	}
	m.waiters = append(m.waiters, w)
	return &manualTicker{clock: m, waiter: w}
}

// Advance moves the clock forward by d, firing any waiter whose
// deadline has been reached, in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		var next *manualWaiter
		for _, w := range m.waiters {
			if !w.active || w.fireAt.After(target) {
				continue
			}
			if next == nil || w.fireAt.Before(next.fireAt) {
				next = w
			}
		}
		if next == nil {
			break
		}
		m.now = next.fireAt
		fireAt := next.fireAt
		select {
		case next.ch <- fireAt:
		default:
		}
		if next.period > 0 {
			next.fireAt = next.fireAt.Add(next.period)
		} else {
			next.active = false
		}
	}
	m.now = target
	m.mu.Unlock()
}

func (m *Manual) stopWaiter(w *manualWaiter) {
	m.mu.Lock()
	w.active = false
	m.mu.Unlock()
}

type manualTicker struct {
	clock  *Manual
	waiter *manualWaiter
}

func (t *manualTicker) C() <-chan time.Time { return t.waiter.ch }
func (t *manualTicker) Stop()               { t.clock.stopWaiter(t.waiter) }
