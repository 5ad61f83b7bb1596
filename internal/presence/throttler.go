package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/presence/internal/domain"
)

// DefaultPositionRate is the number of position broadcasts allowed per second.
const DefaultPositionRate = 15

// IntervalForRate converts a per-second rate into a send interval.
func IntervalForRate(rate int) time.Duration {
	if rate <= 0 {
		rate = DefaultPositionRate
	}
	return time.Second / time.Duration(rate)
}

// Throttler limits outbound position samples to one per interval.
// Samples offered inside the window coalesce; only the newest is sent when it closes.
type Throttler struct {
	clock    clock.Clock
	interval time.Duration
	send     func(domain.Position)

	mu       sync.Mutex
	lastSent time.Time
	hasSent  bool
	pending  *domain.Position
	timer    *clock.Timer
	gen      uint64
	stopped  bool
}

func NewThrottler(clk clock.Clock, interval time.Duration, send func(domain.Position)) *Throttler {
	return &Throttler{clock: clk, interval: interval, send: send}
}

func (t *Throttler) Offer(p domain.Position) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	// Only a gap longer than the interval sends on the leading edge.
	if !t.hasSent || now.Sub(t.lastSent) > t.interval {
		t.lastSent = now
		t.hasSent = true
		t.pending = nil
		t.disarmLocked()
		t.mu.Unlock()
		t.send(p)
		return
	}

	t.pending = &p
	if t.timer == nil {
		gen := t.gen
		wait := t.interval - now.Sub(t.lastSent)
		t.timer = t.clock.AfterFunc(wait, func() { t.fire(gen) })
	}
	t.mu.Unlock()
}

// Stop cancels the timer and drops the pending sample. Later offers are ignored.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = nil
	t.disarmLocked()
}

// Pending reports whether a coalesced sample is waiting for the timer.
func (t *Throttler) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Throttler) fire(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen || t.pending == nil {
		t.mu.Unlock()
		return
	}
	p := *t.pending
	t.pending = nil
	t.timer = nil
	t.gen++
	t.lastSent = t.clock.Now()
	t.mu.Unlock()
	t.send(p)
}

// disarmLocked stops the timer and invalidates a callback that already fired.
func (t *Throttler) disarmLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}
