package signal

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/presence/internal/domain"
)

// RoomRateLimiter is a sliding window of publish attempts per participant.
type RoomRateLimiter struct {
	mu       sync.Mutex
	clk      clock.Clock
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
}

func NewRoomRateLimiter(limit int, interval time.Duration, clk clock.Clock) *RoomRateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RoomRateLimiter{
		clk:      clk,
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RoomRateLimiter) Allow(id domain.ParticipantID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	rl.history[id] = append(fresh, now)
	return true
}

func (rl *RoomRateLimiter) Forget(id domain.ParticipantID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, id)
}
