package presence

import (
	"sync"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/observability"
)

// DefaultProximityThreshold is the distance beyond which remote audio is muted.
const DefaultProximityThreshold = 100.0

// Positions is the read side of the Registry the gate needs.
type Positions interface {
	Self() domain.ParticipantID
	Latest(id domain.ParticipantID) (domain.Position, bool)
	AllParticipants() []domain.ParticipantID
}

// Gate mutes remote playback once a participant is farther than the threshold.
type Gate struct {
	positions Positions
	playback  core.Playback
	threshold float64
	metrics   *observability.Metrics

	mu    sync.Mutex
	muted map[domain.ParticipantID]bool
}

func NewGate(positions Positions, playback core.Playback, threshold float64, m *observability.Metrics) *Gate {
	if threshold <= 0 {
		threshold = DefaultProximityThreshold
	}
	return &Gate{
		positions: positions,
		playback:  playback,
		threshold: threshold,
		metrics:   m,
		muted:     make(map[domain.ParticipantID]bool),
	}
}

// Evaluate applies the gate for a remote sample. Without a local position it does nothing.
func (g *Gate) Evaluate(remote domain.ParticipantID, p domain.Position) {
	if remote == g.positions.Self() {
		return
	}
	local, ok := g.positions.Latest(g.positions.Self())
	if !ok {
		return
	}
	mute := domain.Distance(local, p) > g.threshold

	g.mu.Lock()
	prev, known := g.muted[remote]
	g.muted[remote] = mute
	g.mu.Unlock()

	if !known || prev != mute {
		g.metrics.ObserveProximity(mute)
	}
	g.playback.SetMuted(remote, mute)
}

// EvaluateAll re-applies the gate against every remote with a known position.
// Used when the local participant moves.
func (g *Gate) EvaluateAll() {
	for _, id := range g.positions.AllParticipants() {
		if id == g.positions.Self() {
			continue
		}
		if p, ok := g.positions.Latest(id); ok {
			g.Evaluate(id, p)
		}
	}
}

// Muted reports the last decision for id.
func (g *Gate) Muted(id domain.ParticipantID) (muted, known bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	muted, known = g.muted[id]
	return muted, known
}

func (g *Gate) Forget(id domain.ParticipantID) {
	g.mu.Lock()
	delete(g.muted, id)
	g.mu.Unlock()
}

func (g *Gate) Reset() {
	g.mu.Lock()
	clear(g.muted)
	g.mu.Unlock()
}
