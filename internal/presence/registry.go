// Package presence keeps room-wide awareness: who is here, where they are and
// what they look like. It also throttles our own position updates and gates
// remote audio by distance.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/observability"
	"github.com/dkeye/presence/internal/protocol"
	"github.com/dkeye/presence/internal/util"
)

const (
	DefaultHistorySize   = 8
	DefaultStaleAfter    = 10 * time.Second
	DefaultSweepInterval = 2 * time.Second
)

type RegistryConfig struct {
	HistorySize int
	StaleAfter  time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// Registry caches remote positions, metadata and liveness for one session.
// Subscribers are called after the registry lock is released.
type Registry struct {
	self    domain.ParticipantID
	clock   clock.Clock
	cfg     RegistryConfig
	metrics *observability.Metrics
	log     zerolog.Logger

	mu       sync.RWMutex
	history  map[domain.ParticipantID]*util.RingBuffer[domain.Position]
	meta     map[domain.ParticipantID]domain.Meta
	lastSeen map[domain.ParticipantID]time.Time

	subMu     sync.RWMutex
	nextSub   int
	posSubs   map[int]func(domain.ParticipantID, domain.Position)
	metaSubs  map[int]func(domain.ParticipantID, domain.Meta)
	expireSub map[int]func(domain.ParticipantID)
}

func NewRegistry(self domain.ParticipantID, clk clock.Clock, cfg RegistryConfig, m *observability.Metrics) *Registry {
	r := &Registry{
		self:    self,
		clock:   clk,
		cfg:     cfg.withDefaults(),
		metrics: m,
		log:     log.With().Str("module", "presence.registry").Str("self", string(self)).Logger(),
	}
	r.initMaps()
	return r
}

func (r *Registry) initMaps() {
	r.history = make(map[domain.ParticipantID]*util.RingBuffer[domain.Position])
	r.meta = make(map[domain.ParticipantID]domain.Meta)
	r.lastSeen = make(map[domain.ParticipantID]time.Time)
	r.posSubs = make(map[int]func(domain.ParticipantID, domain.Position))
	r.metaSubs = make(map[int]func(domain.ParticipantID, domain.Meta))
	r.expireSub = make(map[int]func(domain.ParticipantID))
}

func (r *Registry) Self() domain.ParticipantID { return r.self }

// HandlePosition records a remote sample and notifies position subscribers.
func (r *Registry) HandlePosition(msg protocol.Position) {
	id := msg.ParticipantID
	if id == "" || id == r.self {
		return
	}
	p := domain.Position{X: msg.X, Y: msg.Y, At: time.UnixMilli(msg.TS)}
	r.mu.Lock()
	r.pushLocked(id, p)
	r.lastSeen[id] = r.clock.Now()
	n := r.countLocked()
	r.mu.Unlock()

	r.metrics.SetParticipants(n)
	r.subMu.RLock()
	subs := make([]func(domain.ParticipantID, domain.Position), 0, len(r.posSubs))
	for _, fn := range r.posSubs {
		subs = append(subs, fn)
	}
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(id, p)
	}
}

// HandleMeta stores remote metadata. The first record is taken verbatim,
// later ones only overwrite the fields they carry.
func (r *Registry) HandleMeta(msg protocol.Meta) {
	id := msg.ParticipantID
	if id == "" || id == r.self {
		return
	}
	r.mu.Lock()
	merged := msg.Meta()
	if cur, ok := r.meta[id]; ok {
		merged = cur.Merge(merged)
	}
	r.meta[id] = merged
	r.lastSeen[id] = r.clock.Now()
	n := r.countLocked()
	r.mu.Unlock()

	r.metrics.SetParticipants(n)
	r.subMu.RLock()
	subs := make([]func(domain.ParticipantID, domain.Meta), 0, len(r.metaSubs))
	for _, fn := range r.metaSubs {
		subs = append(subs, fn)
	}
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(id, merged)
	}
}

// Touch marks id as alive. Any inbound message counts.
func (r *Registry) Touch(id domain.ParticipantID) {
	if id == "" || id == r.self {
		return
	}
	r.mu.Lock()
	r.lastSeen[id] = r.clock.Now()
	r.mu.Unlock()
}

// RecordLocal appends a sample to our own history.
func (r *Registry) RecordLocal(p domain.Position) {
	r.mu.Lock()
	r.pushLocked(r.self, p)
	r.mu.Unlock()
}

// SetLocalMeta stores our own metadata so roster views can show it.
func (r *Registry) SetLocalMeta(m domain.Meta) {
	r.mu.Lock()
	r.meta[r.self] = m
	r.mu.Unlock()
}

// AllParticipants returns every known participant plus self, sorted.
func (r *Registry) AllParticipants() []domain.ParticipantID {
	r.mu.RLock()
	set := make(map[domain.ParticipantID]struct{}, len(r.meta)+len(r.history)+1)
	for id := range r.meta {
		set[id] = struct{}{}
	}
	for id := range r.history {
		set[id] = struct{}{}
	}
	r.mu.RUnlock()
	set[r.self] = struct{}{}

	out := make([]domain.ParticipantID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// History returns the buffered samples for id, oldest first.
func (r *Registry) History(id domain.ParticipantID) []domain.Position {
	r.mu.RLock()
	buf, ok := r.history[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return buf.Snapshot()
}

func (r *Registry) Latest(id domain.ParticipantID) (domain.Position, bool) {
	r.mu.RLock()
	buf, ok := r.history[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Position{}, false
	}
	return buf.Last()
}

func (r *Registry) Meta(id domain.ParticipantID) (domain.Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meta[id]
	return m, ok
}

// LastSeen reports when id was last heard from.
func (r *Registry) LastSeen(id domain.ParticipantID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[id]
	return t, ok
}

func (r *Registry) OnPosition(fn func(domain.ParticipantID, domain.Position)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.posSubs[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.posSubs, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) OnMeta(fn func(domain.ParticipantID, domain.Meta)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.metaSubs[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.metaSubs, id)
		r.subMu.Unlock()
	}
}

// OnExpire registers fn for participants removed by Sweep.
func (r *Registry) OnExpire(fn func(domain.ParticipantID)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.expireSub[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.expireSub, id)
		r.subMu.Unlock()
	}
}

// Sweep evicts every remote participant not heard from within the stale timeout
// and returns the evicted ids.
func (r *Registry) Sweep() []domain.ParticipantID {
	now := r.clock.Now()
	r.mu.Lock()
	var expired []domain.ParticipantID
	seen := make(map[domain.ParticipantID]struct{})
	check := func(id domain.ParticipantID) {
		if id == r.self {
			return
		}
		if _, done := seen[id]; done {
			return
		}
		seen[id] = struct{}{}
		last, ok := r.lastSeen[id]
		if ok && now.Sub(last) <= r.cfg.StaleAfter {
			return
		}
		expired = append(expired, id)
	}
	for id := range r.lastSeen {
		check(id)
	}
	for id := range r.meta {
		check(id)
	}
	for id := range r.history {
		check(id)
	}
	for _, id := range expired {
		delete(r.lastSeen, id)
		delete(r.meta, id)
		delete(r.history, id)
	}
	n := r.countLocked()
	r.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	r.metrics.SetParticipants(n)

	r.subMu.RLock()
	subs := make([]func(domain.ParticipantID), 0, len(r.expireSub))
	for _, fn := range r.expireSub {
		subs = append(subs, fn)
	}
	r.subMu.RUnlock()
	for _, id := range expired {
		r.log.Info().Str("participant", string(id)).Msg("participant expired")
		for _, fn := range subs {
			fn(id)
		}
	}
	return expired
}

// StartJanitor runs Sweep every interval until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := r.clock.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Reset drops every cached record and subscriber.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.history = make(map[domain.ParticipantID]*util.RingBuffer[domain.Position])
	r.meta = make(map[domain.ParticipantID]domain.Meta)
	r.lastSeen = make(map[domain.ParticipantID]time.Time)
	r.mu.Unlock()

	r.subMu.Lock()
	clear(r.posSubs)
	clear(r.metaSubs)
	clear(r.expireSub)
	r.subMu.Unlock()
	r.metrics.SetParticipants(0)
}

func (r *Registry) pushLocked(id domain.ParticipantID, p domain.Position) {
	buf, ok := r.history[id]
	if !ok {
		buf = util.NewRingBuffer[domain.Position](r.cfg.HistorySize)
		r.history[id] = buf
	}
	buf.Push(p)
}

func (r *Registry) countLocked() int {
	set := make(map[domain.ParticipantID]struct{}, len(r.meta)+len(r.history))
	for id := range r.meta {
		set[id] = struct{}{}
	}
	for id := range r.history {
		set[id] = struct{}{}
	}
	delete(set, r.self)
	return len(set)
}
