package presence

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

type HandshakeState int

const (
	HandshakeJoining HandshakeState = iota
	HandshakeActive
)

func (s HandshakeState) String() string {
	if s == HandshakeActive {
		return "active"
	}
	return "joining"
}

// Handshake owns the local identity record and runs the join exchange:
// announce our meta, ask everyone for theirs, answer everyone who asks.
type Handshake struct {
	self domain.ParticipantID
	pub  core.Publisher
	reg  *Registry
	log  zerolog.Logger

	mu    sync.RWMutex
	local domain.Meta
	state HandshakeState
}

func NewHandshake(self domain.ParticipantID, pub core.Publisher, reg *Registry, local domain.Meta) *Handshake {
	h := &Handshake{
		self:  self,
		pub:   pub,
		reg:   reg,
		local: local,
		log:   log.With().Str("module", "presence.handshake").Str("self", string(self)).Logger(),
	}
	reg.SetLocalMeta(local)
	return h
}

func (h *Handshake) Local() domain.Meta {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.local
}

func (h *Handshake) State() HandshakeState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Start runs once the subscription is live and moves JOINING to ACTIVE.
// Later calls do nothing.
func (h *Handshake) Start(ctx context.Context) {
	h.mu.Lock()
	if h.state == HandshakeActive {
		h.mu.Unlock()
		return
	}
	h.state = HandshakeActive
	m := h.local
	h.mu.Unlock()

	h.log.Debug().Msg("handshake active")
	if !m.IsEmpty() {
		h.publish(ctx, protocol.EventMeta, protocol.NewMeta(h.self, m))
	}
	h.publish(ctx, protocol.EventMetaRequest, protocol.MetaRequest{AskerID: h.self})
}

// HandleRequest answers a meta-request from someone else, even with empty meta.
func (h *Handshake) HandleRequest(ctx context.Context, req protocol.MetaRequest) {
	if req.AskerID == "" || req.AskerID == h.self {
		return
	}
	h.publish(ctx, protocol.EventMeta, protocol.NewMeta(h.self, h.Local()))
}

// Update merges m into the local record and rebroadcasts it when it changed.
func (h *Handshake) Update(ctx context.Context, m domain.Meta) domain.Meta {
	h.mu.Lock()
	next := h.local.Merge(m)
	changed := next != h.local
	h.local = next
	h.mu.Unlock()

	if !changed {
		return next
	}
	h.reg.SetLocalMeta(next)
	h.publish(ctx, protocol.EventMeta, protocol.NewMeta(h.self, next))
	return next
}

func (h *Handshake) publish(ctx context.Context, event protocol.Event, msg any) {
	if err := h.pub.Publish(ctx, event, msg); err != nil {
		h.log.Warn().Err(err).Str("event", string(event)).Msg("handshake publish failed")
	}
}
