package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/chat"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/mesh"
	"github.com/dkeye/presence/internal/presence"
	"github.com/dkeye/presence/internal/protocol"
)

// Session is one live membership of a room.
type Session struct {
	room     domain.RoomID
	self     domain.ParticipantID
	deps     Deps
	log      zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	janitor  context.CancelFunc
	ch       core.Channel
	pub      core.Publisher
	playback core.Playback

	registry  *presence.Registry
	handshake *presence.Handshake
	throttler *presence.Throttler
	gate      *presence.Gate
	mesh      *mesh.Manager
	calls     *mesh.Calls
	chat      *chat.Channel

	unsubs []func()
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

func start(ctx context.Context, deps Deps, room domain.RoomID, self domain.ParticipantID, meta domain.Meta) (*Session, error) {
	ch, err := deps.Transport.Open(room, self)
	if err != nil {
		return nil, fmt.Errorf("open room %s: %w", room, err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		room:     room,
		self:     self,
		deps:     deps,
		log:      log.With().Str("module", "session").Str("room", string(room)).Str("self", string(self)).Logger(),
		ctx:      sctx,
		cancel:   cancel,
		ch:       ch,
		pub:      core.NewCodecPublisher(ch, deps.Codec, deps.Metrics),
		playback: deps.Playback,
		done:     make(chan struct{}),
	}
	st := deps.Settings

	s.registry = presence.NewRegistry(self, deps.Clock, presence.RegistryConfig{
		HistorySize: st.HistorySize,
		StaleAfter:  st.StaleAfter,
	}, deps.Metrics)
	s.registry.SetLocalMeta(meta)
	s.handshake = presence.NewHandshake(self, s.pub, s.registry, meta)
	s.throttler = presence.NewThrottler(deps.Clock, presence.IntervalForRate(st.PositionRate), s.sendPosition)
	s.gate = presence.NewGate(s.registry, s.playback, st.ProximityThreshold, deps.Metrics)
	s.mesh = mesh.NewManager(sctx, self, s.pub, deps.Factory, deps.Metrics)
	s.calls = mesh.NewCalls(self, s.pub, s.mesh, deps.Media)
	s.chat = chat.New(self, s.pub, deps.Clock, func() string { return s.handshake.Local().DisplayName }, st.ChatHistory)

	s.wire()

	if err := ch.Subscribe(ctx); err != nil {
		cancel()
		s.unwire()
		_ = ch.Close()
		return nil, fmt.Errorf("subscribe room %s: %w", room, err)
	}

	jctx, jcancel := context.WithCancel(sctx)
	s.janitor = jcancel
	s.registry.StartJanitor(jctx, st.SweepInterval)
	s.handshake.Start(sctx)

	if lossy, ok := ch.(core.Lossy); ok {
		go s.watch(lossy.Done())
	}
	s.log.Info().Msg("session active")
	return s, nil
}

// on registers a typed handler. Every inbound message counts as liveness for its sender.
func on[T any](s *Session, event protocol.Event, fn func(msg T)) {
	core.On(s.ch, s.deps.Codec, event, func(from domain.ParticipantID, msg T) {
		s.registry.Touch(from)
		s.deps.Metrics.IncReceived(string(event))
		fn(msg)
	})
}

func (s *Session) wire() {
	ctx := s.ctx

	on(s, protocol.EventPosition, s.registry.HandlePosition)
	on(s, protocol.EventMeta, s.registry.HandleMeta)
	on(s, protocol.EventMetaRequest, func(m protocol.MetaRequest) { s.handshake.HandleRequest(ctx, m) })

	on(s, protocol.EventLinkRequest, func(m protocol.LinkRequest) { s.mesh.HandleLinkRequest(ctx, m) })
	on(s, protocol.EventLinkAck, func(m protocol.LinkAck) { s.mesh.HandleLinkAck(ctx, m) })
	on(s, protocol.EventOffer, func(m protocol.SDP) { s.mesh.HandleOffer(ctx, m) })
	on(s, protocol.EventAnswer, func(m protocol.SDP) { s.mesh.HandleAnswer(ctx, m) })
	on(s, protocol.EventICE, func(m protocol.ICE) { s.mesh.HandleICE(ctx, m) })
	on(s, protocol.EventLinkDestroy, s.mesh.HandleDestroy)

	on(s, protocol.EventCallInvite, func(m protocol.CallInvite) { s.calls.HandleInvite(ctx, m) })
	on(s, protocol.EventCallResponse, func(m protocol.CallResponse) { s.calls.HandleResponse(ctx, m) })
	on(s, protocol.EventCallLeave, func(m protocol.CallLeave) { s.calls.HandleLeave(ctx, m) })

	on(s, protocol.EventChat, s.chat.Handle)

	s.unsubs = append(s.unsubs,
		s.registry.OnPosition(s.gate.Evaluate),
		// Expiry only purges presence state. Links end on link-destroy, call-leave or teardown.
		s.registry.OnExpire(func(id domain.ParticipantID) {
			s.log.Info().Str("participant", string(id)).Msg("participant expired")
			s.gate.Forget(id)
			if _, linked := s.mesh.Lookup(id); linked {
				s.playback.SetMuted(id, false)
				return
			}
			s.playback.Detach(id)
		}),
		s.mesh.OnLinkClosed(func(id domain.ParticipantID) {
			s.playback.Detach(id)
			s.gate.Forget(id)
		}),
		s.mesh.OnTrackAvailable(func(id domain.ParticipantID) {
			for _, t := range s.mesh.TakeTracks(id) {
				s.playback.Attach(id, t)
			}
			if p, ok := s.registry.Latest(id); ok {
				s.gate.Evaluate(id, p)
			}
		}),
	)
}

func (s *Session) unwire() {
	for _, fn := range s.unsubs {
		fn()
	}
	s.unsubs = nil
}

func (s *Session) watch(lost <-chan struct{}) {
	select {
	case <-s.ctx.Done():
	case <-lost:
		if !s.closed.Load() {
			s.log.Warn().Msg("transport lost, tearing down")
			s.Teardown(context.Background())
		}
	}
}

func (s *Session) sendPosition(p domain.Position) {
	err := s.pub.Publish(s.ctx, protocol.EventPosition, protocol.Position{
		ParticipantID: s.self,
		X:             p.X,
		Y:             p.Y,
		TS:            p.At.UnixMilli(),
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("position publish failed")
	}
}

// Teardown stops timers, closes every link, leaves the room, clears caches and
// releases local media. It is safe to call more than once.
func (s *Session) Teardown(ctx context.Context) {
	s.once.Do(func() {
		s.closed.Store(true)
		s.throttler.Stop()
		if s.janitor != nil {
			s.janitor()
		}
		s.mesh.Teardown(ctx)
		if err := s.ch.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close channel")
		}
		s.unwire()
		s.registry.Reset()
		s.chat.Reset()
		s.calls.Reset()
		s.gate.Reset()
		s.mesh.ReleaseLocal()
		s.cancel()
		close(s.done)
		s.log.Info().Msg("session torn down")
	})
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool { return s.closed.Load() }

func (s *Session) Room() domain.RoomID        { return s.room }
func (s *Session) Self() domain.ParticipantID { return s.self }
