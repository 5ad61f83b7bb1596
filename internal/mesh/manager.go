package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/observability"
	"github.com/dkeye/presence/internal/protocol"
)

var (
	ErrManagerClosed = errors.New("mesh manager closed")
	ErrNoMedia       = errors.New("no local media")
	ErrNoFactory     = errors.New("no connection factory")
)

// Manager owns every PeerLink of one session, indexed by remote participant.
type Manager struct {
	self    domain.ParticipantID
	pub     core.Publisher
	factory core.ConnectionFactory
	metrics *observability.Metrics
	log     zerolog.Logger
	ctx     context.Context

	mu     sync.Mutex
	links  map[domain.ParticipantID]*PeerLink
	tracks map[domain.ParticipantID][]core.RemoteTrack
	closed bool

	localMu sync.RWMutex
	local   core.LocalStream

	subMu      sync.RWMutex
	nextSub    int
	trackSubs  map[int]func(domain.ParticipantID)
	closedSubs map[int]func(domain.ParticipantID)
}

// NewManager creates a manager. ctx bounds publishes made from connection callbacks.
func NewManager(ctx context.Context, self domain.ParticipantID, pub core.Publisher, factory core.ConnectionFactory, m *observability.Metrics) *Manager {
	return &Manager{
		self:       self,
		pub:        pub,
		factory:    factory,
		metrics:    m,
		ctx:        ctx,
		log:        log.With().Str("module", "mesh").Str("self", string(self)).Logger(),
		links:      make(map[domain.ParticipantID]*PeerLink),
		tracks:     make(map[domain.ParticipantID][]core.RemoteTrack),
		trackSubs:  make(map[int]func(domain.ParticipantID)),
		closedSubs: make(map[int]func(domain.ParticipantID)),
	}
}

// polite reports whether we yield to remote on glare. The smaller id is polite.
func (m *Manager) polite(remote domain.ParticipantID) bool {
	return m.self < remote
}

// SetLocalStream replaces the shared local stream. The previous one is not released.
func (m *Manager) SetLocalStream(s core.LocalStream) {
	m.localMu.Lock()
	m.local = s
	m.localMu.Unlock()
}

func (m *Manager) LocalStream() core.LocalStream {
	m.localMu.RLock()
	defer m.localMu.RUnlock()
	return m.local
}

func (m *Manager) HasMedia() bool { return m.LocalStream() != nil }

// ReleaseLocal stops the local stream and forgets it.
func (m *Manager) ReleaseLocal() {
	m.localMu.Lock()
	s := m.local
	m.local = nil
	m.localMu.Unlock()
	if s != nil {
		s.Release()
	}
}

// Link returns the link for remote, creating it on first use.
func (m *Manager) Link(remote domain.ParticipantID) (*PeerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if l, ok := m.links[remote]; ok {
		return l, nil
	}
	if m.factory == nil {
		return nil, ErrNoFactory
	}
	conn, err := m.factory.New(remote)
	if err != nil {
		return nil, fmt.Errorf("new connection for %s: %w", remote, err)
	}
	l := &PeerLink{remote: remote}
	m.bind(l, conn)
	m.links[remote] = l
	m.metrics.AddPeerLinks(1)
	m.log.Debug().Str("remote", string(remote)).Msg("link created")
	return l, nil
}

// Lookup returns an existing link.
func (m *Manager) Lookup(remote domain.ParticipantID) (*PeerLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remote]
	return l, ok
}

// Links returns the remote ids of every open link, sorted.
func (m *Manager) Links() []domain.ParticipantID {
	m.mu.Lock()
	out := make([]domain.ParticipantID, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// bind installs the connection callbacks and makes conn the link's current connection.
func (m *Manager) bind(l *PeerLink, conn core.MediaConnection) {
	g := l.gen.Add(1)
	remote := l.remote
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if !l.current(g) {
			return
		}
		m.publish(m.ctx, protocol.EventICE, protocol.ICE{From: m.self, To: remote, Candidate: c})
	})
	conn.OnTrack(func(t core.RemoteTrack) {
		if !l.current(g) {
			return
		}
		m.addTrack(remote, t)
	})
	conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		if !l.current(g) {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			l.setState(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			m.log.Warn().Str("remote", string(remote)).Msg("connection failed, closing link")
			m.closeLink(remote, l)
		}
	})
	l.conn = conn
	l.remoteSet = false
	l.senders = nil
	l.setState(StateCreated)
}

// RequestLinks asks the room (or only to, when set) to acknowledge so we can offer.
func (m *Manager) RequestLinks(ctx context.Context, to domain.ParticipantID) {
	m.publish(ctx, protocol.EventLinkRequest, protocol.LinkRequest{From: m.self, To: to})
}

func (m *Manager) HandleLinkRequest(ctx context.Context, msg protocol.LinkRequest) {
	if msg.From == "" || msg.From == m.self || (msg.To != "" && msg.To != m.self) {
		return
	}
	if _, err := m.Link(msg.From); err != nil {
		m.log.Warn().Err(err).Str("remote", string(msg.From)).Msg("link-request: create link")
		return
	}
	m.publish(ctx, protocol.EventLinkAck, protocol.LinkAck{From: m.self, To: msg.From})
}

// HandleLinkAck offers when we have media and the link is not mid-negotiation.
func (m *Manager) HandleLinkAck(ctx context.Context, msg protocol.LinkAck) {
	if msg.From == "" || msg.From == m.self || msg.To != m.self {
		return
	}
	l, err := m.Link(msg.From)
	if err != nil {
		m.log.Warn().Err(err).Str("remote", string(msg.From)).Msg("link-ack: create link")
		return
	}
	if !m.HasMedia() {
		return
	}
	switch l.State() {
	case StateCreated, StateConnected:
		m.offer(ctx, l)
	default:
		m.log.Debug().Str("remote", string(msg.From)).Str("state", l.State().String()).Msg("link-ack: negotiation in progress")
	}
}

// Offer (re)negotiates the link to remote with the current local tracks.
func (m *Manager) Offer(ctx context.Context, remote domain.ParticipantID) error {
	if !m.HasMedia() {
		return ErrNoMedia
	}
	l, err := m.Link(remote)
	if err != nil {
		return err
	}
	m.offer(ctx, l)
	return nil
}

func (m *Manager) offer(ctx context.Context, l *PeerLink) {
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return
	}
	m.attachLocked(l)
	sdp, err := l.conn.CreateOffer()
	if err != nil {
		l.mu.Unlock()
		m.log.Warn().Err(err).Str("remote", string(l.remote)).Msg("create offer")
		return
	}
	l.setState(StateOfferSent)
	l.mu.Unlock()

	m.publish(ctx, protocol.EventOffer, protocol.SDP{From: m.self, To: l.remote, SDP: sdp.SDP})
}

// HandleOffer applies a remote offer and answers it. On glare the polite side
// renews its connection and answers; the impolite side ignores the offer.
func (m *Manager) HandleOffer(ctx context.Context, msg protocol.SDP) {
	if msg.From == "" || msg.From == m.self || msg.To != m.self {
		return
	}
	l, err := m.Link(msg.From)
	if err != nil {
		m.log.Warn().Err(err).Str("remote", string(msg.From)).Msg("offer: create link")
		return
	}
	logger := m.log.With().Str("remote", string(msg.From)).Logger()

	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return
	}
	if l.State() == StateOfferSent {
		if !m.polite(msg.From) {
			l.mu.Unlock()
			logger.Debug().Msg("glare: impolite side ignores competing offer")
			return
		}
		if err := m.renewLocked(l); err != nil {
			l.mu.Unlock()
			logger.Warn().Err(err).Msg("glare: renew connection")
			return
		}
		logger.Debug().Msg("glare: polite side renewed connection")
	}

	if err := l.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
		l.mu.Unlock()
		logger.Warn().Err(err).Msg("offer: set remote description")
		return
	}
	l.remoteSet = true
	m.flushLocked(l)
	m.attachLocked(l)
	answer, err := l.conn.CreateAnswer()
	if err != nil {
		l.mu.Unlock()
		logger.Warn().Err(err).Msg("offer: create answer")
		return
	}
	l.setState(StateAnswerSent)
	l.mu.Unlock()

	m.publish(ctx, protocol.EventAnswer, protocol.SDP{From: m.self, To: msg.From, SDP: answer.SDP})
}

// HandleAnswer is only applied while our offer is outstanding.
func (m *Manager) HandleAnswer(_ context.Context, msg protocol.SDP) {
	if msg.From == "" || msg.From == m.self || msg.To != m.self {
		return
	}
	l, ok := m.Lookup(msg.From)
	if !ok {
		return
	}
	logger := m.log.With().Str("remote", string(msg.From)).Logger()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return
	}
	if l.State() != StateOfferSent {
		logger.Debug().Str("state", l.State().String()).Msg("answer: no outstanding offer, ignored")
		return
	}
	if err := l.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
		logger.Warn().Err(err).Msg("answer: set remote description")
		return
	}
	l.remoteSet = true
	m.flushLocked(l)
	l.setState(StateConnected)
}

// HandleICE applies a remote candidate, or queues it until the remote description is set.
func (m *Manager) HandleICE(_ context.Context, msg protocol.ICE) {
	if msg.From == "" || msg.From == m.self || msg.To != m.self {
		return
	}
	l, err := m.Link(msg.From)
	if err != nil {
		m.log.Warn().Err(err).Str("remote", string(msg.From)).Msg("ice: create link")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return
	}
	if !l.remoteSet {
		l.iceQueue = append(l.iceQueue, msg.Candidate)
		m.metrics.IncICEQueued()
		return
	}
	if err := l.conn.AddICECandidate(msg.Candidate); err != nil {
		m.log.Warn().Err(err).Str("remote", string(msg.From)).Msg("ice: add candidate")
	}
}

// HandleDestroy closes the sender's link and drops its unconsumed tracks.
func (m *Manager) HandleDestroy(msg protocol.LinkDestroy) {
	if msg.From == "" || msg.From == m.self {
		return
	}
	m.CloseLink(msg.From)
}

func (m *Manager) flushLocked(l *PeerLink) {
	queued := l.iceQueue
	l.iceQueue = nil
	for _, c := range queued {
		if err := l.conn.AddICECandidate(c); err != nil {
			m.log.Warn().Err(err).Str("remote", string(l.remote)).Msg("ice: flush queued candidate")
		}
	}
}

// attachLocked detaches every previous sender and adds one sender per local track kind.
func (m *Manager) attachLocked(l *PeerLink) {
	for _, s := range l.senders {
		if err := l.conn.RemoveTrack(s); err != nil {
			m.log.Debug().Err(err).Str("remote", string(l.remote)).Msg("remove sender")
		}
	}
	l.senders = nil

	stream := m.LocalStream()
	if stream == nil {
		return
	}
	kinds := make(map[webrtc.RTPCodecType]bool)
	for _, t := range stream.Tracks() {
		if kinds[t.Kind()] {
			continue
		}
		s, err := l.conn.AddTrack(t)
		if err != nil {
			m.log.Warn().Err(err).Str("remote", string(l.remote)).Str("kind", t.Kind().String()).Msg("add local track")
			continue
		}
		kinds[t.Kind()] = true
		l.senders = append(l.senders, s)
	}
}

// renewLocked swaps in a fresh connection. Queued remote candidates are kept.
func (m *Manager) renewLocked(l *PeerLink) error {
	conn, err := m.factory.New(l.remote)
	if err != nil {
		return err
	}
	old := l.conn
	m.bind(l, conn)
	if err := old.Close(); err != nil {
		m.log.Debug().Err(err).Str("remote", string(l.remote)).Msg("close replaced connection")
	}
	return nil
}

func (m *Manager) addTrack(remote domain.ParticipantID, t core.RemoteTrack) {
	m.mu.Lock()
	if _, ok := m.links[remote]; !ok {
		m.mu.Unlock()
		return
	}
	m.tracks[remote] = append(m.tracks[remote], t)
	m.mu.Unlock()

	m.log.Info().Str("remote", string(remote)).Str("kind", t.Kind().String()).Str("track_id", t.ID()).Msg("remote track available")
	m.subMu.RLock()
	subs := make([]func(domain.ParticipantID), 0, len(m.trackSubs))
	for _, fn := range m.trackSubs {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(remote)
	}
}

// TakeTracks drains the queued remote tracks of remote.
func (m *Manager) TakeTracks(remote domain.ParticipantID) []core.RemoteTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.tracks[remote]
	delete(m.tracks, remote)
	return out
}

// OnTrackAvailable registers fn for every queued remote track.
func (m *Manager) OnTrackAvailable(fn func(domain.ParticipantID)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.trackSubs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.trackSubs, id)
		m.subMu.Unlock()
	}
}

// OnLinkClosed registers fn for every link removed from the manager.
func (m *Manager) OnLinkClosed(fn func(domain.ParticipantID)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.closedSubs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.closedSubs, id)
		m.subMu.Unlock()
	}
}

// CloseLink closes the link to remote locally, without broadcasting.
func (m *Manager) CloseLink(remote domain.ParticipantID) {
	m.mu.Lock()
	l, ok := m.links[remote]
	m.mu.Unlock()
	if ok {
		m.closeLink(remote, l)
	}
}

// closeLink removes l if it is still the registered link for remote.
func (m *Manager) closeLink(remote domain.ParticipantID, l *PeerLink) {
	m.mu.Lock()
	if cur, ok := m.links[remote]; !ok || cur != l {
		m.mu.Unlock()
		return
	}
	delete(m.links, remote)
	delete(m.tracks, remote)
	m.mu.Unlock()

	l.closed.Store(true)
	l.state.Store(int32(StateClosed))
	l.mu.Lock()
	conn := l.conn
	l.iceQueue = nil
	l.senders = nil
	l.mu.Unlock()
	if err := conn.Close(); err != nil {
		m.log.Debug().Err(err).Str("remote", string(remote)).Msg("close connection")
	}
	m.metrics.AddPeerLinks(-1)
	m.log.Info().Str("remote", string(remote)).Msg("link closed")

	m.subMu.RLock()
	subs := make([]func(domain.ParticipantID), 0, len(m.closedSubs))
	for _, fn := range m.closedSubs {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(remote)
	}
}

// CloseAll closes every link locally.
func (m *Manager) CloseAll() {
	for _, id := range m.Links() {
		m.CloseLink(id)
	}
}

// DestroyAll announces link-destroy so peers drop their side, then closes every
// link locally. Nothing is published when there are no links.
func (m *Manager) DestroyAll(ctx context.Context) {
	if len(m.Links()) == 0 {
		return
	}
	m.publish(ctx, protocol.EventLinkDestroy, protocol.LinkDestroy{From: m.self})
	m.CloseAll()
}

// Teardown announces link-destroy, closes every link and refuses new ones.
// Local media is left to the caller.
func (m *Manager) Teardown(ctx context.Context) {
	m.publish(ctx, protocol.EventLinkDestroy, protocol.LinkDestroy{From: m.self})
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.CloseAll()

	m.subMu.Lock()
	clear(m.trackSubs)
	clear(m.closedSubs)
	m.subMu.Unlock()
}

func (m *Manager) publish(ctx context.Context, event protocol.Event, msg any) {
	if err := m.pub.Publish(ctx, event, msg); err != nil {
		m.log.Warn().Err(err).Str("event", string(event)).Msg("mesh publish failed")
	}
}
