// Package coretest provides in-memory fakes of the media interfaces in core.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
)

// BadCandidate is rejected by FakeConnection.AddICECandidate.
const BadCandidate = "candidate:bad"

var (
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrGlare               = errors.New("remote offer while local offer pending")
	ErrNoLocalOffer        = errors.New("remote answer without local offer")
	ErrBadCandidate        = errors.New("bad candidate")
	ErrUnknownSender       = errors.New("unknown sender")
)

type FakeSender struct {
	track webrtc.TrackLocal
}

func (s *FakeSender) Track() webrtc.TrackLocal { return s.track }

// FakeConnection mimics the pion state checks the mesh relies on.
// It emits one local candidate synchronously from CreateOffer and CreateAnswer.
type FakeConnection struct {
	Local  domain.ParticipantID
	Remote domain.ParticipantID

	mu            sync.Mutex
	localOffer    bool
	remoteSet     bool
	closed        bool
	offers        int
	answers       int
	remoteDescs   []webrtc.SessionDescription
	applied       []string
	earlyICE      int
	senders       []*FakeSender
	removed       int
	onICE         func(webrtc.ICECandidateInit)
	onTrack       func(core.RemoteTrack)
	onStateChange func(webrtc.PeerConnectionState)
}

func (c *FakeConnection) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, io.ErrClosedPipe
	}
	c.offers++
	c.localOffer = true
	sdp := fmt.Sprintf("offer %s>%s #%d", c.Local, c.Remote, c.offers)
	cand := fmt.Sprintf("candidate:%s offer %d", c.Local, c.offers)
	c.mu.Unlock()

	c.emit(cand)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (c *FakeConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	if d.Type == webrtc.SDPTypeOffer && c.localOffer {
		return ErrGlare
	}
	if d.Type == webrtc.SDPTypeAnswer {
		if !c.localOffer {
			return ErrNoLocalOffer
		}
		c.localOffer = false
	}
	c.remoteSet = true
	c.remoteDescs = append(c.remoteDescs, d)
	return nil
}

func (c *FakeConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, io.ErrClosedPipe
	}
	if !c.remoteSet {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}
	c.answers++
	sdp := fmt.Sprintf("answer %s>%s #%d", c.Local, c.Remote, c.answers)
	cand := fmt.Sprintf("candidate:%s answer %d", c.Local, c.answers)
	c.mu.Unlock()

	c.emit(cand)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}, nil
}

func (c *FakeConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		c.earlyICE++
		return ErrNoRemoteDescription
	}
	if ci.Candidate == BadCandidate {
		return ErrBadCandidate
	}
	c.applied = append(c.applied, ci.Candidate)
	return nil
}

func (c *FakeConnection) AddTrack(t webrtc.TrackLocal) (core.TrackSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &FakeSender{track: t}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *FakeConnection) RemoveTrack(s core.TrackSender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.senders {
		if cur == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			c.removed++
			return nil
		}
	}
	return ErrUnknownSender
}

func (c *FakeConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *FakeConnection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *FakeConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// Close never invokes the state callback.
func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeConnection) emit(cand string) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: cand})
	}
}

// DeliverTrack simulates an inbound remote track.
func (c *FakeConnection) DeliverTrack(t core.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// SetState simulates a peer connection state transition.
func (c *FakeConnection) SetState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onStateChange
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *FakeConnection) Applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.applied...)
}

// EarlyICE counts candidates applied before a remote description was set.
func (c *FakeConnection) EarlyICE() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.earlyICE
}

func (c *FakeConnection) RemoteDescriptions() []webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), c.remoteDescs...)
}

func (c *FakeConnection) Senders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.senders)
}

func (c *FakeConnection) Removed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

func (c *FakeConnection) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *FakeConnection) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

func (c *FakeConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeFactory creates FakeConnections and remembers every one of them.
type FakeFactory struct {
	Local domain.ParticipantID
	Err   error

	mu    sync.Mutex
	conns map[domain.ParticipantID][]*FakeConnection
}

func NewFakeFactory(local domain.ParticipantID) *FakeFactory {
	return &FakeFactory{Local: local, conns: make(map[domain.ParticipantID][]*FakeConnection)}
}

func (f *FakeFactory) New(remote domain.ParticipantID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &FakeConnection{Local: f.Local, Remote: remote}
	f.conns[remote] = append(f.conns[remote], c)
	return c, nil
}

// Conns returns every connection created for remote, oldest first.
func (f *FakeFactory) Conns(remote domain.ParticipantID) []*FakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConnection(nil), f.conns[remote]...)
}

// Last returns the newest connection for remote or nil.
func (f *FakeFactory) Last(remote domain.ParticipantID) *FakeConnection {
	cs := f.Conns(remote)
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

type FakeStream struct {
	tracks []webrtc.TrackLocal

	mu       sync.Mutex
	released bool
}

func (s *FakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *FakeStream) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

func (s *FakeStream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// FakeMediaSource hands out an audio+video stream of static sample tracks.
type FakeMediaSource struct {
	mu       sync.Mutex
	err      error
	captures int
	streams  []*FakeStream
}

func (m *FakeMediaSource) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *FakeMediaSource) Capture(ctx context.Context) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.captures++
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "fake")
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "fake")
	if err != nil {
		return nil, err
	}
	s := &FakeStream{tracks: []webrtc.TrackLocal{audio, video}}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *FakeMediaSource) Captures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captures
}

func (m *FakeMediaSource) Streams() []*FakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*FakeStream(nil), m.streams...)
}

// FakeRemoteTrack serves queued packets and then io.EOF once closed.
type FakeRemoteTrack struct {
	TrackID string
	Stream  string
	TKind   webrtc.RTPCodecType

	packets chan *rtp.Packet
	once    sync.Once
}

func NewFakeRemoteTrack(id, stream string, kind webrtc.RTPCodecType) *FakeRemoteTrack {
	return &FakeRemoteTrack{TrackID: id, Stream: stream, TKind: kind, packets: make(chan *rtp.Packet, 64)}
}

func (t *FakeRemoteTrack) ID() string                { return t.TrackID }
func (t *FakeRemoteTrack) StreamID() string          { return t.Stream }
func (t *FakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.TKind }

func (t *FakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

func (t *FakeRemoteTrack) Push(p *rtp.Packet) { t.packets <- p }

func (t *FakeRemoteTrack) Close() { t.once.Do(func() { close(t.packets) }) }

// FakePlayback records attach, detach and mute calls.
type FakePlayback struct {
	mu       sync.Mutex
	attached map[domain.ParticipantID][]core.RemoteTrack
	muted    map[domain.ParticipantID]bool
	detached []domain.ParticipantID
}

func NewFakePlayback() *FakePlayback {
	return &FakePlayback{
		attached: make(map[domain.ParticipantID][]core.RemoteTrack),
		muted:    make(map[domain.ParticipantID]bool),
	}
}

func (p *FakePlayback) Attach(id domain.ParticipantID, t core.RemoteTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached[id] = append(p.attached[id], t)
}

func (p *FakePlayback) Detach(id domain.ParticipantID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attached, id)
	delete(p.muted, id)
	p.detached = append(p.detached, id)
}

func (p *FakePlayback) SetMuted(id domain.ParticipantID, muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted[id] = muted
}

// Muted reports the last mute state and whether one was ever set.
func (p *FakePlayback) Muted(id domain.ParticipantID) (muted, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	muted, ok = p.muted[id]
	return muted, ok
}

func (p *FakePlayback) Attached(id domain.ParticipantID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.attached[id])
}

func (p *FakePlayback) Detached() []domain.ParticipantID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ParticipantID(nil), p.detached...)
}
