// Package rtc implements the media ports on top of pion.
package rtc

import (
	"errors"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
)

var ErrForeignSender = errors.New("sender was not created by this connection")

func DefaultWebRTCConfig(iceServers ...string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: iceServers},
		},
	}
}

// Factory creates one pion PeerConnection per remote participant.
type Factory struct {
	Config webrtc.Configuration
}

func NewFactory(cfg webrtc.Configuration) *Factory {
	return &Factory{Config: cfg}
}

func (f *Factory) New(remote domain.ParticipantID) (core.MediaConnection, error) {
	return NewWebRTCConnection(f.Config, remote)
}

// newAPI builds a pion API with the default codecs and interceptors.
// A MediaEngine must not be shared between connections.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)), nil
}

// WebRTCConnection adapts a pion PeerConnection to core.MediaConnection.
// Candidates trickle; nothing waits for gathering to complete.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	logger zerolog.Logger

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func NewWebRTCConnection(cfg webrtc.Configuration, remote domain.ParticipantID) (*WebRTCConnection, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:     pc,
		remote: remote,
		logger: log.With().Str("module", "rtc").Str("remote", string(remote)).Logger(),
	}
	c.start()
	return c, nil
}

func (c *WebRTCConnection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(track)
		}
	})
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) AddTrack(track webrtc.TrackLocal) (core.TrackSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return sender, nil
}

func (c *WebRTCConnection) RemoveTrack(s core.TrackSender) error {
	sender, ok := s.(*webrtc.RTPSender)
	if !ok {
		return ErrForeignSender
	}
	return c.pc.RemoveTrack(sender)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

// drainRTCP reads sender reports so pion interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
