// Package session runs one participant's presence in a room: positions,
// metadata, chat and the peer media mesh on top of a broadcast channel.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/config"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/observability"
	"github.com/dkeye/presence/internal/presence"
	"github.com/dkeye/presence/internal/protocol"
)

var (
	ErrNoTransport   = errors.New("session: no transport")
	ErrSessionClosed = errors.New("session closed")
	ErrInvalidRoom   = errors.New("session: empty room")
)

// Settings tune a session. Zero values fall back to package defaults.
type Settings struct {
	PositionRate       int
	HistorySize        int
	StaleAfter         time.Duration
	SweepInterval      time.Duration
	ProximityThreshold float64
	ChatHistory        int
}

// SettingsFromConfig maps the realtime config section onto Settings.
func SettingsFromConfig(c config.RealtimeConfig) Settings {
	return Settings{
		PositionRate:       c.PositionRate,
		HistorySize:        c.HistorySize,
		StaleAfter:         c.StaleAfter,
		SweepInterval:      c.SweepInterval,
		ProximityThreshold: c.ProximityThreshold,
		ChatHistory:        c.ChatHistory,
	}
}

func (s Settings) withDefaults() Settings {
	if s.PositionRate <= 0 {
		s.PositionRate = presence.DefaultPositionRate
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = presence.DefaultSweepInterval
	}
	return s
}

// Deps are the ports a session runs on. Factory, Media and Playback may be
// nil for a presence-only participant.
type Deps struct {
	Transport core.Transport
	Codec     protocol.Codec
	Factory   core.ConnectionFactory
	Media     core.MediaSource
	Playback  core.Playback
	Clock     clock.Clock
	Metrics   *observability.Metrics
	Settings  Settings
}

// Client keeps at most one live Session.
type Client struct {
	deps Deps

	mu      sync.Mutex
	current *Session
}

func NewClient(deps Deps) *Client {
	if deps.Codec == nil {
		deps.Codec = protocol.JSON
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Playback == nil {
		deps.Playback = nopPlayback{}
	}
	deps.Settings = deps.Settings.withDefaults()
	return &Client{deps: deps}
}

// Initialize tears down any previous session, then joins room as self.
// The old channel is closed before the new one opens.
func (c *Client) Initialize(ctx context.Context, room domain.RoomID, self domain.ParticipantID, meta domain.Meta) (*Session, error) {
	if c.deps.Transport == nil {
		return nil, ErrNoTransport
	}
	if room == "" {
		return nil, ErrInvalidRoom
	}
	if err := self.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		log.Info().Str("module", "session").Str("room", string(c.current.room)).Msg("replacing live session")
		c.current.Teardown(ctx)
		c.current = nil
	}

	s, err := start(ctx, c.deps, room, self, meta)
	if err != nil {
		return nil, err
	}
	c.current = s
	return s, nil
}

// Current returns the live session, if any.
func (c *Client) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Closed() {
		c.current = nil
	}
	return c.current
}

func (c *Client) Teardown(ctx context.Context) {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()
	if s != nil {
		s.Teardown(ctx)
	}
}

type nopPlayback struct{}

func (nopPlayback) Attach(domain.ParticipantID, core.RemoteTrack) {}
func (nopPlayback) Detach(domain.ParticipantID)                   {}
func (nopPlayback) SetMuted(domain.ParticipantID, bool)           {}
