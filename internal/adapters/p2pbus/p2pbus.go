// Package p2pbus is a serverless room transport: one gossipsub topic per room,
// peers found over mDNS on the local network.
package p2pbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

const (
	DefaultMDNSTag = "presence-room"
	topicPrefix    = "presence/room/"
	connectTimeout = 10 * time.Second
)

var ErrBadEnvelope = errors.New("bad p2p envelope")

func init() {
	// dial failures and backoff errors otherwise flood stderr
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("mdns", "error")
	_ = logging.SetLogLevel("pubsub", "warn")
	_ = logging.SetLogLevel("net/identify", "error")
}

type Transport struct {
	ListenPort int
	MDNSTag    string
}

func New(listenPort int, mdnsTag string) *Transport {
	if mdnsTag == "" {
		mdnsTag = DefaultMDNSTag
	}
	return &Transport{ListenPort: listenPort, MDNSTag: mdnsTag}
}

func (t *Transport) Open(room domain.RoomID, self domain.ParticipantID) (core.Channel, error) {
	if room == "" {
		return nil, fmt.Errorf("p2pbus: empty room")
	}
	return &channel{
		port:     t.ListenPort,
		tag:      t.MDNSTag,
		room:     room,
		self:     self,
		handlers: make(map[protocol.Event][]core.Handler),
		logger: log.With().
			Str("module", "p2pbus").
			Str("room", string(room)).
			Str("self", string(self)).
			Logger(),
	}, nil
}

type mdnsNotifee struct {
	h      host.Host
	logger zerolog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		n.logger.Debug().Err(err).Str("peer", pi.ID.String()).Msg("mdns connect failed")
		return
	}
	n.logger.Debug().Str("peer", pi.ID.String()).Msg("mdns peer connected")
}

type channel struct {
	port   int
	tag    string
	room   domain.RoomID
	self   domain.ParticipantID
	logger zerolog.Logger

	mu         sync.RWMutex
	handlers   map[protocol.Event][]core.Handler
	subscribed bool
	closed     bool

	host   host.Host
	mdns   mdns.Service
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

func (c *channel) OnEvent(event protocol.Event, fn core.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

// Subscribe starts the libp2p host, mDNS discovery and the room topic.
func (c *channel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	if c.subscribed {
		return nil
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", c.port)))
	if err != nil {
		return fmt.Errorf("libp2p host: %w", err)
	}

	md := mdns.NewMdnsService(h, c.tag, &mdnsNotifee{h: h, logger: c.logger})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return fmt.Errorf("mdns: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(loopCtx, h)
	if err != nil {
		cancel()
		_ = md.Close()
		_ = h.Close()
		return fmt.Errorf("gossipsub: %w", err)
	}
	topic, err := ps.Join(topicPrefix + string(c.room))
	if err != nil {
		cancel()
		_ = md.Close()
		_ = h.Close()
		return fmt.Errorf("join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		_ = topic.Close()
		_ = md.Close()
		_ = h.Close()
		return fmt.Errorf("subscribe topic: %w", err)
	}

	c.host, c.mdns, c.topic, c.sub, c.cancel = h, md, topic, sub, cancel
	c.subscribed = true
	go c.loop(loopCtx, sub, h.ID())
	c.logger.Info().Str("peer_id", h.ID().String()).Msg("subscribed")
	return nil
}

func (c *channel) Publish(ctx context.Context, event protocol.Event, payload []byte) error {
	c.mu.RLock()
	closed, subscribed, topic := c.closed, c.subscribed, c.topic
	c.mu.RUnlock()
	if closed {
		return core.ErrClosed
	}
	if !subscribed {
		return core.ErrNotSubscribed
	}
	b, err := encodeEnvelope(protocol.P2PEnvelope{Event: event, From: c.self, Payload: payload})
	if err != nil {
		return err
	}
	return topic.Publish(ctx, b)
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subscribed := c.subscribed
	c.mu.Unlock()
	if !subscribed {
		return nil
	}

	c.cancel()
	c.sub.Cancel()
	_ = c.topic.Close()
	_ = c.mdns.Close()
	err := c.host.Close()
	c.logger.Info().Msg("closed")
	return err
}

// loop is the single delivery goroutine of the channel.
func (c *channel) loop(ctx context.Context, sub *pubsub.Subscription, self peer.ID) {
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == self {
			continue
		}
		env, err := decodeEnvelope(m.Data)
		if err != nil {
			c.logger.Warn().Err(err).Str("peer", m.ReceivedFrom.String()).Msg("dropping message")
			continue
		}
		c.mu.RLock()
		hs := append([]core.Handler(nil), c.handlers[env.Event]...)
		c.mu.RUnlock()
		for _, fn := range hs {
			fn(env.From, env.Payload)
		}
	}
}

func encodeEnvelope(env protocol.P2PEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (protocol.P2PEnvelope, error) {
	var env protocol.P2PEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Event == "" || env.From == "" {
		return env, fmt.Errorf("%w: missing event or sender", ErrBadEnvelope)
	}
	return env, nil
}
