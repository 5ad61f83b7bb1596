// Package wsbus is the room transport that talks to the relay server over a websocket.
package wsbus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

const (
	defaultSendQueue   = 256
	defaultJoinTimeout = 10 * time.Second
	defaultPingPeriod  = 30 * time.Second
	writeWait          = 5 * time.Second
)

var ErrJoinRejected = errors.New("relay rejected join")

// Transport dials the relay endpoint, e.g. ws://host:8080/api/ws/relay.
type Transport struct {
	URL         string
	Dialer      *websocket.Dialer
	SendQueue   int
	JoinTimeout time.Duration
	// PingPeriod paces client pings. A relay silent for PingPeriod*10/9 counts as lost.
	PingPeriod time.Duration
}

func New(rawURL string) *Transport {
	return &Transport{
		URL:         rawURL,
		Dialer:      websocket.DefaultDialer,
		SendQueue:   defaultSendQueue,
		JoinTimeout: defaultJoinTimeout,
		PingPeriod:  defaultPingPeriod,
	}
}

func (t *Transport) Open(room domain.RoomID, self domain.ParticipantID) (core.Channel, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("participant", string(self))
	q.Set("room", string(room))
	u.RawQuery = q.Encode()

	queue := t.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	joinTimeout := t.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}
	pingPeriod := t.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &channel{
		url:         u.String(),
		dialer:      dialer,
		joinTimeout: joinTimeout,
		pingPeriod:  pingPeriod,
		room:        room,
		self:        self,
		handlers:    make(map[protocol.Event][]core.Handler),
		send:        make(chan []byte, queue),
		done:        make(chan struct{}),
		logger: log.With().
			Str("module", "wsbus").
			Str("room", string(room)).
			Str("self", string(self)).
			Logger(),
	}, nil
}

type channel struct {
	url         string
	dialer      *websocket.Dialer
	joinTimeout time.Duration
	pingPeriod  time.Duration
	room        domain.RoomID
	self        domain.ParticipantID
	logger      zerolog.Logger

	mu         sync.RWMutex
	handlers   map[protocol.Event][]core.Handler
	conn       *websocket.Conn
	subscribed bool
	closed     bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *channel) OnEvent(event protocol.Event, fn core.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

// Subscribe dials the relay and waits for the joined frame.
func (c *channel) Subscribe(ctx context.Context) error {
	c.mu.RLock()
	closed, subscribed := c.closed, c.subscribed
	c.mu.RUnlock()
	if closed {
		return core.ErrClosed
	}
	if subscribed {
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	if err := c.awaitJoined(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return core.ErrClosed
	}
	c.conn = conn
	c.subscribed = true
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)
	c.logger.Info().Msg("subscribed")
	return nil
}

func (c *channel) awaitJoined(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(c.joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await joined: %w", err)
		}
		f, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad frame while joining")
			continue
		}
		switch f.Type {
		case protocol.FrameJoined:
			c.logger.Debug().Int("members", f.Members).Msg("joined relay room")
			return nil
		case protocol.FrameError:
			return fmt.Errorf("%w: %s", ErrJoinRejected, f.Error)
		}
	}
}

func (c *channel) Publish(ctx context.Context, event protocol.Event, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := protocol.EncodeFrame(protocol.Frame{Type: protocol.FramePublish, Event: event, Payload: payload})
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	if !c.subscribed {
		return core.ErrNotSubscribed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
	c.logger.Info().Msg("closed")
	return nil
}

func (c *channel) Done() <-chan struct{} { return c.done }

func (c *channel) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("writePump ping failed")
				return
			}
		case b := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

// readPump is the single delivery goroutine of the channel.
func (c *channel) readPump(conn *websocket.Conn) {
	defer func() {
		_ = c.Close()
	}()

	pongWait := c.pingPeriod * 10 / 9
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		f, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad frame")
			continue
		}
		switch f.Type {
		case protocol.FrameEvent:
			c.deliver(f)
		case protocol.FrameError:
			c.logger.Warn().Str("error", f.Error).Msg("relay error")
		case protocol.FramePong, protocol.FrameJoined, protocol.FrameLeft:
		default:
			c.logger.Debug().Str("type", string(f.Type)).Msg("ignored frame")
		}
	}
}

func (c *channel) deliver(f protocol.Frame) {
	c.mu.RLock()
	hs := append([]core.Handler(nil), c.handlers[f.Event]...)
	c.mu.RUnlock()
	for _, fn := range hs {
		fn(f.From, f.Payload)
	}
}
