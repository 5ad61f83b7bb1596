// Package membus is an in-process room broadcast transport. It backs tests and
// single-process demos with the same delivery guarantees as the network transports.
package membus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

type Option func(*Hub)

// WithEcho delivers a channel's own publishes back to it.
func WithEcho() Option {
	return func(h *Hub) { h.echo = true }
}

// Hub routes events between channels opened on the same room.
type Hub struct {
	echo bool

	mu    sync.Mutex
	rooms map[domain.RoomID]map[*channel]struct{}

	inflight atomic.Int64
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{rooms: make(map[domain.RoomID]map[*channel]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) Open(room domain.RoomID, self domain.ParticipantID) (core.Channel, error) {
	return &channel{
		hub:      h,
		room:     room,
		self:     self,
		handlers: make(map[protocol.Event][]core.Handler),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Members returns the number of subscribed channels in room.
func (h *Hub) Members(room domain.RoomID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// Settle blocks until no delivery is queued or running, or the timeout passes.
// Handlers that publish keep the hub busy, so a true result means the room is quiet.
func (h *Hub) Settle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	quiet := 0
	for time.Now().Before(deadline) {
		if h.inflight.Load() == 0 {
			quiet++
			if quiet >= 3 {
				return true
			}
		} else {
			quiet = 0
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func (h *Hub) join(c *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[c.room]
	if !ok {
		set = make(map[*channel]struct{})
		h.rooms[c.room] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) leave(c *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.rooms[c.room]
	delete(set, c)
	if len(set) == 0 {
		delete(h.rooms, c.room)
	}
}

func (h *Hub) fanout(from *channel, d delivery) {
	h.mu.Lock()
	targets := make([]*channel, 0, len(h.rooms[from.room]))
	for c := range h.rooms[from.room] {
		if c == from && !h.echo {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.inflight.Add(1)
		if !c.enqueue(d) {
			h.inflight.Add(-1)
		}
	}
}

type delivery struct {
	event   protocol.Event
	from    domain.ParticipantID
	payload []byte
}

type channel struct {
	hub  *Hub
	room domain.RoomID
	self domain.ParticipantID

	mu         sync.Mutex
	handlers   map[protocol.Event][]core.Handler
	queue      []delivery
	subscribed bool
	closed     bool

	notify chan struct{}
	done   chan struct{}
}

func (c *channel) OnEvent(event protocol.Event, fn core.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *channel) Subscribe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = true
	c.mu.Unlock()

	c.hub.join(c)
	go c.loop()
	log.Debug().Str("module", "membus").Str("room", string(c.room)).Str("self", string(c.self)).Msg("subscribed")
	return nil
}

func (c *channel) Publish(ctx context.Context, event protocol.Event, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed, subscribed := c.closed, c.subscribed
	c.mu.Unlock()
	if closed {
		return core.ErrClosed
	}
	if !subscribed {
		return core.ErrNotSubscribed
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.hub.fanout(c, delivery{event: event, from: c.self, payload: buf})
	return nil
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dropped := len(c.queue)
	c.queue = nil
	close(c.done)
	c.mu.Unlock()

	c.hub.inflight.Add(int64(-dropped))
	c.hub.leave(c)
	return nil
}

func (c *channel) enqueue(d delivery) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, d)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// loop is the single delivery goroutine of the channel.
func (c *channel) loop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}
		for {
			c.mu.Lock()
			if c.closed || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			d := c.queue[0]
			c.queue = c.queue[1:]
			hs := append([]core.Handler(nil), c.handlers[d.event]...)
			c.mu.Unlock()

			for _, fn := range hs {
				fn(d.from, d.payload)
			}
			c.hub.inflight.Add(-1)
		}
	}
}

func (c *channel) Done() <-chan struct{} { return c.done }
