// Package chat is the room text channel: broadcast, local echo and an in-memory history.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
	"github.com/dkeye/presence/internal/util"
)

// DefaultBufferSize is the default number of messages to keep in memory
const DefaultBufferSize = 100

const MaxTextLen = 2000

var (
	ErrEmptyText   = errors.New("chat text empty")
	ErrTextTooLong = errors.New("chat text too long")
)

// Channel sends and receives chat messages for one session.
type Channel struct {
	self  domain.ParticipantID
	pub   core.Publisher
	clock clock.Clock
	name  func() string
	log   zerolog.Logger

	history *util.RingBuffer[domain.ChatMessage]

	mu     sync.RWMutex
	subs   map[int]func(domain.ChatMessage)
	nextID int
}

// New creates a chat channel. name returns the current local display name.
func New(self domain.ParticipantID, pub core.Publisher, clk clock.Clock, name func() string, bufferSize int) *Channel {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if name == nil {
		name = func() string { return "" }
	}
	return &Channel{
		self:    self,
		pub:     pub,
		clock:   clk,
		name:    name,
		log:     log.With().Str("module", "chat").Str("self", string(self)).Logger(),
		history: util.NewRingBuffer[domain.ChatMessage](bufferSize),
		subs:    make(map[int]func(domain.ChatMessage)),
	}
}

// Send publishes text and echoes it locally right away.
// A publish failure is returned but the local echo still happens.
func (c *Channel) Send(ctx context.Context, text string) (domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ChatMessage{}, ErrEmptyText
	}
	if len(text) > MaxTextLen {
		return domain.ChatMessage{}, ErrTextTooLong
	}
	now := c.clock.Now()
	msg := protocol.Chat{
		ID:         uuid.NewString(),
		SenderID:   c.self,
		SenderName: c.name(),
		Text:       text,
		TS:         now.UnixMilli(),
	}
	err := c.pub.Publish(ctx, protocol.EventChat, msg)
	if err != nil {
		c.log.Warn().Err(err).Msg("chat publish failed")
	}
	out := toDomain(msg)
	c.deliver(out)
	return out, err
}

// Handle accepts an inbound chat message. Echoes of our own messages are ignored.
func (c *Channel) Handle(msg protocol.Chat) {
	if msg.SenderID == c.self || msg.SenderID == "" {
		return
	}
	c.deliver(toDomain(msg))
}

// Subscribe registers fn for every delivered message and returns its cancel func.
func (c *Channel) Subscribe(fn func(domain.ChatMessage)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// History returns the buffered messages, oldest first.
func (c *Channel) History() []domain.ChatMessage {
	return c.history.Snapshot()
}

func (c *Channel) Reset() {
	c.history.Reset()
	c.mu.Lock()
	clear(c.subs)
	c.mu.Unlock()
}

func (c *Channel) deliver(m domain.ChatMessage) {
	c.history.Push(m)
	c.mu.RLock()
	subs := make([]func(domain.ChatMessage), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(m)
	}
}

func toDomain(m protocol.Chat) domain.ChatMessage {
	return domain.ChatMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Text:       m.Text,
		SentAt:     time.UnixMilli(m.TS),
	}
}
