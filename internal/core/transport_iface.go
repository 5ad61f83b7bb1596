package core

import (
	"context"
	"errors"

	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

var (
	ErrClosed        = errors.New("channel closed")
	ErrNotSubscribed = errors.New("channel not subscribed")
	ErrBackpressure  = errors.New("backpressure: send queue full")
)

// Handler receives one event payload. from is the publishing participant as
// reported by the transport.
type Handler func(from domain.ParticipantID, payload []byte)

// Transport opens room-scoped broadcast channels.
type Transport interface {
	Open(room domain.RoomID, self domain.ParticipantID) (Channel, error)
}

// Channel is a room broadcast channel. Delivery is at-most-once and best-effort.
// Handlers for one channel run on a single goroutine in arrival order.
// Handlers must be registered before Subscribe.
type Channel interface {
	OnEvent(event protocol.Event, fn Handler)
	Subscribe(ctx context.Context) error
	Publish(ctx context.Context, event protocol.Event, payload []byte) error
	Close() error
}

// Publisher sends typed messages on a room channel.
type Publisher interface {
	Publish(ctx context.Context, event protocol.Event, msg any) error
}

// Lossy is implemented by channels that can drop on their own.
// Done is closed once the channel is closed for any reason.
type Lossy interface {
	Done() <-chan struct{}
}
