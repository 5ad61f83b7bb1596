package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/observability"
	"github.com/dkeye/presence/internal/protocol"
)

// CodecPublisher encodes messages with a codec and publishes them on a Channel.
// Failures are logged and counted before being returned.
type CodecPublisher struct {
	ch      Channel
	codec   protocol.Codec
	metrics *observability.Metrics
}

func NewCodecPublisher(ch Channel, codec protocol.Codec, m *observability.Metrics) *CodecPublisher {
	return &CodecPublisher{ch: ch, codec: codec, metrics: m}
}

func (p *CodecPublisher) Publish(ctx context.Context, event protocol.Event, msg any) error {
	data, err := p.codec.Marshal(msg)
	if err != nil {
		p.metrics.IncPublishError(string(event))
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := p.ch.Publish(ctx, event, data); err != nil {
		p.metrics.IncPublishError(string(event))
		log.Warn().Err(err).Str("module", "core.publisher").Str("event", string(event)).Msg("publish failed")
		return fmt.Errorf("publish %s: %w", event, err)
	}
	p.metrics.IncPublished(string(event))
	return nil
}
