package core

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

// On registers a typed handler for event. Payloads that fail to decode are logged and dropped.
func On[T any](ch Channel, codec protocol.Codec, event protocol.Event, fn func(from domain.ParticipantID, msg T)) {
	ch.OnEvent(event, func(from domain.ParticipantID, payload []byte) {
		msg, err := protocol.Decode[T](codec, payload)
		if err != nil {
			log.Warn().Err(err).Str("module", "core.dispatch").Str("event", string(event)).Str("from", string(from)).Msg("drop undecodable message")
			return
		}
		fn(from, msg)
	})
}
