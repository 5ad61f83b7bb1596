package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

const maxRoomIDLen = 64

func (ctl *SignalWSController) join(
	sid core.SessionID,
	participant domain.ParticipantID,
	conn *WsSignalConn,
	roomID domain.RoomID,
) {
	if roomID == "" || len(roomID) > maxRoomIDLen {
		ctl.Orch.Metrics.IncRelayRejected("bad_room")
		ctl.sendError(conn, "bad_room")
		return
	}
	room, ok := ctl.Orch.Join(sid, roomID)
	if !ok {
		ctl.sendError(conn, "join_failed")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("participant", string(participant)).Str("room", string(roomID)).Msg("join")
	ctl.sendFrame(conn, protocol.Frame{
		Type:    protocol.FrameJoined,
		Room:    roomID,
		Members: room.MemberCount(),
	})
}

// handleLeave exits the current room; the connection stays up.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, conn *WsSignalConn) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.KickBySID(sid)
	ctl.sendFrame(conn, protocol.Frame{Type: protocol.FrameLeft})
}

func (ctl *SignalWSController) handlePublish(
	sid core.SessionID,
	participant domain.ParticipantID,
	conn *WsSignalConn,
	f protocol.Frame,
) {
	roomID, _, ok := ctl.Orch.Registry.RoomOf(sid)
	if !ok {
		ctl.Orch.Metrics.IncRelayRejected("not_joined")
		ctl.sendError(conn, "not_joined")
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(participant) {
		ctl.Orch.Metrics.IncRelayRejected("rate_limit")
		ctl.sendError(conn, "rate_limited")
		return
	}
	out, err := protocol.EncodeFrame(protocol.Frame{
		Type:    protocol.FrameEvent,
		Room:    roomID,
		Event:   f.Event,
		From:    participant,
		Payload: f.Payload,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode event frame")
		return
	}
	res := ctl.Orch.Publish(sid, out)
	ctl.Orch.Metrics.IncRelayFrame("out", string(protocol.FrameEvent))
	log.Debug().Str("module", "signal").Str("sid", string(sid)).Str("event", string(f.Event)).Int("sent_to", res.SendTo).Msg("published")
}
