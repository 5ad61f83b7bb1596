package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/protocol"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sid core.SessionID, participant domain.ParticipantID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.release(sid, participant)
		c.Close()
	}()

	pongWait := ctl.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleFrame(sid, participant, c, data)
		}
	}
}

func (ctl *SignalWSController) handleFrame(sid core.SessionID, participant domain.ParticipantID, c *WsSignalConn, data []byte) {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad frame")
		ctl.Orch.Metrics.IncRelayRejected("bad_frame")
		ctl.sendError(c, "bad_frame")
		return
	}
	ctl.Orch.Metrics.IncRelayFrame("in", string(f.Type))

	switch f.Type {
	case protocol.FrameJoin:
		ctl.join(sid, participant, c, f.Room)
	case protocol.FrameLeave:
		ctl.handleLeave(sid, c)
	case protocol.FramePing:
		ctl.handlePing(c)
	case protocol.FramePublish:
		ctl.handlePublish(sid, participant, c, f)
	default:
		log.Warn().Str("module", "signal").Str("type", string(f.Type)).Msg("unexpected frame from client")
		ctl.sendError(c, "unsupported_frame")
	}
}

func (ctl *SignalWSController) sendFrame(c core.SignalConnection, f protocol.Frame) {
	b, err := protocol.EncodeFrame(f)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendFrame encode")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("type", string(f.Type)).Msg("sendFrame dropped")
		return
	}
	ctl.Orch.Metrics.IncRelayFrame("out", string(f.Type))
}
