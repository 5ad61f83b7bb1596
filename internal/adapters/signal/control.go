package signal

import "github.com/dkeye/presence/internal/protocol"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendFrame(conn, protocol.Frame{Type: protocol.FramePong})
}

func (ctl *SignalWSController) sendError(conn *WsSignalConn, reason string) {
	ctl.sendFrame(conn, protocol.Frame{Type: protocol.FrameError, Error: reason})
}
