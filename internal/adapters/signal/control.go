package signal

import "github.com/dkeye/parley/internal/protocol"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn, in protocol.Inbound) {
	ctl.sendJSON(conn, protocol.Outbound{Type: protocol.Pong, ID: in.ID})
}
