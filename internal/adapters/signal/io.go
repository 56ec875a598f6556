package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// writePump is the only writer of the socket. When ctx ends it flushes
// what is already queued and closes the socket, which unblocks readPump.
func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			ctl.flush(c)
			return
		case data, ok := <-c.send:
			if !ok {
				ctl.closeMessage(c)
				return
			}
			if err := ctl.write(c, data); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(ctl.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) write(c *WsSignalConn, data core.Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ctl *SignalWSController) flush(c *WsSignalConn) {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				ctl.closeMessage(c)
				return
			}
			if ctl.write(c, data) != nil {
				return
			}
		default:
			ctl.closeMessage(c)
			return
		}
	}
}

func (ctl *SignalWSController) closeMessage(c *WsSignalConn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ctl.cfg.WriteTimeout))
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		ctl.Orch.Disconnect(context.WithoutCancel(ctx), sid)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		ctl.handleSignal(ctx, sid, c, data)
	}
}

// handleSignal runs one request to completion. Requests of one session
// are served in arrival order.
func (ctl *SignalWSController) handleSignal(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	var in protocol.Inbound
	if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
		ctl.Metrics.Request("invalid", string(domain.CodeBadRequest))
		ctl.sendJSON(c, protocol.ErrorEvent(domain.ErrBadRequest.WithMessage("malformed message")))
		return
	}

	var (
		res any
		err error
	)
	label := in.Type
	switch in.Type {
	case protocol.Ping:
		ctl.handlePing(c, in)
		ctl.Metrics.Request(label, "ok")
		return
	case protocol.HallwaySubscribe:
		err = ctl.Orch.SubscribeHallway(sid)
	case protocol.HallwayUnsubscribe:
		err = ctl.Orch.UnsubscribeHallway(sid)
	case protocol.RoomJoin:
		res, err = ctl.handleJoin(ctx, sid, in.Data)
	case protocol.RoomLeave:
		err = ctl.handleLeave(ctx, sid, in.Data)
	case protocol.RoomMute:
		err = ctl.handleMute(ctx, sid, in.Data)
	case protocol.RoomKick:
		err = ctl.handleKick(ctx, sid, in.Data)
	case protocol.VoiceGetRtpCapabilities:
		res, err = ctl.handleRtpCapabilities(sid)
	case protocol.VoiceCreateTransport:
		res, err = ctl.handleCreateTransport(ctx, sid, in.Data)
	case protocol.VoiceConnectTransport:
		res, err = ctl.handleConnectTransport(ctx, sid, in.Data)
	case protocol.VoiceProduce:
		res, err = ctl.handleProduce(ctx, sid, in.Data)
	case protocol.VoiceConsume:
		res, err = ctl.handleConsume(ctx, sid, in.Data)
	default:
		label = "unknown"
		err = domain.ErrUnknownType.WithMessage("unknown message type " + in.Type)
	}
	ctl.reply(sid, c, in, label, res, err)
}

// reply acks requests that carry an id. Requests without one only hear
// back on failure, as an error event. A stale outcome is an empty success.
func (ctl *SignalWSController) reply(sid core.SessionID, c *WsSignalConn, in protocol.Inbound, label string, res any, err error) {
	result := "ok"
	if err != nil {
		if domain.IsStale(err) {
			result = "stale"
			res, err = nil, nil
		} else {
			result = string(domain.AsError(err).Code)
			var de *domain.Error
			if !errors.As(err, &de) {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", in.Type).Msg("request failed")
			}
		}
	}
	ctl.Metrics.Request(label, result)

	switch {
	case in.ID != "" && err != nil:
		ctl.sendJSON(c, protocol.AckErr(in.ID, domain.AsError(err)))
	case in.ID != "":
		ctl.sendJSON(c, protocol.AckOK(in.ID, res))
	case err != nil:
		ctl.sendJSON(c, protocol.ErrorEvent(domain.AsError(err)))
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, msg protocol.Outbound) {
	b, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); errors.Is(err, core.ErrBackpressure) {
		ctl.Metrics.BroadcastDropped()
		log.Warn().Str("module", "signal").Str("type", msg.Type).Msg("reply dropped")
	}
}

// decode reads a request payload. A missing payload decodes as empty.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domain.ErrBadRequest.WithMessage("invalid payload")
	}
	return nil
}
