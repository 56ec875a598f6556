package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/parley/internal/app/orch"
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/protocol"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, sid core.SessionID, data json.RawMessage) (*orch.JoinResult, error) {
	var p protocol.RoomRef
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.RoomID == "" {
		return nil, domain.ErrBadRequest.WithMessage("roomId is required")
	}
	return ctl.Orch.Join(ctx, sid, p.RoomID)
}

func (ctl *SignalWSController) handleLeave(ctx context.Context, sid core.SessionID, data json.RawMessage) error {
	var p protocol.RoomRef
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RoomID == "" {
		in, ok := core.RoomOf(ctl.Orch.Sessions.State(sid))
		if !ok {
			return nil
		}
		p.RoomID = in.RoomID
	}
	return ctl.Orch.Leave(ctx, sid, p.RoomID)
}

func (ctl *SignalWSController) handleMute(ctx context.Context, sid core.SessionID, data json.RawMessage) error {
	var p protocol.MuteRequest
	if err := decode(data, &p); err != nil {
		return err
	}
	return ctl.Orch.Mute(ctx, sid, p.Muted)
}

func (ctl *SignalWSController) handleKick(ctx context.Context, sid core.SessionID, data json.RawMessage) error {
	var p protocol.KickRequest
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.UserID == "" {
		return domain.ErrBadRequest.WithMessage("userId is required")
	}
	return ctl.Orch.Kick(ctx, sid, p.UserID)
}
