package orch

import (
	"context"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Connect registers an authenticated channel. A previous session of the
// same user loses its room membership and is told it was replaced.
func (o *Orchestrator) Connect(ctx context.Context, sid core.SessionID, user domain.User, conn core.SignalConnection, cancel context.CancelFunc) {
	prev, replaced := o.Sessions.Bind(sid, user, conn, cancel)
	if replaced {
		if in, ok := core.RoomOf(prev.State); ok {
			o.leave(ctx, prev.SID, user.ID, in.RoomID, "replaced")
		}
		o.deliver(prev, protocol.Event(protocol.SessionReplaced, nil))
		o.Sessions.Cancel(prev.SID)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("prev_sid", string(prev.SID)).Msg("session replaced")
	}
	if err := o.Store.SetUserOnline(ctx, user.ID, true); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("user_id", string(user.ID)).Msg("mark online")
	}
}

// Disconnect is an implicit leave followed by dropping the session.
func (o *Orchestrator) Disconnect(ctx context.Context, sid core.SessionID) {
	s, ok := o.Sessions.Get(sid)
	if !ok {
		return
	}
	if in, ok := core.RoomOf(s.State); ok {
		o.leave(ctx, sid, s.User.ID, in.RoomID, "disconnect")
	}
	o.Sessions.Unbind(sid)
	o.forgetDrops(sid)
	if !o.Sessions.IsOnline(s.User.ID) {
		if err := o.Store.SetUserOnline(ctx, s.User.ID, false); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("user_id", string(s.User.ID)).Msg("mark offline")
		}
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("user_id", string(s.User.ID)).Msg("disconnected")
}

func (o *Orchestrator) SubscribeHallway(sid core.SessionID) error {
	if err := o.Sessions.SetHallway(sid, true); err != nil {
		return domain.ErrUnauthorized.WithMessage("no session")
	}
	return nil
}

func (o *Orchestrator) UnsubscribeHallway(sid core.SessionID) error {
	if err := o.Sessions.SetHallway(sid, false); err != nil {
		return domain.ErrUnauthorized.WithMessage("no session")
	}
	return nil
}
