package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/parley/internal/app/rooms"
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// JoinResult is the join ack: enough state for a late joiner to consume
// every existing stream.
type JoinResult struct {
	Room         domain.RoomSummary      `json:"room"`
	Role         domain.Role             `json:"role"`
	Participants []rooms.ParticipantView `json:"participants"`
	Producers    []rooms.ProducerView    `json:"producers"`
}

type ParticipantsUpdated struct {
	RoomID       domain.RoomID           `json:"roomId"`
	Participants []rooms.ParticipantView `json:"participants"`
	Reason       string                  `json:"reason"`
}

const (
	handOffAttempts = 3
	admitAttempts   = 3
)

// Join admits the caller to a room after the durable store approves it.
func (o *Orchestrator) Join(ctx context.Context, sid core.SessionID, id domain.RoomID) (*JoinResult, error) {
	s, err := o.session(sid)
	if err != nil {
		return nil, err
	}
	user := s.User.ID
	if in, ok := core.RoomOf(s.State); ok {
		switch {
		case in.RoomID != id:
			o.leave(ctx, sid, user, in.RoomID, "switch")
		default:
			role, err := o.Rooms.Role(id, user)
			if err == nil {
				return o.joinResult(ctx, id, role)
			}
			// the live room went away under the session; join afresh
			o.Sessions.Exit(sid, id)
		}
	}

	room, err := o.Store.GetRoom(ctx, id)
	if err != nil {
		return nil, o.rejectJoin(err)
	}
	if !room.Active() {
		return nil, o.rejectJoin(domain.ErrRoomClosed)
	}
	rows, err := o.Store.Participants(ctx, id)
	if err != nil {
		return nil, o.rejectJoin(err)
	}
	member := false
	for _, row := range rows {
		if row.UserID == user {
			member = true
			break
		}
	}
	if !member && len(rows) >= room.Capacity {
		return nil, o.rejectJoin(domain.ErrRoomFull)
	}
	role := domain.RoleParticipant
	if room.OwnerID == user {
		role = domain.RoleOwner
	}

	// durable first, then volatile, then broadcast
	if err := o.Store.JoinParticipant(ctx, id, user, role); err != nil {
		return nil, o.rejectJoin(err)
	}
	for range admitAttempts {
		var live *rooms.Room
		var created bool
		live, created, err = o.Rooms.EnsureRoom(ctx, id)
		if err != nil {
			o.undoDurableJoin(ctx, id, user)
			return nil, mediaErr("ensure room", err)
		}
		if created {
			o.wireSpeaker(live)
		}
		live.Sequence(func() { err = o.admit(sid, user, id, role) })
		// a last leave may have discarded the live room since EnsureRoom
		if !errors.Is(err, domain.ErrRoomGone) {
			break
		}
	}
	if err != nil {
		o.undoDurableJoin(ctx, id, user)
		return nil, o.rejectJoin(err)
	}

	// the room may have been closed between the durable check and admission
	if active, aerr := o.Store.IsActive(ctx, id); aerr == nil && !active {
		o.leave(ctx, sid, user, id, "closed")
		return nil, domain.ErrRoomGone
	}

	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("user_id", string(user)).Str("room_id", string(id)).Str("role", string(role)).Msg("joined")
	o.publish(ctx, core.EventParticipantJoined, id, user, "")
	o.membershipChanged(ctx, id, "join")
	return o.joinResult(ctx, id, role)
}

// admit runs inside the room's sequence.
func (o *Orchestrator) admit(sid core.SessionID, user domain.UserID, id domain.RoomID, role domain.Role) error {
	if err := o.Rooms.Admit(id, user, role); err != nil {
		return err
	}
	if err := o.Sessions.Enter(sid, id); err != nil {
		_, _ = o.Rooms.Remove(id, user)
		return err
	}
	var view rooms.ParticipantView
	for _, p := range o.Rooms.Participants(id) {
		if p.UserID == user {
			view = p
		}
	}
	o.broadcastRoom(id, protocol.Event(protocol.RoomUserJoined, view), user)
	return nil
}

func (o *Orchestrator) rejectJoin(err error) error {
	if !domain.IsStale(err) {
		o.Metrics.JoinRejected(string(domain.AsError(err).Code))
	}
	return err
}

func (o *Orchestrator) undoDurableJoin(ctx context.Context, id domain.RoomID, user domain.UserID) {
	if err := o.Store.LeaveParticipant(ctx, id, user); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room_id", string(id)).Str("user_id", string(user)).Msg("undo durable join")
	}
}

func (o *Orchestrator) joinResult(ctx context.Context, id domain.RoomID, role domain.Role) (*JoinResult, error) {
	room, err := o.Store.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JoinResult{
		Room:         room.Summary(o.Rooms.ParticipantCount(id)),
		Role:         role,
		Participants: o.Rooms.Participants(id),
		Producers:    o.Rooms.Producers(id),
	}, nil
}

// Leave is a no-op when the caller is not in the room.
func (o *Orchestrator) Leave(ctx context.Context, sid core.SessionID, id domain.RoomID) error {
	s, ok := o.Sessions.Get(sid)
	if !ok {
		return nil
	}
	in, ok := core.RoomOf(s.State)
	if !ok || in.RoomID != id {
		return nil
	}
	o.leave(ctx, sid, s.User.ID, id, "leave")
	return nil
}

// leave tears a user out of a room and decides whether the room goes on.
// sid may be empty when the user has no live session.
func (o *Orchestrator) leave(ctx context.Context, sid core.SessionID, user domain.UserID, id domain.RoomID, reason string) {
	if sid != "" {
		o.Sessions.Exit(sid, id)
	}
	rem, err := o.Rooms.Remove(id, user)
	if lerr := o.Store.LeaveParticipant(ctx, id, user); lerr != nil {
		log.Warn().Err(lerr).Str("module", "orch").Str("room_id", string(id)).Str("user_id", string(user)).Msg("durable leave")
	}
	if err != nil {
		// already gone from the live room
		return
	}
	log.Info().Str("module", "orch").Str("user_id", string(user)).Str("room_id", string(id)).Str("reason", reason).Msg("left")
	o.publish(ctx, core.EventParticipantLeft, id, user, reason)

	o.inRoom(id, func() {
		for _, c := range rem.Dependent {
			o.unicast(c.UserID, protocol.Event(protocol.VoiceConsumerClosed, protocol.ConsumerClosed{
				ConsumerID: c.ConsumerID,
				ProducerID: c.ProducerID,
			}))
		}
		o.broadcastRoom(id, protocol.Event(protocol.RoomUserLeft, protocol.UserRef{UserID: user}), "")
	})

	switch {
	case rem.Role == domain.RoleOwner:
		// an empty room is closed unless someone joined in the meantime
		if o.handOff(ctx, id) {
			return
		}
	case rem.Empty:
		// nobody left to route media for; the durable room stays open for
		// its owner and the reconciler decides its fate. A joiner admitted
		// since Remove keeps the live room.
		o.Rooms.CloseIfEmpty(id)
	}
	o.membershipChanged(ctx, id, reason)
}

// handOff promotes the earliest-joined participant, or closes the room when
// nobody is left. It reports whether the room was closed.
func (o *Orchestrator) handOff(ctx context.Context, id domain.RoomID) bool {
	for range handOffAttempts {
		next, ok := o.Rooms.EarliestJoined(id)
		if !ok {
			if _, err := o.CloseRoom(ctx, id, "owner-left"); err != nil {
				log.Error().Err(err).Str("module", "orch").Str("room_id", string(id)).Msg("close room")
			}
			return true
		}
		if err := o.Store.TransferOwnership(ctx, id, next); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("room_id", string(id)).Msg("durable ownership transfer")
			return false
		}
		if err := o.Rooms.SetOwner(id, next); err != nil {
			// next left meanwhile; pick again
			continue
		}
		o.inRoom(id, func() {
			o.broadcastRoom(id, protocol.Event(protocol.RoomOwnerChanged, protocol.OwnerChanged{RoomID: id, OwnerID: next}), "")
		})
		log.Info().Str("module", "orch").Str("room_id", string(id)).Str("owner_id", string(next)).Msg("ownership transferred")
		o.publish(ctx, core.EventOwnerChanged, id, next, "")
		o.invalidate(ctx, id, "owner-changed")
		return false
	}
	log.Warn().Str("module", "orch").Str("room_id", string(id)).Msg("ownership hand-off gave up")
	return false
}

// membershipChanged sends the full participant list to the room and the
// updated summary to the hallway.
func (o *Orchestrator) membershipChanged(ctx context.Context, id domain.RoomID, reason string) {
	if live, ok := o.Rooms.Lookup(id); ok {
		live.Sequence(func() {
			o.broadcastRoom(id, protocol.Event(protocol.RoomParticipantsUpdated, ParticipantsUpdated{
				RoomID:       id,
				Participants: o.Rooms.Participants(id),
				Reason:       reason,
			}), "")
		})
	}
	if room, err := o.Store.GetRoom(ctx, id); err == nil && room.Active() {
		o.broadcastHallway(protocol.Event(protocol.HallwayRoomUpdated, room.Summary(o.Rooms.ParticipantCount(id))))
	}
	o.invalidate(ctx, id, reason)
}

// CloseRoom closes the room durably, then in memory, then tells the
// hallway. It reports whether this call performed the closure; closing an
// already closed room is not an error.
func (o *Orchestrator) CloseRoom(ctx context.Context, id domain.RoomID, reason string) (bool, error) {
	if err := o.Store.LeaveAll(ctx, id); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		return false, fmt.Errorf("leave all: %w", err)
	}
	closed, err := o.Store.CloseRoom(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		return false, fmt.Errorf("close room: %w", err)
	}
	members := o.Sessions.Members(id)
	for _, m := range members {
		o.Sessions.Exit(m.SID, id)
	}
	o.Rooms.CloseRoom(id)
	if !closed {
		return false, nil
	}

	msg := protocol.Event(protocol.HallwayRoomClosed, protocol.RoomClosed{RoomID: id, Reason: reason})
	o.broadcastHallway(msg)
	for _, m := range members {
		if !m.Hallway {
			o.deliver(m, msg)
		}
	}
	log.Info().Str("module", "orch").Str("room_id", string(id)).Str("reason", reason).Msg("room closed")
	o.publish(ctx, core.EventRoomClosed, id, "", reason)
	o.invalidate(ctx, id, "closed")
	return true, nil
}

// Kick removes another participant. Only the owner may kick.
func (o *Orchestrator) Kick(ctx context.Context, sid core.SessionID, target domain.UserID) error {
	s, err := o.session(sid)
	if err != nil {
		return err
	}
	in, err := o.Sessions.RequireRoom(sid)
	if err != nil {
		return err
	}
	role, err := o.Rooms.Role(in.RoomID, s.User.ID)
	if err != nil {
		return err
	}
	if role != domain.RoleOwner {
		return domain.ErrNotOwner
	}
	if target == s.User.ID {
		return domain.ErrBadRequest.WithMessage("cannot kick yourself")
	}
	if _, err := o.Rooms.Role(in.RoomID, target); err != nil {
		return domain.ErrNotParticipant
	}

	kicked := protocol.Event(protocol.RoomUserKicked, protocol.Kicked{RoomID: in.RoomID, UserID: target, By: s.User.ID})
	var targetSID core.SessionID
	if ts, ok := o.Sessions.ByUser(target); ok {
		targetSID = ts.SID
		o.deliver(ts, kicked)
	}
	o.inRoom(in.RoomID, func() {
		o.broadcastRoom(in.RoomID, kicked, target)
	})
	o.leave(ctx, targetSID, target, in.RoomID, "kick")
	return nil
}

// Mute pauses or resumes the caller's producer.
func (o *Orchestrator) Mute(ctx context.Context, sid core.SessionID, muted bool) error {
	s, err := o.session(sid)
	if err != nil {
		return err
	}
	in, err := o.Sessions.RequireRoom(sid)
	if err != nil {
		return err
	}
	prod, err := o.Rooms.SetMuted(in.RoomID, s.User.ID, muted)
	if err != nil {
		return err
	}
	if muted {
		prod.Pause()
	} else {
		prod.Resume()
	}
	_ = o.Sessions.SetMuted(sid, muted)
	o.inRoom(in.RoomID, func() {
		o.broadcastRoom(in.RoomID, protocol.Event(protocol.RoomUserMuted, protocol.UserMuted{UserID: s.User.ID, Muted: muted}), "")
	})
	return nil
}

// CreateRoom creates a durable room owned by owner.
func (o *Orchestrator) CreateRoom(ctx context.Context, owner domain.UserID, title, language string, capacity int) (*domain.Room, error) {
	if o.MaxCapacity > 0 && capacity > o.MaxCapacity {
		capacity = o.MaxCapacity
	}
	room, err := domain.NewRoom(domain.RoomID(uuid.NewString()), title, language, owner, capacity, o.now())
	if err != nil {
		return nil, err
	}
	if err := o.Store.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	log.Info().Str("module", "orch").Str("room_id", string(room.ID)).Str("owner_id", string(owner)).Msg("room created")
	o.broadcastHallway(protocol.Event(protocol.HallwayRoomCreated, room.Summary(0)))
	o.publish(ctx, core.EventRoomCreated, room.ID, owner, "")
	o.invalidate(ctx, room.ID, "created")
	return room, nil
}

// ListRooms returns active rooms with their live participant counts.
func (o *Orchestrator) ListRooms(ctx context.Context) ([]domain.RoomSummary, error) {
	list, err := o.Store.ListActiveRooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RoomSummary, 0, len(list))
	for _, r := range list {
		out = append(out, r.Summary(o.Rooms.ParticipantCount(r.ID)))
	}
	return out, nil
}
