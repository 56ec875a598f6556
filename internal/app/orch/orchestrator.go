// Package orch interprets signaling requests against the live room state
// and the durable room store, and fans out the resulting events.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/parley/internal/app"
	"github.com/dkeye/parley/internal/app/rooms"
	"github.com/dkeye/parley/internal/app/sessions"
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/metrics"
	"github.com/dkeye/parley/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Sessions *sessions.Manager
	Rooms    *rooms.Registry
	Store    core.RoomStore
	Cache    core.CacheInvalidator
	Events   core.EventPublisher
	Policy   app.Policy
	Metrics  *metrics.Metrics

	// MaxCapacity caps the capacity of rooms created here.
	MaxCapacity int
	Now         func() time.Time

	dmu   sync.Mutex
	drops map[core.SessionID]int
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// deliver writes one message to one session and applies the
// backpressure policy when its buffer is full.
func (o *Orchestrator) deliver(s sessions.Snapshot, msg protocol.Outbound) {
	b, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", msg.Type).Msg("encode outbound")
		return
	}
	err = s.Conn.TrySend(b)
	if err == nil || errors.Is(err, core.ErrConnClosed) {
		return
	}
	o.Metrics.BroadcastDropped()
	if !errors.Is(err, core.ErrBackpressure) || o.Policy == nil {
		return
	}
	switch o.Policy.OnBackpressure(s.SID, s.User.ID, o.countDrop(s.SID)) {
	case app.Disconnect:
		log.Warn().Str("module", "orch").Str("sid", string(s.SID)).Msg("slow consumer, disconnecting")
		// The adapter notices the cancel and runs Disconnect on its own
		// goroutine; calling it here could re-enter a room sequence.
		o.Sessions.Cancel(s.SID)
	case app.DropFrame, app.NoAction:
	}
}

func (o *Orchestrator) countDrop(sid core.SessionID) int {
	o.dmu.Lock()
	defer o.dmu.Unlock()
	if o.drops == nil {
		o.drops = make(map[core.SessionID]int)
	}
	o.drops[sid]++
	return o.drops[sid]
}

func (o *Orchestrator) forgetDrops(sid core.SessionID) {
	o.dmu.Lock()
	delete(o.drops, sid)
	o.dmu.Unlock()
}

// SendTo delivers a message to one session.
func (o *Orchestrator) SendTo(sid core.SessionID, msg protocol.Outbound) {
	if s, ok := o.Sessions.Get(sid); ok {
		o.deliver(s, msg)
	}
}

func (o *Orchestrator) unicast(user domain.UserID, msg protocol.Outbound) {
	if s, ok := o.Sessions.ByUser(user); ok {
		o.deliver(s, msg)
	}
}

// broadcastRoom sends msg to every session in the room except the given user.
func (o *Orchestrator) broadcastRoom(id domain.RoomID, msg protocol.Outbound, except domain.UserID) {
	for _, s := range o.Sessions.Members(id) {
		if except != "" && s.User.ID == except {
			continue
		}
		o.deliver(s, msg)
	}
}

func (o *Orchestrator) broadcastHallway(msg protocol.Outbound) {
	for _, s := range o.Sessions.Hallway() {
		o.deliver(s, msg)
	}
}

// inRoom runs fn under the room's sequence if the room is live, else
// directly.
func (o *Orchestrator) inRoom(id domain.RoomID, fn func()) {
	if live, ok := o.Rooms.Lookup(id); ok {
		live.Sequence(fn)
		return
	}
	fn()
}

func (o *Orchestrator) publish(ctx context.Context, typ core.EventType, id domain.RoomID, user domain.UserID, reason string) {
	if o.Events == nil {
		return
	}
	o.Events.Publish(ctx, core.Event{Type: typ, RoomID: id, UserID: user, Reason: reason, At: o.now().UnixMilli()})
}

func (o *Orchestrator) invalidate(ctx context.Context, id domain.RoomID, reason string) {
	if o.Cache == nil {
		return
	}
	if err := o.Cache.InvalidateRoom(ctx, id, reason); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room_id", string(id)).Msg("cache invalidate room")
	}
	if err := o.Cache.InvalidateRoomList(ctx); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("cache invalidate room list")
	}
}

func mediaErr(op string, err error) error {
	log.Error().Err(err).Str("module", "orch").Str("op", op).Msg("media engine call failed")
	return fmt.Errorf("%s: %w", op, domain.ErrMedia)
}

// session resolves the caller; a missing session means the channel is gone.
func (o *Orchestrator) session(sid core.SessionID) (sessions.Snapshot, error) {
	s, ok := o.Sessions.Get(sid)
	if !ok {
		return s, domain.ErrUnauthorized.WithMessage("no session")
	}
	if !o.Sessions.IsCanonical(sid) {
		return s, sessions.ErrReplaced
	}
	return s, nil
}
