package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/parley/internal/app/rooms"
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/protocol"
	"github.com/rs/zerolog/log"
)

// member resolves the caller's user and live room.
func (o *Orchestrator) member(sid core.SessionID) (domain.UserID, *rooms.Room, error) {
	s, err := o.session(sid)
	if err != nil {
		return "", nil, err
	}
	in, err := o.Sessions.RequireRoom(sid)
	if err != nil {
		return "", nil, err
	}
	live, ok := o.Rooms.Lookup(in.RoomID)
	if !ok {
		return "", nil, domain.ErrRoomGone
	}
	return s.User.ID, live, nil
}

func (o *Orchestrator) RtpCapabilities(sid core.SessionID) (json.RawMessage, error) {
	_, live, err := o.member(sid)
	if err != nil {
		return nil, err
	}
	return live.Router().RtpCapabilities(), nil
}

func (o *Orchestrator) CreateTransport(ctx context.Context, sid core.SessionID, dir core.Direction) (*protocol.TransportCreated, error) {
	if !dir.Valid() {
		return nil, domain.ErrBadRequest.WithMessage("direction must be send or recv")
	}
	user, live, err := o.member(sid)
	if err != nil {
		return nil, err
	}
	if _, err := o.Rooms.TransportFor(live.ID(), user, dir); err == nil {
		return nil, domain.ErrTransportExists
	}
	t, err := live.Router().CreateTransport(ctx, dir)
	if err != nil {
		return nil, mediaErr("create transport", err)
	}
	if err := o.Rooms.AddTransport(live.ID(), user, t); err != nil {
		t.Close()
		return nil, err
	}
	log.Info().Str("module", "orch").Str("user_id", string(user)).Str("room_id", string(live.ID())).Str("transport_id", t.ID()).Str("direction", string(dir)).Msg("transport created")
	return &protocol.TransportCreated{ID: t.ID(), Params: t.Params()}, nil
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, sid core.SessionID, transportID string, params json.RawMessage) (json.RawMessage, error) {
	user, live, err := o.member(sid)
	if err != nil {
		return nil, err
	}
	t, err := o.Rooms.Transport(live.ID(), user, transportID)
	if err != nil {
		return nil, err
	}
	reply, err := t.Connect(ctx, params)
	if err != nil {
		return nil, mediaErr("connect transport", err)
	}
	return reply, nil
}

// Produce creates the caller's audio producer and announces it.
func (o *Orchestrator) Produce(ctx context.Context, sid core.SessionID, transportID string, params json.RawMessage) (domain.ProducerID, error) {
	user, live, err := o.member(sid)
	if err != nil {
		return "", err
	}
	id := live.ID()
	t, err := o.Rooms.Transport(id, user, transportID)
	if err != nil {
		return "", err
	}
	if t.Direction() != core.DirectionSend {
		return "", domain.ErrBadRequest.WithMessage("produce needs a send transport")
	}
	if !t.Connected() {
		return "", domain.ErrTransportNotConnected
	}
	prod, err := t.Produce(ctx, params)
	if err != nil {
		return "", mediaErr("produce", err)
	}
	muted, err := o.Rooms.SetProducer(id, user, prod)
	if err != nil {
		prod.Close()
		return "", err
	}
	if muted {
		prod.Pause()
	}
	pid := prod.ID()
	prod.OnClose(func() { go o.producerClosed(id, user, pid) })
	if obs, ok := o.Rooms.AudioObserver(id); ok {
		if err := obs.AddProducer(prod); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("producer_id", string(prod.ID())).Msg("observe producer")
		}
	}
	live.Sequence(func() {
		o.broadcastRoom(id, protocol.Event(protocol.VoiceNewProducer, protocol.NewProducer{UserID: user, ProducerID: prod.ID()}), user)
	})
	log.Info().Str("module", "orch").Str("user_id", string(user)).Str("room_id", string(id)).Str("producer_id", string(prod.ID())).Msg("producing")
	return prod.ID(), nil
}

// producerClosed detaches a producer whose source went away. A producer
// closed by leave or room close is already forgotten and ignored here.
func (o *Orchestrator) producerClosed(id domain.RoomID, user domain.UserID, pid domain.ProducerID) {
	dependent, ok := o.Rooms.DropProducer(id, user, pid)
	if !ok {
		return
	}
	o.inRoom(id, func() {
		for _, c := range dependent {
			o.unicast(c.UserID, protocol.Event(protocol.VoiceConsumerClosed, protocol.ConsumerClosed{
				ConsumerID: c.ConsumerID,
				ProducerID: c.ProducerID,
			}))
		}
	})
	log.Info().Str("module", "orch").Str("user_id", string(user)).Str("room_id", string(id)).Str("producer_id", string(pid)).Int("consumers", len(dependent)).Msg("producer closed")
	o.membershipChanged(context.Background(), id, "producer-closed")
}

// Consume subscribes the caller to another participant's producer. A
// producer that vanished returns a stale error, which callers report as an
// empty result.
func (o *Orchestrator) Consume(ctx context.Context, sid core.SessionID, pid domain.ProducerID, caps json.RawMessage) (*protocol.Consumed, error) {
	user, live, err := o.member(sid)
	if err != nil {
		return nil, err
	}
	id := live.ID()
	prod, owner, ok := o.Rooms.ProducerByID(id, pid)
	if !ok {
		return nil, domain.ErrProducerGone
	}
	if owner == user {
		return nil, domain.ErrCannotConsume.WithMessage("cannot consume own producer")
	}
	if !live.Router().CanConsume(pid, caps) {
		if prod.Closed() {
			return nil, domain.ErrProducerGone
		}
		return nil, domain.ErrCannotConsume
	}
	t, err := o.Rooms.TransportFor(id, user, core.DirectionRecv)
	if err != nil {
		return nil, err
	}
	c, err := t.Consume(ctx, prod, caps)
	if err != nil {
		if prod.Closed() {
			return nil, domain.ErrProducerGone
		}
		return nil, mediaErr("consume", err)
	}
	if err := o.Rooms.AddConsumer(id, user, c); err != nil {
		c.Close()
		return nil, err
	}
	return &protocol.Consumed{ConsumerID: c.ID(), ProducerID: pid, UserID: owner, Params: c.Params()}, nil
}

// wireSpeaker turns audio level reports into active-speaker events.
func (o *Orchestrator) wireSpeaker(live *rooms.Room) {
	id := live.ID()
	obs, ok := o.Rooms.AudioObserver(id)
	if !ok {
		return
	}
	obs.OnVolumes(func(v []core.AudioVolume) {
		if len(v) == 0 {
			return
		}
		user, ok := o.Rooms.FindParticipantByProducerID(id, v[0].ProducerID)
		if !ok || !o.Rooms.SetActiveSpeaker(id, user) {
			return
		}
		live.Sequence(func() {
			o.broadcastRoom(id, protocol.Event(protocol.RoomActiveSpeaker, protocol.ActiveSpeaker{UserID: &user}), "")
		})
	})
	obs.OnSilence(func() {
		if !o.Rooms.SetActiveSpeaker(id, "") {
			return
		}
		live.Sequence(func() {
			o.broadcastRoom(id, protocol.Event(protocol.RoomActiveSpeaker, protocol.ActiveSpeaker{}), "")
		})
	})
}
