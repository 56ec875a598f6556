package rooms

import (
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
)

// withParticipant runs fn on the participant under the room lock.
func (g *Registry) withParticipant(id domain.RoomID, user domain.UserID, fn func(r *Room, p *participant) error) error {
	r, ok := g.Lookup(id)
	if !ok {
		return domain.ErrRoomGone
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRoomGone
	}
	p, ok := r.participants[user]
	if !ok {
		return domain.ErrNotParticipant
	}
	return fn(r, p)
}

// Participants returns the room's participants, earliest joined first.
func (g *Registry) Participants(id domain.RoomID) []ParticipantView {
	r, ok := g.Lookup(id)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := r.ordered()
	out := make([]ParticipantView, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.view())
	}
	return out
}

func (g *Registry) ParticipantCount(id domain.RoomID) int {
	r, ok := g.Lookup(id)
	if !ok {
		return 0
	}
	return r.Len()
}

// Producers lists live producers in join order.
func (g *Registry) Producers(id domain.RoomID) []ProducerView {
	r, ok := g.Lookup(id)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ProducerView
	for _, p := range r.ordered() {
		if p.producer != nil && !p.producer.Closed() {
			out = append(out, ProducerView{UserID: p.userID, ProducerID: p.producer.ID()})
		}
	}
	return out
}

// EarliestJoined returns the participant who joined first.
func (g *Registry) EarliestJoined(id domain.RoomID) (domain.UserID, bool) {
	r, ok := g.Lookup(id)
	if !ok {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := r.ordered()
	if len(ps) == 0 {
		return "", false
	}
	return ps[0].userID, true
}

func (g *Registry) Role(id domain.RoomID, user domain.UserID) (domain.Role, error) {
	var role domain.Role
	err := g.withParticipant(id, user, func(_ *Room, p *participant) error {
		role = p.role
		return nil
	})
	return role, err
}

// SetOwner makes user the only owner of the room.
func (g *Registry) SetOwner(id domain.RoomID, user domain.UserID) error {
	return g.withParticipant(id, user, func(r *Room, p *participant) error {
		for _, other := range r.participants {
			if other.role == domain.RoleOwner {
				other.role = domain.RoleParticipant
			}
		}
		p.role = domain.RoleOwner
		return nil
	})
}

// AddTransport stores t for the participant. On error the caller owns t.
func (g *Registry) AddTransport(id domain.RoomID, user domain.UserID, t core.Transport) error {
	return g.withParticipant(id, user, func(_ *Room, p *participant) error {
		switch t.Direction() {
		case core.DirectionSend:
			if p.send != nil {
				return domain.ErrTransportExists
			}
			p.send = t
		case core.DirectionRecv:
			if p.recv != nil {
				return domain.ErrTransportExists
			}
			p.recv = t
		default:
			return domain.ErrBadRequest.WithMessage("unknown transport direction")
		}
		return nil
	})
}

// Transport finds one of the participant's transports by id.
func (g *Registry) Transport(id domain.RoomID, user domain.UserID, transportID string) (core.Transport, error) {
	var out core.Transport
	err := g.withParticipant(id, user, func(_ *Room, p *participant) error {
		for _, t := range []core.Transport{p.send, p.recv} {
			if t != nil && t.ID() == transportID {
				out = t
				return nil
			}
		}
		return domain.ErrTransportNotFound
	})
	return out, err
}

func (g *Registry) TransportFor(id domain.RoomID, user domain.UserID, dir core.Direction) (core.Transport, error) {
	var out core.Transport
	err := g.withParticipant(id, user, func(_ *Room, p *participant) error {
		out = p.transport(dir)
		if out == nil {
			return domain.ErrTransportNotFound
		}
		return nil
	})
	return out, err
}

// SetProducer stores the participant's producer and reports whether the
// participant is muted. On error the caller owns prod.
func (g *Registry) SetProducer(id domain.RoomID, user domain.UserID, prod core.Producer) (bool, error) {
	muted := false
	err := g.withParticipant(id, user, func(_ *Room, p *participant) error {
		if p.producer != nil && !p.producer.Closed() {
			return domain.ErrProducerExists
		}
		p.producer = prod
		muted = p.muted
		return nil
	})
	return muted, err
}

// ProducerByID resolves a live producer of the room and its owner.
func (g *Registry) ProducerByID(id domain.RoomID, pid domain.ProducerID) (core.Producer, domain.UserID, bool) {
	r, ok := g.Lookup(id)
	if !ok {
		return nil, "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if p.producer != nil && p.producer.ID() == pid && !p.producer.Closed() {
			return p.producer, p.userID, true
		}
	}
	return nil, "", false
}

// AddConsumer stores c for the participant if its producer is still live.
// On error the caller owns c.
func (g *Registry) AddConsumer(id domain.RoomID, user domain.UserID, c core.Consumer) error {
	return g.withParticipant(id, user, func(r *Room, p *participant) error {
		live := false
		for _, other := range r.participants {
			if other.producer != nil && other.producer.ID() == c.ProducerID() && !other.producer.Closed() {
				live = true
				break
			}
		}
		if !live {
			return domain.ErrProducerGone
		}
		p.consumers[c.ID()] = c
		return nil
	})
}

func (g *Registry) ConsumerCount(id domain.RoomID, user domain.UserID) int {
	n := 0
	_ = g.withParticipant(id, user, func(_ *Room, p *participant) error {
		n = len(p.consumers)
		return nil
	})
	return n
}

// SetMuted records the flag and returns the producer to pause or resume.
// Nothing changes when the participant has no producer.
func (g *Registry) SetMuted(id domain.RoomID, user domain.UserID, muted bool) (core.Producer, error) {
	var prod core.Producer
	err := g.withParticipant(id, user, func(_ *Room, p *participant) error {
		if p.producer == nil || p.producer.Closed() {
			return domain.ErrNoProducer
		}
		p.muted = muted
		prod = p.producer
		return nil
	})
	return prod, err
}

// SetActiveSpeaker reports whether the room's active speaker changed.
// An empty user means silence.
func (g *Registry) SetActiveSpeaker(id domain.RoomID, user domain.UserID) bool {
	r, ok := g.Lookup(id)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if user != "" {
		if _, ok := r.participants[user]; !ok {
			return false
		}
	}
	if r.activeSpeaker == user {
		return false
	}
	r.activeSpeaker = user
	return true
}
