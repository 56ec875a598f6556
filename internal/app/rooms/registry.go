// Package rooms is the authoritative in-process state of live rooms.
package rooms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// WorkerSource hands out the worker for a new room.
type WorkerSource interface {
	Next() core.Worker
}

// ClosedConsumer is a consumer removed because its producer went away.
type ClosedConsumer struct {
	UserID     domain.UserID
	ConsumerID string
	ProducerID domain.ProducerID
}

// Removal describes a participant that was taken out of a room.
type Removal struct {
	UserID     domain.UserID
	Role       domain.Role
	ProducerID domain.ProducerID
	Dependent  []ClosedConsumer
	Empty      bool
}

type Registry struct {
	workers  WorkerSource
	observer core.ObserverOptions
	now      func() time.Time
	logger   zerolog.Logger

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
	users map[domain.UserID]domain.RoomID

	creating singleflight.Group
}

func NewRegistry(workers WorkerSource, observer core.ObserverOptions) *Registry {
	return &Registry{
		workers:  workers,
		observer: observer,
		now:      time.Now,
		logger:   log.With().Str("module", "app.rooms").Logger(),
		rooms:    make(map[domain.RoomID]*Room),
		users:    make(map[domain.UserID]domain.RoomID),
	}
}

// Lookup returns the live room, if any.
func (g *Registry) Lookup(id domain.RoomID) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// EnsureRoom returns the live room or creates it on the next worker.
// Concurrent calls for one id share a single creation; other ids are not
// blocked. created is true only for the caller that triggered creation.
func (g *Registry) EnsureRoom(ctx context.Context, id domain.RoomID) (*Room, bool, error) {
	if r, ok := g.Lookup(id); ok {
		return r, false, nil
	}
	created := false
	v, err, _ := g.creating.Do(string(id), func() (any, error) {
		if r, ok := g.Lookup(id); ok {
			return r, nil
		}
		r, err := g.create(ctx, id)
		if err != nil {
			return nil, err
		}
		created = true
		return r, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Room), created, nil
}

func (g *Registry) create(ctx context.Context, id domain.RoomID) (*Room, error) {
	w := g.workers.Next()
	router, err := w.CreateRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	obs, err := router.CreateAudioLevelObserver(ctx, g.observer)
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("create audio observer: %w", err)
	}
	r := &Room{
		id:           id,
		worker:       w,
		router:       router,
		observer:     obs,
		createdAt:    g.now(),
		participants: make(map[domain.UserID]*participant),
	}
	g.mu.Lock()
	g.rooms[id] = r
	g.mu.Unlock()
	g.logger.Info().Str("room_id", string(id)).Str("worker_id", w.ID()).Str("router_id", router.ID()).Msg("room created")
	return r, nil
}

// Admit inserts a participant. The room must exist and the user must not
// be present in any live room.
func (g *Registry) Admit(id domain.RoomID, user domain.UserID, role domain.Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return domain.ErrRoomGone
	}
	if cur, ok := g.users[user]; ok {
		if cur == id {
			return domain.ErrAlreadyInRoom
		}
		return domain.ErrAlreadyInRoom.WithMessage("already joined to another room")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRoomGone
	}
	r.joinSeq++
	r.participants[user] = &participant{
		userID:    user,
		role:      role,
		joinedAt:  g.now(),
		seq:       r.joinSeq,
		consumers: make(map[string]core.Consumer),
	}
	g.users[user] = id
	g.logger.Info().Str("room_id", string(id)).Str("user_id", string(user)).Str("role", string(role)).Msg("participant admitted")
	return nil
}

// Remove takes the participant out of the room and releases its media.
// Consumers that referenced its producer are detached in the same critical
// section as the producer, then closed before it.
func (g *Registry) Remove(id domain.RoomID, user domain.UserID) (*Removal, error) {
	r, ok := g.Lookup(id)
	if !ok {
		return nil, domain.ErrRoomGone
	}

	r.mu.Lock()
	p, ok := r.participants[user]
	if !ok {
		r.mu.Unlock()
		return nil, domain.ErrNotParticipant
	}
	delete(r.participants, user)
	dependent, handles := detachDependents(r, p)
	if r.activeSpeaker == user {
		r.activeSpeaker = ""
	}
	rem := &Removal{
		UserID:    user,
		Role:      p.role,
		Dependent: dependent,
		Empty:     len(r.participants) == 0,
	}
	if p.producer != nil {
		rem.ProducerID = p.producer.ID()
	}
	r.mu.Unlock()

	g.mu.Lock()
	if g.users[user] == id {
		delete(g.users, user)
	}
	g.mu.Unlock()

	teardown(r.observer, []*participant{p}, handles)
	g.logger.Info().
		Str("room_id", string(id)).
		Str("user_id", string(user)).
		Int("dependent_consumers", len(dependent)).
		Bool("empty", rem.Empty).
		Msg("participant removed")
	return rem, nil
}

// detachDependents removes from the other participants every consumer of
// p's producer. Caller holds r.mu.
func detachDependents(r *Room, p *participant) ([]ClosedConsumer, []core.Consumer) {
	if p.producer == nil {
		return nil, nil
	}
	pid := p.producer.ID()
	var out []ClosedConsumer
	var handles []core.Consumer
	for _, other := range r.participants {
		for cid, c := range other.consumers {
			if c.ProducerID() != pid {
				continue
			}
			delete(other.consumers, cid)
			out = append(out, ClosedConsumer{UserID: other.userID, ConsumerID: cid, ProducerID: pid})
			handles = append(handles, c)
		}
	}
	return out, handles
}

// teardown closes media objects of detached participants. Order: their own
// consumers, consumers of their producers, producers, transports.
func teardown(obs core.AudioLevelObserver, ps []*participant, dependent []core.Consumer) {
	for _, p := range ps {
		for _, c := range p.consumers {
			c.Close()
		}
	}
	for _, c := range dependent {
		c.Close()
	}
	for _, p := range ps {
		if p.producer == nil {
			continue
		}
		if obs != nil {
			obs.RemoveProducer(p.producer.ID())
		}
		p.producer.Close()
	}
	for _, p := range ps {
		if p.send != nil {
			p.send.Close()
		}
		if p.recv != nil {
			p.recv.Close()
		}
	}
}

// CloseRoom tears down every participant and discards the room. Closing an
// absent room is a no-op and reports false.
func (g *Registry) CloseRoom(id domain.RoomID) bool {
	return g.close(id, false)
}

// CloseIfEmpty discards the room only if nobody is in it at that instant.
// The check and the removal from the registry are one critical section
// with Admit, so a participant admitted concurrently keeps the room alive.
func (g *Registry) CloseIfEmpty(id domain.RoomID) bool {
	return g.close(id, true)
}

func (g *Registry) close(id domain.RoomID, onlyEmpty bool) bool {
	g.mu.Lock()
	r, ok := g.rooms[id]
	if !ok {
		g.mu.Unlock()
		return false
	}

	r.mu.Lock()
	if onlyEmpty && len(r.participants) > 0 {
		r.mu.Unlock()
		g.mu.Unlock()
		return false
	}
	delete(g.rooms, id)
	r.closed = true
	ps := r.ordered()
	r.participants = make(map[domain.UserID]*participant)
	r.activeSpeaker = ""
	r.mu.Unlock()

	for _, p := range ps {
		if g.users[p.userID] == id {
			delete(g.users, p.userID)
		}
	}
	g.mu.Unlock()

	teardown(r.observer, ps, nil)
	r.observer.Close()
	r.router.Close()
	g.logger.Info().Str("room_id", string(id)).Int("participants", len(ps)).Msg("room closed")
	return true
}

// DropProducer forgets a producer that closed on its own, together with the
// consumers other participants held on it. It reports false when the
// producer is no longer the participant's, e.g. after a leave.
func (g *Registry) DropProducer(id domain.RoomID, user domain.UserID, pid domain.ProducerID) ([]ClosedConsumer, bool) {
	r, ok := g.Lookup(id)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	p, ok := r.participants[user]
	if !ok || r.closed || p.producer == nil || p.producer.ID() != pid {
		r.mu.Unlock()
		return nil, false
	}
	dependent, handles := detachDependents(r, p)
	p.producer = nil
	if r.activeSpeaker == user {
		r.activeSpeaker = ""
	}
	r.mu.Unlock()

	for _, c := range handles {
		c.Close()
	}
	if r.observer != nil {
		r.observer.RemoveProducer(pid)
	}
	g.logger.Info().
		Str("room_id", string(id)).
		Str("user_id", string(user)).
		Str("producer_id", string(pid)).
		Int("dependent_consumers", len(dependent)).
		Msg("producer ended")
	return dependent, true
}

// CloseAll closes every live room. Used at shutdown.
func (g *Registry) CloseAll() {
	for _, id := range g.IDs() {
		g.CloseRoom(id)
	}
}

func (g *Registry) AudioObserver(id domain.RoomID) (core.AudioLevelObserver, bool) {
	r, ok := g.Lookup(id)
	if !ok {
		return nil, false
	}
	return r.observer, true
}

// FindParticipantByProducerID scans the room; rooms are small.
func (g *Registry) FindParticipantByProducerID(id domain.RoomID, pid domain.ProducerID) (domain.UserID, bool) {
	r, ok := g.Lookup(id)
	if !ok {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if p.producer != nil && p.producer.ID() == pid {
			return p.userID, true
		}
	}
	return "", false
}

func (g *Registry) IDs() []domain.RoomID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(g.rooms))
	for id := range g.rooms {
		out = append(out, id)
	}
	return out
}

func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// ParticipantTotal counts participants across all live rooms.
func (g *Registry) ParticipantTotal() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.users)
}

func (g *Registry) RoomOfUser(user domain.UserID) (domain.RoomID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.users[user]
	return id, ok
}
