package rooms

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
)

type participant struct {
	userID   domain.UserID
	role     domain.Role
	joinedAt time.Time
	seq      uint64
	muted    bool

	send      core.Transport
	recv      core.Transport
	producer  core.Producer
	consumers map[string]core.Consumer
}

func (p *participant) transport(dir core.Direction) core.Transport {
	if dir == core.DirectionSend {
		return p.send
	}
	return p.recv
}

func (p *participant) view() ParticipantView {
	v := ParticipantView{
		UserID:   p.userID,
		Role:     p.role,
		JoinedAt: p.joinedAt,
		Muted:    p.muted,
	}
	if p.producer != nil {
		v.ProducerID = p.producer.ID()
	}
	return v
}

// ParticipantView is a read-only copy of a participant.
type ParticipantView struct {
	UserID     domain.UserID     `json:"userId"`
	Role       domain.Role       `json:"role"`
	JoinedAt   time.Time         `json:"joinedAt"`
	Muted      bool              `json:"muted"`
	ProducerID domain.ProducerID `json:"producerId,omitempty"`
}

type ProducerView struct {
	UserID     domain.UserID     `json:"userId"`
	ProducerID domain.ProducerID `json:"producerId"`
}

// Room is the live state of one room. Its media objects are only reachable
// through Registry operations.
type Room struct {
	id        domain.RoomID
	worker    core.Worker
	router    core.Router
	observer  core.AudioLevelObserver
	createdAt time.Time

	// seq orders "mutate then broadcast" sections of this room.
	seq sync.Mutex

	mu            sync.Mutex
	participants  map[domain.UserID]*participant
	joinSeq       uint64
	activeSpeaker domain.UserID
	closed        bool
}

func (r *Room) ID() domain.RoomID   { return r.id }
func (r *Room) WorkerID() string    { return r.worker.ID() }
func (r *Room) Router() core.Router { return r.router }

// Sequence runs fn as the room's single logical writer. fn must not call
// into the media engine.
func (r *Room) Sequence(fn func()) {
	r.seq.Lock()
	defer r.seq.Unlock()
	fn()
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// ordered returns participants earliest joined first. Caller holds mu.
func (r *Room) ordered() []*participant {
	out := make([]*participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
