// Package store implements the durable room collaborator.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/parley/internal/domain"
)

// Memory keeps rooms in process. Used for development and tests.
type Memory struct {
	mu     sync.Mutex
	rooms  map[domain.RoomID]*domain.Room
	rows   map[domain.RoomID][]*domain.ParticipantRecord
	online map[domain.UserID]bool
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rooms:  make(map[domain.RoomID]*domain.Room),
		rows:   make(map[domain.RoomID][]*domain.ParticipantRecord),
		online: make(map[domain.UserID]bool),
		now:    time.Now,
	}
}

func (m *Memory) CreateRoom(_ context.Context, room *domain.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.ID]; ok {
		return domain.ErrBadRequest.WithMessage("room already exists")
	}
	cp := *room
	m.rooms[room.ID] = &cp
	return nil
}

func (m *Memory) GetRoom(_ context.Context, id domain.RoomID) (*domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListActiveRooms(_ context.Context) ([]*domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Room
	for _, r := range m.rooms {
		if r.Active() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// active returns the rows of id that have not left. Caller holds mu.
func (m *Memory) active(id domain.RoomID) []*domain.ParticipantRecord {
	var out []*domain.ParticipantRecord
	for _, row := range m.rows[id] {
		if row.LeftAt == nil {
			out = append(out, row)
		}
	}
	return out
}

func (m *Memory) Participants(_ context.Context, id domain.RoomID) ([]domain.ParticipantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[id]; !ok {
		return nil, domain.ErrRoomNotFound
	}
	rows := m.active(id)
	out := make([]domain.ParticipantRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func (m *Memory) JoinParticipant(_ context.Context, id domain.RoomID, user domain.UserID, role domain.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if !r.Active() {
		return domain.ErrRoomClosed
	}
	for other := range m.rows {
		if other == id {
			continue
		}
		for _, row := range m.active(other) {
			if row.UserID == user {
				return domain.ErrAlreadyInRoom
			}
		}
	}
	rows := m.active(id)
	for _, row := range rows {
		if row.UserID == user {
			row.Role = role
			return nil
		}
	}
	if len(rows) >= r.Capacity {
		return domain.ErrRoomFull
	}
	m.rows[id] = append(m.rows[id], &domain.ParticipantRecord{
		RoomID:   id,
		UserID:   user,
		Role:     role,
		JoinedAt: m.now(),
	})
	return nil
}

func (m *Memory) LeaveParticipant(_ context.Context, id domain.RoomID, user domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, row := range m.active(id) {
		if row.UserID == user {
			row.LeftAt = &now
		}
	}
	return nil
}

func (m *Memory) LeaveAll(_ context.Context, id domain.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, row := range m.active(id) {
		row.LeftAt = &now
	}
	return nil
}

func (m *Memory) TransferOwnership(_ context.Context, id domain.RoomID, owner domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return domain.ErrRoomNotFound
	}
	r.OwnerID = owner
	for _, row := range m.active(id) {
		if row.UserID == owner {
			row.Role = domain.RoleOwner
		} else if row.Role == domain.RoleOwner {
			row.Role = domain.RoleParticipant
		}
	}
	return nil
}

func (m *Memory) CloseRoom(_ context.Context, id domain.RoomID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return false, domain.ErrRoomNotFound
	}
	if !r.Active() {
		return false, nil
	}
	now := m.now()
	r.Status = domain.RoomClosed
	r.ClosedAt = &now
	return true, nil
}

func (m *Memory) IsActive(_ context.Context, id domain.RoomID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	return ok && r.Active(), nil
}

func (m *Memory) SetUserOnline(_ context.Context, user domain.UserID, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if online {
		m.online[user] = true
	} else {
		delete(m.online, user)
	}
	return nil
}

// Online reports the stored presence flag.
func (m *Memory) Online(user domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[user]
}
