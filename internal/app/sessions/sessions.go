// Package sessions tracks connected clients and which room each is in.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNoSession = errors.New("sessions: no such session")

// ErrReplaced is returned for a session that a newer connection of the same
// user has superseded.
var ErrReplaced = domain.ErrUnauthorized.WithMessage("session replaced")

type entry struct {
	user        domain.User
	conn        core.SignalConnection
	cancel      context.CancelFunc
	state       core.ConnState
	hallway     bool
	connectedAt time.Time
}

// Snapshot is a copy of a session taken under lock.
type Snapshot struct {
	SID         core.SessionID
	User        domain.User
	Conn        core.SignalConnection
	State       core.ConnState
	Hallway     bool
	ConnectedAt time.Time
}

type Manager struct {
	mu     sync.RWMutex
	bySID  map[core.SessionID]*entry
	byUser map[domain.UserID]core.SessionID
}

func NewManager() *Manager {
	return &Manager{
		bySID:  make(map[core.SessionID]*entry),
		byUser: make(map[domain.UserID]core.SessionID),
	}
}

func (m *Manager) snap(sid core.SessionID, e *entry) Snapshot {
	return Snapshot{
		SID:         sid,
		User:        e.user,
		Conn:        e.conn,
		State:       e.state,
		Hallway:     e.hallway,
		ConnectedAt: e.connectedAt,
	}
}

// Bind registers a connected session and makes it canonical for its user.
// If the user already had a session, that session is returned as it was and
// reset to Connected: its room membership is no longer valid.
func (m *Manager) Bind(sid core.SessionID, user domain.User, conn core.SignalConnection, cancel context.CancelFunc) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev Snapshot
	replaced := false
	if oldSID, ok := m.byUser[user.ID]; ok && oldSID != sid {
		if old, ok := m.bySID[oldSID]; ok {
			prev = m.snap(oldSID, old)
			replaced = true
			old.state = core.Connected{}
			old.hallway = false
		}
	}
	m.bySID[sid] = &entry{
		user:        user,
		conn:        conn,
		cancel:      cancel,
		state:       core.Connected{},
		connectedAt: time.Now(),
	}
	m.byUser[user.ID] = sid
	log.Info().Str("module", "app.sessions").Str("sid", string(sid)).Str("user_id", string(user.ID)).Bool("replaced", replaced).Msg("bound session")
	return prev, replaced
}

// Unbind removes the session. The user stays online if a newer session
// replaced this one.
func (m *Manager) Unbind(sid core.SessionID) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bySID[sid]
	if !ok {
		return Snapshot{}, false
	}
	delete(m.bySID, sid)
	if m.byUser[e.user.ID] == sid {
		delete(m.byUser, e.user.ID)
	}
	log.Info().Str("module", "app.sessions").Str("sid", string(sid)).Msg("unbind session")
	return m.snap(sid, e), true
}

func (m *Manager) Get(sid core.SessionID) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.bySID[sid]
	if !ok {
		return Snapshot{}, false
	}
	return m.snap(sid, e), true
}

// ByUser returns the canonical session of a user.
func (m *Manager) ByUser(user domain.UserID) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sid, ok := m.byUser[user]
	if !ok {
		return Snapshot{}, false
	}
	return m.snap(sid, m.bySID[sid]), true
}

func (m *Manager) IsOnline(user domain.UserID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byUser[user]
	return ok
}

// IsCanonical reports whether sid is the user's current session.
func (m *Manager) IsCanonical(sid core.SessionID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.bySID[sid]
	return ok && m.byUser[e.user.ID] == sid
}

// State returns nil for a disconnected session.
func (m *Manager) State(sid core.SessionID) core.ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.bySID[sid]; ok {
		return e.state
	}
	return nil
}

// RequireRoom is the single guard for room-scoped operations.
func (m *Manager) RequireRoom(sid core.SessionID) (core.InRoom, error) {
	in, ok := core.RoomOf(m.State(sid))
	if !ok {
		return core.InRoom{}, domain.ErrNotInRoom
	}
	return in, nil
}

// Enter moves a Connected session into a room.
func (m *Manager) Enter(sid core.SessionID, room domain.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bySID[sid]
	if !ok {
		return ErrNoSession
	}
	if m.byUser[e.user.ID] != sid {
		return ErrReplaced
	}
	switch st := e.state.(type) {
	case core.Connected:
		e.state = core.InRoom{RoomID: room}
	case core.InRoom:
		if st.RoomID == room {
			return nil
		}
		return domain.ErrAlreadyInRoom
	}
	log.Info().Str("module", "app.sessions").Str("sid", string(sid)).Str("room_id", string(room)).Msg("entered room")
	return nil
}

// Exit moves the session back to Connected if it is in room. It reports
// whether anything changed.
func (m *Manager) Exit(sid core.SessionID, room domain.RoomID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bySID[sid]
	if !ok {
		return false
	}
	if in, ok := core.RoomOf(e.state); !ok || in.RoomID != room {
		return false
	}
	e.state = core.Connected{}
	log.Info().Str("module", "app.sessions").Str("sid", string(sid)).Str("room_id", string(room)).Msg("left room")
	return true
}

func (m *Manager) SetMuted(sid core.SessionID, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bySID[sid]
	if !ok {
		return ErrNoSession
	}
	in, ok := core.RoomOf(e.state)
	if !ok {
		return domain.ErrNotInRoom
	}
	in.Muted = muted
	e.state = in
	return nil
}

// Members returns sessions currently in room.
func (m *Manager) Members(room domain.RoomID) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Snapshot
	for sid, e := range m.bySID {
		if in, ok := core.RoomOf(e.state); ok && in.RoomID == room {
			out = append(out, m.snap(sid, e))
		}
	}
	return out
}

func (m *Manager) CountInRoom(room domain.RoomID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.bySID {
		if in, ok := core.RoomOf(e.state); ok && in.RoomID == room {
			n++
		}
	}
	return n
}

func (m *Manager) SetHallway(sid core.SessionID, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bySID[sid]
	if !ok {
		return ErrNoSession
	}
	e.hallway = on
	return nil
}

func (m *Manager) Hallway() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Snapshot
	for sid, e := range m.bySID {
		if e.hallway {
			out = append(out, m.snap(sid, e))
		}
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySID)
}

// Cancel stops the session's pumps; the adapter then runs the disconnect path.
func (m *Manager) Cancel(sid core.SessionID) bool {
	m.mu.RLock()
	e, ok := m.bySID[sid]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	log.Info().Str("module", "app.sessions").Str("sid", string(sid)).Msg("canceled session")
	return true
}
