package sessions

import (
	"context"
	"testing"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{}

func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}

func bind(m *Manager, sid core.SessionID, user domain.UserID) (Snapshot, bool) {
	return m.Bind(sid, domain.User{ID: user, Username: string(user)}, nopConn{}, func() {})
}

func TestStateTransitions(t *testing.T) {
	m := NewManager()
	assert.Nil(t, m.State("s1"))

	bind(m, "s1", "u1")
	assert.Equal(t, core.Connected{}, m.State("s1"))
	_, err := m.RequireRoom("s1")
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
	assert.ErrorIs(t, m.SetMuted("s1", true), domain.ErrNotInRoom)

	require.NoError(t, m.Enter("s1", "r1"))
	require.NoError(t, m.Enter("s1", "r1"))
	assert.ErrorIs(t, m.Enter("s1", "r2"), domain.ErrAlreadyInRoom)

	require.NoError(t, m.SetMuted("s1", true))
	in, err := m.RequireRoom("s1")
	require.NoError(t, err)
	assert.Equal(t, core.InRoom{RoomID: "r1", Muted: true}, in)
	assert.Equal(t, 1, m.CountInRoom("r1"))

	assert.False(t, m.Exit("s1", "r2"))
	assert.True(t, m.Exit("s1", "r1"))
	assert.False(t, m.Exit("s1", "r1"))
	assert.Equal(t, core.Connected{}, m.State("s1"))

	_, ok := m.Unbind("s1")
	assert.True(t, ok)
	assert.Nil(t, m.State("s1"))
	assert.ErrorIs(t, m.Enter("s1", "r1"), ErrNoSession)
}

func TestReconnectReplacesSession(t *testing.T) {
	m := NewManager()
	bind(m, "old", "u1")
	require.NoError(t, m.Enter("old", "r1"))

	prev, replaced := bind(m, "new", "u1")
	require.True(t, replaced)
	assert.Equal(t, core.SessionID("old"), prev.SID)
	assert.Equal(t, core.InRoom{RoomID: "r1"}, prev.State)

	assert.Equal(t, core.Connected{}, m.State("old"))
	assert.True(t, m.IsCanonical("new"))
	assert.False(t, m.IsCanonical("old"))
	assert.ErrorIs(t, m.Enter("old", "r1"), ErrReplaced)
	assert.Equal(t, core.Connected{}, m.State("old"))

	cur, ok := m.ByUser("u1")
	require.True(t, ok)
	assert.Equal(t, core.SessionID("new"), cur.SID)

	// the old channel going away must not take the user offline
	m.Unbind("old")
	assert.True(t, m.IsOnline("u1"))
	m.Unbind("new")
	assert.False(t, m.IsOnline("u1"))
}

func TestHallwayAndMembers(t *testing.T) {
	m := NewManager()
	bind(m, "s1", "u1")
	bind(m, "s2", "u2")
	bind(m, "s3", "u3")
	require.NoError(t, m.SetHallway("s1", true))
	require.NoError(t, m.SetHallway("s2", true))
	require.NoError(t, m.SetHallway("s2", false))
	require.NoError(t, m.Enter("s2", "r1"))
	require.NoError(t, m.Enter("s3", "r1"))

	hall := m.Hallway()
	require.Len(t, hall, 1)
	assert.Equal(t, core.SessionID("s1"), hall[0].SID)
	assert.Len(t, m.Members("r1"), 2)
	assert.Equal(t, 3, m.Count())
}

func TestCancel(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	m.Bind("s1", domain.User{ID: "u1"}, nopConn{}, cancel)
	assert.True(t, m.Cancel("s1"))
	assert.Error(t, ctx.Err())
	assert.False(t, m.Cancel("nope"))
}
