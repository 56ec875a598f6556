package orch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/parley/internal/adapters/store"
	"github.com/dkeye/parley/internal/app"
	"github.com/dkeye/parley/internal/app/pool"
	"github.com/dkeye/parley/internal/app/rooms"
	"github.com/dkeye/parley/internal/app/sessions"
	"github.com/dkeye/parley/internal/app/sfu/sfutest"
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/core/mocks"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// recConn records every frame sent to one session.
type recConn struct {
	mu     sync.Mutex
	frames []frame
	full   atomic.Bool
	closed atomic.Bool
}

func (c *recConn) TrySend(f core.Frame) error {
	if c.closed.Load() {
		return core.ErrConnClosed
	}
	if c.full.Load() {
		return core.ErrBackpressure
	}
	var fr frame
	if err := json.Unmarshal(f, &fr); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, fr)
	c.mu.Unlock()
	return nil
}

func (c *recConn) Close() { c.closed.Store(true) }

func (c *recConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

func (c *recConn) count(typ string) int {
	n := 0
	for _, t := range c.types() {
		if t == typ {
			n++
		}
	}
	return n
}

// last decodes the data of the most recent frame of typ into v.
func (c *recConn) last(t *testing.T, typ string, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Type == typ {
			require.NoError(t, json.Unmarshal(c.frames[i].Data, v))
			return
		}
	}
	t.Fatalf("no %s frame in %v", typ, c.frames)
}

func (c *recConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func indexOf(types []string, typ string) int {
	for i, t := range types {
		if t == typ {
			return i
		}
	}
	return -1
}

type fixture struct {
	o       *Orchestrator
	engine  *sfutest.Factory
	store   *store.Memory
	conns   map[core.SessionID]*recConn
	cancels map[core.SessionID]*atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := sfutest.NewFactory()
	p, err := pool.New(context.Background(), 2, f, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	st := store.NewMemory()
	return &fixture{
		o: &Orchestrator{
			Sessions:    sessions.NewManager(),
			Rooms:       rooms.NewRegistry(p, core.ObserverOptions{Interval: 800, Threshold: -70, MaxEntries: 1}),
			Store:       st,
			Policy:      app.SimplePolicy{MaxDropped: 0},
			MaxCapacity: domain.DefaultRoomCapacity,
		},
		engine:  f,
		store:   st,
		conns:   map[core.SessionID]*recConn{},
		cancels: map[core.SessionID]*atomic.Bool{},
	}
}

func (fx *fixture) connect(t *testing.T, sid core.SessionID, user domain.UserID) *recConn {
	t.Helper()
	c := &recConn{}
	cancelled := &atomic.Bool{}
	fx.conns[sid] = c
	fx.cancels[sid] = cancelled
	fx.o.Connect(context.Background(), sid, domain.User{ID: user, Username: string(user)}, c, func() { cancelled.Store(true) })
	return c
}

func (fx *fixture) room(t *testing.T, owner domain.UserID, capacity int) domain.RoomID {
	t.Helper()
	r, err := fx.o.CreateRoom(context.Background(), owner, "practice", "es", capacity)
	require.NoError(t, err)
	return r.ID
}

func (fx *fixture) join(t *testing.T, sid core.SessionID, id domain.RoomID) *JoinResult {
	t.Helper()
	res, err := fx.o.Join(context.Background(), sid, id)
	require.NoError(t, err)
	return res
}

// produce opens and connects a send transport and produces on it.
func (fx *fixture) produce(t *testing.T, sid core.SessionID) domain.ProducerID {
	t.Helper()
	ctx := context.Background()
	tc, err := fx.o.CreateTransport(ctx, sid, core.DirectionSend)
	require.NoError(t, err)
	_, err = fx.o.ConnectTransport(ctx, sid, tc.ID, json.RawMessage(`{}`))
	require.NoError(t, err)
	pid, err := fx.o.Produce(ctx, sid, tc.ID, json.RawMessage(`{"kind":"audio"}`))
	require.NoError(t, err)
	return pid
}

func (fx *fixture) active(t *testing.T, id domain.RoomID) bool {
	ok, err := fx.store.IsActive(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func TestJoinLeaveRoundTripWithHandOff(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	a := fx.connect(t, "sa", "alice")
	b := fx.connect(t, "sb", "bob")
	fx.connect(t, "sc", "carol")
	id := fx.room(t, "alice", 2)

	res := fx.join(t, "sa", id)
	assert.Equal(t, domain.RoleOwner, res.Role)
	res = fx.join(t, "sb", id)
	assert.Equal(t, domain.RoleParticipant, res.Role)
	assert.Len(t, res.Participants, 2)
	assert.Equal(t, 2, res.Room.ParticipantCount)

	var joined rooms.ParticipantView
	a.last(t, protocol.RoomUserJoined, &joined)
	assert.Equal(t, domain.UserID("bob"), joined.UserID)
	var upd ParticipantsUpdated
	a.last(t, protocol.RoomParticipantsUpdated, &upd)
	assert.Equal(t, "join", upd.Reason)
	assert.Len(t, upd.Participants, 2)

	_, err := fx.o.Join(ctx, "sc", id)
	assert.ErrorIs(t, err, domain.ErrRoomFull)
	assert.Equal(t, 2, fx.o.Rooms.ParticipantCount(id), "a rejected join leaves the live room alone")
	assert.Equal(t, core.Connected{}, fx.o.Sessions.State("sc"))

	fx.o.Disconnect(ctx, "sa")
	types := b.types()
	left, owner := indexOf(types, protocol.RoomUserLeft), indexOf(types, protocol.RoomOwnerChanged)
	require.NotEqual(t, -1, left)
	require.NotEqual(t, -1, owner)
	assert.Less(t, left, owner)

	var oc protocol.OwnerChanged
	b.last(t, protocol.RoomOwnerChanged, &oc)
	assert.Equal(t, domain.UserID("bob"), oc.OwnerID)
	room, err := fx.store.GetRoom(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("bob"), room.OwnerID)
	role, err := fx.o.Rooms.Role(id, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, role)
	assert.False(t, fx.store.Online("alice"))

	fx.o.Disconnect(ctx, "sb")
	assert.False(t, fx.active(t, id), "the last owner leaving closes the room")
	_, live := fx.o.Rooms.Lookup(id)
	assert.False(t, live)
}

func TestJoinClosedRoom(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "sa", "alice")
	id := fx.room(t, "alice", 4)
	_, err := fx.store.CloseRoom(context.Background(), id)
	require.NoError(t, err)

	_, err = fx.o.Join(context.Background(), "sa", id)
	assert.ErrorIs(t, err, domain.ErrRoomClosed)
	_, live := fx.o.Rooms.Lookup(id)
	assert.False(t, live)

	_, err = fx.o.Join(context.Background(), "sa", "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestOwnerLeavingAloneClosesRoomOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.connect(t, "sa", "alice")
	hall := fx.connect(t, "sh", "henry")
	require.NoError(t, fx.o.SubscribeHallway("sh"))
	id := fx.room(t, "alice", 4)
	fx.join(t, "sa", id)

	require.NoError(t, fx.o.Leave(ctx, "sa", id))
	require.NoError(t, fx.o.Leave(ctx, "sa", id), "leaving twice is a no-op")
	closed, err := fx.o.CloseRoom(ctx, id, "again")
	require.NoError(t, err)
	assert.False(t, closed)

	assert.False(t, fx.active(t, id))
	assert.Equal(t, 1, hall.count(protocol.HallwayRoomClosed))
	var rc protocol.RoomClosed
	hall.last(t, protocol.HallwayRoomClosed, &rc)
	assert.Equal(t, id, rc.RoomID)
	assert.Equal(t, "owner-left", rc.Reason)
	assert.Equal(t, core.Connected{}, fx.o.Sessions.State("sa"))
}

func TestCloseRoomEvictsMembers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	o := fx.connect(t, "so", "olga")
	a := fx.connect(t, "sa", "alice")
	id := fx.room(t, "olga", 4)
	fx.join(t, "so", id)
	fx.join(t, "sa", id)

	closed, err := fx.o.CloseRoom(ctx, id, "abandoned")
	require.NoError(t, err)
	assert.True(t, closed)
	for _, c := range []*recConn{o, a} {
		assert.Equal(t, 1, c.count(protocol.HallwayRoomClosed))
	}
	assert.Equal(t, core.Connected{}, fx.o.Sessions.State("sa"))
	_, live := fx.o.Rooms.Lookup(id)
	assert.False(t, live)
	rows, err := fx.store.Participants(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = fx.o.Join(ctx, "sa", id)
	assert.ErrorIs(t, err, domain.ErrRoomClosed)
}

func TestNonOwnerLeavingLastKeepsDurableRoom(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "sb", "bob")
	id := fx.room(t, "alice", 4)
	fx.join(t, "sb", id)

	require.NoError(t, fx.o.Leave(context.Background(), "sb", id))
	assert.True(t, fx.active(t, id))
	_, live := fx.o.Rooms.Lookup(id)
	assert.False(t, live, "an empty live room is released")
}

func TestConsumeAfterProducerLeftIsStale(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.connect(t, "so", "olga")
	fx.connect(t, "sa", "alice")
	b := fx.connect(t, "sb", "bob")
	id := fx.room(t, "olga", 4)
	fx.join(t, "so", id)
	fx.join(t, "sa", id)
	fx.join(t, "sb", id)

	pid := fx.produce(t, "sa")
	_, err := fx.o.CreateTransport(ctx, "sb", core.DirectionRecv)
	require.NoError(t, err)
	consumed, err := fx.o.Consume(ctx, "sb", pid, sfutest.Caps())
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), consumed.UserID)

	_, err = fx.o.Consume(ctx, "sa", pid, sfutest.Caps())
	assert.ErrorIs(t, err, domain.ErrCannotConsume)

	require.NoError(t, fx.o.Leave(ctx, "sa", id))
	var cc protocol.ConsumerClosed
	b.last(t, protocol.VoiceConsumerClosed, &cc)
	assert.Equal(t, consumed.ConsumerID, cc.ConsumerID)
	assert.Equal(t, pid, cc.ProducerID)

	_, err = fx.o.Consume(ctx, "sb", pid, sfutest.Caps())
	require.Error(t, err)
	assert.True(t, domain.IsStale(err))
}

func TestUserJoinedPrecedesNewProducer(t *testing.T) {
	fx := newFixture(t)
	o := fx.connect(t, "so", "olga")
	fx.connect(t, "sa", "alice")
	id := fx.room(t, "olga", 4)
	fx.join(t, "so", id)
	o.reset()

	fx.join(t, "sa", id)
	pid := fx.produce(t, "sa")

	types := o.types()
	joined, produced := indexOf(types, protocol.RoomUserJoined), indexOf(types, protocol.VoiceNewProducer)
	require.NotEqual(t, -1, joined)
	require.NotEqual(t, -1, produced)
	assert.Less(t, joined, produced)
	var np protocol.NewProducer
	o.last(t, protocol.VoiceNewProducer, &np)
	assert.Equal(t, pid, np.ProducerID)
}

func TestKick(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	o := fx.connect(t, "so", "olga")
	a := fx.connect(t, "sa", "alice")
	fx.connect(t, "sb", "bob")
	id := fx.room(t, "olga", 4)
	fx.join(t, "so", id)
	fx.join(t, "sa", id)

	assert.ErrorIs(t, fx.o.Kick(ctx, "sa", "olga"), domain.ErrNotOwner)
	assert.ErrorIs(t, fx.o.Kick(ctx, "so", "bob"), domain.ErrNotParticipant)
	assert.ErrorIs(t, fx.o.Kick(ctx, "so", "olga"), domain.ErrBadRequest)
	assert.ErrorIs(t, fx.o.Kick(ctx, "sb", "alice"), domain.ErrNotInRoom)

	require.NoError(t, fx.o.Kick(ctx, "so", "alice"))
	var k protocol.Kicked
	a.last(t, protocol.RoomUserKicked, &k)
	assert.Equal(t, domain.UserID("olga"), k.By)
	assert.Equal(t, 1, o.count(protocol.RoomUserKicked))
	var upd ParticipantsUpdated
	o.last(t, protocol.RoomParticipantsUpdated, &upd)
	assert.Equal(t, "kick", upd.Reason)
	assert.Len(t, upd.Participants, 1)

	assert.Equal(t, core.Connected{}, fx.o.Sessions.State("sa"))
	assert.Equal(t, 1, fx.o.Rooms.ParticipantCount(id))
	rows, err := fx.store.Participants(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMute(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	o := fx.connect(t, "so", "olga")
	fx.connect(t, "sa", "alice")
	id := fx.room(t, "olga", 4)
	fx.join(t, "so", id)
	fx.join(t, "sa", id)

	assert.ErrorIs(t, fx.o.Mute(ctx, "sa", true), domain.ErrNoProducer)

	pid := fx.produce(t, "sa")
	require.NoError(t, fx.o.Mute(ctx, "sa", true))
	prod, _, ok := fx.o.Rooms.ProducerByID(id, pid)
	require.True(t, ok)
	assert.True(t, prod.Paused())
	var m protocol.UserMuted
	o.last(t, protocol.RoomUserMuted, &m)
	assert.Equal(t, protocol.UserMuted{UserID: "alice", Muted: true}, m)

	in, err := fx.o.Sessions.RequireRoom("sa")
	require.NoError(t, err)
	assert.True(t, in.Muted)

	require.NoError(t, fx.o.Mute(ctx, "sa", false))
	assert.False(t, prod.Paused())
}

func TestMediaPreconditions(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.connect(t, "so", "olga")
	fx.connect(t, "sx", "xavier")
	id := fx.room(t, "olga", 4)
	fx.join(t, "so", id)

	_, err := fx.o.CreateTransport(ctx, "sx", core.DirectionSend)
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
	_, err = fx.o.CreateTransport(ctx, "so", core.Direction("up"))
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	tc, err := fx.o.CreateTransport(ctx, "so", core.DirectionSend)
	require.NoError(t, err)
	_, err = fx.o.CreateTransport(ctx, "so", core.DirectionSend)
	assert.ErrorIs(t, err, domain.ErrTransportExists)

	_, err = fx.o.Produce(ctx, "so", tc.ID, nil)
	assert.ErrorIs(t, err, domain.ErrTransportNotConnected)
	_, err = fx.o.Produce(ctx, "so", "nope", nil)
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
	_, err = fx.o.ConnectTransport(ctx, "so", "nope", nil)
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	fx.engine.FailTransport = true
	_, err = fx.o.CreateTransport(ctx, "so", core.DirectionRecv)
	assert.ErrorIs(t, err, domain.ErrMedia)
}

func TestReconnectReplacesSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	o := fx.connect(t, "so", "olga")
	old := fx.connect(t, "sa1", "alice")
	id := fx.room(t, "olga", 4)
	fx.join(t, "so", id)
	fx.join(t, "sa1", id)

	fx.connect(t, "sa2", "alice")
	assert.Equal(t, 1, old.count(protocol.SessionReplaced))
	assert.True(t, fx.cancels["sa1"].Load())
	assert.Equal(t, 1, fx.o.Rooms.ParticipantCount(id))
	var left protocol.UserRef
	o.last(t, protocol.RoomUserLeft, &left)
	assert.Equal(t, domain.UserID("alice"), left.UserID)

	// the stale channel going away must not take the new session with it
	fx.o.Disconnect(ctx, "sa1")
	assert.True(t, fx.store.Online("alice"))
	fx.join(t, "sa2", id)
	assert.Equal(t, 2, fx.o.Rooms.ParticipantCount(id))
}

func TestSwitchRoomLeavesPrevious(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "sa", "alice")
	fx.connect(t, "so", "olga")
	r1 := fx.room(t, "olga", 4)
	r2 := fx.room(t, "olga", 4)
	fx.join(t, "so", r1)
	fx.join(t, "sa", r1)

	fx.join(t, "sa", r2)
	assert.Equal(t, 1, fx.o.Rooms.ParticipantCount(r1))
	assert.Equal(t, 1, fx.o.Rooms.ParticipantCount(r2))
	in, err := fx.o.Sessions.RequireRoom("sa")
	require.NoError(t, err)
	assert.Equal(t, r2, in.RoomID)

	res := fx.join(t, "sa", r2)
	assert.Equal(t, 1, res.Room.ParticipantCount, "joining the current room returns its state")
}

func TestActiveSpeaker(t *testing.T) {
	fx := newFixture(t)
	o := fx.connect(t, "so", "olga")
	fx.connect(t, "sa", "alice")
	id := fx.room(t, "olga", 4)
	fx.join(t, "so", id)
	fx.join(t, "sa", id)
	pid := fx.produce(t, "sa")

	live, ok := fx.o.Rooms.Lookup(id)
	require.True(t, ok)
	var obs *sfutest.Observer
	for _, r := range fx.engine.Routers() {
		if r.ID() == live.Router().ID() {
			obs = r.Observer()
		}
	}
	require.NotNil(t, obs)
	assert.True(t, obs.Has(pid))

	obs.Emit(core.AudioVolume{ProducerID: pid, Volume: -20})
	obs.Emit(core.AudioVolume{ProducerID: pid, Volume: -25})
	assert.Equal(t, 1, o.count(protocol.RoomActiveSpeaker), "repeated reports of the same speaker are not rebroadcast")
	var as protocol.ActiveSpeaker
	o.last(t, protocol.RoomActiveSpeaker, &as)
	require.NotNil(t, as.UserID)
	assert.Equal(t, domain.UserID("alice"), *as.UserID)

	obs.Silence()
	o.last(t, protocol.RoomActiveSpeaker, &as)
	assert.Nil(t, as.UserID)
}

func TestBackpressureDisconnectsSlowSession(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "so", "olga")
	slow := fx.connect(t, "sa", "alice")
	id := fx.room(t, "olga", 4)
	fx.join(t, "sa", id)
	slow.full.Store(true)

	fx.join(t, "so", id)
	assert.True(t, fx.cancels["sa"].Load())
	assert.False(t, fx.cancels["so"].Load())
}

func TestCreateRoomNotifiesCollaborators(t *testing.T) {
	fx := newFixture(t)
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockCacheInvalidator(ctrl)
	events := mocks.NewMockEventPublisher(ctrl)
	fx.o.Cache = cache
	fx.o.Events = events
	hall := fx.connect(t, "sh", "henry")
	require.NoError(t, fx.o.SubscribeHallway("sh"))

	var published []core.Event
	events.EXPECT().Publish(gomock.Any(), gomock.Any()).
		Do(func(_ context.Context, ev core.Event) { published = append(published, ev) }).
		Times(1)
	cache.EXPECT().InvalidateRoom(gomock.Any(), gomock.Any(), "created").Return(nil).Times(1)
	cache.EXPECT().InvalidateRoomList(gomock.Any()).Return(nil).Times(1)

	r, err := fx.o.CreateRoom(context.Background(), "henry", "small talk", "fr", 50)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultRoomCapacity, r.Capacity, "capacity is capped")
	require.Len(t, published, 1)
	assert.Equal(t, core.EventRoomCreated, published[0].Type)
	assert.Equal(t, r.ID, published[0].RoomID)

	var sum domain.RoomSummary
	hall.last(t, protocol.HallwayRoomCreated, &sum)
	assert.Equal(t, r.ID, sum.ID)

	list, err := fx.o.ListRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Zero(t, list[0].ParticipantCount)
}

func TestJoinPublishesAndInvalidates(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "sa", "alice")
	id := fx.room(t, "alice", 4)

	ctrl := gomock.NewController(t)
	cache := mocks.NewMockCacheInvalidator(ctrl)
	events := mocks.NewMockEventPublisher(ctrl)
	fx.o.Cache = cache
	fx.o.Events = events

	events.EXPECT().Publish(gomock.Any(), gomock.Any()).Do(func(_ context.Context, ev core.Event) {
		assert.Equal(t, core.EventParticipantJoined, ev.Type)
		assert.Equal(t, domain.UserID("alice"), ev.UserID)
	}).Times(1)
	cache.EXPECT().InvalidateRoom(gomock.Any(), id, "join").Return(nil).Times(1)
	cache.EXPECT().InvalidateRoomList(gomock.Any()).Return(nil).Times(1)

	fx.join(t, "sa", id)
}

// slowLeaveStore holds one user's durable leave until released.
type slowLeaveStore struct {
	*store.Memory
	user    domain.UserID
	entered chan struct{}
	release chan struct{}
}

func (s *slowLeaveStore) LeaveParticipant(ctx context.Context, id domain.RoomID, user domain.UserID) error {
	if user == s.user {
		close(s.entered)
		<-s.release
	}
	return s.Memory.LeaveParticipant(ctx, id, user)
}

func TestLastLeaveRacingJoinKeepsJoiner(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.connect(t, "sb", "bob")
	fx.connect(t, "sc", "carol")
	id := fx.room(t, "alice", 4)
	fx.join(t, "sb", id)

	slow := &slowLeaveStore{Memory: fx.store, user: "bob", entered: make(chan struct{}), release: make(chan struct{})}
	fx.o.Store = slow

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, fx.o.Leave(ctx, "sb", id))
	}()
	<-slow.entered
	fx.join(t, "sc", id)
	close(slow.release)
	<-done

	assert.Equal(t, 1, fx.o.Rooms.ParticipantCount(id))
	_, live := fx.o.Rooms.Lookup(id)
	assert.True(t, live, "the joiner keeps the live room")
	in, err := fx.o.Sessions.RequireRoom("sc")
	require.NoError(t, err)
	assert.Equal(t, id, in.RoomID)
	_, err = fx.o.Rooms.Role(id, "carol")
	assert.NoError(t, err)
}

func TestRejoinAfterLiveRoomDiscarded(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "sa", "alice")
	id := fx.room(t, "alice", 4)
	fx.join(t, "sa", id)

	require.True(t, fx.o.Rooms.CloseRoom(id))
	res := fx.join(t, "sa", id)
	assert.Equal(t, domain.RoleOwner, res.Role)
	require.Len(t, res.Participants, 1)
	assert.Equal(t, domain.UserID("alice"), res.Participants[0].UserID)
	role, err := fx.o.Rooms.Role(id, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, role)
}

func TestReplacedSessionCannotJoin(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.connect(t, "sa1", "alice")
	id := fx.room(t, "alice", 4)
	fx.connect(t, "sa2", "alice")

	_, err := fx.o.Join(ctx, "sa1", id)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Zero(t, fx.o.Rooms.ParticipantCount(id))
	assert.Equal(t, core.Connected{}, fx.o.Sessions.State("sa1"))

	fx.join(t, "sa2", id)
	assert.Equal(t, 1, fx.o.Rooms.ParticipantCount(id))
}

func TestEndedProducerIsDetached(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.connect(t, "so", "olga")
	fx.connect(t, "sa", "alice")
	b := fx.connect(t, "sb", "bob")
	id := fx.room(t, "olga", 4)
	fx.join(t, "so", id)
	fx.join(t, "sa", id)
	fx.join(t, "sb", id)

	pid := fx.produce(t, "sa")
	_, err := fx.o.CreateTransport(ctx, "sb", core.DirectionRecv)
	require.NoError(t, err)
	consumed, err := fx.o.Consume(ctx, "sb", pid, sfutest.Caps())
	require.NoError(t, err)

	prod, _, ok := fx.o.Rooms.ProducerByID(id, pid)
	require.True(t, ok)
	prod.(*sfutest.Producer).End()

	require.Eventually(t, func() bool {
		return b.count(protocol.VoiceConsumerClosed) == 1
	}, time.Second, 5*time.Millisecond)
	var cc protocol.ConsumerClosed
	b.last(t, protocol.VoiceConsumerClosed, &cc)
	assert.Equal(t, consumed.ConsumerID, cc.ConsumerID)
	assert.Equal(t, pid, cc.ProducerID)

	assert.Empty(t, fx.o.Rooms.Producers(id))
	assert.Zero(t, fx.o.Rooms.ConsumerCount(id, "bob"))
	obs, ok := fx.o.Rooms.AudioObserver(id)
	require.True(t, ok)
	assert.False(t, obs.(*sfutest.Observer).Has(pid))

	send, err := fx.o.Rooms.TransportFor(id, "alice", core.DirectionSend)
	require.NoError(t, err)
	again, err := fx.o.Produce(ctx, "sa", send.ID(), json.RawMessage(`{"kind":"audio"}`))
	require.NoError(t, err)
	assert.NotEqual(t, pid, again)
}
