package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *Redis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewRedis(rdb, "p:", "rooms.invalidate")
	c.now = func() time.Time { return time.UnixMilli(42) }
	return mr, c, rdb
}

func TestInvalidateRoom_DeletesAndPublishes(t *testing.T) {
	mr, c, rdb := setup(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(c.RoomKey("r1"), "cached"))

	sub := rdb.Subscribe(ctx, "rooms.invalidate")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, c.InvalidateRoom(ctx, "r1", "owner-left"))
	assert.False(t, mr.Exists(c.RoomKey("r1")))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got Invalidation
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, Invalidation{Scope: ScopeRoom, RoomID: "r1", Reason: "owner-left", At: 42}, got)
}

func TestInvalidateRoomList(t *testing.T) {
	mr, c, _ := setup(t)
	require.NoError(t, mr.Set(c.ListKey(), "cached"))
	require.NoError(t, c.InvalidateRoomList(context.Background()))
	assert.False(t, mr.Exists(c.ListKey()))
}

func TestInvalidate_ReportsConnectionErrors(t *testing.T) {
	mr, c, _ := setup(t)
	mr.Close()
	assert.Error(t, c.InvalidateRoomList(context.Background()))
}

func TestNop(t *testing.T) {
	var n Nop
	assert.NoError(t, n.InvalidateRoom(context.Background(), "r1", "x"))
	assert.NoError(t, n.InvalidateRoomList(context.Background()))
}
