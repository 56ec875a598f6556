// Package cache drops read models other services keep for rooms and tells
// them about it on a pub/sub channel.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/parley/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Invalidation struct {
	Scope  string        `json:"scope"`
	RoomID domain.RoomID `json:"roomId,omitempty"`
	Reason string        `json:"reason,omitempty"`
	At     int64         `json:"at"`
}

const (
	ScopeRoom  = "room"
	ScopeRooms = "rooms"
)

type Redis struct {
	rdb     redis.UniversalClient
	prefix  string
	channel string
	now     func() time.Time
}

func NewRedis(rdb redis.UniversalClient, prefix, channel string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, channel: channel, now: time.Now}
}

func (c *Redis) RoomKey(id domain.RoomID) string { return c.prefix + "cache:room:" + string(id) }
func (c *Redis) ListKey() string                 { return c.prefix + "cache:rooms" }

func (c *Redis) InvalidateRoom(ctx context.Context, id domain.RoomID, reason string) error {
	return c.invalidate(ctx, c.RoomKey(id), Invalidation{Scope: ScopeRoom, RoomID: id, Reason: reason})
}

func (c *Redis) InvalidateRoomList(ctx context.Context) error {
	return c.invalidate(ctx, c.ListKey(), Invalidation{Scope: ScopeRooms})
}

func (c *Redis) invalidate(ctx context.Context, key string, msg Invalidation) error {
	msg.At = c.now().UnixMilli()
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Publish(ctx, c.channel, b)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "cache.redis").Str("key", key).Msg("invalidate")
	}
	return err
}

// Nop is used when no shared cache is configured.
type Nop struct{}

func (Nop) InvalidateRoom(context.Context, domain.RoomID, string) error { return nil }
func (Nop) InvalidateRoomList(context.Context) error                    { return nil }
