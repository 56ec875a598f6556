package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dkeye/parley/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const txRetries = 8

// delIfEquals clears a user's room pointer only if it still names the room.
var delIfEquals = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis stores rooms as hashes, members as sorted sets scored by join time
// and a per-user pointer to the room the user is in.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *Redis) roomKey(id domain.RoomID) string { return s.prefix + "room:" + string(id) }
func (s *Redis) membersKey(id domain.RoomID) string {
	return s.prefix + "room:" + string(id) + ":members"
}
func (s *Redis) rolesKey(id domain.RoomID) string   { return s.prefix + "room:" + string(id) + ":roles" }
func (s *Redis) userRoomKey(u domain.UserID) string { return s.prefix + "user:" + string(u) + ":room" }
func (s *Redis) activeKey() string                  { return s.prefix + "rooms:active" }
func (s *Redis) onlineKey() string                  { return s.prefix + "users:online" }

// watch retries fn while the watched keys change under it.
func (s *Redis) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for range txRetries {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis: transaction retries exhausted on %v", keys)
}

func (s *Redis) CreateRoom(ctx context.Context, room *domain.Room) error {
	key := s.roomKey(room.ID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrBadRequest.WithMessage("room already exists")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"id":         string(room.ID),
				"title":      room.Title,
				"language":   room.Language,
				"owner_id":   string(room.OwnerID),
				"capacity":   room.Capacity,
				"status":     string(room.Status),
				"created_at": room.CreatedAt.UnixMicro(),
			})
			if room.Active() {
				pipe.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(room.CreatedAt.UnixMicro()), Member: string(room.ID)})
			}
			return nil
		})
		return err
	}, key)
}

func parseRoom(h map[string]string) (*domain.Room, error) {
	capacity, err := strconv.Atoi(h["capacity"])
	if err != nil {
		return nil, fmt.Errorf("room %s: capacity: %w", h["id"], err)
	}
	created, err := strconv.ParseInt(h["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("room %s: created_at: %w", h["id"], err)
	}
	r := &domain.Room{
		ID:        domain.RoomID(h["id"]),
		Title:     h["title"],
		Language:  h["language"],
		OwnerID:   domain.UserID(h["owner_id"]),
		Capacity:  capacity,
		Status:    domain.RoomStatus(h["status"]),
		CreatedAt: time.UnixMicro(created),
	}
	if v, ok := h["closed_at"]; ok {
		if closed, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMicro(closed)
			r.ClosedAt = &t
		}
	}
	return r, nil
}

func (s *Redis) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	h, err := s.rdb.HGetAll(ctx, s.roomKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, domain.ErrRoomNotFound
	}
	return parseRoom(h)
}

func (s *Redis) ListActiveRooms(ctx context.Context) ([]*domain.Room, error) {
	ids, err := s.rdb.ZRange(ctx, s.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRoom(ctx, domain.RoomID(id))
		if errors.Is(err, domain.ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.Active() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Redis) Participants(ctx context.Context, id domain.RoomID) ([]domain.ParticipantRecord, error) {
	n, err := s.rdb.Exists(ctx, s.roomKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrRoomNotFound
	}
	members, err := s.rdb.ZRangeWithScores(ctx, s.membersKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	roles, err := s.rdb.HGetAll(ctx, s.rolesKey(id)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ParticipantRecord, 0, len(members))
	for _, z := range members {
		uid, _ := z.Member.(string)
		out = append(out, domain.ParticipantRecord{
			RoomID:   id,
			UserID:   domain.UserID(uid),
			Role:     domain.Role(roles[uid]),
			JoinedAt: time.UnixMicro(int64(z.Score)),
		})
	}
	return out, nil
}

func (s *Redis) JoinParticipant(ctx context.Context, id domain.RoomID, user domain.UserID, role domain.Role) error {
	roomKey, membersKey, userKey := s.roomKey(id), s.membersKey(id), s.userRoomKey(user)
	return s.watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HMGet(ctx, roomKey, "status", "capacity").Result()
		if err != nil {
			return err
		}
		status, _ := fields[0].(string)
		if status == "" {
			return domain.ErrRoomNotFound
		}
		if domain.RoomStatus(status) != domain.RoomActive {
			return domain.ErrRoomClosed
		}
		capStr, _ := fields[1].(string)
		capacity, err := strconv.Atoi(capStr)
		if err != nil {
			return fmt.Errorf("room %s: capacity: %w", id, err)
		}

		cur, err := tx.Get(ctx, userKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != "" && cur != string(id) {
			return domain.ErrAlreadyInRoom
		}
		member := true
		if err := tx.ZScore(ctx, membersKey, string(user)).Err(); errors.Is(err, redis.Nil) {
			member = false
		} else if err != nil {
			return err
		}
		if !member {
			n, err := tx.ZCard(ctx, membersKey).Result()
			if err != nil {
				return err
			}
			if int(n) >= capacity {
				return domain.ErrRoomFull
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !member {
				pipe.ZAdd(ctx, membersKey, redis.Z{Score: float64(s.now().UnixMicro()), Member: string(user)})
			}
			pipe.HSet(ctx, s.rolesKey(id), string(user), string(role))
			pipe.Set(ctx, userKey, string(id), 0)
			return nil
		})
		return err
	}, roomKey, membersKey, userKey)
}

func (s *Redis) LeaveParticipant(ctx context.Context, id domain.RoomID, user domain.UserID) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.membersKey(id), string(user))
		pipe.HDel(ctx, s.rolesKey(id), string(user))
		return nil
	})
	if err != nil {
		return err
	}
	return delIfEquals.Run(ctx, s.rdb, []string{s.userRoomKey(user)}, string(id)).Err()
}

func (s *Redis) LeaveAll(ctx context.Context, id domain.RoomID) error {
	users, err := s.rdb.ZRange(ctx, s.membersKey(id), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, u := range users {
		if err := delIfEquals.Run(ctx, s.rdb, []string{s.userRoomKey(domain.UserID(u))}, string(id)).Err(); err != nil {
			return err
		}
	}
	return s.rdb.Del(ctx, s.membersKey(id), s.rolesKey(id)).Err()
}

func (s *Redis) TransferOwnership(ctx context.Context, id domain.RoomID, owner domain.UserID) error {
	roomKey, rolesKey := s.roomKey(id), s.rolesKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, roomKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrRoomNotFound
		}
		roles, err := tx.HGetAll(ctx, rolesKey).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, roomKey, "owner_id", string(owner))
			for uid, role := range roles {
				if domain.Role(role) == domain.RoleOwner && uid != string(owner) {
					pipe.HSet(ctx, rolesKey, uid, string(domain.RoleParticipant))
				}
			}
			if _, ok := roles[string(owner)]; ok {
				pipe.HSet(ctx, rolesKey, string(owner), string(domain.RoleOwner))
			}
			return nil
		})
		return err
	}, roomKey, rolesKey)
}

func (s *Redis) CloseRoom(ctx context.Context, id domain.RoomID) (bool, error) {
	roomKey := s.roomKey(id)
	closed := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, roomKey, "status").Result()
		if errors.Is(err, redis.Nil) {
			return domain.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if domain.RoomStatus(status) != domain.RoomActive {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, roomKey, "status", string(domain.RoomClosed), "closed_at", s.now().UnixMicro())
			pipe.ZRem(ctx, s.activeKey(), string(id))
			return nil
		})
		if err == nil {
			closed = true
		}
		return err
	}, roomKey)
	if err != nil {
		return false, err
	}
	if closed {
		log.Info().Str("module", "store.redis").Str("room_id", string(id)).Msg("room closed")
	}
	return closed, nil
}

func (s *Redis) IsActive(ctx context.Context, id domain.RoomID) (bool, error) {
	status, err := s.rdb.HGet(ctx, s.roomKey(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return domain.RoomStatus(status) == domain.RoomActive, nil
}

func (s *Redis) SetUserOnline(ctx context.Context, user domain.UserID, online bool) error {
	if online {
		return s.rdb.SAdd(ctx, s.onlineKey(), string(user)).Err()
	}
	return s.rdb.SRem(ctx, s.onlineKey(), string(user)).Err()
}

// Ping backs the store check of /healthz.
func (s *Redis) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
