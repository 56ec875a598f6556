// Package reconcile closes durably active rooms that nobody is using any
// more, so the store converges with the live state after crashes and
// half-finished joins.
package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

const (
	SweepStale     = "stale"
	SweepAbandoned = "abandoned"
)

// Closer closes a room durably and in memory and tells the hallway.
type Closer interface {
	CloseRoom(ctx context.Context, id domain.RoomID, reason string) (bool, error)
}

// Presence answers liveness questions from the connection sessions.
type Presence interface {
	IsOnline(user domain.UserID) bool
	CountInRoom(room domain.RoomID) int
}

// Occupancy answers from the live room registry.
type Occupancy interface {
	ParticipantCount(id domain.RoomID) int
}

type Config struct {
	Interval    time.Duration
	Grace       time.Duration
	Concurrency int
}

type Reconciler struct {
	store    core.RoomStore
	closer   Closer
	presence Presence
	rooms    Occupancy
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger
}

func New(store core.RoomStore, closer Closer, presence Presence, rooms Occupancy, m *metrics.Metrics, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Reconciler{
		store:    store,
		closer:   closer,
		presence: presence,
		rooms:    rooms,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.With().Str("module", "reconcile").Logger(),
	}
}

// Run sweeps stale rooms once at startup and then both sweeps every
// interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	if _, err := r.SweepStale(ctx, true); err != nil {
		r.logger.Error().Err(err).Msg("startup sweep")
	}
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.SweepStale(ctx, false); err != nil {
				r.logger.Error().Err(err).Msg("stale sweep")
			}
			if _, err := r.SweepAbandoned(ctx); err != nil {
				r.logger.Error().Err(err).Msg("abandoned sweep")
			}
		}
	}
}

// SweepStale closes active rooms none of whose participants is connected.
// Outside startup, a room without participant rows is spared until it is
// older than the grace period, since its creator may still be joining.
func (r *Reconciler) SweepStale(ctx context.Context, startup bool) (int, error) {
	return r.sweep(ctx, SweepStale, func(ctx context.Context, room *domain.Room) (bool, error) {
		rows, err := r.store.Participants(ctx, room.ID)
		if err != nil {
			return false, err
		}
		for _, row := range rows {
			if r.presence.IsOnline(row.UserID) {
				return false, nil
			}
		}
		if len(rows) == 0 && !startup && !r.expired(room) {
			return false, nil
		}
		return true, nil
	})
}

// SweepAbandoned closes rooms past the grace period that have no live
// subscriber, typically created over HTTP by a client that never joined.
func (r *Reconciler) SweepAbandoned(ctx context.Context) (int, error) {
	return r.sweep(ctx, SweepAbandoned, func(_ context.Context, room *domain.Room) (bool, error) {
		if !r.expired(room) {
			return false, nil
		}
		return r.presence.CountInRoom(room.ID) == 0 && r.rooms.ParticipantCount(room.ID) == 0, nil
	})
}

func (r *Reconciler) expired(room *domain.Room) bool {
	return r.now().Sub(room.CreatedAt) >= r.cfg.Grace
}

func (r *Reconciler) sweep(ctx context.Context, name string, idle func(context.Context, *domain.Room) (bool, error)) (int, error) {
	active, err := r.store.ListActiveRooms(ctx)
	if err != nil {
		return 0, err
	}
	var closed atomic.Int32
	p := pool.New().WithContext(ctx).WithMaxGoroutines(r.cfg.Concurrency)
	for _, room := range active {
		p.Go(func(ctx context.Context) error {
			ok, err := idle(ctx, room)
			if err != nil || !ok {
				return err
			}
			done, err := r.closer.CloseRoom(ctx, room.ID, name)
			if err != nil {
				r.logger.Warn().Err(err).Str("room_id", string(room.ID)).Str("sweep", name).Msg("close failed")
				return err
			}
			if done {
				closed.Add(1)
				r.logger.Info().Str("room_id", string(room.ID)).Str("sweep", name).Msg("room reaped")
			}
			return nil
		})
	}
	err = p.Wait()
	n := int(closed.Load())
	r.metrics.ReconcilerClosed(name, n)
	if n > 0 {
		r.logger.Info().Str("sweep", name).Int("closed", n).Int("active", len(active)).Msg("sweep done")
	}
	return n, err
}
