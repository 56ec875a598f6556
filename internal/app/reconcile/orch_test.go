package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/parley/internal/adapters/store"
	"github.com/dkeye/parley/internal/app"
	"github.com/dkeye/parley/internal/app/orch"
	"github.com/dkeye/parley/internal/app/pool"
	"github.com/dkeye/parley/internal/app/rooms"
	"github.com/dkeye/parley/internal/app/sessions"
	"github.com/dkeye/parley/internal/app/sfu/sfutest"
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/metrics"
	"github.com/dkeye/parley/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hallConn counts frames by type.
type hallConn struct {
	mu    sync.Mutex
	types map[string]int
}

func (c *hallConn) TrySend(f core.Frame) error {
	var fr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(f, &fr); err != nil {
		return err
	}
	c.mu.Lock()
	c.types[fr.Type]++
	c.mu.Unlock()
	return nil
}

func (c *hallConn) Close() {}

func (c *hallConn) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.types[typ]
}

func TestSweepAbandoned_OrchestratorAnnouncesOnce(t *testing.T) {
	ctx := context.Background()
	p, err := pool.New(ctx, 1, sfutest.NewFactory(), nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	st := store.NewMemory()
	sess := sessions.NewManager()
	reg := rooms.NewRegistry(p, core.ObserverOptions{Interval: 800, Threshold: -70, MaxEntries: 1})
	o := &orch.Orchestrator{Sessions: sess, Rooms: reg, Store: st, Policy: app.SimplePolicy{}}

	hall := &hallConn{types: map[string]int{}}
	o.Connect(ctx, "sh", domain.User{ID: "henry", Username: "henry"}, hall, func() {})
	require.NoError(t, o.SubscribeHallway("sh"))

	r, err := domain.NewRoom("quiet", "quiet", "en", "olga", 4, t0)
	require.NoError(t, err)
	require.NoError(t, st.CreateRoom(ctx, r))

	var mu sync.Mutex
	clock := t0.Add(time.Minute)
	rec := New(st, o, sess, reg, metrics.New(), Config{Grace: 2 * time.Minute, Concurrency: 2})
	rec.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	n, err := rec.SweepAbandoned(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a room inside its grace period is kept")

	mu.Lock()
	clock = t0.Add(10 * time.Minute)
	mu.Unlock()
	for range 2 {
		_, err = rec.SweepAbandoned(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, hall.count(protocol.HallwayRoomClosed))
	active, err := st.IsActive(ctx, "quiet")
	require.NoError(t, err)
	assert.False(t, active)
}
