package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/parley/internal/adapters/auth"
	"github.com/dkeye/parley/internal/adapters/store"
	"github.com/dkeye/parley/internal/app"
	"github.com/dkeye/parley/internal/app/orch"
	"github.com/dkeye/parley/internal/app/pool"
	"github.com/dkeye/parley/internal/app/rooms"
	"github.com/dkeye/parley/internal/app/sessions"
	"github.com/dkeye/parley/internal/app/sfu/sfutest"
	"github.com/dkeye/parley/internal/config"
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Mode:       "test",
		Secret:     "cookie-secret",
		PingPeriod: time.Second,
		PongWait:   2 * time.Second,
		Rooms:      config.RoomsConfig{DefaultCapacity: 6, MaxCapacity: 12},
	}
}

func newRouter(t *testing.T, v *auth.Verifier) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	return newRouterWith(t, Deps{Verifier: v})
}

// newRouterWith fills in the orchestrator, metrics and workers of d.
func newRouterWith(t *testing.T, d Deps) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	p, err := pool.New(context.Background(), 2, sfutest.NewFactory(), nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	m := metrics.New()
	o := &orch.Orchestrator{
		Sessions:    sessions.NewManager(),
		Rooms:       rooms.NewRegistry(p, core.ObserverOptions{Interval: 800, Threshold: -70, MaxEntries: 1}),
		Store:       store.NewMemory(),
		Policy:      app.SimplePolicy{},
		Metrics:     m,
		MaxCapacity: 12,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Orch, d.Metrics, d.Workers = o, m, p.Size
	r := SetupRouter(ctx, testConfig(), d)
	return r, o
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := newRouter(t, nil)
	w := do(r, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status   string `json:"status"`
		Workers  int    `json:"workers"`
		Rooms    int    `json:"rooms"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Workers)
	assert.Zero(t, body.Rooms)
	assert.Zero(t, body.Sessions)
}

func TestHealthzReportsUnreachableStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	r, _ := newRouterWith(t, Deps{PingStore: store.NewRedis(rdb, "test:").Ping})

	type healthBody struct {
		Status string `json:"status"`
		Store  string `json:"store"`
	}
	w := do(r, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body healthBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, healthBody{Status: "ok", Store: "ok"}, body)

	mr.Close()
	w = do(r, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, healthBody{Status: "degraded", Store: "unreachable"}, body)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newRouter(t, nil)
	w := do(r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCreateAndListRooms(t *testing.T) {
	r, _ := newRouter(t, nil)

	w := do(r, http.MethodPost, "/api/rooms", `{"title":"Spanish B1","language":"es"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created domain.RoomSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "Spanish B1", created.Title)
	assert.Equal(t, 6, created.Capacity)
	assert.NotEmpty(t, created.OwnerID)

	w = do(r, http.MethodPost, "/api/rooms", `{"title":"Big","capacity":50}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var big domain.RoomSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &big))
	assert.Equal(t, 12, big.Capacity)

	w = do(r, http.MethodGet, "/api/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Rooms []domain.RoomSummary `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Rooms, 2)
}

func TestCreateRoomValidation(t *testing.T) {
	r, _ := newRouter(t, nil)
	for _, body := range []string{`{}`, `{"title":"x","capacity":-1}`, `not json`} {
		w := do(r, http.MethodPost, "/api/rooms", body)
		require.Equal(t, http.StatusBadRequest, w.Code, body)
		var resp struct {
			Error domain.Error `json:"error"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, domain.CodeBadRequest, resp.Error.Code)
	}
}

func TestAPIRequiresTokenWhenConfigured(t *testing.T) {
	r, _ := newRouter(t, auth.NewVerifier("jwt-secret", "", ""))
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/rooms", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/ws/signal", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthz", "").Code)
}

func TestSignalEndpoint(t *testing.T) {
	r, o := newRouter(t, nil)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws/signal", nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping", "id": "1"}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var pong struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	require.NoError(t, ws.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
	assert.Equal(t, "1", pong.ID)
	assert.Equal(t, 1, o.Sessions.Count())
}
