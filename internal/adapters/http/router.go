package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/parley/internal/adapters/auth"
	"github.com/dkeye/parley/internal/adapters/signal"
	"github.com/dkeye/parley/internal/app/orch"
	"github.com/dkeye/parley/internal/config"
	"github.com/dkeye/parley/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Orch     *orch.Orchestrator
	Metrics  *metrics.Metrics
	Verifier *auth.Verifier
	// Workers reports the media worker count for /healthz.
	Workers func() int
	// PingStore checks the durable store; nil for the in-memory one.
	PingStore func(ctx context.Context) error
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(auth.ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	r.GET("/healthz", health(d))
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Bool("jwt", d.Verifier != nil).Msg("router setup")

	api := r.Group("/api", auth.Middleware(d.Verifier))

	ctl := signal.NewSignalWSController(d.Orch, d.Metrics, signal.Config{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		PongWait:     cfg.PongWait,
		WriteTimeout: cfg.WriteTimeout,
		SendBuffer:   cfg.SendBuffer,
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	rooms := roomHandlers{orch: d.Orch, defaultCapacity: cfg.Rooms.DefaultCapacity}
	api.GET("/rooms", rooms.list)
	api.POST("/rooms", rooms.create)

	return r
}

const healthPingTimeout = 2 * time.Second

func health(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		workers := 0
		if d.Workers != nil {
			workers = d.Workers()
		}
		status, code, storeState := "ok", http.StatusOK, "ok"
		if d.PingStore != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
			err := d.PingStore(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("store ping")
				status, code, storeState = "degraded", http.StatusServiceUnavailable, "unreachable"
			}
		}
		c.JSON(code, gin.H{
			"status":   status,
			"store":    storeState,
			"workers":  workers,
			"rooms":    d.Orch.Rooms.Count(),
			"sessions": d.Orch.Sessions.Count(),
		})
	}
}
