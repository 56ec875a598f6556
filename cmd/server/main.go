package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/parley/internal/adapters/auth"
	"github.com/dkeye/parley/internal/adapters/cache"
	"github.com/dkeye/parley/internal/adapters/events"
	router "github.com/dkeye/parley/internal/adapters/http"
	"github.com/dkeye/parley/internal/adapters/store"
	"github.com/dkeye/parley/internal/app"
	"github.com/dkeye/parley/internal/app/orch"
	"github.com/dkeye/parley/internal/app/pool"
	"github.com/dkeye/parley/internal/app/reconcile"
	"github.com/dkeye/parley/internal/app/rooms"
	"github.com/dkeye/parley/internal/app/sessions"
	"github.com/dkeye/parley/internal/app/sfu"
	"github.com/dkeye/parley/internal/config"
	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log)

	m := metrics.New()

	var rdb redis.UniversalClient
	if cfg.UsesRedis() {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
		}
	}

	var roomStore core.RoomStore = store.NewMemory()
	var pingStore func(context.Context) error
	if cfg.Store.Driver == "redis" {
		rs := store.NewRedis(rdb, cfg.Redis.KeyPrefix)
		roomStore, pingStore = rs, rs.Ping
	}

	var invalidator core.CacheInvalidator = cache.Nop{}
	if cfg.Cache.Enabled {
		invalidator = cache.NewRedis(rdb, cfg.Redis.KeyPrefix, cfg.Cache.Channel)
	}

	var publisher core.EventPublisher = events.Log{}
	var kafka *events.Kafka
	if cfg.Kafka.Enabled {
		kafka, err = events.NewKafka(events.KafkaConfig{
			Brokers:   cfg.Kafka.Brokers,
			Topic:     cfg.Kafka.Topic,
			RetryMax:  cfg.Kafka.RetryMax,
			QueueSize: cfg.Kafka.QueueSize,
			Workers:   cfg.Kafka.Workers,
		}, m)
		if err != nil {
			log.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("kafka producer")
		}
		publisher = kafka
	}

	factory := sfu.NewFactory(sfu.Config{
		Workers:      cfg.Media.Workers,
		MinPort:      cfg.Media.RTCMinPort,
		MaxPort:      cfg.Media.RTCMaxPort,
		AnnouncedIPs: cfg.Media.AnnouncedIPs,
		ICEServers:   cfg.Media.ICEServers,
	})
	workers, err := pool.New(ctx, cfg.Media.Workers, factory, func(w core.Worker, err error) {
		log.Fatal().Err(err).Str("worker_id", w.ID()).Msg("media worker died")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("media workers")
	}

	reg := rooms.NewRegistry(workers, core.ObserverOptions{
		Interval:   int(cfg.Media.Observer.Interval / time.Millisecond),
		Threshold:  cfg.Media.Observer.Threshold,
		MaxEntries: cfg.Media.Observer.MaxEntries,
	})
	sess := sessions.NewManager()

	o := &orch.Orchestrator{
		Sessions:    sess,
		Rooms:       reg,
		Store:       roomStore,
		Cache:       invalidator,
		Events:      publisher,
		Policy:      app.SimplePolicy{},
		Metrics:     m,
		MaxCapacity: cfg.Rooms.MaxCapacity,
	}
	m.RegisterGauges(metrics.Gauges{
		Rooms:        reg.Count,
		Participants: reg.ParticipantTotal,
		Sessions:     sess.Count,
		Workers:      workers.Size,
	})

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	}

	rec := reconcile.New(roomStore, o, sess, reg, m, reconcile.Config{
		Interval:    cfg.Reconciler.Interval,
		Grace:       cfg.Reconciler.Grace,
		Concurrency: cfg.Reconciler.Concurrency,
	})

	var bg conc.WaitGroup
	bg.Go(func() {
		if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("module", "reconcile").Msg("reconciler stopped")
		}
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:      o,
		Metrics:   m,
		Verifier:  verifier,
		Workers:   workers.Size,
		PingStore: pingStore,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	bg.Go(func() {
		log.Info().Str("addr", addr).Int("workers", workers.Size()).Str("store", cfg.Store.Driver).Msg("Parley server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	})

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	bg.Wait()

	reg.CloseAll()
	workers.Close()
	if kafka != nil {
		if err := kafka.Close(); err != nil {
			log.Error().Err(err).Msg("kafka close")
		}
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogger(cfg config.LogConfig) {
	if cfg.Format != "console" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
