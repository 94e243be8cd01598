package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jdertmann/allrisbot/internal/broadcast"
	"github.com/jdertmann/allrisbot/internal/cache"
	"github.com/jdertmann/allrisbot/internal/config"
	"github.com/jdertmann/allrisbot/internal/logger"
	"github.com/jdertmann/allrisbot/internal/store"
	"github.com/jdertmann/allrisbot/internal/telegram"
	"github.com/jdertmann/allrisbot/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting allrisbot broadcast engine")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	client := redis.NewClient(redisOpts)
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn("closing redis client failed", "error", err)
		}
	}()

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Error("redis unreachable", "error", err)
		os.Exit(1)
	}
	cancel()

	st := store.New(client,
		store.WithLogger(log),
		store.WithCallTimeout(cfg.StoreCallTimeout),
		store.WithDialogueTTL(cfg.DialogueTTL),
	)

	policy, err := cache.NewLRUPolicy[types.StreamID](cfg.CacheCapacity)
	if err != nil {
		log.Error("invalid cache capacity", "error", err)
		os.Exit(1)
	}
	entryCache := cache.New[types.StreamID, *store.Entry](policy)

	tg := telegram.NewClient(cfg.TelegramToken, telegram.WithLogger(log))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := broadcast.NewMetrics(registry)

	backend := broadcast.NewStoreBackend(st, entryCache, tg, log,
		broadcast.WithUpdateErrorPause(cfg.UpdateErrorPause),
	)
	engine := broadcast.New(broadcast.Config{
		BroadcastsPerSecond: cfg.BroadcastsPerSecond,
		QueueCapacity:       cfg.SendQueueCapacity,
		PrivateChatDelay:    cfg.PrivateChatDelay,
		GroupChatDelay:      cfg.GroupChatDelay,
		BackoffBase:         cfg.SenderBackoffBase,
	}, backend, log, metrics)
	engine.Start()

	trimmer := startTrimJob(cfg, st, log)

	var g errgroup.Group
	httpServer := newOpsServer(cfg, client, registry)
	g.Go(func() error {
		log.Info("ops server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// First SIGINT/SIGTERM drains, the second stops hard.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	<-sigs
	log.Info("shutdown requested, draining")
	engine.Signal(broadcast.SignalSoft)

	go func() {
		<-sigs
		log.Warn("second signal, forcing shutdown")
		engine.Signal(broadcast.SignalHard)
	}()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancelWait()
	if err := engine.Wait(waitCtx); err != nil {
		log.Error("engine did not stop in time", "error", err)
	}

	if trimmer != nil {
		<-trimmer.Stop().Done()
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown failed", "error", err)
	}
	if err := g.Wait(); err != nil {
		log.Error("ops server failed", "error", err)
	}

	log.Info("stopped")
}

// startTrimJob schedules stream retention trimming.
func startTrimJob(cfg *config.Config, st *store.Store, log *logger.Logger) *cron.Cron {
	if cfg.StreamRetention <= 0 {
		log.Info("stream trimming disabled")
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.TrimSchedule, func() {
		removed, err := st.TrimStream(context.Background(), cfg.StreamRetention)
		if err != nil {
			log.Error("stream trim failed", "error", err)
			return
		}
		log.Info("trimmed stream", "removed", removed, "retention", cfg.StreamRetention)
	})
	if err != nil {
		log.Error("invalid trim schedule, trimming disabled", "schedule", cfg.TrimSchedule, "error", err)
		return nil
	}
	c.Start()
	return c
}

// newOpsServer serves health and metrics.
func newOpsServer(cfg *config.Config, client redis.UniversalClient, registry *prometheus.Registry) *http.Server {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
