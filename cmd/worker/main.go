// Package main - точка входа фонового процесса (Worker) SkyDeck Review Hub.
//
// Worker отвечает за периодические задачи:
// - Проверка доступности Item Store (каждые 30 секунд)
// - Повтор отложенных ответов после восстановления связи
// - Страховочный периодический replay очереди
// - Прогрев кэша сессий для горячих фильтров
//
// Ядро планирования (политика коробок, кэш, композитор сессий, очередь
// отложенных обновлений) собирается здесь же и живёт внутри процесса.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skydeck-hub/skydeck-review-hub/config"
	"github.com/skydeck-hub/skydeck-review-hub/internal/application/answer"
	"github.com/skydeck-hub/skydeck-review-hub/internal/application/composer"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/session"
	"github.com/skydeck-hub/skydeck-review-hub/internal/infrastructure/cache"
	"github.com/skydeck-hub/skydeck-review-hub/internal/infrastructure/network"
	"github.com/skydeck-hub/skydeck-review-hub/internal/infrastructure/persistence/postgres"
	"github.com/skydeck-hub/skydeck-review-hub/internal/infrastructure/persistence/redis"
	"github.com/skydeck-hub/skydeck-review-hub/internal/infrastructure/persistence/sqlite"
	"github.com/skydeck-hub/skydeck-review-hub/internal/infrastructure/scheduler"
	"github.com/skydeck-hub/skydeck-review-hub/internal/infrastructure/scheduler/jobs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─────────────────────────────────────────────────────────────────────────
	// 1. КОНФИГУРАЦИЯ И ЛОГИРОВАНИЕ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	log.Info("starting SkyDeck Review Hub worker",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"debug", cfg.App.Debug,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. ПОДКЛЮЧЕНИЕ К ITEM STORE (PostgreSQL)
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to item store...")
	dbConn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to item store: %w", err)
	}
	defer func() {
		log.Info("closing item store connection...")
		dbConn.Close()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 3. МИГРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("checking database migrations...")
	migrator := postgres.NewMigrator(dbConn)
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("database schema is up to date")

	itemStore := postgres.NewItemStore(dbConn)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. КЭШ СЕССИЙ (in-process + Redis вторым уровнем)
	// ─────────────────────────────────────────────────────────────────────────
	cacheOpts := []cache.Option{cache.WithTTL(cfg.Session.CacheTTL)}

	if !cfg.Redis.Disabled {
		log.Info("connecting to Redis...")
		redisCfg := redis.DefaultConfig()
		redisCfg.Host = cfg.Redis.Host
		redisCfg.Port = cfg.Redis.Port
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns

		sessionCache, err := redis.NewSessionCache(ctx, redisCfg)
		if err != nil {
			log.Warn("failed to connect to Redis, second-level cache disabled", "error", err)
		} else {
			defer sessionCache.Close()
			cacheOpts = append(cacheOpts, cache.WithBacking(sessionCache))
			log.Info("Redis connection established")
		}
	}

	reviewCache := cache.New(log, cacheOpts...)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. КОМПОЗИТОР СЕССИЙ
	// ─────────────────────────────────────────────────────────────────────────
	sessionComposer := composer.New(itemStore, reviewCache, log,
		composer.WithTimeouts(cfg.Session.ProgressFetchTimeout, cfg.Session.NewCardsFetchTimeout),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 6. ОЧЕРЕДЬ ОТЛОЖЕННЫХ ОТВЕТОВ (durable, SQLite)
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("opening pending store...", "path", cfg.PendingStore.Path)
	pendingStore, err := sqlite.Open(cfg.PendingStore.Path)
	if err != nil {
		return fmt.Errorf("failed to open pending store: %w", err)
	}
	defer func() {
		log.Info("closing pending store...")
		_ = pendingStore.Close()
	}()

	answerQueue := answer.New(itemStore, pendingStore, log,
		answer.WithReloadHook(func() {
			// Подтверждённые ответы делают закэшированные сессии неактуальными.
			reviewCache.InvalidateAll(ctx)
		}),
	)
	defer answerQueue.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 7. МОНИТОР ДОСТУПНОСТИ
	// ─────────────────────────────────────────────────────────────────────────
	var prober network.Prober
	if cfg.Network.ProbeURL != "" {
		prober = network.NewHTTPProber(cfg.Network.ProbeURL)
	} else {
		// Без health-endpoint зондируем саму базу.
		prober = network.ProberFunc(dbConn.Ping)
	}

	monitor := network.New(prober, log, network.WithInterval(cfg.Network.ProbeInterval))
	monitor.OnTransition(func(ctx context.Context, online bool) {
		if !online {
			return
		}
		if err := answerQueue.Replay(ctx); err != nil {
			log.Warn("replay after reconnect incomplete", "error", err)
		}
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 8. ПЛАНИРОВЩИК
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.New(scheduler.Config{Logger: log})

	if err := sched.Register(
		jobs.NewProbeConnectivityJob(monitor),
		scheduler.NewIntervalSchedule(cfg.Network.ProbeInterval),
	); err != nil {
		return fmt.Errorf("failed to register probe job: %w", err)
	}

	if err := sched.Register(
		jobs.NewReplayPendingJob(answerQueue, log),
		scheduler.NewIntervalSchedule(cfg.Scheduler.ReplayInterval),
	); err != nil {
		return fmt.Errorf("failed to register replay job: %w", err)
	}

	if err := sched.Register(
		jobs.NewWarmSessionsJob(sessionComposer, warmRequests(cfg), log),
		scheduler.NewIntervalSchedule(cfg.Scheduler.WarmInterval),
	); err != nil {
		return fmt.Errorf("failed to register warm-up job: %w", err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("SkyDeck Review Hub worker is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig.String())

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())

	if err := sched.Stop(); err != nil {
		log.Warn("scheduler stop failed", "error", err)
	}

	// Досылаем всё, что осталось в буфере, пока соединение ещё живо.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer flushCancel()
	if err := answerQueue.Flush(flushCtx); err != nil {
		log.Warn("final flush incomplete, updates remain in pending store", "error", err)
	}

	log.Info("shutdown completed successfully")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// warmRequests собирает горячие запросы для джобы прогрева: practice без
// фильтров плюс по одному запросу на настроенную категорию.
func warmRequests(cfg *config.Config) []session.Request {
	reqs := []session.Request{
		{Strategy: session.StrategyPractice, BatchSize: cfg.Session.BatchSize},
	}
	for _, category := range cfg.Session.WarmCategories {
		reqs = append(reqs, session.Request{
			Strategy:  session.StrategyPractice,
			Filters:   card.Filters{Category: card.Category(category)},
			BatchSize: cfg.Session.BatchSize,
		})
	}
	return reqs
}

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.IsProduction() {
		// JSON формат для production (лучше для агрегаторов логов)
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		// Текстовый формат для development (лучше читается)
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}
