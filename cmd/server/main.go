package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"npc-server/internal/api"
	authapp "npc-server/internal/app/auth"
	"npc-server/internal/app/ledger"
	"npc-server/internal/app/npc"
	worldapp "npc-server/internal/app/world"
	"npc-server/internal/platform/cache"
	"npc-server/internal/platform/config"
	"npc-server/internal/platform/db"
	"npc-server/internal/platform/migrate"
	"npc-server/internal/platform/mq"
	"npc-server/internal/platform/observability"
)

func main() {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := observability.NewLogger(cfg.Env, cfg.LogLevel)

	var pg *pgxpool.Pool
	pg, err = db.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer pg.Close()

	applied, err := migrate.Up(ctx, pg, cfg.MigrationDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		logger.Info().Strs("migrations", applied).Msg("migrations applied")
	}

	var redisClient *redis.Client
	redisClient, err = cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable; npc definitions read from disk only")
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	publisher, err := mq.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("nats unavailable; using noop publisher")
		publisher = mq.NewNoopPublisher()
	}
	defer publisher.Close()

	var (
		sales    worldapp.SaleRecorder
		salesAPI api.SalesLister
	)
	if cfg.LedgerEnabled {
		repo := ledger.NewRepository(pg)
		sales, salesAPI = repo, repo
	}

	authSvc := authapp.NewService(pg, cfg.JWTSecret, cfg.JWTTTL, cfg.AdminAccounts)
	defs := npc.NewStore(cfg.NPCDefinitionDir, redisClient, cfg.DefinitionCacheTTL)
	worldSvc := worldapp.NewService(logger, publisher, sales, worldapp.Options{
		ZoneID:        cfg.WorldZoneID,
		TickRate:      cfg.WorldTickRate,
		MapFile:       cfg.WorldMapFile,
		ThinkInterval: cfg.NPCThinkInterval,
		Definitions:   defs,
		ScriptDir:     cfg.NPCScriptDir,
		LibraryFile:   cfg.NPCLibraryFile,
		CallTimeout:   cfg.ScriptCallTimeout,
	})
	spawned := worldSvc.SpawnMapNPCs(ctx)
	logger.Info().Int("npcs", spawned).Str("zone", cfg.WorldZoneID).Msg("map npcs spawned")
	worldSvc.Start()
	defer worldSvc.Stop()

	handler := api.NewHandler(logger, authSvc, worldSvc, salesAPI, cfg.CorsOrigin, cfg.MaxRequestBody)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	logger.Info().Msg("server stopped")
}
