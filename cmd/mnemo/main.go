package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/api"
	"github.com/veyra/mnemo/internal/config"
	"github.com/veyra/mnemo/internal/consolidate"
	"github.com/veyra/mnemo/internal/embedding"
	"github.com/veyra/mnemo/internal/engine"
	"github.com/veyra/mnemo/internal/gateway"
	"github.com/veyra/mnemo/internal/generate"
	"github.com/veyra/mnemo/internal/memclient"
	"github.com/veyra/mnemo/internal/search"
	"github.com/veyra/mnemo/internal/session"
	"github.com/veyra/mnemo/internal/skill"
	"github.com/veyra/mnemo/internal/stream"
)

// noMemory stands in for the searcher when the memory backends are down at
// startup; the engine degrades every turn to history-only.
type noMemory struct{}

func (noMemory) Resolve(_ context.Context, _ search.Request) (*search.Result, error) {
	return nil, search.ErrMemoryUnavailable
}

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting mnemo...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/mnemo.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Generation provider router
	router := generate.NewRouter(logger)
	var fallbackIDs []string
	for _, pc := range cfg.Providers {
		p, perr := generate.NewProvider(generate.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey, Model: pc.Model,
		}, logger)
		if perr != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(perr))
			continue
		}
		router.Register(p)
		for _, m := range pc.Modes {
			router.Bind(m, pc.ID)
		}
		if pc.Fallback {
			fallbackIDs = append(fallbackIDs, pc.ID)
		}
	}
	if len(fallbackIDs) > 0 {
		for _, m := range []string{string(session.ModeTutor), string(session.ModeAgent)} {
			router.SetFallbacks(m, fallbackIDs)
		}
	}

	// Memory backends: Qdrant vectors + Neo4j relationships
	embedder := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})

	var resolver engine.Resolver
	var searcher *search.Searcher
	var memory *memclient.Service
	svc, err := memclient.NewService(context.Background(), memclient.Config{
		Qdrant: memclient.QdrantConfig{Host: cfg.Database.Qdrant.Host, Port: cfg.Database.Qdrant.Port},
		Graph: memclient.GraphConfig{
			URI:      cfg.Database.Neo4j.URI,
			User:     cfg.Database.Neo4j.User,
			Password: cfg.Database.Neo4j.Password,
		},
	}, embedder, logger)
	if err != nil {
		logger.Warn("memory backends unavailable, running history-only", zap.Error(err))
		resolver = noMemory{}
	} else {
		memory = svc
		var searchOpts []search.Option
		if d := cfg.Search.RealmTimeout(); d > 0 {
			searchOpts = append(searchOpts, search.WithRealmTimeout(d))
		}
		if d := cfg.Search.CacheTTL(); d > 0 {
			searchOpts = append(searchOpts, search.WithCacheTTL(d))
		}
		if cfg.Search.MaxResults > 0 {
			searchOpts = append(searchOpts, search.WithMaxResults(cfg.Search.MaxResults))
		}
		searcher = search.New(svc, logger, searchOpts...)
		resolver = searcher
	}

	// Session context store
	var sessionOpts []session.StoreOption
	if d := cfg.Session.TTL(); d > 0 {
		sessionOpts = append(sessionOpts, session.WithTTL(d))
	}
	if cfg.Session.MaxHistory > 0 {
		sessionOpts = append(sessionOpts, session.WithMaxHistory(cfg.Session.MaxHistory))
	}
	sessions, err := session.NewStore(cfg.Database.Redis.URL, logger, sessionOpts...)
	if err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}

	// Consolidation pipeline: durable jobs in Postgres, facts into ACTOR realm
	var pool *consolidate.Pool
	var jobStore *consolidate.PGJobStore
	if cfg.Database.Postgres.DSN != "" && memory != nil {
		js, perr := consolidate.NewPGJobStore(cfg.Database.Postgres.DSN, logger)
		if perr != nil {
			logger.Warn("PostgreSQL unavailable, running without consolidation", zap.Error(perr))
		} else {
			if mErr := js.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			jobStore = js
			var poolOpts []consolidate.PoolOption
			if cfg.Consolidation.PoolSize > 0 {
				poolOpts = append(poolOpts, consolidate.WithPoolSize(cfg.Consolidation.PoolSize))
			}
			if cfg.Consolidation.MaxRetries > 0 {
				poolOpts = append(poolOpts, consolidate.WithMaxRetries(uint64(cfg.Consolidation.MaxRetries)))
			}
			pool = consolidate.NewPool(js, memory, searcher, logger, poolOpts...)
			logger.Info("Consolidation pipeline initialized")
		}
	} else {
		logger.Warn("consolidation disabled: needs Postgres and memory backends")
	}

	pipeline := stream.NewPipeline(logger)

	var engineOpts []engine.Option
	if cfg.Consolidation.MessageWindow > 0 {
		engineOpts = append(engineOpts, engine.WithConsolidationWindow(cfg.Consolidation.MessageWindow))
	}
	var consolidator engine.Consolidator
	if pool != nil {
		consolidator = pool
	}
	eng := engine.New(sessions, resolver, router, pipeline, consolidator, logger, engineOpts...)

	// Consolidate sessions that expire idle, not just ones that hit a
	// window or an explicit delete.
	expiryCtx, stopExpiry := context.WithCancel(context.Background())
	defer stopExpiry()
	if pool != nil {
		go func() {
			if err := sessions.RunExpiryListener(expiryCtx, eng.HandleExpiry); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("expiry listener stopped", zap.Error(err))
			}
		}()
	}

	// Skill-module catalog
	registry := skill.NewRegistry()
	if cfg.ModulesDir != "" {
		modules, lerr := skill.LoadFromDir(cfg.ModulesDir)
		if lerr != nil {
			logger.Warn("module catalog load failed", zap.Error(lerr))
		}
		for _, m := range modules {
			registry.Add(m)
		}
		logger.Info("Module catalog loaded", zap.Int("count", len(modules)))
	}

	// Platform gateways
	gw := gateway.NewGateway(logger)
	base := search.Identity{ClientID: cfg.Gateway.ClientID, ActorClassID: cfg.Gateway.ActorClassID}
	gateway.NewDispatcher(eng, gw, base, registry, logger)

	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		gw.Register(gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.AppToken, logger))
	}
	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		gw.Register(gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, logger))
	}
	if err := gw.ConnectAll(context.Background()); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}

	// HTTP server
	handler := api.NewHandler(eng, registry, router, logger)
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("mnemo listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down mnemo...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv.Shutdown(ctx)
	gw.Close()
	if pool != nil {
		if err := pool.Wait(ctx); err != nil {
			logger.Warn("consolidation drain interrupted", zap.Error(err))
		}
	}
	if jobStore != nil {
		jobStore.Close()
	}
	if memory != nil {
		memory.Close(ctx)
	}
	stopExpiry()
	sessions.Close()
}
