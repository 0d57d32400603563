package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"settlement-core/internal/agent"
	"settlement-core/internal/api"
	"settlement-core/internal/events"
	"settlement-core/internal/gateway"
	"settlement-core/internal/live"
	"settlement-core/internal/market"
	"settlement-core/internal/monitor"
	"settlement-core/internal/paper"
	"settlement-core/internal/router"
	"settlement-core/internal/rules"
	"settlement-core/pkg/cache"
	"settlement-core/pkg/config"
	"settlement-core/pkg/crypto"
	"settlement-core/pkg/db"
	"settlement-core/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log, err := logging.Configure(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("configure logging")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}
	log.WithFields(logrus.Fields{"port": cfg.Port, "db_path": cfg.DBPath, "symbols": cfg.Symbols}).Info("starting settlement core")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("settlement core stopped")
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return err
	}

	rdb, closeRedis, err := openRedis(cfg, log)
	if err != nil {
		return err
	}
	defer closeRedis()

	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	// Prices: redis latest hashes behind the in-process cache, refreshed by the tick stream.
	redisPrices := market.NewRedisPrices(rdb)
	prices := market.NewCachedPrices(redisPrices, cache.NewPriceCache(), cfg.PriceFreshness)
	prices.StartJanitor(ctx, time.Minute)

	// Credentials and the per-user Kraken pool.
	var keys *crypto.KeyManager
	if len(cfg.MasterKeys) > 0 {
		keys, err = crypto.NewKeyManager(cfg.MasterKeys)
		if err != nil {
			return err
		}
		log.WithField("key_version", keys.CurrentVersion()).Info("credential encryption enabled")
	} else {
		log.Warn("MASTER_ENCRYPTION_KEY not set; per-user exchange connections are disabled")
	}
	pool := gateway.NewManager(
		database, keys, gateway.ExchangeKraken,
		gateway.KrakenFactory(cfg.KrakenAPIURL, cfg.KrakenTimeout, log),
		gateway.Credentials{APIKey: cfg.KrakenAPIKey, APISecret: cfg.KrakenAPISecret},
		gateway.DefaultConfig(), log,
	)
	pool.Start(ctx)
	defer pool.Stop()

	// Settlement backends and the mode router.
	paperEngine := paper.New(database, prices, paper.Options{
		Symbols: cfg.Symbols,
		Bus:     bus,
		Metrics: metrics,
		Log:     log,
	})
	paperEngine.Start(ctx)
	liveService := live.New(database, pool, bus, metrics, log)
	trading := router.New(database, paperEngine, liveService, liveService, log)

	// Market data fan-in.
	if cfg.UseMockFeed {
		market.NewMockFeed(rdb, market.MockOptions{Symbols: cfg.Symbols, Log: log}).Start(ctx)
	} else if cfg.EnableKrakenFeed {
		market.NewIngestor(rdb, market.IngestorOptions{URL: cfg.KrakenWSURL, Symbols: cfg.Symbols, Log: log}).Start(ctx)
	}
	market.NewTickStream(rdb, market.StreamOptions{
		Prices:  prices,
		Limits:  paperEngine,
		Bus:     bus,
		Metrics: metrics,
		Log:     log,
	}).Start(ctx)

	// Standing rules.
	ruleStore := rules.NewStore(database)
	if cfg.RulesSeedPath != "" {
		seeds, err := rules.LoadSeeds(cfg.RulesSeedPath)
		if err != nil {
			return err
		}
		n, err := ruleStore.SyncSeeds(ctx, seeds)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"path": cfg.RulesSeedPath, "rules": n}).Info("rule seeds synced")
	}
	ruleMonitor := rules.NewMonitor(database, prices, trading, rules.MonitorOptions{
		Interval: cfg.RuleMonitorInterval,
		Bus:      bus,
		Metrics:  metrics,
		Log:      log,
	})
	ruleMonitor.Start(ctx)
	defer ruleMonitor.Stop()

	// Natural-language commands.
	var pending agent.Store
	if cfg.RedisAddr != "" {
		pending = agent.NewRedisStore(rdb)
	} else {
		mem := agent.NewMemoryStore()
		mem.StartJanitor(ctx, time.Minute)
		pending = mem
	}
	interp := agent.NewOpenAIInterpreter(agent.OpenAIConfig{
		APIKey: cfg.OpenAIAPIKey,
		URL:    cfg.OpenAIAPIURL,
		Model:  cfg.OpenAIModel,
	})
	if cfg.OpenAIAPIKey == "" {
		log.Warn("OPENAI_API_KEY not set; AI commands will fail with an external service error")
	}
	commands := agent.NewService(interp, pending, trading, prices, ruleStore, agent.Options{
		TTL:     cfg.PendingTTL,
		Metrics: metrics,
		Log:     log,
	})

	(&monitor.Monitor{
		Bus:         bus,
		Metrics:     metrics,
		Sink:        monitor.LogSink{Log: log},
		Log:         log,
		PoolSize:    pool.Len,
		SampleEvery: 30 * time.Second,
	}).Start(ctx)

	deps := api.Deps{
		DB:       database,
		Trading:  trading,
		Commands: commands,
		Rules:    ruleStore,
		Market:   redisPrices,
		Keys:     keys,
		Gateways: pool,
		Bus:      bus,
		Metrics:  metrics,
		Log:      log,
	}
	server := api.NewServer(deps, api.Options{
		JWTSecret:      cfg.JWTSecret,
		InitialBalance: cfg.InitialBalance,
		Symbols:        cfg.Symbols,
		RequestTimeout: cfg.RequestTimeout,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err := server.Run(ctx, ":"+cfg.Port); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openRedis connects to REDIS_ADDR, or starts an in-process server for local runs.
func openRedis(cfg *config.Config, log logrus.FieldLogger) (redis.UniversalClient, func(), error) {
	addr := cfg.RedisAddr
	var embedded *miniredis.Miniredis
	if addr == "" {
		var err error
		embedded, err = miniredis.Run()
		if err != nil {
			return nil, nil, err
		}
		addr = embedded.Addr()
		log.WithField("addr", addr).Warn("REDIS_ADDR not set; using embedded redis")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if embedded != nil {
			embedded.Close()
		}
		return nil, nil, err
	}
	return client, func() {
		_ = client.Close()
		if embedded != nil {
			embedded.Close()
		}
	}, nil
}
