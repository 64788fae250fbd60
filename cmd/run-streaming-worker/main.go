package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trading-worker/config"
	"trading-worker/internal/broker"
	"trading-worker/internal/broker/mexc"
	"trading-worker/internal/database"
	"trading-worker/internal/logging"
	"trading-worker/internal/market"
	"trading-worker/internal/stream"
	"trading-worker/internal/vault"
	"trading-worker/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	interval := flag.Int("interval", 0, "seconds between asset reloads (overrides config)")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *interval > 0 {
		cfg.WorkerConfig.StreamIntervalS = *interval
	}
	if *verbose {
		cfg.LoggingConfig.Level = "debug"
	}

	logging.Init(cfg.LoggingConfig)
	logger := logging.Component("run-streaming-worker")

	kind, ok := broker.ParseKind(cfg.WorkerConfig.StreamBrokerKind)
	if !ok {
		return fmt.Errorf("unknown stream broker kind %q", cfg.WorkerConfig.StreamBrokerKind)
	}
	if kind != broker.KindMEXC {
		return fmt.Errorf("streaming is only supported on MEXC, got %s", kind)
	}
	if !cfg.BrokerConfigs.MEXC.Enabled {
		return fmt.Errorf("MEXC is not enabled")
	}

	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	var candles stream.CandlePersistence
	if cfg.RedisConfig.Enabled {
		store, err := database.NewCandleStore(cfg.RedisConfig, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer store.Close()
		candles = store
	} else {
		logger.Info().Msg("redis disabled, candles will not survive restarts")
	}

	secrets, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fmt.Errorf("creating vault client: %w", err)
	}

	configRepo := database.NewBrokerConfigRepository(db)
	registry := broker.NewRegistry(worker.NewBrokerFactory(cfg, secrets, configRepo, logger), logger)
	defer registry.DisconnectAll(context.Background())

	resolver := market.NewPhaseResolver(cfg.WorkerConfig, cfg.PhaseDefaults)
	provider := market.NewProvider(registry, resolver, database.NewRangeRepository(db), logger)

	// the streaming worker drives the websocket directly, outside the
	// registry, so it can seed and flush the candle cache
	client, err := registry.Get(ctx, broker.KindMEXC)
	if err != nil {
		return fmt.Errorf("connecting MEXC: %w", err)
	}
	streamClient, ok := client.(*mexc.Client)
	if !ok {
		return fmt.Errorf("MEXC client does not support streaming")
	}

	w := stream.NewWorker(streamClient,
		database.NewAssetRepository(db),
		provider,
		candles,
		broker.KindMEXC,
		time.Duration(cfg.WorkerConfig.StreamIntervalS)*time.Second,
		logger)
	return w.Run(ctx)
}
