package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"trading-worker/config"
	"trading-worker/internal/ai/ki"
	"trading-worker/internal/api"
	"trading-worker/internal/broker"
	"trading-worker/internal/database"
	"trading-worker/internal/execution"
	"trading-worker/internal/logging"
	"trading-worker/internal/market"
	"trading-worker/internal/risk"
	"trading-worker/internal/strategy"
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
	interval := flag.Int("interval", 0, "seconds between ticks (overrides config)")
	shadowOnly := flag.Bool("shadow-only", false, "never place live orders")
	epic := flag.String("epic", "", "single-asset mode epic (overrides config)")
	multiAsset := flag.Bool("multi-asset", false, "process all active assets per tick")
	verbose := flag.Bool("verbose", false, "debug logging")
	dryRun := flag.Bool("dry-run", false, "evaluate but skip execution")
	once := flag.Bool("once", false, "run exactly one tick and exit")
	maxIterations := flag.Int("max-iterations", 0, "stop after N ticks, 0 = unbounded")
	apiPort := flag.Int("api-port", 0, "status API port, 0 disables")
	flag.Parse()

	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlags(cfg, *interval, *shadowOnly, *epic, *multiAsset, *dryRun, *once, *maxIterations, *apiPort)
	if *verbose {
		cfg.LoggingConfig.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logging.Init(cfg.LoggingConfig)
	logger := logging.Component("run-worker")

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

	if seeded, err := seedBrokerConfigs(ctx, cfg, db); err != nil {
		return fmt.Errorf("seeding broker configs: %w", err)
	} else if seeded > 0 {
		logger.Info().Int("count", seeded).Msg("seeded broker configs from environment")
	}

	secrets, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fmt.Errorf("creating vault client: %w", err)
	}

	workerCtx, err := buildContext(cfg, db, secrets, logger)
	if err != nil {
		return err
	}

	// hourly housekeeping
	loop := worker.NewLoop(workerCtx, logger)
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@hourly", func() { loop.TrimSnapshots(ctx) }); err != nil {
		return fmt.Errorf("scheduling snapshot trim: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.APIConfig.Port > 0 {
		server := api.NewServer(cfg.APIConfig,
			database.NewAssetRepository(db),
			database.NewStatusRepository(db),
			database.NewDiagnosticsRepository(db),
			database.NewRangeRepository(db),
			logger)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("status API stopped")
			}
		}()
	}

	err = loop.Run(ctx)
	workerCtx.Registry.DisconnectAll(context.Background())
	return err
}

func applyFlags(cfg *config.Config, interval int, shadowOnly bool, epic string, multiAsset, dryRun, once bool, maxIterations, apiPort int) {
	if interval > 0 {
		cfg.WorkerConfig.IntervalSeconds = interval
	}
	if shadowOnly {
		cfg.WorkerConfig.ShadowOnly = true
	}
	if epic != "" {
		cfg.WorkerConfig.DefaultEpic = epic
		cfg.WorkerConfig.MultiAsset = false
	}
	if multiAsset {
		cfg.WorkerConfig.MultiAsset = true
	}
	if dryRun {
		cfg.WorkerConfig.DryRun = true
	}
	if maxIterations > 0 {
		cfg.WorkerConfig.MaxIterations = maxIterations
	}
	if once {
		cfg.WorkerConfig.MaxIterations = 1
	}
	if apiPort > 0 {
		cfg.APIConfig.Port = apiPort
	}
}

// seedBrokerConfigs bootstraps the broker_configs table from the
// environment on a fresh database. Existing rows always win.
func seedBrokerConfigs(ctx context.Context, cfg *config.Config, db *database.DB) (int, error) {
	vaultPrefix := ""
	if cfg.VaultConfig.Enabled {
		vaultPrefix = cfg.VaultConfig.SecretPath
	}
	var configs []database.BrokerConfig
	if cfg.BrokerConfigs.IG.Enabled {
		configs = append(configs, database.BrokerConfig{
			BrokerKind: string(broker.KindIG),
			IsActive:   true,
			BaseURL:    cfg.BrokerConfigs.IG.BaseURL,
			AccountID:  cfg.BrokerConfigs.IG.AccountID,
			VaultPath:  vaultPrefix,
		})
	}
	if cfg.BrokerConfigs.MEXC.Enabled {
		configs = append(configs, database.BrokerConfig{
			BrokerKind: string(broker.KindMEXC),
			IsActive:   true,
			BaseURL:    cfg.BrokerConfigs.MEXC.BaseURL,
			VaultPath:  vaultPrefix,
		})
	}
	if cfg.BrokerConfigs.Kraken.Enabled {
		configs = append(configs, database.BrokerConfig{
			BrokerKind: string(broker.KindKraken),
			IsActive:   true,
			BaseURL:    cfg.BrokerConfigs.Kraken.BaseURL,
			VaultPath:  vaultPrefix,
		})
	}
	return database.NewBrokerConfigRepository(db).SeedIfEmpty(ctx, configs)
}

func buildContext(cfg *config.Config, db *database.DB, secrets *vault.Client, logger zerolog.Logger) (*worker.Context, error) {
	configRepo := database.NewBrokerConfigRepository(db)
	registry := broker.NewRegistry(worker.NewBrokerFactory(cfg, secrets, configRepo, logger), logger)
	resolver := market.NewPhaseResolver(cfg.WorkerConfig, cfg.PhaseDefaults)
	rangeRepo := database.NewRangeRepository(db)
	provider := market.NewProvider(registry, resolver, rangeRepo, logger)

	engines := []strategy.Engine{
		strategy.NewBreakoutEngine(provider, logger),
		strategy.NewEIAEngine(provider, logger),
	}

	var orchestrator *ki.Orchestrator
	if cfg.KIConfig.Enabled {
		orchestrator = ki.NewOrchestrator(cfg.KIConfig, logger)
	}

	tradeRepo := database.NewTradeRepository(db)
	exec := execution.NewService(registry, tradeRepo,
		cfg.WorkerConfig.ShadowOnly, cfg.WorkerConfig.DryRun, logger)

	return &worker.Context{
		Cfg:         cfg,
		Registry:    registry,
		Provider:    provider,
		Engines:     engines,
		Risk:        risk.NewEngine(cfg.WorkerConfig, logger),
		KI:          orchestrator,
		Exec:        exec,
		Assets:      database.NewAssetRepository(db),
		Status:      database.NewStatusRepository(db),
		Diagnostics: database.NewDiagnosticsRepository(db),
		Snapshots:   database.NewSnapshotRepository(db),
	}, nil
}
