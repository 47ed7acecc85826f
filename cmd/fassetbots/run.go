package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fassetbots/internal/actor"
	"fassetbots/internal/chain"
	"fassetbots/internal/config"
	"fassetbots/internal/ingestion"
	"fassetbots/internal/notifier"
	"fassetbots/internal/observability"
	"fassetbots/internal/persistence"
	"fassetbots/internal/reader"
	"fassetbots/internal/secrets"
	"fassetbots/internal/state"
)

const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Track the asset manager and run the configured bots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBots()
	},
}

type bot struct {
	runner   *actor.Runner
	notifier *notifier.Notifier
}

func runBots() error {
	log.Println("INFO: fassetbots starting...")

	cfg, contracts, resolved, err := loadConfig()
	if err != nil {
		return err
	}
	sec, err := loadSecrets(cfg)
	if err != nil {
		return err
	}
	logger := observability.NewLogger("fassetbots")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Database ---
	db, err := persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	migrator, err := persistence.NewMigrator(db, logger)
	if err != nil {
		return err
	}
	if _, err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Printf("INFO: %s database ready", cfg.Database.Driver)

	metrics := observability.NewMetrics(nil)
	health := observability.NewHealthChecker()

	// --- NATS ---
	var js jetstream.JetStream
	if cfg.NATS.URL != "" {
		var nc *nats.Conn
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return err
		}
		log.Println("INFO: NATS connected")
	}

	// --- Chain ---
	gateway := chain.NewGateway(nativeClient(cfg, sec, logger), resolved)
	underlying := underlyingGateway(cfg, sec, logger)

	// --- Tracked state ---
	opts := state.Options{
		IdempotencyCapacity: cfg.Reader.IdempotencyCapacity,
		LoadAgents:          cfg.Reader.LoadAgents,
		Metrics:             metrics,
	}
	if cfg.Database.Archive {
		opts.ArchiveChecker = persistence.NewArchiveIdempotencyChecker(db)
	}
	tracked := state.NewTrackedState(gateway, logger, opts)
	if err := tracked.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize tracked state: %w", err)
	}
	if cfg.Database.Archive {
		n, err := tracked.WarmIdempotency(ctx, persistence.NewArchiveWriter(db))
		if err != nil {
			return err
		}
		log.Printf("INFO: dedup warmed with %d archived events", n)
	}

	// --- Bots ---
	transports, err := buildTransports(cfg, sec, js, metrics, logger)
	if err != nil {
		return err
	}
	chains := actorChains{dexes: gateway, underlying: underlying}
	if resolved.Liquidator != "" {
		chains.liquidator = gateway
	}
	if cfg.HasRole(config.RolePricePublisher) {
		if resolved.PriceStore == "" {
			return fmt.Errorf("%w: %s", config.ErrMissingContract, config.ContractPriceStore)
		}
		chains.priceStore = gateway
		chains.feeds = chain.NewDataAccessLayer(chain.DALConfig{
			URLs:              cfg.PricePublisher.DataAccessLayerURLs,
			APIKeys:           sec.DataAccessLayerAPIKeys,
			Timeout:           cfg.RPC.Timeout,
			RequestsPerSecond: cfg.RPC.RequestsPerSecond,
			Burst:             cfg.RPC.Burst,
		}, logger)
	}
	bots := make([]bot, 0, len(cfg.Actors.Roles))
	for _, role := range cfg.Actors.Roles {
		account, err := sec.Account(role)
		if err != nil {
			return err
		}
		n := notifier.New(ctx, notifier.BotType(role), account.Address, transports, metrics, logger)
		deps := actor.Deps{
			State:        tracked,
			AssetManager: gateway,
			Notifier:     n,
			Metrics:      metrics,
			Logger:       logger,
		}
		a, err := newActor(ctx, cfg, role, account.Address, deps, chains)
		if err != nil {
			return err
		}
		loopDelay := cfg.Actors.LoopDelay
		if role == config.RolePricePublisher && cfg.PricePublisher.LoopDelay > 0 {
			loopDelay = cfg.PricePublisher.LoopDelay
		}
		bots = append(bots, bot{runner: actor.NewRunner(a, loopDelay, n, metrics, logger), notifier: n})
		log.Printf("INFO: %s bot enabled for %s", role, account.Address)
	}

	// --- Reader ---
	rd := reader.New(gateway, tracked, persistence.NewPositionStore(db), reader.Config{
		AssetManager:        resolved.AssetManager,
		PriceReader:         contracts.PriceReader(),
		PositionName:        "native:" + cfg.Actors.FAssetSymbol,
		BatchSize:           cfg.Reader.BatchSize,
		FinalizationBlocks:  cfg.Reader.FinalizationBlocks,
		LoopDelay:           cfg.Reader.LoopDelay,
		RequestsPerSecond:   cfg.RPC.RequestsPerSecond,
		Burst:               cfg.RPC.Burst,
		MaxEventHandleRetry: cfg.Reader.MaxEventHandleRetry,
		BehindWarnBlocks:    cfg.Reader.BehindWarnBlocks,
	}, metrics, logger)
	rd.OnCaughtUp(func() {
		health.SetReady(true)
		log.Println("INFO: reader caught up with the chain head")
	})

	// --- Start goroutines ---
	errChan := make(chan error, 4+len(bots))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Database.Archive {
		archive := persistence.NewEventArchiveWorker(db, persistence.ArchiveWorkerConfig{}, metrics, logger)
		rd.AddSink(archive)
		go func() { errChan <- archive.Run(runCtx) }()
	}
	if cfg.NATS.MirrorEvents && js != nil {
		mirror := ingestion.NewEventMirror(js, 0, metrics, logger)
		rd.AddSink(mirror)
		go func() { errChan <- mirror.Run(runCtx) }()
	}
	go func() { errChan <- rd.Run(runCtx) }()

	done := make(chan struct{}, len(bots))
	for _, b := range bots {
		go func() {
			if err := b.runner.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("bot stopped")
			}
			done <- struct{}{}
		}()
	}

	server := &http.Server{Addr: cfg.Metrics.Addr, Handler: health.Handler(nil)}
	go func() {
		log.Printf("INFO: metrics and health on %s", cfg.Metrics.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	log.Printf("INFO: fassetbots ready (fasset=%s, bots=%d)", cfg.Actors.FAssetSymbol, len(bots))

	// --- Wait for shutdown ---
	select {
	case <-ctx.Done():
		log.Println("INFO: received signal, shutting down...")
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	for range bots {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Println("WARN: bots did not stop in time")
		}
	}
	for _, b := range bots {
		if err := b.notifier.Close(shutdownCtx); err != nil {
			log.Printf("WARN: notifier close: %v", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: metrics server shutdown: %v", err)
	}

	log.Println("INFO: fassetbots shutdown complete")
	return nil
}

// actorChains are the chain capabilities the enabled roles need; the ones
// no role needs stay nil.
type actorChains struct {
	liquidator chain.Liquidator
	dexes      chain.Dexes
	underlying *chain.UnderlyingGateway
	priceStore chain.PriceStore
	feeds      chain.FeedProvider
}

func newActor(ctx context.Context, cfg *config.Config, role, address string, deps actor.Deps, chains actorChains) (actor.Actor, error) {
	underlying := chains.underlying
	switch role {
	case config.RoleSystemKeeper:
		return actor.NewSystemKeeper(address, deps), nil
	case config.RoleTimeKeeper:
		return actor.NewTimeKeeper(address, deps, underlying, underlying, actor.TimeKeeperConfig{
			UpdateInterval: cfg.TimeKeeper.UpdateInterval,
		}), nil
	case config.RoleChallenger:
		return actor.NewChallenger(ctx, address, deps, underlying, underlying, actor.ChallengerConfig{
			FromUnderlyingBlock:      cfg.Challenger.FromUnderlyingBlock,
			MaxNegativeBalanceReport: cfg.Challenger.MaxNegativeBalanceReport,
			ProofRetries:             cfg.Challenger.ProofRetries,
			ProofPollInterval:        cfg.Challenger.ProofPollInterval,
		}), nil
	case config.RoleLiquidator:
		minProfit, err := cfg.Liquidator.MinProfitWei()
		if err != nil {
			return nil, err
		}
		return actor.NewLiquidator(address, deps, chains.liquidator, chains.dexes, actor.LiquidatorConfig{
			Strategy:  cfg.Liquidator.Strategy,
			MinProfit: minProfit,
		})
	case config.RolePricePublisher:
		return actor.NewPricePublisher(address, deps, chains.priceStore, chains.feeds, actor.PricePublisherConfig{
			MaxJitter: cfg.PricePublisher.MaxJitter,
		}), nil
	}
	return nil, fmt.Errorf("%w: unknown role %q", config.ErrInvalidConfig, role)
}

// buildTransports returns the alert transports shared by every bot, each
// wrapped in the throttle when it is enabled.
func buildTransports(cfg *config.Config, sec *secrets.Secrets, js jetstream.JetStream, metrics *observability.Metrics, logger zerolog.Logger) ([]notifier.Transport, error) {
	transports := []notifier.Transport{notifier.NewLoggerTransport(logger)}
	if cfg.Notifier.Console {
		transports = append(transports, notifier.NewConsoleTransport())
	}
	if cfg.Notifier.APIURL != "" {
		transports = append(transports, notifier.NewAPITransport(cfg.Notifier.APIURL, sec.APIKey, &http.Client{Timeout: 10 * time.Second}))
	}
	if cfg.Notifier.SlackWebhook != "" {
		transports = append(transports, notifier.NewSlackTransport(cfg.Notifier.SlackWebhook))
	}
	if cfg.Notifier.NATSAlerts && js != nil {
		transports = append(transports, notifier.NewNATSTransport(js))
	}
	if !cfg.Notifier.Throttle {
		return transports, nil
	}

	var store notifier.ThrottleStore
	if cfg.Notifier.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Notifier.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Notifier.RedisAddr, err)
		}
		store = notifier.NewRedisThrottleStore(client, "fassetbots:throttle:")
	} else {
		store = notifier.NewMemoryThrottleStore(time.Now)
	}
	rules := notifier.DefaultThrottleRules()
	for i, t := range transports {
		transports[i] = notifier.NewThrottlingTransport(t, rules, store, metrics, logger)
	}
	return transports, nil
}
