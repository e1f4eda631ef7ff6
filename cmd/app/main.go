package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-ai-engine/internal/config"
	"relay-ai-engine/internal/domain/model"
	"relay-ai-engine/internal/domain/ports/adapter"
	"relay-ai-engine/internal/engine"
	aiAdapters "relay-ai-engine/internal/infra/adapters/ai"
	"relay-ai-engine/internal/infra/identity"
	"relay-ai-engine/internal/infra/logging"
	"relay-ai-engine/internal/infra/metrics"
	"relay-ai-engine/internal/infra/relay"
	"relay-ai-engine/internal/infra/web"
	"relay-ai-engine/internal/protocol"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (noop AI fallback, console logs)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()

	// ---- Identity ----
	signer, err := identity.New(cfg.Identity.PrivateKey)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	logger.Info().Str("pubkey", signer.PubKey()).Msg("engine identity loaded")

	// ---- Relay transport ----
	var client adapter.RelayClient
	switch cfg.Relay.Driver {
	case "memory":
		client = relay.NewMemoryRelayClient()
		logger.Warn().Msg("using in-memory relay transport")
	default:
		client = relay.NewNATSRelayClient(logger)
	}

	pool := relay.NewPool(client, relay.PoolConfig{
		Addresses:     cfg.Relay.Addresses,
		ReconnectBase: cfg.Relay.ReconnectBase.Std(),
		MaxReconnects: cfg.Relay.MaxReconnects,
		ProbeInterval: cfg.Relay.ProbeInterval.Std(),
	}, logger)
	pool.Start(ctx)
	waitForConnection(pool, 5*time.Second)

	publisher := relay.NewPublisher(pool, relay.PublisherConfig{
		MaxAttempts: cfg.Relay.PublishRetries,
		BaseDelay:   cfg.Relay.PublishBase.Std(),
	}, logger)

	// ---- Dedup ledger, seeded from our own past results ----
	ledger := engine.NewLedger()
	ledger.Seed(ctx, pool, signer.PubKey(), cfg.Engine.SeedLookback.Std(), logger)

	// ---- AI adapter (OpenAI -> Gemini -> noop in dev) ----
	var ai adapter.AIServiceAdapter
	if cfg.AI.OpenAIKey != "" {
		ai, err = aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, cfg.AI.Models)
		if err != nil {
			log.Fatalf("openai adapter: %v", err)
		}
		logger.Info().Strs("models", cfg.AI.Models).Msg("AI adapter: OpenAI-compatible")
	} else if cfg.AI.GeminiKey != "" {
		ai, err = aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.Models)
		if err != nil {
			log.Fatalf("gemini adapter: %v", err)
		}
		logger.Info().Strs("models", cfg.AI.Models).Msg("AI adapter: Gemini")
	} else if cfg.Runtime.Dev {
		ai = aiAdapters.NewNoopAIAdapter()
		logger.Warn().Msg("AI adapter: noop (dev mode)")
	} else {
		log.Fatalf("no AI provider configured: set ai.openai_key or ai.gemini_key in %s", *cfgPath)
	}
	ai = aiAdapters.NewLimitedAI(ai, cfg.AI.ConcurrentLimit)

	// ---- Subscriptions and dispatcher ----
	subman := relay.NewSubscriptionManager(pool, relay.SubscriptionConfig{
		Kinds:        []int{protocol.KindJobRequest},
		StaleAfter:   cfg.Relay.StaleAfter.Std(),
		ReplayWindow: cfg.Relay.ReplayWindow.Std(),
	}, logger)
	go subman.Run(ctx)

	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		Models:           cfg.AI.Models,
		Allowlist:        cfg.Engine.Allowlist,
		Pacing:           cfg.Engine.Pacing.Std(),
		InferenceTimeout: cfg.AI.Timeout.Std(),
		QueueSize:        cfg.Engine.QueueSize,
	}, ai, signer, publisher, ledger, logger)
	go dispatcher.Consume(ctx, subman.Events())
	go func() { _ = dispatcher.Run(ctx) }()

	// ---- Capability advertisement ----
	ad, err := protocol.BuildAdvertisement(signer, cfg.Identity.Name, cfg.Identity.About, cfg.Identity.Web, cfg.AI.Models)
	if err != nil {
		log.Fatalf("advertisement: %v", err)
	}
	if err := publisher.Publish(ctx, ad); err != nil {
		logger.Error().Err(err).Msg("advertisement publish failed, continuing")
	}

	// ---- Admin server ----
	adminSrv := web.NewServer(cfg.Admin.Port, pool, dispatcher, logger)
	go func() {
		if err := adminSrv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin server stopped")
		}
	}()

	logger.Info().Strs("relays", cfg.Relay.Addresses).Msg("engine running")

	// ---- Shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	pool.Close()
}

// waitForConnection blocks until at least one endpoint is connected or
// the deadline passes, so the seed query has something to ask.
func waitForConnection(pool *relay.Pool, max time.Duration) {
	deadline := time.Now().Add(max)
	for time.Now().Before(deadline) {
		for _, ep := range pool.Snapshot() {
			if ep.Status == model.EndpointConnected {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
}
