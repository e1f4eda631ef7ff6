// Command demo runs the engine end-to-end against the in-memory relay
// transport and the noop AI adapter: it injects a signed job request and
// prints every message the engine publishes back.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"relay-ai-engine/internal/config"
	"relay-ai-engine/internal/engine"
	aiAdapters "relay-ai-engine/internal/infra/adapters/ai"
	"relay-ai-engine/internal/infra/identity"
	"relay-ai-engine/internal/infra/logging"
	"relay-ai-engine/internal/infra/relay"
	"relay-ai-engine/internal/protocol"
)

const relayAddr = "memory://demo"

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger := logging.New(config.LogConfig{Level: "info", Format: "console"}, true)

	engineSigner, err := identity.New(randomSeed())
	if err != nil {
		log.Fatalf("engine identity: %v", err)
	}
	requesterSigner, err := identity.New(randomSeed())
	if err != nil {
		log.Fatalf("requester identity: %v", err)
	}

	client := relay.NewMemoryRelayClient()
	pool := relay.NewPool(client, relay.PoolConfig{
		Addresses:     []string{relayAddr},
		ReconnectBase: 100 * time.Millisecond,
		MaxReconnects: 5,
		ProbeInterval: time.Second,
	}, logger)
	pool.Start(ctx)
	time.Sleep(200 * time.Millisecond)

	publisher := relay.NewPublisher(pool, relay.PublisherConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
	}, logger)

	ledger := engine.NewLedger()
	ledger.Seed(ctx, pool, engineSigner.PubKey(), 4*time.Hour, logger)

	subman := relay.NewSubscriptionManager(pool, relay.SubscriptionConfig{
		Kinds:        []int{protocol.KindJobRequest},
		StaleAfter:   time.Minute,
		ReplayWindow: time.Hour,
	}, logger)
	go subman.Run(ctx)

	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		Models:           []string{"noop-model"},
		Pacing:           200 * time.Millisecond,
		InferenceTimeout: 5 * time.Second,
	}, aiAdapters.NewNoopAIAdapter(), engineSigner, publisher, ledger, logger)
	go dispatcher.Consume(ctx, subman.Events())
	go func() { _ = dispatcher.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)

	// A requester submits one job.
	job := &protocol.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      protocol.KindJobRequest,
		Tags: [][]string{
			{"i", "What is the answer to life, the universe and everything?", "text"},
			{"param", "model", "noop-model"},
		},
	}
	if err := requesterSigner.Sign(job); err != nil {
		log.Fatalf("sign job: %v", err)
	}
	client.Inject(relayAddr, job)
	fmt.Printf("submitted job %s\n", job.ID)

	// Wait for the terminal feedback, then dump the engine's messages.
	time.Sleep(2 * time.Second)
	for _, ev := range client.StoredEvents(relayAddr) {
		if ev.PubKey != engineSigner.PubKey() {
			continue
		}
		switch ev.Kind {
		case protocol.KindJobFeedback:
			fmt.Printf("feedback job=%s status=%v\n", ev.TagValue("e"), ev.Tag("status"))
		case protocol.KindJobResult:
			fmt.Printf("result   job=%s content=%q\n", ev.TagValue("e"), ev.Content)
		}
	}
}

func randomSeed() string {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		log.Fatalf("seed: %v", err)
	}
	return hex.EncodeToString(seed)
}
