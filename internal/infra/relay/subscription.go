package relay

import (
	"context"
	"sync"
	"time"

	"relay-ai-engine/internal/domain/ports/adapter"
	"relay-ai-engine/internal/infra/metrics"
	"relay-ai-engine/internal/protocol"

	"github.com/rs/zerolog"
)

type SubscriptionConfig struct {
	Kinds        []int
	StaleAfter   time.Duration // no event for this long => teardown and resubscribe
	ReplayWindow time.Duration // bound replay volume on (re)subscribe
}

// SubscriptionManager keeps one logical subscription alive across every
// endpoint in the pool and funnels delivered events into a single
// outbound channel, decoupling bursty multi-endpoint delivery from the
// dispatcher's strictly serial cadence. A staleness watchdog guards
// against relays that silently stop delivering without closing the
// connection.
type SubscriptionManager struct {
	pool *Pool
	cfg  SubscriptionConfig
	log  *zerolog.Logger

	out chan *protocol.Event

	mu        sync.Mutex
	subs      []adapter.Subscription
	genCancel context.CancelFunc
	lastEvent time.Time
}

func NewSubscriptionManager(pool *Pool, cfg SubscriptionConfig, logger *zerolog.Logger) *SubscriptionManager {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = time.Hour
	}
	subLog := logger.With().Str("component", "SubscriptionManager").Logger()
	return &SubscriptionManager{
		pool: pool,
		cfg:  cfg,
		log:  &subLog,
		out:  make(chan *protocol.Event, 256),
	}
}

// Events is the normalized inbound stream consumed by the dispatcher.
func (m *SubscriptionManager) Events() <-chan *protocol.Event { return m.out }

// Run subscribes across the pool and keeps the watchdog going until ctx
// is cancelled, then tears every subscription down.
func (m *SubscriptionManager) Run(ctx context.Context) {
	m.subscribeAll(ctx)

	interval := m.cfg.StaleAfter / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := time.Since(m.lastEvent) > m.cfg.StaleAfter
			m.mu.Unlock()
			if stale {
				m.log.Warn().Dur("stale_after", m.cfg.StaleAfter).
					Msg("no events within staleness threshold, resubscribing")
				m.Resubscribe(ctx)
			}
		}
	}
}

// Resubscribe tears down all live subscriptions and opens fresh ones.
// It also resets failed endpoints: a manual or watchdog resubscribe is
// the external refresh event that revives them.
func (m *SubscriptionManager) Resubscribe(ctx context.Context) {
	m.teardown()
	m.pool.ResetFailed(ctx)
	metrics.IncResubscribe()
	m.subscribeAll(ctx)
}

// subscribeAll opens one subscription generation. The generation gets
// its own cancelable context so teardown can stop the forward
// goroutines; Unsubscribe alone only stops delivery into their channels.
func (m *SubscriptionManager) subscribeAll(ctx context.Context) {
	filter := protocol.Filter{
		Kinds: m.cfg.Kinds,
		Since: time.Now().Add(-m.cfg.ReplayWindow).Unix(),
	}

	genCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.genCancel = cancel
	m.lastEvent = time.Now()
	m.mu.Unlock()

	m.pool.EachConnected(func(addr string, conn adapter.RelayConn) {
		ch := make(chan *protocol.Event, 64)
		sub, err := conn.Subscribe(genCtx, filter, ch)
		if err != nil {
			m.log.Warn().Err(err).Str("relay", addr).Msg("subscribe failed")
			return
		}
		m.mu.Lock()
		m.subs = append(m.subs, sub)
		m.mu.Unlock()
		go m.forward(genCtx, addr, ch)
		m.log.Info().Str("relay", addr).Ints("kinds", m.cfg.Kinds).Msg("subscribed")
	})
}

// forward pumps one endpoint's deliveries into the shared stream,
// stamping liveness bookkeeping on the way.
func (m *SubscriptionManager) forward(ctx context.Context, addr string, ch <-chan *protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.pool.MarkSeen(addr)
			metrics.IncEventReceived(addr)
			m.mu.Lock()
			m.lastEvent = time.Now()
			m.mu.Unlock()
			select {
			case m.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *SubscriptionManager) teardown() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	cancel := m.genCancel
	m.genCancel = nil
	m.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}
