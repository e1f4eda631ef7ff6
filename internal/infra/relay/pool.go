package relay

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"relay-ai-engine/internal/domain/model"
	"relay-ai-engine/internal/domain/ports/adapter"
	"relay-ai-engine/internal/infra/metrics"
	"relay-ai-engine/internal/protocol"

	"github.com/rs/zerolog"
)

type PoolConfig struct {
	Addresses     []string
	ReconnectBase time.Duration // backoff base, doubled per attempt
	MaxReconnects int           // consecutive failures before an endpoint is marked failed
	ProbeInterval time.Duration // health probe cadence
}

// Pool owns the configured relay endpoints and their connection state.
// All state transitions for a given endpoint go through its record's
// mutex, so a probe-triggered reconnect and a resubscribe-triggered
// reset cannot race.
type Pool struct {
	client adapter.RelayClient
	cfg    PoolConfig
	log    *zerolog.Logger

	mu        sync.Mutex
	endpoints map[string]*endpointState
	ctx       context.Context
}

type endpointState struct {
	mu      sync.Mutex
	info    model.Endpoint
	conn    adapter.RelayConn
	pending bool // a reconnect timer is already armed
}

func NewPool(client adapter.RelayClient, cfg PoolConfig, logger *zerolog.Logger) *Pool {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	poolLog := logger.With().Str("component", "EndpointPool").Logger()
	eps := make(map[string]*endpointState, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		eps[addr] = &endpointState{info: model.Endpoint{
			Address: addr,
			Status:  model.EndpointUnconnected,
		}}
	}
	return &Pool{client: client, cfg: cfg, log: &poolLog, endpoints: eps}
}

// Start connects every endpoint and runs the health probe loop until ctx
// is cancelled. The stored ctx also bounds reconnect timers.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	for addr := range p.endpoints {
		go func(a string) { _ = p.Connect(ctx, a) }(addr)
	}
	go p.probeLoop(ctx)
}

// Connect dials one endpoint. Connecting an already-connected endpoint
// is a no-op success. On failure the attempt counter advances and a
// backoff reconnect is scheduled, unless the ceiling was reached.
func (p *Pool) Connect(ctx context.Context, addr string) error {
	st := p.state(addr)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	if st.info.Status == model.EndpointConnected {
		st.mu.Unlock()
		return nil
	}
	if st.info.Status == model.EndpointFailed {
		st.mu.Unlock()
		return nil
	}
	st.info.Status = model.EndpointConnecting
	st.mu.Unlock()

	conn, err := p.client.Dial(ctx, addr)

	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		st.info.Attempts++
		metrics.IncReconnect(addr)
		if st.info.Attempts >= p.cfg.MaxReconnects {
			st.info.Status = model.EndpointFailed
			p.log.Warn().Str("relay", addr).Int("attempts", st.info.Attempts).
				Msg("endpoint marked failed, waiting for external reset")
		} else {
			st.info.Status = model.EndpointReconnecting
			p.scheduleReconnectLocked(st)
		}
		p.log.Debug().Err(err).Str("relay", addr).Int("attempt", st.info.Attempts).Msg("connect failed")
		return err
	}
	st.conn = conn
	st.info.Status = model.EndpointConnected
	st.info.Attempts = 0
	p.log.Info().Str("relay", addr).Msg("endpoint connected")
	return nil
}

// scheduleReconnectLocked arms a single backoff timer for the endpoint.
// Caller holds st.mu.
func (p *Pool) scheduleReconnectLocked(st *endpointState) {
	if st.pending {
		return
	}
	st.pending = true
	addr := st.info.Address
	delay := reconnectDelay(p.cfg.ReconnectBase, st.info.Attempts, rand.Float64())

	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	p.log.Debug().Str("relay", addr).Dur("delay", delay).Msg("reconnect scheduled")
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		st.mu.Lock()
		st.pending = false
		st.mu.Unlock()
		_ = p.Connect(ctx, addr)
	}()
}

// reconnectDelay is base x 2^(attempt-1) plus up to 50% jitter. The
// jittered value never exceeds the next attempt's floor, so delays are
// non-decreasing across consecutive attempts.
func reconnectDelay(base time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	return d + time.Duration(float64(d)/2*jitter)
}

func (p *Pool) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Pool) probe(ctx context.Context) {
	for _, st := range p.states() {
		st.mu.Lock()
		switch st.info.Status {
		case model.EndpointConnected:
			conn := st.conn
			st.mu.Unlock()
			if err := conn.Ping(ctx); err != nil {
				p.log.Warn().Err(err).Str("relay", st.info.Address).Msg("health probe failed")
				p.dropConn(st)
			}
		case model.EndpointFailed, model.EndpointConnecting:
			st.mu.Unlock()
		default:
			p.scheduleReconnectLocked(st)
			st.mu.Unlock()
		}
	}
}

// dropConn closes a dead connection and schedules its replacement.
func (p *Pool) dropConn(st *endpointState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.conn != nil {
		_ = st.conn.Close()
		st.conn = nil
	}
	st.info.Attempts++
	st.info.Status = model.EndpointReconnecting
	metrics.IncReconnect(st.info.Address)
	if st.info.Attempts >= p.cfg.MaxReconnects {
		st.info.Status = model.EndpointFailed
		return
	}
	p.scheduleReconnectLocked(st)
}

// ResetFailed clears the attempt counter of failed endpoints and dials
// them again. This is the external refresh event that revives an
// endpoint past its retry ceiling (the watchdog's resubscribe calls it).
func (p *Pool) ResetFailed(ctx context.Context) {
	for _, st := range p.states() {
		st.mu.Lock()
		if st.info.Status != model.EndpointFailed {
			st.mu.Unlock()
			continue
		}
		st.info.Attempts = 0
		st.info.Status = model.EndpointUnconnected
		addr := st.info.Address
		st.mu.Unlock()
		p.log.Info().Str("relay", addr).Msg("failed endpoint reset")
		go func(a string) { _ = p.Connect(ctx, a) }(addr)
	}
}

// MarkSeen records event delivery from an endpoint.
func (p *Pool) MarkSeen(addr string) {
	if st := p.state(addr); st != nil {
		st.mu.Lock()
		st.info.LastSeen = time.Now()
		st.mu.Unlock()
	}
}

// EachConnected runs fn for every currently connected endpoint.
func (p *Pool) EachConnected(fn func(addr string, conn adapter.RelayConn)) {
	for _, st := range p.states() {
		st.mu.Lock()
		conn := st.conn
		connected := st.info.Status == model.EndpointConnected
		addr := st.info.Address
		st.mu.Unlock()
		if connected && conn != nil {
			fn(addr, conn)
		}
	}
}

// QueryAll fans a query out to every connected endpoint and merges the
// results, deduplicating by event id. Endpoint errors are logged and
// skipped; relays without history simply contribute nothing.
func (p *Pool) QueryAll(ctx context.Context, f protocol.Filter) []*protocol.Event {
	seen := make(map[string]struct{})
	var out []*protocol.Event
	p.EachConnected(func(addr string, conn adapter.RelayConn) {
		evs, err := conn.Query(ctx, f)
		if err != nil {
			p.log.Warn().Err(err).Str("relay", addr).Msg("query failed")
			return
		}
		for _, ev := range evs {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	})
	return out
}

// Snapshot returns a copy of every endpoint's state, for /status and tests.
func (p *Pool) Snapshot() []model.Endpoint {
	var out []model.Endpoint
	for _, st := range p.states() {
		st.mu.Lock()
		out = append(out, st.info)
		st.mu.Unlock()
	}
	return out
}

// Close tears down every live connection.
func (p *Pool) Close() {
	for _, st := range p.states() {
		st.mu.Lock()
		if st.conn != nil {
			_ = st.conn.Close()
			st.conn = nil
		}
		st.info.Status = model.EndpointUnconnected
		st.mu.Unlock()
	}
}

func (p *Pool) state(addr string) *endpointState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[addr]
}

func (p *Pool) states() []*endpointState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*endpointState, 0, len(p.endpoints))
	for _, st := range p.endpoints {
		out = append(out, st)
	}
	return out
}
