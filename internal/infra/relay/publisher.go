package relay

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"relay-ai-engine/internal/domain"
	"relay-ai-engine/internal/domain/ports/adapter"
	"relay-ai-engine/internal/infra/metrics"
	"relay-ai-engine/internal/protocol"

	"github.com/rs/zerolog"
)

type PublisherConfig struct {
	MaxAttempts int           // bounded retries per publish
	BaseDelay   time.Duration // backoff base
}

// Publisher wraps every outbound publish with bounded retries. Rate-limit
// failures back off exponentially with jitter; generic failures wait a
// flat base delay. An attempt succeeds when at least one connected
// endpoint accepted the event.
type Publisher struct {
	pool *Pool
	cfg  PublisherConfig
	log  *zerolog.Logger
}

func NewPublisher(pool *Pool, cfg PublisherConfig, logger *zerolog.Logger) *Publisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	pubLog := logger.With().Str("component", "Publisher").Logger()
	return &Publisher{pool: pool, cfg: cfg, log: &pubLog}
}

// Publish broadcasts ev, retrying up to MaxAttempts. Exhausting the
// retries surfaces the last error to the caller.
func (p *Publisher) Publish(ctx context.Context, ev *protocol.Event) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.wait(ctx, attempt, lastErr); err != nil {
				return err
			}
		}
		accepted, err := p.broadcast(ctx, ev)
		if accepted > 0 {
			metrics.IncPublish("ok")
			return nil
		}
		lastErr = err
		if domain.IsRateLimited(err) {
			metrics.IncPublish("rate_limited")
		} else {
			metrics.IncPublish("failed")
		}
		p.log.Warn().Err(err).Str("event_id", ev.ID).Int("kind", ev.Kind).
			Int("attempt", attempt+1).Msg("publish attempt failed")
	}
	return fmt.Errorf("publish exhausted after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

// broadcast sends to every connected endpoint and reports how many
// accepted. The last endpoint error is returned when none did.
func (p *Publisher) broadcast(ctx context.Context, ev *protocol.Event) (int, error) {
	accepted := 0
	var lastErr error = domain.ErrNoEndpoints
	p.pool.EachConnected(func(addr string, conn adapter.RelayConn) {
		if err := conn.Publish(ctx, ev); err != nil {
			p.log.Debug().Err(err).Str("relay", addr).Str("event_id", ev.ID).Msg("relay rejected publish")
			lastErr = err
			return
		}
		accepted++
	})
	if accepted > 0 {
		return accepted, nil
	}
	return 0, lastErr
}

// wait sleeps between attempts: base x 2^attempt x (1 + jitter in [0,1))
// for rate-limit failures, a flat base delay otherwise.
func (p *Publisher) wait(ctx context.Context, attempt int, cause error) error {
	delay := p.cfg.BaseDelay
	if domain.IsRateLimited(cause) {
		delay = retryDelay(p.cfg.BaseDelay, attempt, rand.Float64())
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func retryDelay(base time.Duration, attempt int, jitter float64) time.Duration {
	d := base << uint(attempt)
	return time.Duration(float64(d) * (1 + jitter))
}
