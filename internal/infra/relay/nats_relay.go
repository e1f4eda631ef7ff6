package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"relay-ai-engine/internal/domain/ports/adapter"
	"relay-ai-engine/internal/protocol"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Compile-time assurance the NATS transport satisfies the ports
var (
	_ adapter.RelayClient = (*NATSRelayClient)(nil)
	_ adapter.RelayConn   = (*natsConn)(nil)
)

const natsSubjectPrefix = "relay.events"

// NATSRelayClient speaks the engine's event protocol over NATS servers:
// each configured endpoint is one server, event kinds map to subjects.
// Core NATS keeps no history, so Query returns empty and the dedup seed
// degrades to a no-op on this transport.
type NATSRelayClient struct {
	log *zerolog.Logger
}

func NewNATSRelayClient(logger *zerolog.Logger) *NATSRelayClient {
	natsLog := logger.With().Str("component", "NATSRelay").Logger()
	return &NATSRelayClient{log: &natsLog}
}

func (c *NATSRelayClient) Dial(ctx context.Context, addr string) (adapter.RelayConn, error) {
	// The endpoint pool owns reconnection, so the client's built-in
	// reconnect loop stays off.
	nc, err := nats.Connect(addr,
		nats.Name("relay-ai-engine"),
		nats.NoReconnect(),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", addr, err)
	}
	return &natsConn{nc: nc, log: c.log}, nil
}

type natsConn struct {
	nc  *nats.Conn
	log *zerolog.Logger
}

func subjectFor(kind int) string {
	return fmt.Sprintf("%s.%d", natsSubjectPrefix, kind)
}

func (c *natsConn) Publish(ctx context.Context, ev *protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.nc.Publish(subjectFor(ev.Kind), data); err != nil {
		return err
	}
	// Surface broker rejections instead of buffering them silently.
	return c.nc.FlushTimeout(5 * time.Second)
}

func (c *natsConn) Subscribe(ctx context.Context, f protocol.Filter, ch chan<- *protocol.Event) (adapter.Subscription, error) {
	var subs []*nats.Subscription
	for _, kind := range f.Kinds {
		sub, err := c.nc.Subscribe(subjectFor(kind), func(msg *nats.Msg) {
			var ev protocol.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				c.log.Debug().Err(err).Msg("dropping undecodable event")
				return
			}
			if !f.Matches(&ev) {
				return
			}
			select {
			case ch <- &ev:
			default:
				c.log.Warn().Str("event_id", ev.ID).Msg("subscriber channel full, dropping event")
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("nats subscribe kind %d: %w", kind, err)
		}
		subs = append(subs, sub)
	}
	return &natsSubscription{subs: subs}, nil
}

// Query: core NATS retains no events, so seeding from history is not
// available on this transport.
func (c *natsConn) Query(ctx context.Context, f protocol.Filter) ([]*protocol.Event, error) {
	c.log.Debug().Msg("query unsupported on nats transport, returning empty")
	return nil, nil
}

func (c *natsConn) Ping(ctx context.Context) error {
	if !c.nc.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return c.nc.FlushTimeout(2 * time.Second)
}

func (c *natsConn) Close() error {
	c.nc.Close()
	return nil
}

type natsSubscription struct {
	subs []*nats.Subscription
}

func (s *natsSubscription) Unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
}
