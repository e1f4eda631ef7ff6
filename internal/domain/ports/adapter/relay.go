package adapter

import (
	"context"

	"relay-ai-engine/internal/protocol"
)

// RelayClient is the port for the transport-level pub/sub client. One
// Dial per configured endpoint; the endpoint pool owns the returned
// connections and their lifecycle.
type RelayClient interface {
	Dial(ctx context.Context, addr string) (RelayConn, error)
}

// RelayConn is one live connection to a relay endpoint.
type RelayConn interface {
	// Publish sends a signed event; the error classifies as rate-limit
	// or generic via domain.IsRateLimited.
	Publish(ctx context.Context, ev *protocol.Event) error

	// Subscribe delivers matching events (stored backlog first where the
	// relay retains one, then live) into ch until unsubscribed.
	Subscribe(ctx context.Context, f protocol.Filter, ch chan<- *protocol.Event) (Subscription, error)

	// Query returns the relay's stored events matching the filter.
	// Relays without history return an empty slice, not an error.
	Query(ctx context.Context, f protocol.Filter) ([]*protocol.Event, error)

	// Ping reports connection liveness.
	Ping(ctx context.Context) error

	Close() error
}

// Subscription handles teardown of a single logical subscription.
type Subscription interface {
	Unsubscribe()
}
