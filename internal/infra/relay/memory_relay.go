package relay

import (
	"context"
	"errors"
	"sync"

	"relay-ai-engine/internal/domain/ports/adapter"
	"relay-ai-engine/internal/protocol"

	"github.com/google/uuid"
)

// Compile-time assurance the memory transport satisfies the ports
var (
	_ adapter.RelayClient = (*MemoryRelayClient)(nil)
	_ adapter.RelayConn   = (*memoryConn)(nil)
)

// MemoryRelayClient is an in-process relay network: every address maps
// to one retained-event store shared by all connections to it. It backs
// cmd/demo and the package tests, and can inject dial and publish
// failures to exercise the pool's and retrier's error paths.
type MemoryRelayClient struct {
	mu     sync.Mutex
	relays map[string]*memoryRelay

	dialErr    map[string]error
	publishErr map[string]error
	dials      map[string]int
}

type memoryRelay struct {
	mu     sync.Mutex
	events []*protocol.Event
	subs   map[string]*memorySub
}

type memorySub struct {
	filter protocol.Filter
	ch     chan<- *protocol.Event
}

func NewMemoryRelayClient() *MemoryRelayClient {
	return &MemoryRelayClient{
		relays:     make(map[string]*memoryRelay),
		dialErr:    make(map[string]error),
		publishErr: make(map[string]error),
		dials:      make(map[string]int),
	}
}

// SetDialErr makes Dial fail for addr until cleared with a nil err.
func (c *MemoryRelayClient) SetDialErr(addr string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.dialErr, addr)
		return
	}
	c.dialErr[addr] = err
}

// SetPublishErr makes every publish to addr fail until cleared.
func (c *MemoryRelayClient) SetPublishErr(addr string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.publishErr, addr)
		return
	}
	c.publishErr[addr] = err
}

// Inject stores an event on addr and fans it out to live subscribers,
// as if a remote publisher had sent it.
func (c *MemoryRelayClient) Inject(addr string, ev *protocol.Event) {
	c.relay(addr).publish(ev)
}

// StoredEvents returns a copy of addr's retained events.
func (c *MemoryRelayClient) StoredEvents(addr string) []*protocol.Event {
	r := c.relay(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (c *MemoryRelayClient) Dial(ctx context.Context, addr string) (adapter.RelayConn, error) {
	c.mu.Lock()
	c.dials[addr]++
	if err := c.dialErr[addr]; err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()
	return &memoryConn{client: c, addr: addr, relay: c.relay(addr)}, nil
}

// DialCount reports how many times addr was dialed.
func (c *MemoryRelayClient) DialCount(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials[addr]
}

func (c *MemoryRelayClient) relay(addr string) *memoryRelay {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.relays[addr]
	if !ok {
		r = &memoryRelay{subs: make(map[string]*memorySub)}
		c.relays[addr] = r
	}
	return r
}

func (r *memoryRelay) publish(ev *protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	subs := make([]*memorySub, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	for _, s := range subs {
		if s.filter.Matches(ev) {
			select {
			case s.ch <- ev:
			default: // slow subscriber, drop
			}
		}
	}
}

type memoryConn struct {
	client *MemoryRelayClient
	addr   string
	relay  *memoryRelay
	closed bool
	mu     sync.Mutex
}

func (c *memoryConn) Publish(ctx context.Context, ev *protocol.Event) error {
	c.client.mu.Lock()
	err := c.client.publishErr[c.addr]
	c.client.mu.Unlock()
	if err != nil {
		return err
	}
	c.relay.publish(ev)
	return nil
}

// Subscribe replays retained matching events first, then delivers live.
func (c *memoryConn) Subscribe(ctx context.Context, f protocol.Filter, ch chan<- *protocol.Event) (adapter.Subscription, error) {
	r := c.relay
	r.mu.Lock()
	var backlog []*protocol.Event
	for _, ev := range r.events {
		if f.Matches(ev) {
			backlog = append(backlog, ev)
		}
	}
	id := uuid.NewString()
	r.subs[id] = &memorySub{filter: f, ch: ch}
	r.mu.Unlock()

	for _, ev := range backlog {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return &memorySubscription{relay: r, id: id}, nil
		}
	}
	return &memorySubscription{relay: r, id: id}, nil
}

func (c *memoryConn) Query(ctx context.Context, f protocol.Filter) ([]*protocol.Event, error) {
	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Event
	for _, ev := range r.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *memoryConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	return nil
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type memorySubscription struct {
	relay *memoryRelay
	id    string
}

func (s *memorySubscription) Unsubscribe() {
	s.relay.mu.Lock()
	delete(s.relay.subs, s.id)
	s.relay.mu.Unlock()
}
