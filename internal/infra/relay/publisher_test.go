package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"relay-ai-engine/internal/domain"

	"github.com/rs/zerolog"
)

func testPublisher(t *testing.T, p *Pool, attempts int) *Publisher {
	t.Helper()
	log := zerolog.Nop()
	return NewPublisher(p, PublisherConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
	}, &log)
}

func connectedPool(t *testing.T, client *MemoryRelayClient, addrs ...string) *Pool {
	t.Helper()
	p := testPool(t, client, addrs...)
	ctx := context.Background()
	for _, addr := range addrs {
		if err := p.Connect(ctx, addr); err != nil {
			t.Fatalf("connect %s: %v", addr, err)
		}
	}
	return p
}

func TestPublishDeliversToAllConnected(t *testing.T) {
	client := NewMemoryRelayClient()
	p := connectedPool(t, client, "relay-a", "relay-b")
	pub := testPublisher(t, p, 3)

	ev := resultFixture("job-1", time.Now().Unix())
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(client.StoredEvents("relay-a")) != 1 || len(client.StoredEvents("relay-b")) != 1 {
		t.Fatalf("event not delivered to every relay")
	}
}

func TestPublishSucceedsWhenOneRelayAccepts(t *testing.T) {
	client := NewMemoryRelayClient()
	p := connectedPool(t, client, "relay-a", "relay-b")
	client.SetPublishErr("relay-a", errors.New("write: broken pipe"))
	pub := testPublisher(t, p, 3)

	ev := resultFixture("job-1", time.Now().Unix())
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish should succeed with one accepting relay: %v", err)
	}
	if len(client.StoredEvents("relay-b")) != 1 {
		t.Fatalf("accepting relay did not store the event")
	}
}

func TestPublishRetriesThenSurfacesLastError(t *testing.T) {
	client := NewMemoryRelayClient()
	p := connectedPool(t, client, "relay-a")
	cause := errors.New("relay closed the door")
	client.SetPublishErr("relay-a", cause)
	pub := testPublisher(t, p, 3)

	err := pub.Publish(context.Background(), resultFixture("job-1", time.Now().Unix()))
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("exhaustion error %v does not carry the last cause", err)
	}
}

func TestPublishRecoversMidRetry(t *testing.T) {
	client := NewMemoryRelayClient()
	p := connectedPool(t, client, "relay-a")
	client.SetPublishErr("relay-a", errors.New("transient"))
	pub := testPublisher(t, p, 5)

	go func() {
		time.Sleep(2 * time.Millisecond)
		client.SetPublishErr("relay-a", nil)
	}()

	if err := pub.Publish(context.Background(), resultFixture("job-1", time.Now().Unix())); err != nil {
		t.Fatalf("publish should recover once the relay accepts: %v", err)
	}
	if len(client.StoredEvents("relay-a")) != 1 {
		t.Fatalf("recovered publish not stored")
	}
}

func TestPublishWithNoConnectedEndpoints(t *testing.T) {
	client := NewMemoryRelayClient()
	p := testPool(t, client, "relay-a") // never connected
	pub := testPublisher(t, p, 2)

	err := pub.Publish(context.Background(), resultFixture("job-1", time.Now().Unix()))
	if !errors.Is(err, domain.ErrNoEndpoints) {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
}

func TestRateLimitClassification(t *testing.T) {
	if domain.IsRateLimited(nil) {
		t.Fatalf("nil is not rate-limited")
	}
	if !domain.IsRateLimited(domain.ErrRateLimited) {
		t.Fatalf("sentinel must classify as rate-limited")
	}
	if !domain.IsRateLimited(errors.New("blocked: rate-limited, slow down")) {
		t.Fatalf("text marker must classify as rate-limited")
	}
	if domain.IsRateLimited(errors.New("broken pipe")) {
		t.Fatalf("generic error misclassified")
	}
}

func TestRetryDelayGrowsExponentiallyWithJitter(t *testing.T) {
	base := time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		floor := base << uint(attempt)
		for _, jitter := range []float64{0, 0.5, 0.999999} {
			d := retryDelay(base, attempt, jitter)
			if d < floor || d >= 2*floor {
				t.Fatalf("attempt %d jitter %v: delay %v outside [%v, %v)", attempt, jitter, d, floor, 2*floor)
			}
		}
	}
}
