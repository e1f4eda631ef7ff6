package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"relay-ai-engine/internal/domain/ports/adapter"
	"relay-ai-engine/internal/infra/identity"
	"relay-ai-engine/internal/protocol"

	"github.com/rs/zerolog"
)

// ---- Fakes ----

type capturingPublisher struct {
	mu        sync.Mutex
	events    []*protocol.Event
	failKinds map[int]error
}

func (p *capturingPublisher) Publish(ctx context.Context, ev *protocol.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failKinds[ev.Kind]; err != nil {
		return err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *capturingPublisher) published() []*protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*protocol.Event, len(p.events))
	copy(out, p.events)
	return out
}

type stubAI struct {
	mu          sync.Mutex
	reply       string
	err         error
	delay       time.Duration
	calls       int
	inFlight    int
	maxInFlight int
}

func (s *stubAI) ListModels(ctx context.Context) ([]string, error) {
	return []string{"m1"}, nil
}

func (s *stubAI) Chat(ctx context.Context, model string, messages []adapter.Message, p adapter.Params) (string, error) {
	s.mu.Lock()
	s.calls++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	delay := s.delay
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

func (s *stubAI) stats() (calls, maxInFlight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.maxInFlight
}

// ---- Helpers ----

const engineSeed = "00000000000000000000000000000000000000000000000000000000000000aa"

func jobEvent(id, requester, input, model string) *protocol.Event {
	return &protocol.Event{
		ID:        id,
		PubKey:    requester,
		CreatedAt: time.Now().Unix(),
		Kind:      protocol.KindJobRequest,
		Tags: [][]string{
			{"i", input, "text"},
			{"param", "model", model},
		},
	}
}

type harness struct {
	dispatcher *Dispatcher
	pub        *capturingPublisher
	ai         *stubAI
	ledger     *Ledger
	cancel     context.CancelFunc
}

func newHarness(t *testing.T, mutate func(*DispatcherConfig), pub *capturingPublisher, ai *stubAI) *harness {
	t.Helper()
	signer, err := identity.New(engineSeed)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	cfg := DispatcherConfig{
		Models:           []string{"m1"},
		Pacing:           time.Millisecond,
		InferenceTimeout: time.Second,
		QueueSize:        64,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if pub.failKinds == nil {
		pub.failKinds = map[int]error{}
	}
	log := zerolog.Nop()
	ledger := NewLedger()
	d := NewDispatcher(cfg, ai, signer, pub, ledger, &log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()
	t.Cleanup(cancel)
	return &harness{dispatcher: d, pub: pub, ai: ai, ledger: ledger, cancel: cancel}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func feedbackStatus(ev *protocol.Event) string {
	if s := ev.Tag("status"); len(s) > 0 {
		return s[0]
	}
	return ""
}

// ---- Tests ----

func TestSuccessPublishOrdering(t *testing.T) {
	pub := &capturingPublisher{}
	ai := &stubAI{reply: "4"}
	h := newHarness(t, nil, pub, ai)

	h.dispatcher.Enqueue(jobEvent("r1", "u1", "2+2?", "m1"))
	waitFor(t, time.Second, "three published events", func() bool { return len(pub.published()) == 3 })

	evs := pub.published()
	if evs[0].Kind != protocol.KindJobFeedback || feedbackStatus(evs[0]) != protocol.StatusProcessing {
		t.Fatalf("first message = kind %d status %q, want processing feedback", evs[0].Kind, feedbackStatus(evs[0]))
	}
	if evs[1].Kind != protocol.KindJobResult || evs[1].Content != "4" {
		t.Fatalf("second message = kind %d content %q, want result \"4\"", evs[1].Kind, evs[1].Content)
	}
	if evs[2].Kind != protocol.KindJobFeedback || feedbackStatus(evs[2]) != protocol.StatusSuccess {
		t.Fatalf("third message = kind %d status %q, want success feedback", evs[2].Kind, feedbackStatus(evs[2]))
	}
	for _, ev := range evs {
		if ev.TagValue("e") != "r1" || ev.TagValue("p") != "u1" {
			t.Fatalf("back-references wrong on %+v", ev)
		}
	}
	if !h.ledger.Has("r1") {
		t.Fatalf("completed job not marked in ledger")
	}
}

func TestFailurePublishOrdering(t *testing.T) {
	pub := &capturingPublisher{}
	ai := &stubAI{err: errors.New("provider exploded")}
	h := newHarness(t, nil, pub, ai)

	h.dispatcher.Enqueue(jobEvent("r1", "u1", "2+2?", "m1"))
	waitFor(t, time.Second, "two published events", func() bool { return len(pub.published()) == 2 })

	evs := pub.published()
	if feedbackStatus(evs[0]) != protocol.StatusProcessing {
		t.Fatalf("first message status = %q", feedbackStatus(evs[0]))
	}
	if feedbackStatus(evs[1]) != protocol.StatusError {
		t.Fatalf("second message status = %q", feedbackStatus(evs[1]))
	}
	if h.ledger.Has("r1") {
		t.Fatalf("failed job must stay eligible for redelivery")
	}
}

func TestInferenceTimeout(t *testing.T) {
	pub := &capturingPublisher{}
	ai := &stubAI{reply: "late", delay: 500 * time.Millisecond}
	h := newHarness(t, func(cfg *DispatcherConfig) {
		cfg.InferenceTimeout = 20 * time.Millisecond
	}, pub, ai)

	h.dispatcher.Enqueue(jobEvent("r1", "u1", "2+2?", "m1"))
	waitFor(t, time.Second, "two published events", func() bool { return len(pub.published()) == 2 })

	evs := pub.published()
	status := evs[1].Tag("status")
	if len(status) != 2 || status[0] != protocol.StatusError {
		t.Fatalf("terminal feedback = %v", status)
	}
	if !strings.Contains(status[1], "timed out") {
		t.Fatalf("detail %q should indicate a timeout", status[1])
	}
	if h.ledger.Has("r1") {
		t.Fatalf("timed-out job must not be marked processed")
	}
}

func TestDuplicateEnqueueInvokesInferenceOnce(t *testing.T) {
	pub := &capturingPublisher{}
	ai := &stubAI{reply: "4", delay: 10 * time.Millisecond}
	h := newHarness(t, nil, pub, ai)

	ev := jobEvent("r1", "u1", "2+2?", "m1")
	h.dispatcher.Enqueue(ev) // original delivery
	h.dispatcher.Enqueue(ev) // redelivered while in flight
	waitFor(t, time.Second, "job completion", func() bool { return h.ledger.Has("r1") })
	h.dispatcher.Enqueue(ev) // redelivered after terminal state

	time.Sleep(50 * time.Millisecond)
	if calls, _ := ai.stats(); calls != 1 {
		t.Fatalf("inference invoked %d times, want 1", calls)
	}
	if n := len(pub.published()); n != 3 {
		t.Fatalf("published %d messages, want 3", n)
	}
}

func TestMutualExclusionUnderConcurrentDelivery(t *testing.T) {
	pub := &capturingPublisher{}
	ai := &stubAI{reply: "ok", delay: 5 * time.Millisecond}
	h := newHarness(t, nil, pub, ai)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.dispatcher.Enqueue(jobEvent("job-"+string(rune('a'+i)), "u1", "input", "m1"))
		}(i)
	}
	wg.Wait()

	waitFor(t, 3*time.Second, "all jobs processed", func() bool {
		calls, _ := ai.stats()
		return calls == n
	})
	if _, maxInFlight := ai.stats(); maxInFlight != 1 {
		t.Fatalf("inference ran %d-way concurrent, want strictly sequential", maxInFlight)
	}
}

func TestUnauthorizedRequesterSilentDrop(t *testing.T) {
	pub := &capturingPublisher{}
	ai := &stubAI{reply: "4"}
	h := newHarness(t, func(cfg *DispatcherConfig) {
		cfg.Allowlist = []string{"u2"}
	}, pub, ai)

	h.dispatcher.Enqueue(jobEvent("r1", "u1", "2+2?", "m1"))

	time.Sleep(50 * time.Millisecond)
	if calls, _ := ai.stats(); calls != 0 {
		t.Fatalf("unauthorized job reached inference")
	}
	if n := len(pub.published()); n != 0 {
		t.Fatalf("unauthorized job produced %d messages, want none", n)
	}
	if h.ledger.Has("r1") {
		t.Fatalf("unauthorized job must not touch the ledger")
	}
}

func TestAllowlistedRequesterServed(t *testing.T) {
	pub := &capturingPublisher{}
	ai := &stubAI{reply: "4"}
	h := newHarness(t, func(cfg *DispatcherConfig) {
		cfg.Allowlist = []string{"u1"}
	}, pub, ai)

	h.dispatcher.Enqueue(jobEvent("r1", "u1", "2+2?", "m1"))
	waitFor(t, time.Second, "job completion", func() bool { return h.ledger.Has("r1") })
}

func TestInvalidRequestSilentDrop(t *testing.T) {
	pub := &capturingPublisher{}
	ai := &stubAI{reply: "4"}
	h := newHarness(t, nil, pub, ai)

	h.dispatcher.Enqueue(jobEvent("r1", "u1", "2+2?", "unsupported-model"))

	time.Sleep(50 * time.Millisecond)
	if calls, _ := ai.stats(); calls != 0 {
		t.Fatalf("invalid job reached inference")
	}
	if n := len(pub.published()); n != 0 {
		t.Fatalf("invalid job produced %d messages, want none", n)
	}
}

func TestSeededLedgerDropsRedelivery(t *testing.T) {
	pub := &capturingPublisher{}
	ai := &stubAI{reply: "4"}
	h := newHarness(t, nil, pub, ai)

	for _, id := range []string{"a", "b", "c"} {
		h.ledger.Mark(id)
	}
	h.dispatcher.Enqueue(jobEvent("a", "u1", "2+2?", "m1"))

	time.Sleep(50 * time.Millisecond)
	if calls, _ := ai.stats(); calls != 0 {
		t.Fatalf("redelivered completed job reached inference")
	}
	if n := len(pub.published()); n != 0 {
		t.Fatalf("redelivered completed job produced %d messages", n)
	}
}

func TestResultPublishFailureYieldsErrorFeedback(t *testing.T) {
	pub := &capturingPublisher{failKinds: map[int]error{
		protocol.KindJobResult: errors.New("relay down"),
	}}
	ai := &stubAI{reply: "4"}
	h := newHarness(t, nil, pub, ai)

	h.dispatcher.Enqueue(jobEvent("r1", "u1", "2+2?", "m1"))
	waitFor(t, time.Second, "two published events", func() bool { return len(pub.published()) == 2 })

	evs := pub.published()
	if feedbackStatus(evs[0]) != protocol.StatusProcessing || feedbackStatus(evs[1]) != protocol.StatusError {
		t.Fatalf("sequence = [%s %s], want [processing error]", feedbackStatus(evs[0]), feedbackStatus(evs[1]))
	}
	if h.ledger.Has("r1") {
		t.Fatalf("undelivered result must leave the job eligible")
	}
}
