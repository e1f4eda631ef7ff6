package engine

import (
	"context"
	"testing"
	"time"

	"relay-ai-engine/internal/protocol"

	"github.com/rs/zerolog"
)

type fakeQuerier struct {
	events []*protocol.Event
}

func (f *fakeQuerier) QueryAll(ctx context.Context, filter protocol.Filter) []*protocol.Event {
	var out []*protocol.Event
	for _, ev := range f.events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func resultEvent(author, jobID string, createdAt int64) *protocol.Event {
	return &protocol.Event{
		ID:        "res-" + jobID,
		PubKey:    author,
		CreatedAt: createdAt,
		Kind:      protocol.KindJobResult,
		Tags:      [][]string{{"e", jobID}, {"p", "requester"}},
	}
}

func TestLedgerHasMark(t *testing.T) {
	l := NewLedger()
	if l.Has("a") {
		t.Fatalf("empty ledger should not contain a")
	}
	l.Mark("a")
	if !l.Has("a") {
		t.Fatalf("marked id missing")
	}
	l.Mark("a")
	if l.Size() != 1 {
		t.Fatalf("size = %d, want 1", l.Size())
	}
}

func TestSeedFromOwnResults(t *testing.T) {
	now := time.Now().Unix()
	q := &fakeQuerier{events: []*protocol.Event{
		resultEvent("engine", "a", now-60),
		resultEvent("engine", "b", now-120),
		resultEvent("engine", "c", now-180),
		resultEvent("engine", "b", now-30), // duplicate reference
		resultEvent("someone-else", "d", now-60),
		resultEvent("engine", "stale", now-100000), // outside lookback
	}}

	log := zerolog.Nop()
	l := NewLedger()
	n := l.Seed(context.Background(), q, "engine", 4*time.Hour, &log)
	if n != 3 {
		t.Fatalf("recovered = %d, want 3", n)
	}
	for _, id := range []string{"a", "b", "c"} {
		if !l.Has(id) {
			t.Fatalf("seeded ledger missing %q", id)
		}
	}
	if l.Has("d") || l.Has("stale") {
		t.Fatalf("seed must ignore other authors and stale results")
	}
}

func TestSeedSkipsResultsWithoutReference(t *testing.T) {
	now := time.Now().Unix()
	ev := resultEvent("engine", "x", now-60)
	ev.Tags = [][]string{{"p", "requester"}}
	q := &fakeQuerier{events: []*protocol.Event{ev}}

	log := zerolog.Nop()
	l := NewLedger()
	if n := l.Seed(context.Background(), q, "engine", time.Hour, &log); n != 0 {
		t.Fatalf("recovered = %d, want 0", n)
	}
}
