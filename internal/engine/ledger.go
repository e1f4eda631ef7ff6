package engine

import (
	"context"
	"sync"
	"time"

	"relay-ai-engine/internal/protocol"

	"github.com/rs/zerolog"
)

// Querier is what the ledger needs from the endpoint pool to recover
// past results: a fan-out query over connected relays.
type Querier interface {
	QueryAll(ctx context.Context, f protocol.Filter) []*protocol.Event
}

// Ledger is the bounded-recency record of job identifiers this engine
// has completed: presence-only, O(1) membership, no eviction within a
// process lifetime. Retention across restarts is bounded by the seed
// lookback window, not by this structure.
type Ledger struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

func (l *Ledger) Has(jobID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[jobID]
	return ok
}

func (l *Ledger) Mark(jobID string) {
	l.mu.Lock()
	l.seen[jobID] = struct{}{}
	l.mu.Unlock()
}

func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.seen)
}

// Seed recovers from a process restart without a persistent store: it
// queries the relays for this engine's own result events within the
// lookback window and marks the job each one answered. Jobs whose result
// publish failed silently before the restart stay eligible, so duplicate
// work is bounded by the lookback window.
func (l *Ledger) Seed(ctx context.Context, q Querier, ownPubKey string, lookback time.Duration, logger *zerolog.Logger) int {
	filter := protocol.Filter{
		Kinds:   []int{protocol.KindJobResult},
		Authors: []string{ownPubKey},
		Since:   time.Now().Add(-lookback).Unix(),
	}
	n := 0
	for _, ev := range q.QueryAll(ctx, filter) {
		jobID := ev.TagValue("e")
		if jobID == "" {
			continue
		}
		if !l.Has(jobID) {
			l.Mark(jobID)
			n++
		}
	}
	logger.Info().Int("recovered", n).Dur("lookback", lookback).Msg("dedup ledger seeded from past results")
	return n
}
