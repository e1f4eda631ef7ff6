package ai

import (
	"context"
	"log"
	"time"

	"relay-ai-engine/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*NoopAIAdapter)(nil)

// NoopAIAdapter implements adapter.AIServiceAdapter for local/dev runs.
// It logs the prompt instead of calling a real provider.
type NoopAIAdapter struct{}

func NewNoopAIAdapter() *NoopAIAdapter {
	return &NoopAIAdapter{}
}

func (a *NoopAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"noop-model"}, nil
}

func (a *NoopAIAdapter) Chat(ctx context.Context, model string, messages []adapter.Message, p adapter.Params) (string, error) {
	// Simulate slight processing time and respect ctx
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	log.Printf("[noop-ai] model=%s messages=%v", model, messages)
	return "This is a noop AI response.", nil
}
