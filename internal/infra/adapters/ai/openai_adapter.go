package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"relay-ai-engine/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.AIServiceAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter implements adapter.AIServiceAdapter against any
// OpenAI-compatible Chat Completions endpoint.
type OpenAIAdapter struct {
	apiKey string
	base   string // e.g., https://api.openai.com/v1
	models []string
	client *http.Client
}

func NewOpenAIAdapter(apiKey, base string, models []string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &OpenAIAdapter{
		apiKey: apiKey,
		base:   strings.TrimRight(base, "/"),
		models: models,
		client: &http.Client{Timeout: 90 * time.Second},
	}, nil
}

func (o *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	return o.models, nil
}

func (o *OpenAIAdapter) Chat(ctx context.Context, model string, messages []adapter.Message, p adapter.Params) (string, error) {
	reqBody := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": p.Temperature,
		"max_tokens":  p.MaxTokens,
		"top_p":       p.TopP,
	}
	if p.FrequencyPenalty != 0 {
		reqBody["frequency_penalty"] = p.FrequencyPenalty
	}

	b, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("openai http %d", resp.StatusCode)
	}

	var payload struct {
		Choices []struct {
			Message adapter.Message `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("no choice content")
	}
	// An empty reply is a valid result; the engine forwards it as-is.
	return payload.Choices[0].Message.Content, nil
}
