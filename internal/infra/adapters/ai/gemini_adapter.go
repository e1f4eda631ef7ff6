package ai

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"relay-ai-engine/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*GeminiAdapter)(nil)

// GeminiAdapter implements adapter.AIServiceAdapter using the official
// Gemini SDK.
type GeminiAdapter struct {
	client *genai.Client
	models []string
}

func NewGeminiAdapter(ctx context.Context, apiKey, baseURL string, models []string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: c, models: models}, nil
}

func (g *GeminiAdapter) ListModels(ctx context.Context) ([]string, error) {
	return g.models, nil
}

func (g *GeminiAdapter) Chat(ctx context.Context, model string, messages []adapter.Message, p adapter.Params) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("gemini: no messages")
	}
	history := toGenAIHistory(messages[:len(messages)-1])

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(p.Temperature)),
		TopP:            genai.Ptr(float32(p.TopP)),
		MaxOutputTokens: int32(p.MaxTokens),
	}
	if p.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(p.TopK))
	}
	if p.FrequencyPenalty != 0 {
		cfg.FrequencyPenalty = genai.Ptr(float32(p.FrequencyPenalty))
	}

	chat, err := g.client.Chats.Create(ctx, model, cfg, history)
	if err != nil {
		return "", err
	}

	last := messages[len(messages)-1]
	if strings.ToLower(last.Role) != "user" {
		return "", errors.New("gemini: last message must be from user")
	}

	resp, err := chat.SendMessage(ctx, genai.Part{Text: last.Content})
	if err != nil {
		return "", err
	}

	text := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil && len(resp.Candidates[0].Content.Parts) > 0 {
		if t := resp.Candidates[0].Content.Parts[0].Text; t != "" {
			text = t
		}
	}
	return text, nil
}

func toGenAIHistory(msgs []adapter.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		switch strings.ToLower(m.Role) {
		case "assistant", "model":
			role = genai.RoleModel
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return out
}
