package adapter

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Params are the per-call provider knobs. TopK and FrequencyPenalty are
// omitted from the request when zero.
type Params struct {
	Temperature      float64
	MaxTokens        int
	TopP             float64
	TopK             int
	FrequencyPenalty float64
}

// AIServiceAdapter is the port for the inference provider. The engine
// treats it as an opaque request/response call: submit messages plus
// parameters, receive text or an error. Callers bound it with a context
// deadline.
type AIServiceAdapter interface {
	ListModels(ctx context.Context) ([]string, error)

	// Chat returns only the assistant text.
	Chat(ctx context.Context, model string, messages []Message, p Params) (string, error)
}
