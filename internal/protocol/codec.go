package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"relay-ai-engine/internal/domain"
	"relay-ai-engine/internal/domain/model"
)

// Signer fills the identity slots of an outgoing event: pubkey, the
// canonical content-hash id and the signature over it. The primitives
// behind it are opaque to the codec; the only contract that matters here
// is that signing happens last, so any later mutation invalidates the
// event.
type Signer interface {
	PubKey() string
	Sign(ev *Event) error
}

// advertisementProfile is the JSON content of a kind-31990 event.
type advertisementProfile struct {
	Name   string   `json:"name"`
	About  string   `json:"about"`
	Models []string `json:"models"`
}

// BuildAdvertisement constructs the engine's capability announcement:
// which job kind it serves, which models it runs and where to learn more.
func BuildAdvertisement(s Signer, name, about, web string, models []string) (*Event, error) {
	content, err := json.Marshal(advertisementProfile{Name: name, About: about, Models: models})
	if err != nil {
		return nil, fmt.Errorf("marshal advertisement: %w", err)
	}
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindAdvertisement,
		Tags: [][]string{
			{"k", strconv.Itoa(KindJobRequest)},
			{"web", web},
		},
		Content: string(content),
	}
	if err := s.Sign(ev); err != nil {
		return nil, fmt.Errorf("sign advertisement: %w", err)
	}
	return ev, nil
}

// ParseJobRequest validates an inbound event and extracts a JobRequest.
// It is pure: a rejected event produces a domain error and nothing else,
// and the caller decides what to log. Rejections: wrong kind, encrypted
// payload marker, missing input, model outside the supported set.
// Unset optional parameters receive fixed defaults.
func ParseJobRequest(ev *Event, supported []string) (*model.JobRequest, error) {
	if ev.Kind != KindJobRequest {
		return nil, fmt.Errorf("kind %d: %w", ev.Kind, domain.ErrWrongKind)
	}
	if ev.Tag("encrypted") != nil {
		return nil, domain.ErrEncryptedPayload
	}
	input := ev.Tag("i")
	if len(input) >= 4 && input[3] == "encrypted" {
		return nil, domain.ErrEncryptedPayload
	}
	if len(input) == 0 || input[0] == "" {
		return nil, domain.ErrNoInput
	}

	params := model.InferenceParams{
		Temperature: model.DefaultTemperature,
		MaxTokens:   model.DefaultMaxTokens,
		TopP:        model.DefaultTopP,
	}
	for _, t := range ev.Tags {
		if len(t) < 3 || t[0] != "param" {
			continue
		}
		name, value := t[1], t[2]
		switch name {
		case "model":
			params.Model = value
		case "temperature":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				params.Temperature = f
			}
		case "max_tokens":
			if n, err := strconv.Atoi(value); err == nil {
				params.MaxTokens = n
			}
		case "top_p":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				params.TopP = f
			}
		case "top_k":
			if n, err := strconv.Atoi(value); err == nil {
				params.TopK = n
			}
		case "frequency_penalty":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				params.FrequencyPenalty = f
			}
		}
	}
	if !containsString(supported, params.Model) {
		return nil, fmt.Errorf("model %q: %w", params.Model, domain.ErrUnsupportedModel)
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal original event: %w", err)
	}
	return &model.JobRequest{
		ID:         ev.ID,
		Requester:  ev.PubKey,
		Input:      input[0],
		Params:     params,
		Raw:        string(raw),
		ReceivedAt: time.Now(),
	}, nil
}

// BuildResult constructs the kind-6050 result for a finished job.
// Content is the literal provider output; an empty reply stays an empty
// string rather than an absent field. The original request travels along
// in the "request" tag so requesters can verify what was answered.
func BuildResult(s Signer, jobID, requester, content, originalRaw string) (*Event, error) {
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindJobResult,
		Tags: [][]string{
			{"e", jobID},
			{"p", requester},
			{"request", originalRaw},
		},
		Content: content,
	}
	if err := s.Sign(ev); err != nil {
		return nil, fmt.Errorf("sign result: %w", err)
	}
	return ev, nil
}

// BuildFeedback constructs the kind-7000 status message for a job.
// Status must be one of StatusProcessing, StatusSuccess, StatusError;
// detail is a short human-readable diagnostic and may be empty.
func BuildFeedback(s Signer, jobID, requester, status, detail string) (*Event, error) {
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindJobFeedback,
		Tags: [][]string{
			{"e", jobID},
			{"p", requester},
			{"status", status, detail},
		},
	}
	if err := s.Sign(ev); err != nil {
		return nil, fmt.Errorf("sign feedback: %w", err)
	}
	return ev, nil
}
