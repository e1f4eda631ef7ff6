package model

import "time"

type JobStatus string

const (
	JobStatusReceived   JobStatus = "received"
	JobStatusAuthorized JobStatus = "authorized"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
)

// Default inference parameters applied when a request leaves them unset.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
	DefaultTopP        = 1.0
)

// InferenceParams are the provider knobs carried by a job request.
// Zero values for TopK and FrequencyPenalty mean "not requested".
type InferenceParams struct {
	Model            string
	Temperature      float64
	MaxTokens        int
	TopP             float64
	TopK             int
	FrequencyPenalty float64
}

// JobRequest is one accepted unit of work. ID is opaque and assigned by
// the message source; it never changes after parsing. Raw holds the
// JSON-encoded original event so the result can embed a back-reference.
type JobRequest struct {
	ID         string
	Requester  string
	Input      string
	Params     InferenceParams
	Raw        string
	ReceivedAt time.Time
}
