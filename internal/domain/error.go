package domain

import (
	"errors"
	"strings"
)

var (
	// Common domain errors
	ErrNotFound         = errors.New("entity not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrWrongKind        = errors.New("unexpected event kind")
	ErrEncryptedPayload = errors.New("encrypted payloads are not supported")
	ErrNoInput          = errors.New("job request carries no input")
	ErrUnsupportedModel = errors.New("requested model is not supported")
	ErrUnauthorized     = errors.New("requester is not on the allow-list")
	ErrDuplicateJob     = errors.New("job identifier already handled")
	ErrNoEndpoints      = errors.New("no connected endpoints")
	ErrRateLimited      = errors.New("relay rate limit")
)

// IsRateLimited reports whether a publish failure should take the
// rate-limit backoff path. Structured classification first; the
// substring match covers transports that only expose error text.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate-limit") || strings.Contains(msg, "rate limit")
}
