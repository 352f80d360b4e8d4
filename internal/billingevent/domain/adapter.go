package domain

import (
	"context"
	"net/http"
)

// AdapterConfig carries the per-provider settings an adapter needs.
type AdapterConfig struct {
	Provider string
	Secret   string
}

// Adapter verifies and parses a provider webhook into a normalized event.
type Adapter interface {
	// Verify checks the payload signature against the shared secret.
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	// Parse converts the raw payload into a normalized BillingEvent.
	// Returns ErrEventIgnored for event types this system does not apply.
	Parse(ctx context.Context, payload []byte) (*BillingEvent, error)
}

// AdapterFactory builds adapters for a single provider name.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}
