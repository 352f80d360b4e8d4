package domain

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subtrack/pkg/db/pagination"
)

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidEventType      = errors.New("invalid_event_type")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrFailedEventNotFound   = errors.New("failed_event_not_found")
)

// PayloadError is returned by adapters when a payload carries a usable event
// id but the rest of it cannot be parsed. Ingest absorbs these into the
// failure ledger instead of rejecting the delivery; payloads with no
// extractable id stay on the bare ErrInvalidPayload path.
type PayloadError struct {
	EventID string
	Err     error
}

func (e *PayloadError) Error() string {
	return "invalid_payload: " + e.Err.Error()
}

func (e *PayloadError) Unwrap() error { return e.Err }

type ListFailedEventsRequest struct {
	Provider   string
	Unresolved bool
	PageToken  string
	PageSize   int32
}

type ListFailedEventsResponse struct {
	pagination.PageInfo
	Events []FailedWebhookEvent `json:"events"`
}

// Service ingests provider webhooks exactly once and manages the failure ledger.
type Service interface {
	// Ingest verifies, records and applies a raw provider webhook. Duplicate
	// deliveries return nil so the provider stops retrying.
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error

	// ReprocessFailed retries a previously failed event by id.
	ReprocessFailed(ctx context.Context, id snowflake.ID) error

	ListFailed(ctx context.Context, req ListFailedEventsRequest) (ListFailedEventsResponse, error)
}
