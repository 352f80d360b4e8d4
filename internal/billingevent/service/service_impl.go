package service

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
	"github.com/smallbiznis/subtrack/internal/clock"
	"github.com/smallbiznis/subtrack/internal/config"
	obsmetrics "github.com/smallbiznis/subtrack/internal/observability/metrics"
	"github.com/smallbiznis/subtrack/internal/providers/billing"
	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
	"github.com/smallbiznis/subtrack/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	cfg      config.Config
	genID    *snowflake.Node
	clock    clock.Clock
	registry *billing.Registry
	repo     billingeventdomain.Repository
	subsvc   subscriptiondomain.Service
	metrics  *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	GenID    *snowflake.Node
	Clock    clock.Clock
	Registry *billing.Registry
	Repo     billingeventdomain.Repository
	Subsvc   subscriptiondomain.Service
	Metrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) billingeventdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("billingevent.service"),
		cfg:      p.Cfg,
		genID:    p.GenID,
		clock:    p.Clock,
		registry: p.Registry,
		repo:     p.Repo,
		subsvc:   p.Subsvc,
		metrics:  p.Metrics,
	}
}

// Ingest implements domain.Service.
//
// Exactly-once hinges on the dedup insert: the (provider, event_id) row is
// written before any state change, so of N concurrent deliveries only the
// one that wins the insert proceeds. Events the state machine rejects are
// recorded in the failure ledger and absorbed so the provider stops
// retrying a delivery that will never succeed.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || !s.registry.ProviderExists(provider) {
		return billingeventdomain.ErrInvalidProvider
	}

	adapter, err := s.registry.NewAdapter(provider, billingeventdomain.AdapterConfig{
		Provider: provider,
		Secret:   s.cfg.WebhookSecrets[provider],
	})
	if err != nil {
		return err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		var payloadErr *billingeventdomain.PayloadError
		if errors.As(err, &payloadErr) && payloadErr.EventID != "" {
			// The payload named an event, so the delivery is absorbed into
			// the failure ledger rather than bounced back as a 4xx.
			return s.recordParseFailure(ctx, provider, payloadErr.EventID, payload, err)
		}
		return err
	}
	event.Provider = provider

	now := s.clock.Now()
	ledger := &billingeventdomain.WebhookEvent{
		ID:        s.genID.Generate(),
		Provider:  provider,
		EventID:   event.ID,
		EventType: string(event.Type),
		TenantID:  event.TenantID,
		Payload:   datatypes.JSON(payload),
		CreatedAt: now,
		UpdatedAt: now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, ledger)
	if err != nil {
		return err
	}
	if !inserted {
		s.metrics.RecordDuplicateEvent(ctx, provider)
		s.log.Debug("duplicate webhook delivery",
			zap.String("provider", provider),
			zap.String("event_id", event.ID),
		)
		return billingeventdomain.ErrEventAlreadyProcessed
	}

	s.metrics.RecordWebhookEvent(ctx, provider, string(event.Type))

	if err := s.subsvc.Apply(ctx, event); err != nil {
		if isBusinessRejection(err) {
			return s.recordFailure(ctx, event, payload, err)
		}
		// Transient failure: release the dedup row so the provider's
		// retry can claim it again.
		if delErr := s.repo.DeleteEvent(ctx, s.db, provider, event.ID); delErr != nil {
			s.log.Error("failed to release dedup row",
				zap.String("provider", provider),
				zap.String("event_id", event.ID),
				zap.Error(delErr),
			)
		}
		return err
	}

	return s.repo.MarkProcessed(ctx, s.db, provider, event.ID, s.clock.Now())
}

func (s *Service) recordFailure(ctx context.Context, event *billingeventdomain.BillingEvent, payload []byte, cause error) error {
	now := s.clock.Now()
	failure := &billingeventdomain.FailedWebhookEvent{
		ID:            s.genID.Generate(),
		Provider:      event.Provider,
		EventID:       event.ID,
		EventType:     string(event.Type),
		TenantID:      event.TenantID,
		Error:         cause.Error(),
		Attempts:      1,
		Payload:       datatypes.JSON(payload),
		LastAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.UpsertFailure(ctx, s.db, failure); err != nil {
		return err
	}
	if err := s.repo.MarkProcessed(ctx, s.db, event.Provider, event.ID, now); err != nil {
		return err
	}

	s.log.Warn("billing event rejected by state machine",
		zap.String("provider", event.Provider),
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Error(cause),
	)
	return nil
}

func (s *Service) recordParseFailure(ctx context.Context, provider, eventID string, payload []byte, cause error) error {
	now := s.clock.Now()
	failure := &billingeventdomain.FailedWebhookEvent{
		ID:            s.genID.Generate(),
		Provider:      provider,
		EventID:       eventID,
		Error:         cause.Error(),
		Attempts:      1,
		Payload:       datatypes.JSON(payload),
		LastAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.UpsertFailure(ctx, s.db, failure); err != nil {
		return err
	}

	s.log.Warn("billing event payload unparseable",
		zap.String("provider", provider),
		zap.String("event_id", eventID),
		zap.Error(cause),
	)
	return nil
}

// ReprocessFailed implements domain.Service.
func (s *Service) ReprocessFailed(ctx context.Context, id snowflake.ID) error {
	failure, err := s.repo.FindFailedByID(ctx, s.db, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billingeventdomain.ErrFailedEventNotFound
		}
		return err
	}
	if failure.ResolvedAt != nil {
		return nil
	}

	adapter, err := s.registry.NewAdapter(failure.Provider, billingeventdomain.AdapterConfig{
		Provider: failure.Provider,
		Secret:   s.cfg.WebhookSecrets[failure.Provider],
	})
	if err != nil {
		return err
	}

	event, err := adapter.Parse(ctx, []byte(failure.Payload))
	if err != nil {
		if errors.Is(err, billingeventdomain.ErrEventIgnored) {
			return s.repo.ResolveFailed(ctx, s.db, failure.ID, s.clock.Now())
		}
		return err
	}
	event.Provider = failure.Provider

	if err := s.subsvc.Apply(ctx, event); err != nil {
		now := s.clock.Now()
		failure.Error = err.Error()
		failure.LastAttemptAt = now
		failure.UpdatedAt = now
		if upsertErr := s.repo.UpsertFailure(ctx, s.db, failure); upsertErr != nil {
			s.log.Error("failed to record retry attempt",
				zap.String("event_id", failure.EventID),
				zap.Error(upsertErr),
			)
		}
		return err
	}

	return s.repo.ResolveFailed(ctx, s.db, failure.ID, s.clock.Now())
}

func (s *Service) ListFailed(ctx context.Context, req billingeventdomain.ListFailedEventsRequest) (billingeventdomain.ListFailedEventsResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	var cursor *snowflake.ID
	if req.PageToken != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return billingeventdomain.ListFailedEventsResponse{}, err
		}
		id, err := snowflake.ParseString(decoded.ID)
		if err != nil {
			return billingeventdomain.ListFailedEventsResponse{}, err
		}
		cursor = &id
	}

	items, err := s.repo.ListFailed(ctx, s.db, strings.TrimSpace(req.Provider), req.Unresolved, int(pageSize)+1, cursor)
	if err != nil {
		return billingeventdomain.ListFailedEventsResponse{}, err
	}

	resp := billingeventdomain.ListFailedEventsResponse{}
	if len(items) > int(pageSize) {
		items = items[:pageSize]
		resp.HasMore = true
	}
	if len(items) > 0 && resp.HasMore {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID: items[len(items)-1].ID.String(),
		})
		if err == nil {
			resp.NextPageToken = token
		}
	}
	resp.Events = items

	return resp, nil
}

// isBusinessRejection separates state-machine verdicts from infrastructure
// failures. Only the former land in the failure ledger; the latter surface
// as 5xx so the provider retries.
func isBusinessRejection(err error) bool {
	for _, rejection := range []error{
		subscriptiondomain.ErrTerminalState,
		subscriptiondomain.ErrInvalidTransition,
		subscriptiondomain.ErrSubscriptionNotFound,
		subscriptiondomain.ErrNoCurrentPeriodEnd,
		subscriptiondomain.ErrInvalidTenant,
		subscriptiondomain.ErrInvalidStatus,
		billingeventdomain.ErrInvalidPayload,
		billingeventdomain.ErrInvalidEventType,
	} {
		if errors.Is(err, rejection) {
			return true
		}
	}
	return false
}
