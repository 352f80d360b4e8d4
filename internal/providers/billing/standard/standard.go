// Package standard implements the default webhook adapter: HMAC-SHA256
// signatures over the raw payload, hex-encoded in X-Billing-Signature.
package standard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
)

const signatureHeader = "X-Billing-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "standard"
}

func (f *Factory) NewAdapter(cfg billingeventdomain.AdapterConfig) (billingeventdomain.Adapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, billingeventdomain.ErrProviderNotFound
	}
	return &Adapter{secret: []byte(secret)}, nil
}

type Adapter struct {
	secret []byte
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get(signatureHeader))
	if signature == "" {
		return billingeventdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, a.secret)
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return billingeventdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*billingeventdomain.BillingEvent, error) {
	var event wireEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, billingeventdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, billingeventdomain.ErrInvalidPayload
	}

	eventType := billingeventdomain.EventType(strings.TrimSpace(event.Type))
	if !eventType.Valid() {
		return nil, billingeventdomain.ErrEventIgnored
	}

	// The event id is known from here on; malformed payloads surface as
	// PayloadError so the caller can ledger them.
	subscriptionID := strings.TrimSpace(event.Data.SubscriptionID)
	if subscriptionID == "" {
		return nil, &billingeventdomain.PayloadError{EventID: event.ID, Err: billingeventdomain.ErrInvalidPayload}
	}

	tenantID, err := snowflake.ParseString(strings.TrimSpace(event.Data.TenantID))
	if err != nil || tenantID == 0 {
		return nil, &billingeventdomain.PayloadError{EventID: event.ID, Err: billingeventdomain.ErrInvalidPayload}
	}

	var periodEnd *time.Time
	if event.Data.CurrentPeriodEnd > 0 {
		value := time.Unix(event.Data.CurrentPeriodEnd, 0).UTC()
		periodEnd = &value
	}

	return &billingeventdomain.BillingEvent{
		ID:                     event.ID,
		Provider:               "standard",
		Type:                   eventType,
		TenantID:               tenantID,
		SubscriptionExternalID: subscriptionID,
		PlanCode:               strings.TrimSpace(event.Data.PlanCode),
		Trial:                  event.Data.Trial,
		CancelAtPeriodEnd:      event.Data.CancelAtPeriodEnd,
		CurrentPeriodEnd:       periodEnd,
		OccurredAt:             occurredAt(event.OccurredAt),
		RawPayload:             payload,
	}, nil
}

type wireEvent struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	OccurredAt int64    `json:"occurred_at"`
	Data       wireData `json:"data"`
}

type wireData struct {
	TenantID          string `json:"tenant_id"`
	SubscriptionID    string `json:"subscription_id"`
	PlanCode          string `json:"plan_code"`
	Trial             bool   `json:"trial"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
}

func occurredAt(value int64) time.Time {
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
