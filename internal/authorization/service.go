// Package authorization answers "may this actor perform this action" for
// the management API. Webhook ingestion does not pass through here; its
// authentication is the provider signature.
package authorization

import (
	"context"
	"errors"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

type Service interface {
	// Authorize returns nil when the actor may perform action on object
	// within the tenant, ErrForbidden otherwise.
	Authorize(ctx context.Context, actor string, tenantID string, object string, action string) error

	// IsSuperAdmin reports whether the actor holds the platform-wide
	// operator role. Used by limit enforcement bypass.
	IsSuperAdmin(ctx context.Context, actor string, tenantID string) bool
}
