// Package billing hosts the webhook adapter registry for billing providers.
package billing

import (
	"strings"

	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
)

type Registry struct {
	factories map[string]billingeventdomain.AdapterFactory
}

func NewRegistry(factories ...billingeventdomain.AdapterFactory) *Registry {
	registry := &Registry{factories: map[string]billingeventdomain.AdapterFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.factories[provider]
	return ok
}

func (r *Registry) NewAdapter(provider string, cfg billingeventdomain.AdapterConfig) (billingeventdomain.Adapter, error) {
	if r == nil {
		return nil, billingeventdomain.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	factory, ok := r.factories[provider]
	if !ok {
		return nil, billingeventdomain.ErrProviderNotFound
	}
	return factory.NewAdapter(cfg)
}
