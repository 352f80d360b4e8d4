package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewBillingConfigHolderFallsBackToDefaults(t *testing.T) {
	holder, err := NewBillingConfigHolder(zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	defaults := DefaultBillingConfig()
	assert.Equal(t, defaults.GracePeriodDays, cfg.GracePeriodDays)
	assert.Equal(t, defaults.WarningThresholds, cfg.WarningThresholds)
	assert.Equal(t, defaults.UpgradeURL, cfg.UpgradeURL)
}

func TestValidateBillingConfigRejectsBadThresholds(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.WarningThresholds = []int{7, 7}
	assert.Error(t, ValidateBillingConfig(cfg))

	cfg.WarningThresholds = []int{0}
	assert.Error(t, ValidateBillingConfig(cfg))

	cfg.WarningThresholds = nil
	assert.Error(t, ValidateBillingConfig(cfg))
}

func TestValidateBillingConfigRejectsAmbiguousFeatureRoutes(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.Limits.FeatureRoutes = []FeatureRouteConfig{
		{Pattern: "/v1/*", Feature: "alpha"},
		{Pattern: "/v1/a", Feature: "beta"},
	}
	err := ValidateBillingConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "equal length")
}

func TestValidateBillingConfigAcceptsNestedPatterns(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.Limits.FeatureRoutes = []FeatureRouteConfig{
		{Pattern: "/v1/reports/*", Feature: "reports"},
		{Pattern: "/v1/reports/exports/*", Feature: "exports"},
	}
	assert.NoError(t, ValidateBillingConfig(cfg))
}
