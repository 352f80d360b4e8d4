package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig holds the reloadable billing policy: grace period length,
// warning thresholds, the plan catalog and limit-enforcement rules.
type BillingConfig struct {
	GracePeriodDays   int                  `mapstructure:"gracePeriodDays"`
	WarningThresholds []int                `mapstructure:"warningThresholds"`
	UpgradeURL        string               `mapstructure:"upgradeUrl"`
	FallbackPlan      string               `mapstructure:"fallbackPlan"`
	Plans             []PlanConfig         `mapstructure:"plans"`
	Limits            LimitsConfig         `mapstructure:"limits"`
}

type PlanConfig struct {
	Code     string           `mapstructure:"code"`
	Name     string           `mapstructure:"name"`
	Features []string         `mapstructure:"features"`
	Limits   map[string]int64 `mapstructure:"limits"`
}

type LimitsConfig struct {
	Enabled          bool                 `mapstructure:"enabled"`
	BypassReadOnly   bool                 `mapstructure:"bypassReadOnly"`
	BypassSuperAdmin bool                 `mapstructure:"bypassSuperAdmin"`
	BypassRoutes     []string             `mapstructure:"bypassRoutes"`
	FeatureRoutes    []FeatureRouteConfig `mapstructure:"featureRoutes"`
}

// FeatureRouteConfig maps a route glob pattern to the feature key it consumes.
type FeatureRouteConfig struct {
	Pattern string `mapstructure:"pattern"`
	Feature string `mapstructure:"feature"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		GracePeriodDays:   7,
		WarningThresholds: []int{7, 3, 1},
		UpgradeURL:        "/billing/upgrade",
		Plans: []PlanConfig{
			{Code: "free", Name: "Free", Features: []string{"core"}, Limits: map[string]int64{"seats": 3}},
			{Code: "pro", Name: "Pro", Features: []string{"core", "analytics", "exports"}, Limits: map[string]int64{"seats": 25}},
		},
		Limits: LimitsConfig{
			Enabled:        true,
			BypassReadOnly: false,
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder(log *zap.Logger) (*BillingConfigHolder, error) {
	log = log.Named("billing.config")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/subtrack/config") // Volume-mounted config
	v.AddConfigPath("/etc/subtrack")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("SUBTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	usingDefaults := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		usingDefaults = true
	}

	cfg := DefaultBillingConfig()
	if !usingDefaults {
		if err := v.UnmarshalKey("billing", &cfg); err != nil {
			return nil, err
		}
	}
	if err := ValidateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultBillingConfig()
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Warn("billing config reload failed", zap.Error(err))
			return
		}
		if err := ValidateBillingConfig(updated); err != nil {
			log.Warn("invalid billing config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// NewStaticBillingConfigHolder wraps a fixed config, used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) (*BillingConfigHolder, error) {
	if err := ValidateBillingConfig(cfg); err != nil {
		return nil, err
	}
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func ValidateBillingConfig(cfg BillingConfig) error {
	if cfg.GracePeriodDays < 0 {
		return errors.New("billing.gracePeriodDays cannot be negative")
	}
	if len(cfg.WarningThresholds) == 0 {
		return errors.New("billing.warningThresholds cannot be empty")
	}
	seenThreshold := make(map[int]struct{}, len(cfg.WarningThresholds))
	for _, t := range cfg.WarningThresholds {
		if t <= 0 {
			return fmt.Errorf("billing.warningThresholds contains non-positive day %d", t)
		}
		if _, dup := seenThreshold[t]; dup {
			return fmt.Errorf("billing.warningThresholds contains duplicate day %d", t)
		}
		seenThreshold[t] = struct{}{}
	}
	if len(cfg.Plans) == 0 {
		return errors.New("billing.plans cannot be empty")
	}
	seenPlan := make(map[string]struct{}, len(cfg.Plans))
	for _, p := range cfg.Plans {
		code := strings.TrimSpace(p.Code)
		if code == "" {
			return errors.New("billing.plans contains a plan without a code")
		}
		if _, dup := seenPlan[code]; dup {
			return fmt.Errorf("billing.plans contains duplicate code %q", code)
		}
		seenPlan[code] = struct{}{}
		for feature, limit := range p.Limits {
			if limit < -1 {
				return fmt.Errorf("plan %q: limit for %q must be >= -1", code, feature)
			}
		}
	}
	if cfg.FallbackPlan != "" {
		if _, ok := seenPlan[cfg.FallbackPlan]; !ok {
			return fmt.Errorf("billing.fallbackPlan %q is not in the plan catalog", cfg.FallbackPlan)
		}
	}
	return validateFeatureRoutes(cfg.Limits.FeatureRoutes)
}

// validateFeatureRoutes rejects route-to-feature mappings that cannot be
// resolved deterministically by longest-pattern matching: two patterns of
// equal length whose match sets overlap would make the winner arbitrary, so
// they are a configuration error rather than a silent request-time choice.
func validateFeatureRoutes(routes []FeatureRouteConfig) error {
	for i, route := range routes {
		pattern := strings.TrimSpace(route.Pattern)
		if pattern == "" {
			return errors.New("limits.featureRoutes contains an empty pattern")
		}
		if strings.TrimSpace(route.Feature) == "" {
			return fmt.Errorf("limits.featureRoutes pattern %q has no feature", pattern)
		}
		for j := 0; j < i; j++ {
			other := strings.TrimSpace(routes[j].Pattern)
			if other == pattern {
				return fmt.Errorf("limits.featureRoutes contains duplicate pattern %q", pattern)
			}
			if len(other) != len(pattern) {
				continue
			}
			if wildcard.Match(pattern, other) || wildcard.Match(other, pattern) {
				return fmt.Errorf("ambiguous feature mapping: patterns %q and %q have equal length and overlap", other, pattern)
			}
		}
	}
	return nil
}
