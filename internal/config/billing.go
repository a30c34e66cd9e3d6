package config

import (
	"time"

	"github.com/flexprice/billingengine/internal/types"
)

// BillingConfig holds the engine wide billing settings
type BillingConfig struct {
	StorageMode types.StorageMode  `mapstructure:"storage_mode" validate:"required,oneof=memory postgres"`
	Features    types.FeatureFlags `mapstructure:"features"`
	// DefaultTimezone applies to customers without a timezone
	DefaultTimezone string `mapstructure:"default_timezone" validate:"required"`
	// InvoiceGracePeriodDays applies to customers without their own grace period
	InvoiceGracePeriodDays int `mapstructure:"invoice_grace_period_days" validate:"gte=0"`
	// TrialEvaluationWindow is how far back a sweep looks for trials that just ended
	TrialEvaluationWindow time.Duration `mapstructure:"trial_evaluation_window" validate:"gte=0"`
	SweepConcurrency      int           `mapstructure:"sweep_concurrency" validate:"gte=1"`
	SweepBatchSize        int           `mapstructure:"sweep_batch_size" validate:"gte=1"`
	OngoingBalanceTTL     time.Duration `mapstructure:"ongoing_balance_ttl"`

	// SweepInterval drives the in-process scheduler of local mode
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
	// SweepSchedule is the cron schedule of the temporal billing sweep
	SweepSchedule string `mapstructure:"sweep_schedule"`
	// SweepScopes lists the tenant environments the scheduler sweeps
	SweepScopes []SweepScope `mapstructure:"sweep_scopes" validate:"dive"`
	// TaxRates maps a tax code, or "jurisdiction:code", to a percent
	TaxRates map[string]float64 `mapstructure:"tax_rates"`
}

type SweepScope struct {
	TenantID      string `mapstructure:"tenant_id" validate:"required"`
	EnvironmentID string `mapstructure:"environment_id" validate:"required"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		StorageMode:           types.StorageModeMemory,
		DefaultTimezone:       "UTC",
		TrialEvaluationWindow: time.Hour,
		SweepConcurrency:      8,
		SweepBatchSize:        100,
		OngoingBalanceTTL:     5 * time.Minute,
		SweepInterval:         time.Hour,
		SweepSchedule:         "0 * * * *",
	}
}

// Location resolves the default timezone, falling back to UTC
func (b BillingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(b.DefaultTimezone)
	if err != nil || b.DefaultTimezone == "" {
		return time.UTC
	}
	return loc
}
