package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/waymark-ai/waymark/internal/types"
)

// Validate checks the configuration against its struct-tag constraints plus
// duration bounds and cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return types.WrapError(types.CONFIG_VALIDATION_FAILED, "invalid configuration", err)
	}

	durationBounds := []struct {
		name  string
		value Duration
		min   time.Duration
	}{
		{"database.busy_timeout", cfg.Database.BusyTimeout, 100 * time.Millisecond},
		{"session.heartbeat_interval", cfg.Session.HeartbeatInterval, 10 * time.Millisecond},
		{"session.conflict_backoff", cfg.Session.ConflictBackoff, time.Millisecond},
		{"session.outage_backoff_base", cfg.Session.OutageBackoffBase, 10 * time.Millisecond},
		{"session.outage_backoff_cap", cfg.Session.OutageBackoffCap, 10 * time.Millisecond},
		{"executor.initial_delay", cfg.Executor.InitialDelay, time.Millisecond},
		{"executor.backoff_ceiling", cfg.Executor.BackoffCeiling, time.Millisecond},
	}
	for _, b := range durationBounds {
		if b.value.Std() < b.min {
			return types.WrapError(types.CONFIG_VALIDATION_FAILED, "invalid configuration",
				fmt.Errorf("%s (%s) must be >= %s", b.name, b.value, b.min))
		}
	}

	if cfg.Session.OutageBackoffCap < cfg.Session.OutageBackoffBase {
		return types.WrapError(types.CONFIG_VALIDATION_FAILED, "invalid configuration",
			fmt.Errorf("session.outage_backoff_cap (%s) must be >= session.outage_backoff_base (%s)",
				cfg.Session.OutageBackoffCap, cfg.Session.OutageBackoffBase))
	}

	if cfg.Executor.BackoffCeiling < cfg.Executor.InitialDelay {
		return types.WrapError(types.CONFIG_VALIDATION_FAILED, "invalid configuration",
			fmt.Errorf("executor.backoff_ceiling (%s) must be >= executor.initial_delay (%s)",
				cfg.Executor.BackoffCeiling, cfg.Executor.InitialDelay))
	}

	return nil
}
