package scheduler

import (
	"time"

	"github.com/fableworks/loreline/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	RecoveryThreshold time.Duration
	LeaseTTL          time.Duration
	EnabledJobs       []string
	SystemOwnerID     int64
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		RecoveryThreshold: 30 * time.Minute,
		LeaseTTL:          5 * time.Minute,
		SystemOwnerID:     1,
	}
}

// ProvideConfig derives scheduler settings from the application config.
func ProvideConfig(cfg config.Config) Config {
	out := Config{
		RunInterval:       time.Duration(cfg.SchedulerIntervalSec) * time.Second,
		RecoveryThreshold: time.Duration(cfg.RecoveryTimeoutMins) * time.Minute,
		EnabledJobs:       cfg.SchedulerJobs,
		SystemOwnerID:     cfg.SystemOwnerID,
	}
	return out.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.SystemOwnerID == 0 {
		c.SystemOwnerID = defaults.SystemOwnerID
	}
	return c
}
