package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Stage names shared with the session planner. Costs here size reservations;
// actual spend is whatever the gateway reports.
const (
	StageCompileText     = "compile_text"
	StageAnalyzeImage    = "analyze_image"
	StageSynthesizeImage = "synthesize_image"
)

type StageCost struct {
	Stage string `mapstructure:"stage"`
	Units int64  `mapstructure:"units"`
}

type CriterionQuota struct {
	Name          string `mapstructure:"name"`
	Enabled       bool   `mapstructure:"enabled"`
	DailyQuota    int    `mapstructure:"dailyQuota"`
	CooldownHours int    `mapstructure:"cooldownHours"`
}

type QuotaConfig struct {
	StageCosts      []StageCost      `mapstructure:"stageCosts"`
	Criteria        []CriterionQuota `mapstructure:"criteria"`
	MaxInFlight     int              `mapstructure:"maxInFlight"`
	ItemDelayMillis int              `mapstructure:"itemDelayMillis"`
}

func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		StageCosts: []StageCost{
			{Stage: StageCompileText, Units: 5},
			{Stage: StageAnalyzeImage, Units: 8},
			{Stage: StageSynthesizeImage, Units: 20},
		},
		Criteria: []CriterionQuota{
			{Name: "avatar_missing", Enabled: true, DailyQuota: 25, CooldownHours: 24},
			{Name: "species_unset", Enabled: true, DailyQuota: 50, CooldownHours: 24},
			{Name: "story_stub", Enabled: true, DailyQuota: 25, CooldownHours: 24},
		},
		MaxInFlight:     8,
		ItemDelayMillis: 1500,
	}
}

// QuotaHolder serves the current orchestration tunables. Operators edit the
// config file; changes apply without a restart. When no file exists the
// hardcoded defaults are served, so the engine works out of the box.
type QuotaHolder struct {
	current atomic.Value // holds QuotaConfig
}

func NewQuotaHolder() (*QuotaHolder, error) {
	v := viper.New()

	v.SetConfigName("orchestration")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/loreline/config") // Volume-mounted config
	v.AddConfigPath("/etc/loreline")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("LORELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &QuotaHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultQuotaConfig())
		return holder, nil
	}

	var cfg QuotaConfig
	if err := v.UnmarshalKey("orchestration", &cfg); err != nil {
		return nil, err
	}
	cfg = mergeQuotaDefaults(cfg)
	if err := validateQuotaConfig(cfg); err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated QuotaConfig
		if err := v.UnmarshalKey("orchestration", &updated); err != nil {
			log.Printf("[quota-config] reload failed: %v", err)
			return
		}
		updated = mergeQuotaDefaults(updated)
		if err := validateQuotaConfig(updated); err != nil {
			log.Printf("[quota-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[quota-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticQuotaHolder serves a fixed config with no file watching. Used by
// tests and by tools that do not want hot reload.
func NewStaticQuotaHolder(cfg QuotaConfig) *QuotaHolder {
	holder := &QuotaHolder{}
	holder.current.Store(mergeQuotaDefaults(cfg))
	return holder
}

func (h *QuotaHolder) Get() QuotaConfig {
	return h.current.Load().(QuotaConfig)
}

// StageCost returns the nominal reservation cost for a stage, falling back to
// the compiled default when the stage is not configured.
func (h *QuotaHolder) StageCost(stage string) int64 {
	for _, sc := range h.Get().StageCosts {
		if sc.Stage == stage {
			return sc.Units
		}
	}
	for _, sc := range DefaultQuotaConfig().StageCosts {
		if sc.Stage == stage {
			return sc.Units
		}
	}
	return 0
}

func (h *QuotaHolder) Criterion(name string) (CriterionQuota, bool) {
	for _, c := range h.Get().Criteria {
		if c.Name == name {
			return c, true
		}
	}
	return CriterionQuota{}, false
}

func mergeQuotaDefaults(cfg QuotaConfig) QuotaConfig {
	defaults := DefaultQuotaConfig()
	if len(cfg.StageCosts) == 0 {
		cfg.StageCosts = defaults.StageCosts
	}
	if len(cfg.Criteria) == 0 {
		cfg.Criteria = defaults.Criteria
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaults.MaxInFlight
	}
	if cfg.ItemDelayMillis < 0 {
		cfg.ItemDelayMillis = defaults.ItemDelayMillis
	}
	return cfg
}

func validateQuotaConfig(cfg QuotaConfig) error {
	for _, sc := range cfg.StageCosts {
		if sc.Units < 0 {
			return errors.New("orchestration.stageCosts units cannot be negative")
		}
	}
	for _, c := range cfg.Criteria {
		if c.DailyQuota < 0 {
			return errors.New("orchestration.criteria dailyQuota cannot be negative")
		}
	}
	return nil
}
