package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Quota      QuotaConfig      `yaml:"quota" mapstructure:"quota"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Slot       SlotConfig       `yaml:"slot" mapstructure:"slot"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Rate       RateConfig       `yaml:"rate" mapstructure:"rate"`
	SMTP       SMTPConfig       `yaml:"smtp" mapstructure:"smtp"`
	Calendar   CalendarConfig   `yaml:"calendar" mapstructure:"calendar"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Google     GoogleConfig     `yaml:"google" mapstructure:"google"`
	Outreach   OutreachConfig   `yaml:"outreach" mapstructure:"outreach"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the document store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres, sqlite, memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QuotaConfig configures per-organization admission limits.
type QuotaConfig struct {
	Limit                 int `yaml:"limit" mapstructure:"limit"`
	PeriodHours           int `yaml:"period_hours" mapstructure:"period_hours"`
	MaxActiveRuns         int `yaml:"max_active_runs" mapstructure:"max_active_runs"`
	FailureAlertThreshold int `yaml:"failure_alert_threshold" mapstructure:"failure_alert_threshold"`
	MaxRuns               int `yaml:"max_runs" mapstructure:"max_runs"` // runs per period; 0 disables
	AlertEscalationMins   int `yaml:"alert_escalation_mins" mapstructure:"alert_escalation_mins"`
}

// Period returns the quota window length.
func (q QuotaConfig) Period() time.Duration {
	return time.Duration(q.PeriodHours) * time.Hour
}

// EscalationDelay is how long an alert may stay open before it escalates.
func (q QuotaConfig) EscalationDelay() time.Duration {
	return time.Duration(q.AlertEscalationMins) * time.Minute
}

// PipelineConfig holds lead-run orchestration settings.
type PipelineConfig struct {
	MaxConcurrentLeads int  `yaml:"max_concurrent_leads" mapstructure:"max_concurrent_leads"`
	ActionTimeoutSecs  int  `yaml:"action_timeout_secs" mapstructure:"action_timeout_secs"`
	MinScore           int  `yaml:"min_score" mapstructure:"min_score"`
	IncludeEnrichment  bool `yaml:"include_enrichment" mapstructure:"include_enrichment"`
	FollowupDelayHours int  `yaml:"followup_delay_hours" mapstructure:"followup_delay_hours"`
	DryRun             bool `yaml:"dry_run" mapstructure:"dry_run"`
}

// SlotConfig controls how meeting slots are picked.
type SlotConfig struct {
	TimeZone     string `yaml:"time_zone" mapstructure:"time_zone"`
	LeadTimeDays int    `yaml:"lead_time_days" mapstructure:"lead_time_days"`
	AnchorHour   int    `yaml:"anchor_hour" mapstructure:"anchor_hour"`
	DurationMins int    `yaml:"duration_mins" mapstructure:"duration_mins"`
	StartHour    int    `yaml:"start_hour" mapstructure:"start_hour"`
	EndHour      int    `yaml:"end_hour" mapstructure:"end_hour"`
	SearchDays   int    `yaml:"search_days" mapstructure:"search_days"`
	MaxSlots     int    `yaml:"max_slots" mapstructure:"max_slots"`
}

// RetryConfig configures retry behavior for external actions.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-service circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RateConfig bounds outbound calls per external service.
type RateConfig struct {
	ActionsPerSec float64 `yaml:"actions_per_sec" mapstructure:"actions_per_sec"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
}

// SMTPConfig holds outreach mail settings.
type SMTPConfig struct {
	Host      string `yaml:"host" mapstructure:"host"`
	Port      int    `yaml:"port" mapstructure:"port"`
	Username  string `yaml:"username" mapstructure:"username"`
	Password  string `yaml:"password" mapstructure:"password"`
	FromEmail string `yaml:"from_email" mapstructure:"from_email"`
	FromName  string `yaml:"from_name" mapstructure:"from_name"`
	Company   string `yaml:"company" mapstructure:"company"`
}

// CalendarConfig holds Google Calendar credentials.
type CalendarConfig struct {
	AccessToken string `yaml:"access_token" mapstructure:"access_token"`
	CalendarID  string `yaml:"calendar_id" mapstructure:"calendar_id"`
}

// AnthropicConfig holds Anthropic API settings for outreach drafting.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// NotionConfig holds Notion API credentials and the lead queue database.
type NotionConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	LeadDB string `yaml:"lead_db" mapstructure:"lead_db"`
}

// GoogleConfig holds the Google Places key used to source leads.
type GoogleConfig struct {
	PlacesKey  string `yaml:"places_key" mapstructure:"places_key"`
	MaxResults int    `yaml:"max_results" mapstructure:"max_results"`
}

// OutreachConfig overrides the built-in outreach templates. Both are
// text/template sources; either may be empty.
type OutreachConfig struct {
	Subject string `yaml:"subject" mapstructure:"subject"`
	Body    string `yaml:"body" mapstructure:"body"`
}

// ServerConfig configures the reporting API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the background health checks of `serve`.
type MonitoringConfig struct {
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RetryBacklogThreshold int     `yaml:"retry_backlog_threshold" mapstructure:"retry_backlog_threshold"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	RetryDrainLimit       int     `yaml:"retry_drain_limit" mapstructure:"retry_drain_limit"` // 0 disables background retries
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (if present) and environment.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads configuration from path and the environment. An empty
// path looks for an optional config.yaml in the working directory; an
// explicit path must exist.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("LEADRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without a default are only seen by Unmarshal once bound.
	for _, key := range []string{
		"store.database_url",
		"smtp.host", "smtp.username", "smtp.password", "smtp.from_email", "smtp.from_name", "smtp.company",
		"calendar.access_token",
		"anthropic.key",
		"notion.token", "notion.lead_db",
		"google.places_key",
		"monitoring.webhook_url",
		"pipeline.dry_run",
	} {
		_ = v.BindEnv(key)
	}

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("quota.limit", 1200)
	v.SetDefault("quota.period_hours", 24)
	v.SetDefault("quota.max_active_runs", 3)
	v.SetDefault("quota.failure_alert_threshold", 3)
	v.SetDefault("quota.max_runs", 80)
	v.SetDefault("quota.alert_escalation_mins", 30)
	v.SetDefault("pipeline.max_concurrent_leads", 5)
	v.SetDefault("pipeline.action_timeout_secs", 30)
	v.SetDefault("pipeline.min_score", 0)
	v.SetDefault("pipeline.include_enrichment", true)
	v.SetDefault("pipeline.followup_delay_hours", 72)
	v.SetDefault("slot.time_zone", "America/Chicago")
	v.SetDefault("slot.lead_time_days", 2)
	v.SetDefault("slot.anchor_hour", 14)
	v.SetDefault("slot.duration_mins", 30)
	v.SetDefault("slot.start_hour", 9)
	v.SetDefault("slot.end_hour", 17)
	v.SetDefault("slot.search_days", 7)
	v.SetDefault("slot.max_slots", 40)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("rate.actions_per_sec", 5.0)
	v.SetDefault("rate.burst", 1)
	v.SetDefault("smtp.port", 587)
	v.SetDefault("calendar.calendar_id", "primary")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.retry_backlog_threshold", 50)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.retry_drain_limit", 25)
	v.SetDefault("google.max_results", 20)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given command mode.
// Modes: "run", "retry", "report", "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "retry":
		errs = append(errs, c.validateStore()...)
		if c.Quota.Limit < 1 {
			errs = append(errs, "quota.limit must be >= 1")
		}
		if c.Quota.PeriodHours < 1 {
			errs = append(errs, "quota.period_hours must be >= 1")
		}
		if c.Quota.MaxActiveRuns < 1 {
			errs = append(errs, "quota.max_active_runs must be >= 1")
		}
		if c.Quota.MaxRuns < 0 {
			errs = append(errs, "quota.max_runs must be >= 0")
		}
		if c.Pipeline.ActionTimeoutSecs < 1 {
			errs = append(errs, "pipeline.action_timeout_secs must be >= 1")
		}
		if c.Pipeline.MinScore < 0 || c.Pipeline.MinScore > 100 {
			errs = append(errs, "pipeline.min_score must be between 0 and 100")
		}
		if c.Slot.AnchorHour < 0 || c.Slot.AnchorHour > 23 {
			errs = append(errs, "slot.anchor_hour must be between 0 and 23")
		}
		if c.Slot.StartHour < 0 || c.Slot.EndHour > 24 || c.Slot.StartHour >= c.Slot.EndHour {
			errs = append(errs, "slot.start_hour must be before slot.end_hour within 0-24")
		}
		if _, err := time.LoadLocation(c.Slot.TimeZone); err != nil {
			errs = append(errs, fmt.Sprintf("slot.time_zone %q is not a valid location", c.Slot.TimeZone))
		}
	case "report":
		errs = append(errs, c.validateStore()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Pipeline.MaxConcurrentLeads < 1 || c.Pipeline.MaxConcurrentLeads > 50 {
		errs = append(errs, "pipeline.max_concurrent_leads must be between 1 and 50")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "memory":
		return nil
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required"}
		}
		return nil
	default:
		return []string{fmt.Sprintf("store.driver %q is not supported", c.Store.Driver)}
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
