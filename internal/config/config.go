package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/subscout/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig        `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig       `yaml:"openai" mapstructure:"openai"`
	Pricing    PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
	Signals    SignalsConfig      `yaml:"signals" mapstructure:"signals"`
	Extraction ExtractionConfig   `yaml:"extraction" mapstructure:"extraction"`
	Detection  DetectionConfig    `yaml:"detection" mapstructure:"detection"`
	Governance GovernanceConfig   `yaml:"governance" mapstructure:"governance"`
	Notify     NotifyConfig       `yaml:"notify" mapstructure:"notify"`
	Mailboxes  []model.Connection `yaml:"mailboxes" mapstructure:"mailboxes"`
	IMAP       IMAPConfig         `yaml:"imap" mapstructure:"imap"`
	Gmail      GmailConfig        `yaml:"gmail" mapstructure:"gmail"`
	Schedule   ScheduleConfig     `yaml:"schedule" mapstructure:"schedule"`
	Server     ServerConfig       `yaml:"server" mapstructure:"server"`
	Log        LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds provider A settings.
type AnthropicConfig struct {
	Key               string `yaml:"key" mapstructure:"key"`
	Model             string `yaml:"model" mapstructure:"model"`
	MaxTokens         int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Concurrency       int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// OpenAIConfig holds provider B settings. Any OpenAI-compatible
// chat-completions endpoint works.
type OpenAIConfig struct {
	Key               string `yaml:"key" mapstructure:"key"`
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	Model             string `yaml:"model" mapstructure:"model"`
	MaxTokens         int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Concurrency       int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// PricingConfig holds per-model token pricing (USD per million tokens).
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing.
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// SignalsConfig configures the pre-filter.
type SignalsConfig struct {
	MerchantFile string `yaml:"merchant_file" mapstructure:"merchant_file"`
	BodyCap      int    `yaml:"body_cap" mapstructure:"body_cap"`
}

// ExtractionConfig configures the extraction router.
type ExtractionConfig struct {
	MinAIConfidence         int `yaml:"min_ai_confidence" mapstructure:"min_ai_confidence"`
	BodyChars               int `yaml:"body_chars" mapstructure:"body_chars"`
	BatchSize               int `yaml:"batch_size" mapstructure:"batch_size"`
	RetryAttempts           int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	InitialBackoffMs        int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	ProgressEvery           int `yaml:"progress_every" mapstructure:"progress_every"`
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// DetectionConfig configures candidate creation.
type DetectionConfig struct {
	BatchSize     int     `yaml:"batch_size" mapstructure:"batch_size"`
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// GovernanceConfig configures the safe-mode governor.
type GovernanceConfig struct {
	SafeMode          bool    `yaml:"safe_mode" mapstructure:"safe_mode"`
	SpikeThreshold    int     `yaml:"spike_threshold" mapstructure:"spike_threshold"`
	StuckCycles       int     `yaml:"stuck_cycles" mapstructure:"stuck_cycles"`
	StuckTolerance    float64 `yaml:"stuck_tolerance" mapstructure:"stuck_tolerance"`
	StuckMinDelta     int     `yaml:"stuck_min_delta" mapstructure:"stuck_min_delta"`
	AlertWebhookURL   string  `yaml:"alert_webhook_url" mapstructure:"alert_webhook_url"`
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	// QueueWarnRatio raises a warning alert once the eligible queue reaches
	// this fraction of SpikeThreshold.
	QueueWarnRatio    float64 `yaml:"queue_warn_ratio" mapstructure:"queue_warn_ratio"`
}

// NotifyConfig configures notification delivery.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// IMAPConfig holds IMAP connector credentials.
type IMAPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Secure   bool   `yaml:"secure" mapstructure:"secure"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
}

// GmailConfig holds Gmail OAuth credentials.
type GmailConfig struct {
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	RefreshToken string `yaml:"refresh_token" mapstructure:"refresh_token"`
}

// ScheduleConfig configures the interval scheduler.
type ScheduleConfig struct {
	ParseIntervalMins int `yaml:"parse_interval_mins" mapstructure:"parse_interval_mins"`
	ScanIntervalMins  int `yaml:"scan_interval_mins" mapstructure:"scan_interval_mins"`
	ScanMax           int `yaml:"scan_max" mapstructure:"scan_max"`
}

// ServerConfig configures the admin API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// envOnlyKeys are settings with no default that must still be readable from
// SUBSCOUT_* environment variables.
var envOnlyKeys = []string{
	"store.max_conns",
	"store.min_conns",
	"anthropic.key",
	"openai.key",
	"signals.merchant_file",
	"governance.safe_mode",
	"governance.alert_webhook_url",
	"notify.webhook_url",
	"imap.host",
	"imap.user",
	"imap.password",
	"gmail.client_id",
	"gmail.client_secret",
	"gmail.refresh_token",
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SUBSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "subscout.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 500)
	v.SetDefault("anthropic.requests_per_minute", 50)
	v.SetDefault("anthropic.concurrency", 1)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 500)
	v.SetDefault("openai.requests_per_minute", 60)
	v.SetDefault("openai.concurrency", 1)
	v.SetDefault("signals.body_cap", 50000)
	v.SetDefault("extraction.min_ai_confidence", 40)
	v.SetDefault("extraction.body_chars", 2000)
	v.SetDefault("extraction.batch_size", 100)
	v.SetDefault("extraction.retry_attempts", 4)
	v.SetDefault("extraction.initial_backoff_ms", 1000)
	v.SetDefault("extraction.progress_every", 5)
	v.SetDefault("extraction.circuit_failure_threshold", 5)
	v.SetDefault("extraction.circuit_reset_secs", 60)
	v.SetDefault("detection.batch_size", 100)
	v.SetDefault("detection.min_confidence", 0.6)
	v.SetDefault("governance.spike_threshold", 150)
	v.SetDefault("governance.stuck_cycles", 3)
	v.SetDefault("governance.stuck_tolerance", 0.05)
	v.SetDefault("governance.stuck_min_delta", 2)
	v.SetDefault("governance.queue_warn_ratio", 0.8)
	v.SetDefault("governance.check_interval_secs", 300)
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.secure", true)
	v.SetDefault("schedule.parse_interval_mins", 60)
	v.SetDefault("schedule.scan_interval_mins", 240)
	v.SetDefault("schedule.scan_max", 200)

	// AutomaticEnv only resolves keys viper already knows, so keys without
	// a default are bound explicitly.
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

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

// Validate checks the fields required by a command mode ("pipeline" or "serve").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "pipeline", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Extraction.MinAIConfidence < 0 || c.Extraction.MinAIConfidence > 100 {
		errs = append(errs, "extraction.min_ai_confidence must be between 0 and 100")
	}
	if c.Detection.MinConfidence < 0 || c.Detection.MinConfidence > 1 {
		errs = append(errs, "detection.min_confidence must be between 0 and 1")
	}
	if c.Detection.BatchSize < 1 || c.Detection.BatchSize > 500 {
		errs = append(errs, "detection.batch_size must be between 1 and 500")
	}
	if c.Governance.StuckTolerance < 0 || c.Governance.StuckTolerance > 1 {
		errs = append(errs, "governance.stuck_tolerance must be between 0 and 1")
	}
	for i, mb := range c.Mailboxes {
		if mb.ID == "" || mb.UserID == "" {
			errs = append(errs, fmt.Sprintf("mailboxes[%d] requires id and user_id", i))
		}
	}
	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
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
