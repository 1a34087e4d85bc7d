package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig           `yaml:"store" mapstructure:"store"`
	Budget       BudgetConfig          `yaml:"budget" mapstructure:"budget"`
	Methods      MethodsConfig         `yaml:"methods" mapstructure:"methods"`
	Tiers        map[string]TierConfig `yaml:"tiers" mapstructure:"tiers"`
	Orchestrator OrchestratorConfig    `yaml:"orchestrator" mapstructure:"orchestrator"`
	Queue        QueueConfig           `yaml:"queue" mapstructure:"queue"`
	Firecrawl    FirecrawlConfig       `yaml:"firecrawl" mapstructure:"firecrawl"`
	Anthropic    AnthropicConfig       `yaml:"anthropic" mapstructure:"anthropic"`
	Browser      BrowserConfig         `yaml:"browser" mapstructure:"browser"`
	Monitoring   MonitoringConfig      `yaml:"monitoring" mapstructure:"monitoring"`
	Server       ServerConfig          `yaml:"server" mapstructure:"server"`
	Log          LogConfig             `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BudgetConfig holds the spend caps per period in USD.
type BudgetConfig struct {
	DailyLimit      float64   `yaml:"daily_limit" mapstructure:"daily_limit"`
	WeeklyLimit     float64   `yaml:"weekly_limit" mapstructure:"weekly_limit"`
	MonthlyLimit    float64   `yaml:"monthly_limit" mapstructure:"monthly_limit"`
	AlertThresholds []float64 `yaml:"alert_thresholds" mapstructure:"alert_thresholds"`
}

// MethodsConfig holds per-method cost rates and the per-attempt timeout.
type MethodsConfig struct {
	AttemptTimeoutSecs int              `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	BrowserPerScrape   float64          `yaml:"browser_per_scrape" mapstructure:"browser_per_scrape"`
	Firecrawl          FirecrawlPricing `yaml:"firecrawl" mapstructure:"firecrawl"`
	Vision             VisionPricing    `yaml:"vision" mapstructure:"vision"`
}

// FirecrawlPricing holds Firecrawl plan pricing.
type FirecrawlPricing struct {
	PlanMonthly      float64 `yaml:"plan_monthly" mapstructure:"plan_monthly"`
	CreditsIncluded  float64 `yaml:"credits_included" mapstructure:"credits_included"`
	CreditsPerScrape float64 `yaml:"credits_per_scrape" mapstructure:"credits_per_scrape"`
}

// VisionPricing holds vision-model token pricing (USD per million tokens)
// and the token estimate used for pre-attempt allocation.
type VisionPricing struct {
	Input           float64 `yaml:"input" mapstructure:"input"`
	Output          float64 `yaml:"output" mapstructure:"output"`
	EstInputTokens  int64   `yaml:"est_input_tokens" mapstructure:"est_input_tokens"`
	EstOutputTokens int64   `yaml:"est_output_tokens" mapstructure:"est_output_tokens"`
}

// TierConfig is the method whitelist and per-scrape ceiling of one tier.
type TierConfig struct {
	AllowedMethods   []string `yaml:"allowed_methods" mapstructure:"allowed_methods"`
	MaxCostPerScrape float64  `yaml:"max_cost_per_scrape" mapstructure:"max_cost_per_scrape"`
}

// OrchestratorConfig bounds a scrape session.
type OrchestratorConfig struct {
	MaxAttempts           int `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelayMillis      int `yaml:"retry_delay_millis" mapstructure:"retry_delay_millis"`
	QuarantineThreshold   int `yaml:"quarantine_threshold" mapstructure:"quarantine_threshold"`
	QuarantineHours       int `yaml:"quarantine_hours" mapstructure:"quarantine_hours"`
	InvocationTimeoutSecs int `yaml:"invocation_timeout_secs" mapstructure:"invocation_timeout_secs"`
}

// QueueConfig configures job claiming.
type QueueConfig struct {
	LeaseSecs         int `yaml:"lease_secs" mapstructure:"lease_secs"`
	BatchSize         int `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency       int `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalSecs  int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	SweepIntervalSecs int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	MaxJobAttempts    int `yaml:"max_job_attempts" mapstructure:"max_job_attempts"`
}

// FirecrawlConfig holds Firecrawl API settings.
type FirecrawlConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Retries           int     `yaml:"retries" mapstructure:"retries"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// BrowserConfig configures the headless browser pool.
type BrowserConfig struct {
	Headless    bool   `yaml:"headless" mapstructure:"headless"`
	PoolSize    int    `yaml:"pool_size" mapstructure:"pool_size"`
	BinPath     string `yaml:"bin_path" mapstructure:"bin_path"`
	SettleMilli int    `yaml:"settle_millis" mapstructure:"settle_millis"`
}

// MonitoringConfig configures alert delivery and the background checker.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AttemptTimeout returns the per-attempt adapter timeout.
func (c MethodsConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSecs) * time.Second
}

// RetryDelay returns the fixed inter-attempt delay.
func (c OrchestratorConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMillis) * time.Millisecond
}

// QuarantineDuration returns how long a failing vendor stays quarantined.
func (c OrchestratorConfig) QuarantineDuration() time.Duration {
	return time.Duration(c.QuarantineHours) * time.Hour
}

// InvocationTimeout returns the wall-clock ceiling of one invocation.
func (c OrchestratorConfig) InvocationTimeout() time.Duration {
	return time.Duration(c.InvocationTimeoutSecs) * time.Second
}

// Lease returns the job claim lease.
func (c QueueConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSecs) * time.Second
}

// Load reads configuration from file and environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("budget.daily_limit", 5.0)
	v.SetDefault("budget.weekly_limit", 25.0)
	v.SetDefault("budget.monthly_limit", 80.0)
	v.SetDefault("budget.alert_thresholds", []float64{0.7, 0.9})
	v.SetDefault("methods.attempt_timeout_secs", 15)
	v.SetDefault("methods.browser_per_scrape", 0.0)
	v.SetDefault("methods.firecrawl.plan_monthly", 19.00)
	v.SetDefault("methods.firecrawl.credits_included", 3000)
	v.SetDefault("methods.firecrawl.credits_per_scrape", 1)
	v.SetDefault("methods.vision.input", 3.0)
	v.SetDefault("methods.vision.output", 15.0)
	v.SetDefault("methods.vision.est_input_tokens", 4000)
	v.SetDefault("methods.vision.est_output_tokens", 800)
	v.SetDefault("tiers.tier1.allowed_methods", []string{"playwright", "firecrawl", "vision"})
	v.SetDefault("tiers.tier1.max_cost_per_scrape", 0.05)
	v.SetDefault("tiers.tier2.allowed_methods", []string{"playwright", "firecrawl"})
	v.SetDefault("tiers.tier2.max_cost_per_scrape", 0.01)
	v.SetDefault("tiers.tier3.allowed_methods", []string{"playwright"})
	v.SetDefault("tiers.tier3.max_cost_per_scrape", 0.0)
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.retry_delay_millis", 2000)
	v.SetDefault("orchestrator.quarantine_threshold", 5)
	v.SetDefault("orchestrator.quarantine_hours", 24)
	v.SetDefault("orchestrator.invocation_timeout_secs", 60)
	v.SetDefault("queue.lease_secs", 90)
	v.SetDefault("queue.batch_size", 5)
	v.SetDefault("queue.concurrency", 3)
	v.SetDefault("queue.poll_interval_secs", 5)
	v.SetDefault("queue.sweep_interval_secs", 60)
	v.SetDefault("queue.max_job_attempts", 3)
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("firecrawl.requests_per_second", 2.0)
	v.SetDefault("firecrawl.retries", 2)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.pool_size", 2)
	v.SetDefault("browser.settle_millis", 1500)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

var knownMethods = map[string]bool{
	"playwright": true,
	"firecrawl":  true,
	"vision":     true,
	"manual":     true,
}

// Validate checks the configuration for the given run mode ("serve",
// "work" or "cli"). All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "work", "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	if c.Budget.DailyLimit < 0 || c.Budget.WeeklyLimit < 0 || c.Budget.MonthlyLimit < 0 {
		errs = append(errs, "budget limits must be >= 0")
	}
	for _, th := range c.Budget.AlertThresholds {
		if th <= 0 || th > 1 {
			errs = append(errs, fmt.Sprintf("budget.alert_thresholds values must be in (0, 1], got %v", th))
		}
	}

	for name, tier := range c.Tiers {
		for _, m := range tier.AllowedMethods {
			if !knownMethods[strings.ToLower(m)] {
				errs = append(errs, fmt.Sprintf("tiers.%s.allowed_methods: unknown method %q", name, m))
			}
		}
		if tier.MaxCostPerScrape < 0 {
			errs = append(errs, fmt.Sprintf("tiers.%s.max_cost_per_scrape must be >= 0", name))
		}
	}

	o := c.Orchestrator
	if o.MaxAttempts < 1 {
		errs = append(errs, "orchestrator.max_attempts must be >= 1")
	}
	if o.QuarantineThreshold < 1 {
		errs = append(errs, "orchestrator.quarantine_threshold must be >= 1")
	}
	if c.Methods.AttemptTimeoutSecs < 1 {
		errs = append(errs, "methods.attempt_timeout_secs must be >= 1")
	}
	if o.MaxAttempts >= 1 && c.Methods.AttemptTimeoutSecs >= 1 {
		worst := time.Duration(o.MaxAttempts)*c.Methods.AttemptTimeout() +
			time.Duration(o.MaxAttempts-1)*o.RetryDelay()
		if worst > o.InvocationTimeout() {
			errs = append(errs, fmt.Sprintf(
				"max_attempts x attempt_timeout plus retry delays (%s) exceeds orchestrator.invocation_timeout_secs (%s)",
				worst, o.InvocationTimeout()))
		}
	}

	if c.Queue.Concurrency < 1 || c.Queue.Concurrency > 50 {
		errs = append(errs, "queue.concurrency must be between 1 and 50")
	}
	if c.Queue.LeaseSecs < 1 {
		errs = append(errs, "queue.lease_secs must be >= 1")
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
