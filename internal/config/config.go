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
	Feeds      FeedsConfig      `yaml:"feeds" mapstructure:"feeds"`
	Resolver   ResolverConfig   `yaml:"resolver" mapstructure:"resolver"`
	Validator  ValidatorConfig  `yaml:"validator" mapstructure:"validator"`
	Scrape     ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Firecrawl  FirecrawlConfig  `yaml:"firecrawl" mapstructure:"firecrawl"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Chat       ChatConfig       `yaml:"chat" mapstructure:"chat"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// FeedsConfig configures feed fetching. The feed list itself lives in a
// separate registry file at Path.
type FeedsConfig struct {
	Path      string        `yaml:"path" mapstructure:"path"`
	Workers   int           `yaml:"workers" mapstructure:"workers"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RateLimit float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst     int           `yaml:"burst" mapstructure:"burst"`
	UserAgent string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// ResolverConfig configures the redirect resolver and its session pool.
type ResolverConfig struct {
	Driver            string        `yaml:"driver" mapstructure:"driver"`
	Sessions          int           `yaml:"sessions" mapstructure:"sessions"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout" mapstructure:"navigation_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PollWindow        time.Duration `yaml:"poll_window" mapstructure:"poll_window"`
	IndirectionHosts  []string      `yaml:"indirection_hosts" mapstructure:"indirection_hosts"`
	ChromePath        string        `yaml:"chrome_path" mapstructure:"chrome_path"`
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// ValidatorConfig configures content validation thresholds and vocabularies.
// Empty lists fall back to the built-in defaults.
type ValidatorConfig struct {
	MinTitleChars int      `yaml:"min_title_chars" mapstructure:"min_title_chars"`
	MinTotalChars int      `yaml:"min_total_chars" mapstructure:"min_total_chars"`
	BlockedTerms  []string `yaml:"blocked_terms" mapstructure:"blocked_terms"`
	GenericTitles []string `yaml:"generic_titles" mapstructure:"generic_titles"`
}

// ScrapeConfig configures page metadata fetching and local text extraction.
type ScrapeConfig struct {
	Workers      int           `yaml:"workers" mapstructure:"workers"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxTextChars int           `yaml:"max_text_chars" mapstructure:"max_text_chars"`
	UserAgent    string        `yaml:"user_agent" mapstructure:"user_agent"`
	ExcludeURLs  []string      `yaml:"exclude_urls" mapstructure:"exclude_urls"`
}

// FirecrawlConfig holds Firecrawl settings. An empty key leaves Firecrawl
// out of the extractor chain.
type FirecrawlConfig struct {
	Key     string        `yaml:"key" mapstructure:"key"`
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key     string        `yaml:"key" mapstructure:"key"`
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ChatConfig configures the Google Chat alert webhook.
type ChatConfig struct {
	WebhookURL string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// StageConfig sizes one stage's worker pool and paces its adapter calls.
type StageConfig struct {
	Workers     int           `yaml:"workers" mapstructure:"workers"`
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
}

// PipelineConfig configures the stage orchestrator.
type PipelineConfig struct {
	BatchSize       int                    `yaml:"batch_size" mapstructure:"batch_size"`
	StallThreshold  time.Duration          `yaml:"stall_threshold" mapstructure:"stall_threshold"`
	OpTimeout       time.Duration          `yaml:"op_timeout" mapstructure:"op_timeout"`
	FinalizeTimeout time.Duration          `yaml:"finalize_timeout" mapstructure:"finalize_timeout"`
	Stages          map[string]StageConfig `yaml:"stages" mapstructure:"stages"`
}

// Stage returns the settings for the named stage, one worker and no pacing
// when it is not configured.
func (p PipelineConfig) Stage(name string) StageConfig {
	sc := p.Stages[name]
	if sc.Workers <= 0 {
		sc.Workers = 1
	}
	return sc
}

// RetryConfig configures the shared retry policy for outbound calls.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter         float64       `yaml:"jitter" mapstructure:"jitter"`
}

// CircuitConfig configures the per-stage circuit breakers.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

// MonitoringConfig configures pass-health alerts.
type MonitoringConfig struct {
	WebhookURL           string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinFinished          int64         `yaml:"min_finished" mapstructure:"min_finished"`
	CheckInterval        time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	MaxPassAge           time.Duration `yaml:"max_pass_age" mapstructure:"max_pass_age"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Port     int           `yaml:"port" mapstructure:"port"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	// Secrets have empty defaults so AutomaticEnv picks them up on Unmarshal.
	for _, key := range []string{
		"store.database_url", "jina.key", "firecrawl.key", "anthropic.key", "anthropic.base_url",
		"chat.webhook_url", "monitoring.webhook_url", "resolver.chrome_path",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "news-sentinel.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("feeds.path", "feeds.yaml")
	v.SetDefault("feeds.workers", 8)
	v.SetDefault("feeds.timeout", 20*time.Second)
	v.SetDefault("feeds.rate_limit", 2.0)
	v.SetDefault("feeds.burst", 2)
	v.SetDefault("feeds.user_agent", "news-sentinel/1.0")

	v.SetDefault("resolver.driver", "http")
	v.SetDefault("resolver.sessions", 4)
	v.SetDefault("resolver.acquire_timeout", 30*time.Second)
	v.SetDefault("resolver.navigation_timeout", 8*time.Second)
	v.SetDefault("resolver.poll_interval", 200*time.Millisecond)
	v.SetDefault("resolver.poll_window", 6*time.Second)
	v.SetDefault("resolver.indirection_hosts", []string{"google.com"})
	v.SetDefault("resolver.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")

	v.SetDefault("validator.min_title_chars", 8)
	v.SetDefault("validator.min_total_chars", 12)

	v.SetDefault("scrape.workers", 8)
	v.SetDefault("scrape.timeout", 10*time.Second)
	v.SetDefault("scrape.max_text_chars", 50000)
	v.SetDefault("scrape.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")

	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.timeout", 60*time.Second)
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v1")
	v.SetDefault("firecrawl.timeout", 60*time.Second)

	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)

	v.SetDefault("chat.timeout", 10*time.Second)

	v.SetDefault("pipeline.batch_size", 50)
	v.SetDefault("pipeline.stall_threshold", 30*time.Minute)
	v.SetDefault("pipeline.op_timeout", 2*time.Minute)
	v.SetDefault("pipeline.finalize_timeout", 10*time.Second)
	v.SetDefault("pipeline.stages.classify.workers", 1)
	v.SetDefault("pipeline.stages.classify.min_interval", 2*time.Second)
	v.SetDefault("pipeline.stages.extract_text.workers", 8)
	v.SetDefault("pipeline.stages.target.workers", 1)
	v.SetDefault("pipeline.stages.target.min_interval", 2*time.Second)
	v.SetDefault("pipeline.stages.deliver.workers", 4)
	v.SetDefault("pipeline.stages.deliver.min_interval", time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cooldown", 2*time.Minute)

	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_finished", 4)
	v.SetDefault("monitoring.check_interval", 5*time.Minute)
	v.SetDefault("monitoring.max_pass_age", time.Hour)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.interval", 15*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings a command needs before it touches the
// store or the network. mode is "store" (operator commands), "run" or
// "serve". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}

	switch mode {
	case "store":
	case "run", "serve":
		errs = append(errs, c.validatePipeline()...)
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validatePipeline() []string {
	var errs []string
	switch c.Resolver.Driver {
	case "http", "chrome":
	default:
		errs = append(errs, fmt.Sprintf("unknown resolver.driver %q", c.Resolver.Driver))
	}
	if c.Resolver.Sessions <= 0 {
		errs = append(errs, "resolver.sessions must be > 0")
	}
	if c.Resolver.PollInterval <= 0 || c.Resolver.PollWindow <= 0 {
		errs = append(errs, "resolver.poll_interval and resolver.poll_window must be > 0")
	}
	if c.Feeds.Workers <= 0 {
		errs = append(errs, "feeds.workers must be > 0")
	}
	if c.Scrape.Workers <= 0 {
		errs = append(errs, "scrape.workers must be > 0")
	}
	if c.Pipeline.BatchSize <= 0 {
		errs = append(errs, "pipeline.batch_size must be > 0")
	}
	for name, sc := range c.Pipeline.Stages {
		if sc.Workers < 0 || sc.MinInterval < 0 {
			errs = append(errs, fmt.Sprintf("pipeline.stages.%s values must be >= 0", name))
		}
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}
	return errs
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
