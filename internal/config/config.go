// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Mapper    MapperConfig    `mapstructure:"mapper"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	Submit    SubmitConfig    `mapstructure:"submit"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Receipts  ReceiptsConfig  `mapstructure:"receipts"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig governs the worker pool and task queue.
type QueueConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	Depth       int `mapstructure:"depth"`
}

// RetryConfig shapes the shared retry policy applied by the queue processor.
type RetryConfig struct {
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// RateLimitConfig throttles outbound submission attempts.
type RateLimitConfig struct {
	GlobalRPS    float64 `mapstructure:"global_rps"`
	PerDomainRPS float64 `mapstructure:"per_domain_rps"`
	Burst        int     `mapstructure:"burst"`
}

// CatalogConfig selects and parameterizes the directory catalog source.
type CatalogConfig struct {
	Provider string `mapstructure:"provider"`
	SeedFile string `mapstructure:"seed_file"`
	Table    string `mapstructure:"table"`
}

// DiscoveryConfig tunes directory discovery and ranking.
type DiscoveryConfig struct {
	MaxResultsDefault  int            `mapstructure:"max_results_default"`
	MinDomainAuthority int            `mapstructure:"min_domain_authority"`
	DynamicEnabled     bool           `mapstructure:"dynamic_enabled"`
	SearchEndpoints    []string       `mapstructure:"search_endpoints"`
	Weights            RankingWeights `mapstructure:"weights"`
	ProbeCandidates    bool           `mapstructure:"probe_candidates"`
}

// RankingWeights are the tunable scoring weights. They are configuration, not
// constants: deployments tune them against observed approval rates.
type RankingWeights struct {
	DomainAuthority   float64 `mapstructure:"domain_authority"`
	TrafficPotential  float64 `mapstructure:"traffic_potential"`
	CategoryMatch     float64 `mapstructure:"category_match"`
	SuccessRate       float64 `mapstructure:"success_rate"`
	ComplexityPenalty float64 `mapstructure:"complexity_penalty"`
}

// ProbeConfig configures form-page probing.
type ProbeConfig struct {
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	UserAgent       string `mapstructure:"user_agent"`
	HeadlessEnabled bool   `mapstructure:"headless_enabled"`
	HeadlessNavSec  int    `mapstructure:"headless_nav_seconds"`
	MinHTMLBytes    int    `mapstructure:"min_html_bytes"`
}

// MapperConfig configures the form field mapper and its AI fallback.
type MapperConfig struct {
	ConfidenceThreshold float64  `mapstructure:"confidence_threshold"`
	AI                  AIConfig `mapstructure:"ai"`
}

// AIConfig points the mapper at an OpenAI-compatible chat completion
// endpoint.
type AIConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CaptchaConfig configures solving providers and the per-submission budget.
type CaptchaConfig struct {
	Providers      []CaptchaProviderConfig `mapstructure:"providers"`
	BudgetUSD      float64                 `mapstructure:"budget_usd"`
	BudgetSeconds  int                     `mapstructure:"budget_seconds"`
	PollIntervalMs int                     `mapstructure:"poll_interval_ms"`
}

// CaptchaProviderConfig describes one solving vendor. Priority order in the
// slice is the fallback order.
type CaptchaProviderConfig struct {
	Name           string  `mapstructure:"name"`
	APIKey         string  `mapstructure:"api_key"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	CostPerSolve   float64 `mapstructure:"cost_per_solve"`
}

// SubmitConfig controls the submission POST.
type SubmitConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	TasksTable   string `mapstructure:"tasks_table"`
	ResultsTable string `mapstructure:"results_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ReceiptsConfig sets where submission evidence blobs are archived.
type ReceiptsConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SUBMITD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.depth", 128)
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.backoff_initial_ms", 500)
	v.SetDefault("retry.backoff_max_ms", 10000)
	v.SetDefault("rate_limit.global_rps", 2)
	v.SetDefault("rate_limit.per_domain_rps", 0.5)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("catalog.provider", "memory")
	v.SetDefault("catalog.table", "directories")
	v.SetDefault("discovery.max_results_default", 50)
	v.SetDefault("discovery.min_domain_authority", 20)
	v.SetDefault("discovery.dynamic_enabled", false)
	v.SetDefault("discovery.weights.domain_authority", 0.35)
	v.SetDefault("discovery.weights.traffic_potential", 0.20)
	v.SetDefault("discovery.weights.category_match", 0.25)
	v.SetDefault("discovery.weights.success_rate", 0.20)
	v.SetDefault("discovery.weights.complexity_penalty", 0.15)
	v.SetDefault("probe.timeout_seconds", 20)
	v.SetDefault("probe.user_agent", "submitd/1.0 (+https://github.com/directorybolt/submitd)")
	v.SetDefault("probe.headless_enabled", false)
	v.SetDefault("probe.headless_nav_seconds", 25)
	v.SetDefault("probe.min_html_bytes", 2000)
	v.SetDefault("mapper.confidence_threshold", 0.7)
	v.SetDefault("mapper.ai.enabled", false)
	v.SetDefault("mapper.ai.base_url", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("mapper.ai.model", "gpt-4o-mini")
	v.SetDefault("mapper.ai.timeout_seconds", 20)
	v.SetDefault("captcha.budget_usd", 0.05)
	v.SetDefault("captcha.budget_seconds", 180)
	v.SetDefault("captcha.poll_interval_ms", 5000)
	v.SetDefault("submit.timeout_seconds", 30)
	v.SetDefault("submit.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	v.SetDefault("db.tasks_table", "submission_tasks")
	v.SetDefault("db.results_table", "submission_results")
	v.SetDefault("receipts.prefix", "receipts")
}

// Validate enforces required values and reasonable limits. Only
// configuration errors are fatal; everything downstream degrades per task.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Mapper.ConfidenceThreshold <= 0 || c.Mapper.ConfidenceThreshold > 1 {
		return fmt.Errorf("mapper.confidence_threshold must be in (0, 1]")
	}
	if c.Mapper.AI.Enabled && c.Mapper.AI.APIKey == "" {
		return fmt.Errorf("mapper.ai.api_key must be set when mapper.ai is enabled")
	}
	for i, p := range c.Captcha.Providers {
		if p.Name == "" {
			return fmt.Errorf("captcha.providers[%d].name is required", i)
		}
		if p.APIKey == "" {
			return fmt.Errorf("captcha.providers[%d].api_key is required", i)
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Catalog.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when catalog.provider is postgres")
	}
	return nil
}

// SolveBudgetWait converts the captcha budget seconds into a duration.
func (c Config) SolveBudgetWait() time.Duration {
	return time.Duration(c.Captcha.BudgetSeconds) * time.Second
}
