package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/cartscout/backend/internal/infrastructure/source"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Cache      CacheConfig
	Session    SessionConfig
	Aggregator AggregatorConfig
	Sources    []SourceConfig
	Assistant  AssistantConfig
	Tracker    TrackerConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig selects the zap level and encoder
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// CacheConfig holds cache-related configuration
type CacheConfig struct {
	Type     string        `mapstructure:"type"` // "memory" or "redis"
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SessionConfig holds session persistence configuration
type SessionConfig struct {
	Type     string        `mapstructure:"type"` // "memory" or "redis"
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// AggregatorConfig holds fan-out timing and merge thresholds
type AggregatorConfig struct {
	SourceTimeout   time.Duration `mapstructure:"source_timeout"`
	GlobalDeadline  time.Duration `mapstructure:"global_deadline"` // 0 derives it
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	TitleSimilarity float64       `mapstructure:"title_similarity"`
	PriceTolerance  float64       `mapstructure:"price_tolerance"`
}

// SourceConfig describes one retail source adapter
type SourceConfig struct {
	ID        string           `mapstructure:"id"`
	Type      string           `mapstructure:"type"` // "mcp", "serpapi" or "html"
	BaseURL   string           `mapstructure:"base_url"`
	APIKey    string           `mapstructure:"api_key"`
	Country   string           `mapstructure:"country"`
	Language  string           `mapstructure:"language"`
	Timeout   time.Duration    `mapstructure:"timeout"`
	RateLimit float64          `mapstructure:"rate_limit"`
	Burst     int              `mapstructure:"burst"`
	Selectors source.Selectors `mapstructure:"selectors"`
}

// AssistantConfig selects the intent and ranking backend
type AssistantConfig struct {
	Provider string        `mapstructure:"provider"` // "rules" or "openai"
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TrackerConfig holds conversation retry limits
type TrackerConfig struct {
	IntentAttempts    int `mapstructure:"intent_attempts"`
	MaxIntentFailures int `mapstructure:"max_intent_failures"`
	StoreAttempts     int `mapstructure:"store_attempts"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	PerIP int `mapstructure:"per_ip"` // requests per minute, 0 disables
}

const (
	SourceTypeMCP     = "mcp"
	SourceTypeSerpAPI = "serpapi"
	SourceTypeHTML    = "html"
)

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	if err := loadEnvFile(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	// Set config name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/cartscout/")

	// Environment variable settings
	v.SetEnvPrefix("CARTSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set default values
	setDefaults(v)

	// Read config file (optional - will use env vars if file doesn't exist)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads KEY=VALUE pairs from path without overriding the environment.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading %s: %w", path, err)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Cache defaults
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", "5m")

	v.SetDefault("session.type", "memory")
	v.SetDefault("session.redis_url", "")
	v.SetDefault("session.ttl", "24h")

	v.SetDefault("aggregator.source_timeout", "4s")
	v.SetDefault("aggregator.global_deadline", "0s")
	v.SetDefault("aggregator.retry_backoff", "250ms")
	v.SetDefault("aggregator.title_similarity", 0.8)
	v.SetDefault("aggregator.price_tolerance", 0.05)

	// The two scraper services of the reference deployment
	v.SetDefault("sources", []map[string]interface{}{
		{"id": "amazon", "type": SourceTypeMCP, "base_url": "http://localhost:8001", "timeout": "4s", "rate_limit": 2, "burst": 2},
		{"id": "flipkart", "type": SourceTypeMCP, "base_url": "http://localhost:8002", "timeout": "4s", "rate_limit": 2, "burst": 2},
	})

	v.SetDefault("assistant.provider", "rules")
	v.SetDefault("assistant.api_key", "")
	v.SetDefault("assistant.base_url", "")
	v.SetDefault("assistant.model", "gpt-4o-mini")
	v.SetDefault("assistant.timeout", "20s")

	v.SetDefault("tracker.intent_attempts", 2)
	v.SetDefault("tracker.max_intent_failures", 3)
	v.SetDefault("tracker.store_attempts", 3)

	// Rate limit defaults
	v.SetDefault("ratelimit.per_ip", 60)
}

// validate validates the configuration
func validate(config *Config) error {
	if err := validateStore("cache", config.Cache.Type, config.Cache.RedisURL); err != nil {
		return err
	}
	if err := validateStore("session", config.Session.Type, config.Session.RedisURL); err != nil {
		return err
	}

	if len(config.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	seen := make(map[string]bool, len(config.Sources))
	for i, s := range config.Sources {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, id)
		}
		seen[id] = true

		switch s.Type {
		case SourceTypeMCP:
			if s.BaseURL == "" {
				return fmt.Errorf("source %s: base_url is required for type mcp", id)
			}
		case SourceTypeHTML:
			if !strings.Contains(s.BaseURL, "{query}") {
				return fmt.Errorf("source %s: base_url must contain {query} for type html", id)
			}
		case SourceTypeSerpAPI:
			if s.APIKey == "" {
				return fmt.Errorf("source %s: api_key is required for type serpapi", id)
			}
		default:
			return fmt.Errorf("source %s: type must be 'mcp', 'serpapi' or 'html', got: %s", id, s.Type)
		}
	}

	switch config.Assistant.Provider {
	case "rules":
	case "openai":
		if config.Assistant.APIKey == "" {
			return fmt.Errorf("assistant API key is required for provider 'openai' (set CARTSCOUT_ASSISTANT_API_KEY)")
		}
	default:
		return fmt.Errorf("assistant provider must be 'rules' or 'openai', got: %s", config.Assistant.Provider)
	}

	if config.Aggregator.TitleSimilarity < 0 || config.Aggregator.PriceTolerance < 0 {
		return fmt.Errorf("aggregator thresholds must not be negative")
	}

	return nil
}

func validateStore(name, typ, redisURL string) error {
	if typ != "memory" && typ != "redis" {
		return fmt.Errorf("%s type must be 'memory' or 'redis', got: %s", name, typ)
	}
	if typ == "redis" && redisURL == "" {
		return fmt.Errorf("Redis URL is required when %s type is 'redis'", name)
	}
	return nil
}

// SourceIDs lists the configured source ids in declaration order.
func (c *Config) SourceIDs() []string {
	ids := make([]string, 0, len(c.Sources))
	for _, s := range c.Sources {
		ids = append(ids, s.ID)
	}
	return ids
}
