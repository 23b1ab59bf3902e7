package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Research  ResearchConfig  `mapstructure:"research"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address      string   `mapstructure:"address"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type          string              `mapstructure:"type"` // openai or any compatible endpoint
	APIKey        string              `mapstructure:"api_key"`
	BaseURL       string              `mapstructure:"base_url"`
	Models        map[string]LLMModel `mapstructure:"models"`
	Timeout       time.Duration       `mapstructure:"timeout"`
	StreamTimeout time.Duration       `mapstructure:"stream_timeout"`
}

// LLMModel represents a specific model configuration, keyed by the short
// model key clients send in requests.
type LLMModel struct {
	Name        string  `mapstructure:"name"`
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	Streaming   bool    `mapstructure:"streaming"`
}

// LLMRoutingConfig defines which model key to use for different stages
type LLMRoutingConfig struct {
	Default   string `mapstructure:"default"`
	Planning  string `mapstructure:"planning"`
	Distill   string `mapstructure:"distill"`
	Synthesis string `mapstructure:"synthesis"`
}

// SearchConfig contains web-search provider settings
type SearchConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	Limit      int           `mapstructure:"limit"`
	Country    string        `mapstructure:"country"`
	Lang       string        `mapstructure:"lang"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// CacheConfig contains the optional redis search-response cache settings
type CacheConfig struct {
	RedisHost     string        `mapstructure:"redis_host"`
	RedisPort     int           `mapstructure:"redis_port"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// ResearchConfig contains orchestrator bounds and defaults
type ResearchConfig struct {
	MaxDepth        int           `mapstructure:"max_depth"`
	MaxBreadth      int           `mapstructure:"max_breadth"`
	Concurrency     int           `mapstructure:"concurrency"`
	MaxLearnings    int           `mapstructure:"max_learnings_per_query"`
	MaxFollowUps    int           `mapstructure:"max_followups_per_query"`
	MaxEnrichments  int           `mapstructure:"max_enrichments_per_run"`
	EnrichTimeout   time.Duration `mapstructure:"enrich_timeout"`
	FaviconEndpoint string        `mapstructure:"favicon_endpoint"`
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("deepscout")
		v.SetConfigType("json")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DEEPSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; defaults plus env cover a minimal deployment.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")

	v.SetDefault("server.address", ":10011")
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("llm.routing.default", "balanced")

	v.SetDefault("search.limit", 5)
	v.SetDefault("search.country", "us")
	v.SetDefault("search.lang", "en")
	v.SetDefault("search.timeout", "60s")
	v.SetDefault("search.max_retries", 2)

	v.SetDefault("cache.redis_port", 6379)
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.ttl", "15m")

	v.SetDefault("research.max_depth", 5)
	v.SetDefault("research.max_breadth", 5)
	v.SetDefault("research.concurrency", 2)
	v.SetDefault("research.max_learnings_per_query", 5)
	v.SetDefault("research.max_followups_per_query", 3)
	v.SetDefault("research.max_enrichments_per_run", 4)
	v.SetDefault("research.enrich_timeout", "10s")
	v.SetDefault("research.favicon_endpoint", "https://www.google.com/s2/favicons")

	v.SetDefault("telemetry.enabled", true)
}

// overrideFromEnv maps well-known environment variables onto config keys so
// secrets never have to live in the config file.
func overrideFromEnv(v *viper.Viper) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		v.Set("llm.providers.openai.api_key", apiKey)
	}
	if apiKey := os.Getenv("SEARCH_API_KEY"); apiKey != "" {
		v.Set("search.api_key", apiKey)
	}
	if endpoint := os.Getenv("SEARCH_ENDPOINT"); endpoint != "" {
		v.Set("search.endpoint", endpoint)
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		v.Set("cache.redis_host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("cache.redis_port", p)
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		v.Set("cache.redis_password", password)
	}
}

func validateConfig(cfg *Config) error {
	if len(cfg.LLM.Providers) == 0 {
		return fmt.Errorf("at least one LLM provider must be configured")
	}

	routingKeys := []string{
		cfg.LLM.Routing.Default,
		cfg.LLM.Routing.Planning,
		cfg.LLM.Routing.Distill,
		cfg.LLM.Routing.Synthesis,
	}
	for _, key := range routingKeys {
		if key == "" {
			continue
		}
		found := false
		for _, provider := range cfg.LLM.Providers {
			if _, ok := provider.Models[key]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("routing model key '%s' not found in any provider", key)
		}
	}

	if cfg.Research.Concurrency < 1 {
		return fmt.Errorf("research.concurrency must be at least 1")
	}

	return nil
}
