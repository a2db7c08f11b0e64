// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mirovane/lookalike/api/schemas"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	GraphAPI  GraphAPIConfig  `mapstructure:"graph_api" yaml:"graph_api"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the PostgreSQL connection details.
type DatabaseConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	MaxConns     int32         `mapstructure:"max_conns" yaml:"max_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime" yaml:"conn_lifetime"`
}

// GraphAPIConfig tunes the outbound client for the external
// profile-discovery service.
type GraphAPIConfig struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey     string        `mapstructure:"api_key" yaml:"-"`
	APIHost    string        `mapstructure:"api_host" yaml:"api_host"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries uint64        `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	RateLimit  float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// ServerConfig configures the dashboard API listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DiscoveryConfig holds the default run parameters. Individual runs may
// override any of them at creation time; validation happens once there.
type DiscoveryConfig struct {
	MinFollowers int `mapstructure:"min_followers" yaml:"min_followers"`
	SimilarCount int `mapstructure:"similar_count" yaml:"similar_count"`
	MaxLayers    int `mapstructure:"max_layers" yaml:"max_layers"`
	HashtagPages int `mapstructure:"hashtag_pages" yaml:"hashtag_pages"`
	SeedCap      int `mapstructure:"seed_cap" yaml:"seed_cap"`
	LayerFanout  int `mapstructure:"layer_fanout" yaml:"layer_fanout"`
	Concurrency  int `mapstructure:"concurrency" yaml:"concurrency"`
}

// RunConfig converts the configured defaults into a per-run parameter set.
func (d DiscoveryConfig) RunConfig() schemas.RunConfig {
	return schemas.RunConfig{
		MinFollowers: d.MinFollowers,
		SimilarCount: d.SimilarCount,
		MaxLayers:    d.MaxLayers,
		HashtagPages: d.HashtagPages,
		SeedCap:      d.SeedCap,
		LayerFanout:  d.LayerFanout,
		Concurrency:  d.Concurrency,
	}
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "lookalike")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.conn_lifetime", "30m")

	// -- Graph API --
	v.SetDefault("graph_api.base_url", "https://instagram-scraper-stable-api.p.rapidapi.com")
	v.SetDefault("graph_api.api_host", "instagram-scraper-stable-api.p.rapidapi.com")
	v.SetDefault("graph_api.timeout", "30s")
	v.SetDefault("graph_api.max_retries", 2)
	v.SetDefault("graph_api.retry_delay", "1s")
	v.SetDefault("graph_api.rate_limit", 2.0)

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "20s")

	// -- Discovery --
	v.SetDefault("discovery.min_followers", 5000)
	v.SetDefault("discovery.similar_count", 20)
	v.SetDefault("discovery.max_layers", 3)
	v.SetDefault("discovery.hashtag_pages", 3)
	v.SetDefault("discovery.seed_cap", 20)
	v.SetDefault("discovery.layer_fanout", 10)
	v.SetDefault("discovery.concurrency", 4)
}

// BindEnv wires environment overrides for the given viper instance.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("LOOKALIKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("graph_api.api_key", "LOOKALIKE_GRAPH_API_KEY")
	v.BindEnv("database.url", "LOOKALIKE_DATABASE_URL")
}

// NewConfigFromViper creates a validated configuration from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	if err != nil {
		// Defaults always validate; reaching here is a programming error.
		panic(fmt.Sprintf("failed to build default config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.GraphAPI.Timeout <= 0 {
		return fmt.Errorf("graph_api.timeout must be a positive duration")
	}
	if c.GraphAPI.RateLimit <= 0 {
		return fmt.Errorf("graph_api.rate_limit must be positive")
	}
	if err := ValidateRunConfig(c.Discovery.RunConfig()); err != nil {
		return fmt.Errorf("discovery defaults invalid: %w", err)
	}
	return nil
}

// ValidateRunConfig checks one run's parameter set. It is applied to the
// configured defaults at startup and to every run at creation time.
func ValidateRunConfig(rc schemas.RunConfig) error {
	if rc.MinFollowers < 0 {
		return fmt.Errorf("min_followers must not be negative")
	}
	if rc.SimilarCount <= 0 {
		return fmt.Errorf("similar_count must be a positive integer")
	}
	if rc.MaxLayers <= 0 {
		return fmt.Errorf("max_layers must be a positive integer")
	}
	if rc.HashtagPages <= 0 {
		return fmt.Errorf("hashtag_pages must be a positive integer")
	}
	if rc.SeedCap <= 0 {
		return fmt.Errorf("seed_cap must be a positive integer")
	}
	if rc.LayerFanout <= 0 {
		return fmt.Errorf("layer_fanout must be a positive integer")
	}
	if rc.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be a positive integer")
	}
	return nil
}
