// pkg/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Redis       RedisConfig       `mapstructure:"redis" json:"redis"`
	Batcher     BatcherConfig     `mapstructure:"batcher" json:"batcher"`
	ObjectStore ObjectStoreConfig `mapstructure:"objectstore" json:"objectstore"`
	Anchor      AnchorConfig      `mapstructure:"anchor" json:"anchor"`
	Log         LogConfig         `mapstructure:"log" json:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics" json:"metrics"`
	Health      HealthConfig      `mapstructure:"health" json:"health"`
	Env         string            `mapstructure:"env" json:"env"`
}

// RedisConfig represents Redis configuration backing the change-event
// stream consumer group.
type RedisConfig struct {
	Address     string        `mapstructure:"address" json:"address"`
	Password    string        `mapstructure:"password" json:"password"`
	DB          int           `mapstructure:"db" json:"db"`
	MaxRetries  int           `mapstructure:"max_retries" json:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size" json:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
}

// BatcherConfig represents the cooperative batching loop's parameters.
type BatcherConfig struct {
	MaxBatchSize       int    `mapstructure:"max_batch_size" json:"max_batch_size"`
	MinBatchSize       int    `mapstructure:"min_batch_size" json:"min_batch_size"`
	ReadTimeoutSeconds int    `mapstructure:"read_timeout_seconds" json:"read_timeout_seconds"`
	ForceFlushSeconds  int    `mapstructure:"force_flush_seconds" json:"force_flush_seconds"`
	ConsumerGroup      string `mapstructure:"consumer_group" json:"consumer_group"`
	ConsumerName       string `mapstructure:"consumer_name" json:"consumer_name"`
	StreamPattern      string `mapstructure:"stream_pattern" json:"stream_pattern"`
	SnapshotEvery      int    `mapstructure:"snapshot_every" json:"snapshot_every"`
}

// ObjectStoreConfig represents the bundle object store configuration.
type ObjectStoreConfig struct {
	RootDir        string `mapstructure:"root_dir" json:"root_dir"`
	PublicBaseURL  string `mapstructure:"public_base_url" json:"public_base_url"`
	OrganisationID string `mapstructure:"organisation_id" json:"organisation_id"`
}

// AnchorConfig represents the chain-anchoring client configuration.
type AnchorConfig struct {
	RPCURL          string        `mapstructure:"rpc_url" json:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id" json:"chain_id"`
	ContractAddress string        `mapstructure:"contract_address" json:"contract_address"`
	PrivateKeyHex   string        `mapstructure:"private_key_hex" json:"private_key_hex"`
	ReceiverAddress string        `mapstructure:"receiver_address" json:"receiver_address"`
	GasLimit        uint64        `mapstructure:"gas_limit" json:"gas_limit"`
	CallTimeout     time.Duration `mapstructure:"call_timeout" json:"call_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts" json:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base" json:"backoff_base"`
	BackoffFactor   float64       `mapstructure:"backoff_factor" json:"backoff_factor"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level        string `mapstructure:"level" json:"level"`
	Format       string `mapstructure:"format" json:"format"`
	OutputPath   string `mapstructure:"output_path" json:"output_path"`
	ServiceName  string `mapstructure:"service_name" json:"service_name"`
	Environment  string `mapstructure:"environment" json:"environment"`
	IncludeTrace bool   `mapstructure:"include_trace" json:"include_trace"`
}

// MetricsConfig represents metrics collection configuration
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Namespace   string `mapstructure:"namespace" json:"namespace"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	Port        string `mapstructure:"port" json:"port"`
}

// HealthConfig represents health check configuration
type HealthConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	Port     string `mapstructure:"port" json:"port"`
	Interval string `mapstructure:"interval" json:"interval"`
}

// LoadOptions contains options for loading configuration
type LoadOptions struct {
	ConfigFile     string
	EnvPrefix      string
	FlagPrefix     string
	UseFlags       bool
	UseEnv         bool
	UseConfigFile  bool
	DefaultConfigs []string
}

// DefaultLoadOptions returns the default load options
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		ConfigFile:    "",
		EnvPrefix:     "ETRAP",
		FlagPrefix:    "",
		UseFlags:      true,
		UseEnv:        true,
		UseConfigFile: true,
		DefaultConfigs: []string{
			"./config.yaml",
			"./config.json",
			"./config/config.yaml",
			"./config/config.json",
		},
	}
}

// Load loads the configuration from various sources with default options
func Load() (*Config, error) {
	return LoadWithOptions(DefaultLoadOptions())
}

// LoadWithOptions loads the configuration from various sources with custom options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Try to load .env file if it exists
	if opts.UseEnv {
		godotenv.Load()
	}

	// Load from config file if specified
	if opts.UseConfigFile {
		if opts.ConfigFile != "" {
			v.SetConfigFile(opts.ConfigFile)
		} else {
			// Try default config locations
			for _, configPath := range opts.DefaultConfigs {
				if _, err := os.Stat(configPath); err == nil {
					v.SetConfigFile(configPath)
					break
				}
			}
		}

		if v.ConfigFileUsed() != "" {
			if err := v.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("error reading config file: %w", err)
				}
			}
		}
	}

	// Load from environment variables
	if opts.UseEnv {
		v.SetEnvPrefix(opts.EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	// Load from command line flags
	if opts.UseFlags {
		if err := bindFlags(v, opts.FlagPrefix); err != nil {
			return nil, fmt.Errorf("error binding flags: %w", err)
		}

		// A --config flag names the config file to read.
		if configPath := v.GetString(opts.FlagPrefix + "config"); opts.UseConfigFile && configPath != "" {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate config
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)

	// Batcher defaults, matching §4.D's table
	v.SetDefault("batcher.max_batch_size", 1000)
	v.SetDefault("batcher.min_batch_size", 1)
	v.SetDefault("batcher.read_timeout_seconds", 60)
	v.SetDefault("batcher.force_flush_seconds", 300)
	v.SetDefault("batcher.consumer_group", "etrap-agent")
	v.SetDefault("batcher.consumer_name", "etrap-agent-1")
	v.SetDefault("batcher.stream_pattern", "etrap.public.*")
	v.SetDefault("batcher.snapshot_every", 10)

	// Object store defaults
	v.SetDefault("objectstore.root_dir", "./data/bundles")
	v.SetDefault("objectstore.public_base_url", "")
	v.SetDefault("objectstore.organisation_id", "default")

	// Anchor defaults
	v.SetDefault("anchor.rpc_url", "http://localhost:8545")
	v.SetDefault("anchor.chain_id", 1337)
	v.SetDefault("anchor.contract_address", "")
	v.SetDefault("anchor.private_key_hex", "")
	v.SetDefault("anchor.receiver_address", "")
	v.SetDefault("anchor.gas_limit", uint64(300000))
	v.SetDefault("anchor.call_timeout", 30*time.Second)
	v.SetDefault("anchor.max_attempts", 3)
	v.SetDefault("anchor.backoff_base", 2*time.Second)
	v.SetDefault("anchor.backoff_factor", 2.0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")
	v.SetDefault("log.service_name", "etrap-agent")
	v.SetDefault("log.environment", "development")
	v.SetDefault("log.include_trace", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "etrap")
	v.SetDefault("metrics.service_name", "etrap-agent")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.port", "9090")

	// Health defaults
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.endpoint", "/health")
	v.SetDefault("health.port", "8081")
	v.SetDefault("health.interval", "30s")

	// Environment defaults
	v.SetDefault("env", "development")
}

// bindFlags binds command line flags to viper
func bindFlags(v *viper.Viper, prefix string) error {
	flags := pflag.NewFlagSet("config", pflag.ContinueOnError)

	// Define flags
	flags.String(prefix+"config", "", "Path to config file")
	flags.String(prefix+"env", "development", "Environment (development, staging, production)")

	// Redis flags
	flags.String(prefix+"redis.address", "localhost:6379", "Redis server address")
	flags.String(prefix+"redis.password", "", "Redis password")
	flags.Int(prefix+"redis.db", 0, "Redis database number")

	// Batcher flags
	flags.Int(prefix+"batcher.max_batch_size", 1000, "Maximum pending events before a forced flush")
	flags.Int(prefix+"batcher.min_batch_size", 1, "Minimum pending events required before an idle flush")
	flags.String(prefix+"batcher.stream_pattern", "etrap.public.*", "Redis key pattern matching source streams")

	// Object store flags
	flags.String(prefix+"objectstore.root_dir", "./data/bundles", "Root directory of the bundle object store")

	// Anchor flags
	flags.String(prefix+"anchor.rpc_url", "http://localhost:8545", "Chain RPC endpoint")
	flags.String(prefix+"anchor.contract_address", "", "Anchoring contract address")

	// Log flags
	flags.String(prefix+"log.level", "info", "Log level (debug, info, warn, error)")
	flags.String(prefix+"log.format", "json", "Log format (json, text)")
	flags.String(prefix+"log.service_name", "etrap-agent", "Service name for logging")
	flags.String(prefix+"log.environment", "development", "Environment for logging")
	flags.Bool(prefix+"log.include_trace", true, "Include stack traces in error logs")

	// Metrics flags
	flags.Bool(prefix+"metrics.enabled", true, "Enable metrics collection")
	flags.String(prefix+"metrics.namespace", "etrap", "Metrics namespace")
	flags.String(prefix+"metrics.service_name", "etrap-agent", "Service name for metrics")
	flags.String(prefix+"metrics.endpoint", "/metrics", "Metrics endpoint")
	flags.String(prefix+"metrics.port", "9090", "Metrics server port")

	// Health flags
	flags.Bool(prefix+"health.enabled", true, "Enable health checks")
	flags.String(prefix+"health.endpoint", "/health", "Health check endpoint")
	flags.String(prefix+"health.port", "8081", "Health check server port")
	flags.String(prefix+"health.interval", "30s", "Health check interval")

	// Parse flags
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	// Bind flags to viper
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	return nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	var validationErrors []string

	// Validate Redis configuration
	if cfg.Redis.Address == "" {
		validationErrors = append(validationErrors, "redis.address cannot be empty")
	} else if _, err := net.ResolveTCPAddr("tcp", cfg.Redis.Address); err != nil {
		validationErrors = append(validationErrors, fmt.Sprintf("invalid redis.address: %v", err))
	}

	if cfg.Redis.DB < 0 {
		validationErrors = append(validationErrors, "redis.db must be non-negative")
	}

	if cfg.Redis.MaxRetries < 0 {
		validationErrors = append(validationErrors, "redis.max_retries must be non-negative")
	}

	if cfg.Redis.PoolSize <= 0 {
		validationErrors = append(validationErrors, "redis.pool_size must be positive")
	}

	if cfg.Redis.DialTimeout <= 0 {
		validationErrors = append(validationErrors, "redis.dial_timeout must be positive")
	}

	// Validate Batcher configuration
	if cfg.Batcher.MaxBatchSize <= 0 {
		validationErrors = append(validationErrors, "batcher.max_batch_size must be positive")
	}

	if cfg.Batcher.MinBatchSize <= 0 || cfg.Batcher.MinBatchSize > cfg.Batcher.MaxBatchSize {
		validationErrors = append(validationErrors, "batcher.min_batch_size must be positive and not exceed max_batch_size")
	}

	if cfg.Batcher.ReadTimeoutSeconds <= 0 {
		validationErrors = append(validationErrors, "batcher.read_timeout_seconds must be positive")
	}

	if cfg.Batcher.ForceFlushSeconds <= 0 {
		validationErrors = append(validationErrors, "batcher.force_flush_seconds must be positive")
	}

	if cfg.Batcher.ConsumerGroup == "" {
		validationErrors = append(validationErrors, "batcher.consumer_group cannot be empty")
	}

	if cfg.Batcher.ConsumerName == "" {
		validationErrors = append(validationErrors, "batcher.consumer_name cannot be empty")
	}

	if cfg.Batcher.StreamPattern == "" {
		validationErrors = append(validationErrors, "batcher.stream_pattern cannot be empty")
	}

	if cfg.Batcher.SnapshotEvery <= 0 {
		validationErrors = append(validationErrors, "batcher.snapshot_every must be positive")
	}

	// Validate ObjectStore configuration
	if cfg.ObjectStore.RootDir == "" {
		validationErrors = append(validationErrors, "objectstore.root_dir cannot be empty")
	}

	if cfg.ObjectStore.OrganisationID == "" {
		validationErrors = append(validationErrors, "objectstore.organisation_id cannot be empty")
	}

	// Validate Anchor configuration
	if cfg.Anchor.RPCURL == "" {
		validationErrors = append(validationErrors, "anchor.rpc_url cannot be empty")
	}

	if cfg.Anchor.GasLimit == 0 {
		validationErrors = append(validationErrors, "anchor.gas_limit must be positive")
	}

	if cfg.Anchor.CallTimeout <= 0 {
		validationErrors = append(validationErrors, "anchor.call_timeout must be positive")
	}

	if cfg.Anchor.MaxAttempts <= 0 {
		validationErrors = append(validationErrors, "anchor.max_attempts must be positive")
	}

	if cfg.Anchor.BackoffBase <= 0 {
		validationErrors = append(validationErrors, "anchor.backoff_base must be positive")
	}

	if cfg.Anchor.BackoffFactor <= 1.0 {
		validationErrors = append(validationErrors, "anchor.backoff_factor must be greater than 1.0")
	}

	// Validate Log configuration
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		validationErrors = append(validationErrors, "log.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[strings.ToLower(cfg.Log.Format)] {
		validationErrors = append(validationErrors, "log.format must be one of: json, text")
	}

	if cfg.Log.ServiceName == "" {
		validationErrors = append(validationErrors, "log.service_name cannot be empty")
	}

	// Validate Metrics configuration
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Namespace == "" {
			validationErrors = append(validationErrors, "metrics.namespace cannot be empty when metrics are enabled")
		}

		if cfg.Metrics.ServiceName == "" {
			validationErrors = append(validationErrors, "metrics.service_name cannot be empty when metrics are enabled")
		}

		if cfg.Metrics.Endpoint == "" {
			validationErrors = append(validationErrors, "metrics.endpoint cannot be empty when metrics are enabled")
		}

		if cfg.Metrics.Port == "" {
			validationErrors = append(validationErrors, "metrics.port cannot be empty when metrics are enabled")
		} else if port, err := strconv.Atoi(cfg.Metrics.Port); err != nil || port <= 0 || port > 65535 {
			validationErrors = append(validationErrors, "metrics.port must be a valid port number (1-65535)")
		}
	}

	// Validate Health configuration
	if cfg.Health.Enabled {
		if cfg.Health.Endpoint == "" {
			validationErrors = append(validationErrors, "health.endpoint cannot be empty when health checks are enabled")
		}

		if cfg.Health.Port == "" {
			validationErrors = append(validationErrors, "health.port cannot be empty when health checks are enabled")
		} else if port, err := strconv.Atoi(cfg.Health.Port); err != nil || port <= 0 || port > 65535 {
			validationErrors = append(validationErrors, "health.port must be a valid port number (1-65535)")
		}

		if cfg.Health.Interval == "" {
			validationErrors = append(validationErrors, "health.interval cannot be empty when health checks are enabled")
		} else if _, err := time.ParseDuration(cfg.Health.Interval); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("invalid health.interval: %v", err))
		}
	}

	// Return validation errors if any
	if len(validationErrors) > 0 {
		return errors.New(strings.Join(validationErrors, "; "))
	}

	return nil
}

// SaveToFile saves the configuration to a file
func SaveToFile(cfg *Config, filePath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Determine file format based on extension
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(filePath))
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadFromFile loads the configuration from a file
func LoadFromFile(filePath string) (*Config, error) {
	// Open file
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	// Read file
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	var cfg Config

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(filePath))
	}

	// Validate config
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &cfg, nil
}

// GetEnv gets an environment variable or returns a default value
func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetEnvInt gets an environment variable as an integer or returns a default value
func GetEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// GetEnvFloat gets an environment variable as a float or returns a default value
func GetEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// GetEnvBool gets an environment variable as a boolean or returns a default value
func GetEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// GetEnvDuration gets an environment variable as a duration or returns a default value
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
