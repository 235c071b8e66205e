// Package config loads the service configuration from defaults, an optional
// config file, a .env file and SAFEVERIFY_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable
const EnvPrefix = "SAFEVERIFY"

// Config is the full service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Sequencer SequencerConfig `mapstructure:"sequencer"`
	Uploads   UploadsConfig   `mapstructure:"uploads"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Flows     FlowsConfig     `mapstructure:"flows"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// BodyLimit caps request bodies, attachments included
	BodyLimit int `mapstructure:"body_limit"`
}

// StoreConfig selects where outcomes live: memory, dynamodb or postgres
type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	Table       string `mapstructure:"table"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	// Migrate creates the postgres schema or the DynamoDB table on startup
	Migrate bool `mapstructure:"migrate"`
	// CacheSize > 0 puts an LRU in front of the backend
	CacheSize int `mapstructure:"cache_size"`
}

// SequencerConfig selects the reference counter: memory, dynamodb or redis
type SequencerConfig struct {
	Backend   string `mapstructure:"backend"`
	RedisAddr string `mapstructure:"redis_addr"`
}

// UploadsConfig configures attachment storage. No bucket means uploads are
// read and dropped.
type UploadsConfig struct {
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	PartSize    int64  `mapstructure:"part_size"`
	Concurrency int    `mapstructure:"concurrency"`
}

type EngineConfig struct {
	MaxInstances    int           `mapstructure:"max_instances"`
	InstanceTTL     time.Duration `mapstructure:"instance_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	StepTimeout     time.Duration `mapstructure:"step_timeout"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
}

type FlowsConfig struct {
	// VerificationHost serves the links printed on property codes
	VerificationHost string `mapstructure:"verification_host"`
	// BankCheckRequired adds the bank step to tenant verification
	BankCheckRequired bool          `mapstructure:"bank_check_required"`
	OTPEvery          time.Duration `mapstructure:"otp_every"`
	OTPBurst          int           `mapstructure:"otp_burst"`
	// OTPMaxAttempts wrong codes lock verification until a resend
	OTPMaxAttempts int `mapstructure:"otp_max_attempts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.body_limit", 64*1024*1024)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.table", "safeverify-outcomes")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.migrate", false)
	v.SetDefault("store.cache_size", 0)

	v.SetDefault("sequencer.backend", "memory")
	v.SetDefault("sequencer.redis_addr", "localhost:6379")

	v.SetDefault("uploads.bucket", "")
	v.SetDefault("uploads.prefix", "attachments")
	v.SetDefault("uploads.part_size", 5*1024*1024)
	v.SetDefault("uploads.concurrency", 4)

	v.SetDefault("engine.max_instances", 10000)
	v.SetDefault("engine.instance_ttl", 2*time.Hour)
	v.SetDefault("engine.sweep_interval", time.Minute)
	v.SetDefault("engine.step_timeout", 30*time.Second)
	v.SetDefault("engine.duplicate_window", 90*24*time.Hour)

	v.SetDefault("flows.verification_host", "safeverify.com")
	v.SetDefault("flows.bank_check_required", false)
	v.SetDefault("flows.otp_every", 30*time.Second)
	v.SetDefault("flows.otp_burst", 3)
	v.SetDefault("flows.otp_max_attempts", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads the configuration. path may be empty; a .env file in the
// working directory is loaded when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend names and the settings each backend needs
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "dynamodb":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Sequencer.Backend {
	case "memory", "dynamodb", "redis":
	default:
		return fmt.Errorf("unknown sequencer backend %q", c.Sequencer.Backend)
	}
	if c.Store.Backend != "memory" && c.Sequencer.Backend == "memory" {
		return fmt.Errorf("a %s store needs a durable sequencer", c.Store.Backend)
	}

	if c.Flows.OTPEvery <= 0 || c.Flows.OTPBurst <= 0 || c.Flows.OTPMaxAttempts <= 0 {
		return fmt.Errorf("flows.otp_every, flows.otp_burst and flows.otp_max_attempts must be positive")
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}
