package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Configuration struct {
	Deployment DeploymentConfig `validate:"required"`
	Logging    LoggingConfig    `validate:"required"`
	Billing    BillingConfig    `validate:"required"`
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Kafka      KafkaConfig
	PubSub     PubSubConfig
	Temporal   TemporalConfig
	Sentry     SentryConfig
	Cache      CacheConfig
	Stripe     StripeConfig
	Metrics    MetricsConfig
}

type DeploymentConfig struct {
	Mode types.RunMode `mapstructure:"mode" validate:"required"`
}

type LoggingConfig struct {
	Level types.LogLevel `mapstructure:"level" validate:"required"`
}

type PostgresConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	User                   string `mapstructure:"user"`
	Password               string `mapstructure:"password"`
	DBName                 string `mapstructure:"dbname"`
	SSLMode                string `mapstructure:"sslmode"`
	MaxOpenConns           int    `mapstructure:"max_open_conns" default:"10"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns" default:"5"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes" default:"60"`
}

type ClickHouseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	TLS      bool   `mapstructure:"tls"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Topic         string   `mapstructure:"topic"`
	TLS           bool     `mapstructure:"tls"`
	UseSASL       bool     `mapstructure:"use_sasl"`
	SASLMechanism string   `mapstructure:"sasl_mechanism"`
	SASLUser      string   `mapstructure:"sasl_user"`
	SASLPassword  string   `mapstructure:"sasl_password"`
	ClientID      string   `mapstructure:"client_id"`
}

// PubSubConfig configures domain event publication and the usage event consumer router
type PubSubConfig struct {
	Type            types.PubSubType `mapstructure:"type" validate:"omitempty,oneof=memory kafka"`
	MaxRetries      int              `mapstructure:"max_retries"`
	InitialInterval time.Duration    `mapstructure:"initial_interval"`
	MaxInterval     time.Duration    `mapstructure:"max_interval"`
	Multiplier      float64          `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration    `mapstructure:"max_elapsed_time"`
}

type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
	APIKey    string `mapstructure:"api_key"`
	TLS       bool   `mapstructure:"tls"`
}

type SentryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type CacheConfig struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// MetricsConfig exposes the prometheus registry; an empty address disables it
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

type StripeConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	SecretKey string `mapstructure:"secret_key"`
}

func NewConfig() (*Configuration, error) {
	// a local .env is optional
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/billingengine")

	v.SetEnvPrefix("FLEXPRICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(
		".", "_",
		"-", "_",
	))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, err
		}
	}

	var config Configuration
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("deployment.mode", types.ModeLocal)
	v.SetDefault("logging.level", types.LogLevelInfo)

	v.SetDefault("billing.storage_mode", types.StorageModeMemory)
	v.SetDefault("billing.default_timezone", "UTC")
	v.SetDefault("billing.invoice_grace_period_days", 0)
	v.SetDefault("billing.trial_evaluation_window", time.Hour)
	v.SetDefault("billing.sweep_concurrency", 8)
	v.SetDefault("billing.sweep_batch_size", 100)
	v.SetDefault("billing.ongoing_balance_ttl", 5*time.Minute)
	v.SetDefault("billing.sweep_interval", time.Hour)
	v.SetDefault("billing.sweep_schedule", "0 * * * *")

	v.SetDefault("pubsub.type", types.MemoryPubSub)
	v.SetDefault("pubsub.max_retries", 3)
	v.SetDefault("pubsub.initial_interval", time.Second)
	v.SetDefault("pubsub.max_interval", 10*time.Second)
	v.SetDefault("pubsub.multiplier", 2.0)
	v.SetDefault("pubsub.max_elapsed_time", 2*time.Minute)

	v.SetDefault("kafka.topic", types.TopicUsageEvents)
	v.SetDefault("temporal.task_queue", "billing")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("cache.default_expiration", 30*time.Minute)
	v.SetDefault("cache.cleanup_interval", time.Hour)
}

func (c Configuration) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Billing.StorageMode == types.StorageModePostgres && c.Postgres.Host == "" {
		return fmt.Errorf("postgres.host is required when billing.storage_mode is postgres")
	}
	return nil
}

// GetDefaultConfig returns an in-memory configuration for local development,
// scripts and tests.
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Deployment: DeploymentConfig{Mode: types.ModeLocal},
		Logging:    LoggingConfig{Level: types.LogLevelDebug},
		Billing:    DefaultBillingConfig(),
		PubSub:     PubSubConfig{Type: types.MemoryPubSub, MaxRetries: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second, Multiplier: 2},
		Cache:      CacheConfig{DefaultExpiration: 30 * time.Minute, CleanupInterval: time.Hour},
		Temporal:   TemporalConfig{Namespace: "default", TaskQueue: "billing"},
	}
}

func (c ClickHouseConfig) GetClientOptions() *clickhouse.Options {
	options := &clickhouse.Options{
		Addr: []string{c.Address},
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
	if c.TLS {
		options.TLS = &tls.Config{}
	}
	return options
}

func (c PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"user=%s password=%s dbname=%s host=%s port=%d sslmode=%s",
		c.User,
		c.Password,
		c.DBName,
		c.Host,
		c.Port,
		c.SSLMode,
	)
}
