package types

type RunMode string

const (
	// ModeLocal runs the consumer, the temporal worker and an in-process scheduler together
	ModeLocal RunMode = "local"
	// ModeConsumer runs just the usage event consumer
	ModeConsumer RunMode = "consumer"
	// ModeTemporalWorker runs just the temporal worker
	ModeTemporalWorker RunMode = "temporal_worker"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// StorageMode selects the repository implementations
type StorageMode string

const (
	StorageModeMemory   StorageMode = "memory"
	StorageModePostgres StorageMode = "postgres"
)

// PubSubType defines the type of pubsub implementation
type PubSubType string

const (
	MemoryPubSub PubSubType = "memory"
	KafkaPubSub  PubSubType = "kafka"
)

// FeatureFlags is the capability set injected into the billing services at construction.
type FeatureFlags struct {
	ProgressiveBilling    bool `mapstructure:"progressive_billing" json:"progressive_billing"`
	TraceableWallets      bool `mapstructure:"traceable_wallets" json:"traceable_wallets"`
	ClickhouseAggregation bool `mapstructure:"clickhouse_aggregation" json:"clickhouse_aggregation"`
}
