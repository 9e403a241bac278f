// Package config loads the layered Configuration this module is wired
// from: a config.yaml, environment variables (with a local .env loaded
// via godotenv), and typed defaults, all bound through viper/mapstructure.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/flowbill/entitlements/internal/types"
)

// Configuration is the root config struct every component is
// constructed from.
type Configuration struct {
	Deployment         Deployment         `mapstructure:"deployment"`
	Logging            Logging            `mapstructure:"logging"`
	Postgres           Postgres           `mapstructure:"postgres"`
	Redis              Redis              `mapstructure:"redis"`
	Cache              Cache              `mapstructure:"cache"`
	EntitlementStorage EntitlementStorage `mapstructure:"entitlement_storage"`
	SubscriptionLock   SubscriptionLock   `mapstructure:"subscription_lock"`
	Analytics          Analytics          `mapstructure:"analytics"`
	Kafka              Kafka              `mapstructure:"kafka"`
	Temporal           Temporal           `mapstructure:"temporal"`
	PaymentProvider    PaymentProvider    `mapstructure:"payment_provider"`
	Encryption         Encryption         `mapstructure:"encryption"`
}

type Deployment struct {
	Mode types.DeploymentMode `mapstructure:"mode" default:"local"`
}

type Logging struct {
	Level types.LogLevel `mapstructure:"level" default:"info"`
}

type Postgres struct {
	Host            string        `mapstructure:"host" default:"localhost"`
	Port            int           `mapstructure:"port" default:"5432"`
	User            string        `mapstructure:"user" default:"postgres"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database" default:"entitlements"`
	SSLMode         string        `mapstructure:"ssl_mode" default:"disable"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" default:"20"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" default:"30m"`
}

type Redis struct {
	Host      string        `mapstructure:"host" default:"localhost"`
	Port      int           `mapstructure:"port" default:"6379"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" default:"0"`
	UseTLS    bool          `mapstructure:"use_tls" default:"false"`
	PoolSize  int           `mapstructure:"pool_size" default:"10"`
	Timeout   time.Duration `mapstructure:"timeout" default:"5s"`
	KeyPrefix string        `mapstructure:"key_prefix" default:"ent"`
}

// CacheBackend selects the Cache implementation Initialize constructs.
type CacheBackend string

const (
	CacheBackendInMemory CacheBackend = "inmemory"
	CacheBackendRedis    CacheBackend = "redis"
)

type Cache struct {
	Type    CacheBackend  `mapstructure:"type" default:"inmemory"`
	Enabled bool          `mapstructure:"enabled" default:"true"`
	TTL     time.Duration `mapstructure:"ttl" default:"5m"`
}

// StorageVariant selects the EntitlementStorage backend, matching the
// distributed-kv/relational split this system's storage layer supports.
type StorageVariant string

const (
	StorageVariantInMemory StorageVariant = "inmemory"
	StorageVariantPostgres StorageVariant = "postgres"
	StorageVariantDynamoDB StorageVariant = "dynamodb"
)

type EntitlementStorage struct {
	Variant        StorageVariant `mapstructure:"variant" default:"inmemory"`
	DynamoDBTable  string         `mapstructure:"dynamodb_table" default:"entitlement_state"`
	DynamoDBRegion string         `mapstructure:"dynamodb_region" default:"us-east-1"`
}

type SubscriptionLock struct {
	Variant         StorageVariant `mapstructure:"variant" default:"inmemory"`
	TTLMs           int64          `mapstructure:"ttl_ms" default:"15000"`
	StaleTakeoverMs int64          `mapstructure:"stale_takeover_ms" default:"30000"`
	OwnerStaleMs    int64          `mapstructure:"owner_stale_ms" default:"5000"`
}

// AnalyticsSinkType selects the concrete AnalyticsSink implementation.
type AnalyticsSinkType string

const (
	AnalyticsSinkClickHouse AnalyticsSinkType = "clickhouse"
	AnalyticsSinkNoop       AnalyticsSinkType = "noop"
)

// AnalyticsTransport selects how the analytics pipeline publishes and
// consumes buffered records.
type AnalyticsTransport string

const (
	AnalyticsTransportKafka     AnalyticsTransport = "kafka"
	AnalyticsTransportInProcess AnalyticsTransport = "inprocess"
)

type Analytics struct {
	Transport        AnalyticsTransport `mapstructure:"transport" default:"kafka"`
	SinkType         AnalyticsSinkType  `mapstructure:"sink_type" default:"noop"`
	ClickHouseDSN    string             `mapstructure:"clickhouse_dsn"`
	FlushInterval    time.Duration      `mapstructure:"flush_interval" default:"5s"`
	BatchSize        int                `mapstructure:"batch_size" default:"500"`
	BufferCapacity   int                `mapstructure:"buffer_capacity" default:"10000"`
	QuarantineBucket string             `mapstructure:"quarantine_bucket"`
}

type Kafka struct {
	Brokers       []string `mapstructure:"brokers"`
	ClientID      string   `mapstructure:"client_id" default:"entitlements"`
	ConsumerGroup string   `mapstructure:"consumer_group" default:"entitlements-analytics"`
	Topic         string   `mapstructure:"topic" default:"usage-events"`
	TLS           bool     `mapstructure:"tls" default:"false"`
	UseSASL       bool     `mapstructure:"use_sasl" default:"false"`
	SASLMechanism string   `mapstructure:"sasl_mechanism"`
	SASLUser      string   `mapstructure:"sasl_user"`
	SASLPassword  string   `mapstructure:"sasl_password"`
}

type Temporal struct {
	HostPort  string `mapstructure:"host_port" default:"localhost:7233"`
	Namespace string `mapstructure:"namespace" default:"default"`
	TaskQueue string `mapstructure:"task_queue" default:"entitlements-subscription"`
}

type PaymentProvider struct {
	Default   string          `mapstructure:"default" default:"stripe"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Chargebee ChargebeeConfig `mapstructure:"chargebee"`
}

type StripeConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type ChargebeeConfig struct {
	Site   string `mapstructure:"site"`
	APIKey string `mapstructure:"api_key"`
}

type Encryption struct {
	KeyEnvVar string `mapstructure:"key_env_var" default:"ENCRYPTION_KEY"`
}

// NewConfig loads configuration from config.yaml (if present), a local
// .env file (if present), and environment variables, in that order of
// increasing precedence.
func NewConfig() (*Configuration, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// GetDefaultConfig returns the Configuration NewConfig loads (defaults,
// config file and environment), or an empty Configuration if loading
// fails; used by the package-level logger before DI wiring runs.
func GetDefaultConfig() *Configuration {
	cfg, err := NewConfig()
	if err != nil {
		return &Configuration{}
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("deployment.mode", types.DeploymentLocal)
	v.SetDefault("logging.level", types.LogLevelInfo)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.database", "entitlements")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_open_conns", 20)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", "30m")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", "5s")
	v.SetDefault("redis.key_prefix", "ent")

	v.SetDefault("cache.type", CacheBackendInMemory)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", "5m")

	v.SetDefault("entitlement_storage.variant", StorageVariantInMemory)
	v.SetDefault("entitlement_storage.dynamodb_table", "entitlement_state")
	v.SetDefault("entitlement_storage.dynamodb_region", "us-east-1")

	v.SetDefault("subscription_lock.variant", StorageVariantInMemory)
	v.SetDefault("subscription_lock.ttl_ms", 15000)
	v.SetDefault("subscription_lock.stale_takeover_ms", 30000)
	v.SetDefault("subscription_lock.owner_stale_ms", 5000)

	v.SetDefault("analytics.transport", AnalyticsTransportKafka)
	v.SetDefault("analytics.sink_type", AnalyticsSinkNoop)
	v.SetDefault("analytics.flush_interval", "5s")
	v.SetDefault("analytics.batch_size", 500)
	v.SetDefault("analytics.buffer_capacity", 10000)

	v.SetDefault("kafka.client_id", "entitlements")
	v.SetDefault("kafka.consumer_group", "entitlements-analytics")
	v.SetDefault("kafka.topic", "usage-events")

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "entitlements-subscription")

	v.SetDefault("payment_provider.default", "stripe")

	v.SetDefault("encryption.key_env_var", "ENCRYPTION_KEY")
}
