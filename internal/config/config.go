package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Scan           ScanConfig           `mapstructure:"scan"`
	Sheets         SheetsConfig         `mapstructure:"sheets"`
	Ingress        IngressConfig        `mapstructure:"ingress"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	Sources        []SourceConfig       `mapstructure:"sources"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers     []string    `mapstructure:"brokers"`
	GroupID     string      `mapstructure:"group_id"`
	InputTopic  string      `mapstructure:"input_topic"`
	OutputTopic string      `mapstructure:"output_topic"`
	DLQTopic    string      `mapstructure:"dlq_topic"`
	Retry       RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ScanConfig holds the process-wide scheduler settings. Per-source timing
// lives on SourceConfig.
type ScanConfig struct {
	MaxConcurrentFetches int           `mapstructure:"max_concurrent_fetches"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	DeferMaxRetries      int           `mapstructure:"defer_max_retries"`
	FetchRetry           RetryConfig   `mapstructure:"fetch_retry"`
	OutboundBuffer       int           `mapstructure:"outbound_buffer"`
}

type SheetsConfig struct {
	CredentialsFile   string  `mapstructure:"credentials_file"`
	SpreadsheetID     string  `mapstructure:"spreadsheet_id"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type IngressConfig struct {
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
	RecentEventsLimit int             `mapstructure:"recent_events_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// SourceConfig describes one monitored sheet page. It is immutable once
// loaded.
type SourceConfig struct {
	ID                    string        `mapstructure:"id"`
	Variant               string        `mapstructure:"variant"`
	PageName              string        `mapstructure:"page_name"`
	SpreadsheetID         string        `mapstructure:"spreadsheet_id"`
	TTL                   time.Duration `mapstructure:"ttl"`
	DebounceDelay         time.Duration `mapstructure:"debounce_delay"`
	DeferMissingThreshold int           `mapstructure:"defer_missing_threshold"`
	MaxDropThreshold      int           `mapstructure:"max_drop_threshold"`
	KeyColumn             string        `mapstructure:"key_column"`
	HeaderRows            *int          `mapstructure:"header_rows"`
	RowFilter             string        `mapstructure:"row_filter"`
}

// RetryAfterDefer is how long a deferred scan waits before it is retried.
func (s SourceConfig) RetryAfterDefer() time.Duration {
	return 2 * s.DebounceDelay
}

func (s SourceConfig) HeaderRowCount() int {
	if s.HeaderRows != nil {
		return *s.HeaderRows
	}
	return VariantDefaults(s.Variant).HeaderRows
}

// Lookup returns the source with the given id.
func (c *Config) Lookup(id string) (SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return SourceConfig{}, false
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
