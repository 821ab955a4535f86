package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"sheetwatch/internal/constants"
)

// envKeys are the settings that may be overridden from the environment. The
// variable name is the key upper-cased with dots replaced by underscores.
var envKeys = []string{
	"server.port", "server.read_timeout", "server.write_timeout",
	"logging.level", "logging.format",
	"broker.kafka.group_id", "broker.kafka.input_topic",
	"broker.kafka.output_topic", "broker.kafka.dlq_topic",
	"database.postgres.host", "database.postgres.port", "database.postgres.user",
	"database.postgres.password", "database.postgres.dbname", "database.postgres.sslmode",
	"database.redis.host", "database.redis.port", "database.redis.password", "database.redis.db",
	"database.mongodb.uri", "database.mongodb.database",
	"sheets.credentials_file", "sheets.spreadsheet_id",
	"scan.max_concurrent_fetches",
	"tracing.enabled", "tracing.service_name", "tracing.otlp.endpoint", "tracing.otlp.insecure",
}

const (
	brokersKey = "broker.kafka.brokers"
	brokersEnv = "BROKER_KAFKA_BROKERS"
)

func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configFile)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range append(envKeys, brokersKey) {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// A comma-separated broker list from the environment replaces the file's.
	if brokers := splitList(v.GetString(brokersEnv)); len(brokers) > 0 {
		cfg.Broker.Kafka.Brokers = brokers
	}

	normalizeSources(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scan.max_concurrent_fetches", constants.DefaultMaxConcurrentFetches)
	v.SetDefault("scan.fetch_timeout", constants.DefaultFetchTimeout)
	v.SetDefault("scan.defer_max_retries", constants.DefaultDeferMaxRetries)
	v.SetDefault("scan.outbound_buffer", constants.DefaultOutboundBuffer)
	v.SetDefault("scan.fetch_retry.max_attempts", constants.DefaultFetchAttempts)
	v.SetDefault("scan.fetch_retry.initial_interval", constants.DefaultFetchInitialBackoff)
	v.SetDefault("scan.fetch_retry.max_interval", constants.DefaultFetchMaxBackoff)
	v.SetDefault("scan.fetch_retry.multiplier", 2.0)
	v.SetDefault("broker.kafka.output_topic", constants.DefaultOutputTopic)
	v.SetDefault("ingress.recent_events_limit", constants.DefaultRecentEventsLimit)
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// normalizeSources fills per-source defaults that depend on other settings.
func normalizeSources(cfg *Config) {
	if cfg.Broker.Kafka.InputTopic != "" && cfg.Broker.Kafka.DLQTopic == "" {
		cfg.Broker.Kafka.DLQTopic = constants.DefaultDLQTopic
	}

	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		src.ID = strings.TrimSpace(src.ID)
		src.Variant = strings.ToLower(strings.TrimSpace(src.Variant))
		if src.DebounceDelay == 0 {
			src.DebounceDelay = constants.DefaultDebounceDelay
		}
		if src.TTL == 0 {
			src.TTL = constants.DefaultSourceTTL
		}
		if src.KeyColumn == "" {
			src.KeyColumn = VariantDefaults(src.Variant).KeyColumn
		}
		if src.SpreadsheetID == "" {
			src.SpreadsheetID = cfg.Sheets.SpreadsheetID
		}
	}
}
