package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"sheetwatch/pkg/cel"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ScheduleConfigError reports a source whose timing or thresholds cannot be
// scheduled. It is fatal at load time.
type ScheduleConfigError struct {
	SourceID string
	Field    string
	Message  string
}

func (e *ScheduleConfigError) Error() string {
	return fmt.Sprintf("invalid schedule for source '%s' (%s): %s", e.SourceID, e.Field, e.Message)
}

var (
	columnPattern = regexp.MustCompile(`^[A-Za-z]{1,3}$`)
	sslModes      = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
)

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func checkPort(field string, port int) error {
	if port < 1 || port > 65535 {
		return invalid(field, "port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateStatic checks everything that can be checked without connecting
// to anything. All failures are joined.
func ValidateStatic(cfg *Config) error {
	errs := []error{
		validateServer(cfg.Server),
		validateBroker(cfg.Broker),
		validateDatabase(cfg.Database),
		validateScan(cfg.Scan),
		validateSheets(cfg.Sheets),
	}
	errs = append(errs, validateSources(cfg.Sources)...)
	return errors.Join(errs...)
}

func validateServer(cfg ServerConfig) error {
	switch {
	case cfg.ReadTimeout <= 0:
		return invalid("server.read_timeout", "read timeout must be positive")
	case cfg.WriteTimeout <= 0:
		return invalid("server.write_timeout", "write timeout must be positive")
	}
	return checkPort("server.port", cfg.Port)
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "":
		return invalid("broker.type", "broker type is required")
	case "kafka":
		return validateKafka(cfg.Kafka)
	default:
		return invalid("broker.type", "unknown broker type: %s (supported: kafka)", cfg.Type)
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return invalid("broker.kafka.brokers", "at least one Kafka broker is required")
	}
	if i := slices.Index(cfg.Brokers, ""); i >= 0 {
		return invalid(fmt.Sprintf("broker.kafka.brokers[%d]", i), "broker address cannot be empty")
	}
	if cfg.GroupID == "" {
		return invalid("broker.kafka.group_id", "Kafka consumer group ID is required")
	}
	if cfg.OutputTopic == "" {
		return invalid("broker.kafka.output_topic", "output topic is required")
	}
	return validateRetry("broker.kafka.retry", cfg.Retry)
}

func validateRetry(prefix string, cfg RetryConfig) error {
	switch {
	case cfg.MaxAttempts < 0:
		return invalid(prefix+".max_attempts", "must be non-negative")
	case cfg.InitialInterval < 0:
		return invalid(prefix+".initial_interval", "must be non-negative")
	case cfg.MaxInterval < 0:
		return invalid(prefix+".max_interval", "must be non-negative")
	case cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval:
		return invalid(prefix+".max_interval", "%s is below initial_interval %s", cfg.MaxInterval, cfg.InitialInterval)
	case cfg.Multiplier <= 0:
		return invalid(prefix+".multiplier", "must be positive")
	}
	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if err := validatePostgres(cfg.Postgres); err != nil {
		return err
	}

	if redis := cfg.Redis; redis.Host != "" || redis.Port > 0 {
		if redis.Host == "" {
			return invalid("database.redis.host", "Redis host is required")
		}
		if err := checkPort("database.redis.port", redis.Port); err != nil {
			return err
		}
		if redis.TTLSeconds < 0 {
			return invalid("database.redis.ttl_seconds", "TTL must be non-negative")
		}
	}

	if mongo := cfg.MongoDB; mongo.URI != "" {
		if !strings.HasPrefix(mongo.URI, "mongodb://") && !strings.HasPrefix(mongo.URI, "mongodb+srv://") {
			return invalid("database.mongodb.uri", "MongoDB URI must start with mongodb:// or mongodb+srv://")
		}
		if mongo.Database == "" {
			return invalid("database.mongodb.database", "MongoDB database name is required")
		}
	}
	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	switch {
	case cfg.Host == "":
		return invalid("database.postgres.host", "PostgreSQL host is required")
	case cfg.User == "":
		return invalid("database.postgres.user", "PostgreSQL user is required")
	case cfg.DBName == "":
		return invalid("database.postgres.dbname", "PostgreSQL database name is required")
	case cfg.SSLMode != "" && !slices.Contains(sslModes, strings.ToLower(cfg.SSLMode)):
		return invalid("database.postgres.sslmode", "invalid SSL mode: %s (valid: %s)", cfg.SSLMode, strings.Join(sslModes, ", "))
	}
	return checkPort("database.postgres.port", cfg.Port)
}

func validateScan(cfg ScanConfig) error {
	switch {
	case cfg.MaxConcurrentFetches < 1:
		return invalid("scan.max_concurrent_fetches", "at least one concurrent fetch is required")
	case cfg.FetchTimeout <= 0:
		return invalid("scan.fetch_timeout", "fetch timeout must be positive")
	case cfg.DeferMaxRetries < 0:
		return invalid("scan.defer_max_retries", "must be non-negative")
	case cfg.FetchRetry.MaxAttempts < 1:
		return invalid("scan.fetch_retry.max_attempts", "at least one fetch attempt is required")
	}
	return validateRetry("scan.fetch_retry", cfg.FetchRetry)
}

func validateSheets(cfg SheetsConfig) error {
	switch {
	case cfg.CredentialsFile == "":
		return invalid("sheets.credentials_file", "service account credentials file is required")
	case cfg.RequestsPerSecond < 0:
		return invalid("sheets.requests_per_second", "must be non-negative")
	case cfg.RequestsPerSecond > 0 && cfg.Burst < 1:
		return invalid("sheets.burst", "burst must be at least 1 when rate limiting is enabled")
	}
	return nil
}

func validateSources(sources []SourceConfig) []error {
	if len(sources) == 0 {
		return []error{invalid("sources", "at least one source is required")}
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return []error{fmt.Errorf("failed to create CEL evaluator: %w", err)}
	}

	var errs []error
	seen := make(map[string]struct{}, len(sources))
	for i, src := range sources {
		field := fmt.Sprintf("sources[%d].id", i)
		if src.ID == "" {
			errs = append(errs, invalid(field, "source id is required"))
			continue
		}
		if _, dup := seen[src.ID]; dup {
			errs = append(errs, invalid(field, "duplicate source id: %s", src.ID))
			continue
		}
		seen[src.ID] = struct{}{}

		if err := ValidateSource(evaluator, src); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ValidateSource checks one source's layout and schedule.
func ValidateSource(evaluator *cel.Evaluator, src SourceConfig) error {
	if !IsKnownVariant(src.Variant) {
		return scheduleErr(src, "variant", "unknown variant: %q", src.Variant)
	}

	field := func(name string) string { return "sources." + src.ID + "." + name }
	switch {
	case src.PageName == "":
		return invalid(field("page_name"), "page name is required")
	case src.SpreadsheetID == "":
		return invalid(field("spreadsheet_id"), "spreadsheet id is required (per source or sheets.spreadsheet_id)")
	case !columnPattern.MatchString(src.KeyColumn):
		return invalid(field("key_column"), "key column must be a column letter, got %q", src.KeyColumn)
	case src.HeaderRows != nil && *src.HeaderRows < 0:
		return invalid(field("header_rows"), "header_rows must be non-negative")
	}

	if src.RowFilter != "" {
		if err := evaluator.ValidateFilterExpression(src.RowFilter); err != nil {
			return scheduleErr(src, "row_filter", "%v (example: %s)", err, cel.FilterExpressionExamples["skip_totals_row"])
		}
	}
	return validateSchedule(src)
}

func scheduleErr(src SourceConfig, field, format string, args ...any) error {
	return &ScheduleConfigError{SourceID: src.ID, Field: field, Message: fmt.Sprintf(format, args...)}
}

func validateSchedule(src SourceConfig) error {
	switch {
	case src.TTL <= 0:
		return scheduleErr(src, "ttl", "ttl must be positive")
	case src.DebounceDelay <= 0:
		return scheduleErr(src, "debounce_delay", "debounce delay must be positive")
	case src.DebounceDelay > src.TTL:
		return scheduleErr(src, "debounce_delay", "debounce delay %s exceeds ttl %s", src.DebounceDelay, src.TTL)
	case src.DeferMissingThreshold < 0 || src.MaxDropThreshold < 0:
		return scheduleErr(src, "thresholds", "thresholds must be non-negative")
	case src.DeferMissingThreshold > src.MaxDropThreshold:
		return scheduleErr(src, "defer_missing_threshold", "defer_missing_threshold %d exceeds max_drop_threshold %d",
			src.DeferMissingThreshold, src.MaxDropThreshold)
	}
	return nil
}
