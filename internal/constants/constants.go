package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixSnapshot = "snapshot:"
	RecentChangesKey       = "changes:recent"
)

const (
	DefaultOutputTopic = "sheet_events"
	DefaultDLQTopic    = "sheet_changes_dlq"
)

const (
	DefaultMongoDBName        = "sheetwatch"
	SnapshotHistoryCollection = "snapshot_history"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultTTLSeconds = 3600
)

const (
	DefaultDebounceDelay        = 20 * time.Second
	DefaultSourceTTL            = time.Hour
	DefaultFetchTimeout         = 30 * time.Second
	DefaultFetchAttempts        = 6
	DefaultFetchInitialBackoff  = time.Second
	DefaultFetchMaxBackoff      = 30 * time.Second
	DefaultMaxConcurrentFetches = 4
	DefaultDeferMaxRetries      = 3
	DefaultOutboundBuffer       = 256
)

const (
	DefaultRecentEventsLimit = 20
	MaxRecentEventsLimit     = 200
)
