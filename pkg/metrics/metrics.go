package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sheetwatch"

var (
	msBuckets      = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}
	shortMsBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}
)

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func gauge(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

// Scheduler and scan pipeline.
var (
	ChangeEventsTotal  = counter("scan", "change_events_total", "Change notifications received, by handling status.", "source", "origin", "status")
	ScansTotal         = counter("scan", "scans_total", "Completed scans by outcome.", "source", "outcome")
	ScanDuration       = histogram("scan", "duration_ms", "Fetch, diff and publish pass in milliseconds.", msBuckets, "source", "outcome")
	FetchAttemptsTotal = counter("sheets", "fetch_attempts_total", "Sheet fetch attempts by result.", "source", "status")
	FetchDuration      = histogram("sheets", "fetch_duration_ms", "One sheet fetch attempt in milliseconds.", msBuckets, "source")
	FetchesInFlight    = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "sheets", Name: "fetches_in_flight",
		Help: "Fetches currently holding a concurrency slot.",
	})
	DiffRowsTotal        = counter("scan", "diff_rows_total", "Rows reported in committed diffs.", "source", "change")
	GuardVerdictsTotal   = counter("scan", "guard_verdicts_total", "Anomaly guard verdicts.", "source", "verdict", "reason")
	AcceptedSeq          = gauge("scan", "accepted_seq", "Sequence number of the last accepted snapshot.", "source")
	SourceFlags          = gauge("scan", "source_flag", "1 while a source flag (poisoned, stalled, alert) is set.", "source", "flag")
	PublishedEventsTotal = counter("publisher", "events_total", "Outbound events emitted.", "source", "kind")
	OutboundQueueSize    = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "publisher", Name: "queue_size",
		Help: "Events waiting to be forwarded to the broker.",
	})
)

// Broker.
var (
	RetryAttemptsTotal        = counter("kafka", "retry_attempts_total", "Retried publish or handler attempts.", "service", "topic")
	DLQMessagesTotal          = counter("kafka", "dlq_messages_total", "Messages sent to the dead letter topic.", "service", "topic", "reason")
	KafkaMessagesReadTotal    = counter("kafka", "messages_read_total", "Messages read.", "service", "topic")
	KafkaMessagesWrittenTotal = counter("kafka", "messages_written_total", "Messages written.", "service", "topic")
	KafkaMessageSizeBytes     = histogram("kafka", "message_size_bytes", "Message size in bytes.",
		prometheus.ExponentialBuckets(100, 4, 8), "service", "topic", "direction")
	KafkaConsumerLag   = gauge("kafka", "consumer_lag", "Messages between the last read offset and the partition high water mark.", "service", "topic", "partition")
	KafkaReadDuration  = histogram("kafka", "read_duration_ms", "FetchMessage wait in milliseconds.", shortMsBuckets, "service", "topic")
	KafkaWriteDuration = histogram("kafka", "write_duration_ms", "WriteMessages call in milliseconds.", shortMsBuckets, "service", "topic")
)

// Resilience and storage.
var (
	CircuitBreakerState    = gauge("breaker", "state", "Breaker state: 0 closed, 1 half-open, 2 open.", "name")
	CircuitBreakerRequests = counter("breaker", "requests_total", "Calls through the breaker by state at call time.", "name", "state")
	CircuitBreakerFailures = counter("breaker", "failures_total", "Calls the breaker counted as failures.", "name")
	RateLimitRequestsTotal = counter("http", "rate_limit_requests_total", "Requests checked against the client rate limit.", "status")
	DatabaseQueriesTotal   = counter("storage", "queries_total", "Snapshot store queries.", "service", "database", "operation", "status")
	DatabaseQueryDuration  = histogram("storage", "query_duration_ms", "Snapshot store query in milliseconds.", shortMsBuckets, "service", "database", "operation")
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ChangeEventsTotal, ScansTotal, ScanDuration, FetchAttemptsTotal, FetchDuration, FetchesInFlight,
		DiffRowsTotal, GuardVerdictsTotal, AcceptedSeq, SourceFlags, PublishedEventsTotal, OutboundQueueSize,
		RetryAttemptsTotal, DLQMessagesTotal, KafkaMessagesReadTotal, KafkaMessagesWrittenTotal,
		KafkaMessageSizeBytes, KafkaConsumerLag, KafkaReadDuration, KafkaWriteDuration,
		CircuitBreakerState, CircuitBreakerRequests, CircuitBreakerFailures,
		RateLimitRequestsTotal, DatabaseQueriesTotal, DatabaseQueryDuration,
	}
}

// Register adds every collector to reg. Collectors already registered there
// are skipped.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func IncChangeEvent(source, origin, status string) {
	ChangeEventsTotal.WithLabelValues(source, origin, status).Inc()
}

func ObserveScan(source, outcome string, d time.Duration) {
	ScansTotal.WithLabelValues(source, outcome).Inc()
	ScanDuration.WithLabelValues(source, outcome).Observe(ms(d))
}

func ObserveFetch(source, status string, d time.Duration) {
	FetchAttemptsTotal.WithLabelValues(source, status).Inc()
	FetchDuration.WithLabelValues(source).Observe(ms(d))
}

func AddDiffRows(source string, added, removed, changed int) {
	for change, n := range map[string]int{"added": added, "removed": removed, "changed": changed} {
		DiffRowsTotal.WithLabelValues(source, change).Add(float64(n))
	}
}

func IncGuardVerdict(source, verdict, reason string) {
	GuardVerdictsTotal.WithLabelValues(source, verdict, reason).Inc()
}

func SetAcceptedSeq(source string, seq uint64) {
	AcceptedSeq.WithLabelValues(source).Set(float64(seq))
}

func SetSourceFlag(source, flag string, set bool) {
	var v float64
	if set {
		v = 1
	}
	SourceFlags.WithLabelValues(source, flag).Set(v)
}

func IncPublishedEvent(source, kind string) {
	PublishedEventsTotal.WithLabelValues(source, kind).Inc()
}

func SetOutboundQueueSize(size int) {
	OutboundQueueSize.Set(float64(size))
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaMessageSize(service, topic, direction string, size int) {
	KafkaMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(size))
}

func SetKafkaConsumerLag(service, topic string, partition int, lag int64) {
	KafkaConsumerLag.WithLabelValues(service, topic, strconv.Itoa(partition)).Set(float64(lag))
}

func ObserveKafkaReadDuration(service, topic string, d time.Duration) {
	KafkaReadDuration.WithLabelValues(service, topic).Observe(ms(d))
}

func ObserveKafkaWriteDuration(service, topic string, d time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(ms(d))
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(service, database, operation string, d time.Duration) {
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(ms(d))
}
