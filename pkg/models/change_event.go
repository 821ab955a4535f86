package models

import (
	"fmt"
	"strings"
	"time"
)

// Origins recorded on change events and the scan jobs they create.
const (
	OriginWebhook     = "webhook"
	OriginKafka       = "kafka"
	OriginManual      = "manual"
	OriginTTL         = "ttl"
	OriginDeferRetry  = "defer_retry"
	OriginStartup     = "startup"
	OriginAcknowledge = "acknowledge"
)

// ChangeEvent is a normalized "something changed" signal for one source.
type ChangeEvent struct {
	SourceID   string            `json:"source_id"`
	ObservedAt time.Time         `json:"observed_at"`
	Origin     string            `json:"origin"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Notification is the raw payload posted by the spreadsheet hook.
type Notification struct {
	Scanner   string  `json:"scanner"`
	Timestamp float64 `json:"timestamp"`
}

// ToChangeEvent normalizes a notification. A zero timestamp falls back to
// receivedAt since some hooks post a placeholder value.
func (n Notification) ToChangeEvent(origin string, receivedAt time.Time) (ChangeEvent, error) {
	if err := ValidateNotification(n); err != nil {
		return ChangeEvent{}, err
	}

	observed := receivedAt
	if n.Timestamp > 1 {
		sec := int64(n.Timestamp)
		nsec := int64((n.Timestamp - float64(sec)) * float64(time.Second))
		observed = time.Unix(sec, nsec).UTC()
	}

	return ChangeEvent{
		SourceID:   strings.TrimSpace(n.Scanner),
		ObservedAt: observed,
		Origin:     origin,
		Metadata: map[string]string{
			"raw_timestamp": fmt.Sprintf("%v", n.Timestamp),
		},
	}, nil
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateNotification(n Notification) error {
	if strings.TrimSpace(n.Scanner) == "" {
		return &ValidationError{
			Field:   "scanner",
			Message: "scanner name is required",
		}
	}
	if n.Timestamp < 0 {
		return &ValidationError{
			Field:   "timestamp",
			Message: "timestamp must be non-negative",
		}
	}
	return nil
}
