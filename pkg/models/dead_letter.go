package models

import (
	"encoding/json"
	"time"
)

// DeadLetter wraps an inbound message that could not be turned into a
// scheduled scan.
type DeadLetter struct {
	Payload     json.RawMessage `json:"payload"`
	Reason      string          `json:"reason"`
	SourceTopic string          `json:"source_topic"`
	Partition   int             `json:"partition"`
	Offset      int64           `json:"offset"`
	FailedAt    time.Time       `json:"failed_at"`
}
