package models

import "time"

type EventKind string

const (
	EventKindDiff  EventKind = "diff"
	EventKindGuard EventKind = "guard"
)

// Event is the outbound envelope published for every scan outcome.
// Exactly one of Diff or Guard is set, matching Kind.
type Event struct {
	ID        string      `json:"id"`
	Kind      EventKind   `json:"kind"`
	SourceID  string      `json:"source_id"`
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Diff      *DiffEvent  `json:"diff,omitempty"`
	Guard     *GuardEvent `json:"guard,omitempty"`
	Metadata  Metadata    `json:"metadata"`
}

type Metadata struct {
	TraceID string `json:"trace_id,omitempty"`
	ScanID  string `json:"scan_id,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// DiffEvent carries an accepted diff. Seq is strictly increasing per source.
type DiffEvent struct {
	SourceID   string    `json:"source_id"`
	Seq        uint64    `json:"seq"`
	Diff       Diff      `json:"diff"`
	CapturedAt time.Time `json:"captured_at"`
	RowCount   int       `json:"row_count"`
}

// GuardEvent reports a rejected or failed scan. AcceptedSeq is the sequence
// of the snapshot that remains authoritative.
type GuardEvent struct {
	SourceID    string        `json:"source_id"`
	Verdict     VerdictKind   `json:"verdict"`
	Reason      string        `json:"reason"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	AcceptedSeq uint64        `json:"accepted_seq"`
	Removed     int           `json:"removed,omitempty"`
	Detail      string        `json:"detail,omitempty"`
}

// DedupKey identifies an event for consumers that must tolerate redelivery.
func (e Event) DedupKey() string {
	if e.Kind == EventKindDiff {
		return e.SourceID + "/" + formatSeq(e.Seq)
	}
	return e.ID
}
