package models

import (
	"slices"
	"strconv"
	"time"
)

// RawRows is the untyped cell grid returned by a sheet fetch, row major.
type RawRows [][]string

// Row is one parsed sheet row with its stable key.
type Row struct {
	Key    string   `json:"key" bson:"key"`
	Values []string `json:"values" bson:"values"`
}

// Equal ignores trailing empty cells, which the sheet API does not return.
func (r Row) Equal(other Row) bool {
	return r.Key == other.Key && slices.Equal(TrimTrailingEmpty(r.Values), TrimTrailingEmpty(other.Values))
}

// TrimTrailingEmpty returns a copy of cells without its trailing empty
// strings.
func TrimTrailingEmpty(cells []string) []string {
	n := len(cells)
	for n > 0 && cells[n-1] == "" {
		n--
	}
	return append([]string{}, cells[:n]...)
}

// Snapshot is a row set captured from a source. Seq is the sequence number of
// the diff event that accepted it; zero means it was never accepted.
type Snapshot struct {
	SourceID   string    `json:"source_id" bson:"source_id"`
	Seq        uint64    `json:"seq" bson:"seq"`
	Rows       []Row     `json:"rows" bson:"rows"`
	CapturedAt time.Time `json:"captured_at" bson:"captured_at"`
	ExpiresAt  time.Time `json:"expires_at" bson:"expires_at"`
	// Pending holds committed diff events the broker has not confirmed yet,
	// in seq order. They are saved with the snapshot and replayed on load.
	Pending []Event `json:"pending,omitempty" bson:"-"`
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rows)
}

func (s *Snapshot) AcceptedSeq() uint64 {
	if s == nil {
		return 0
	}
	return s.Seq
}

type RowChange struct {
	Old Row `json:"old"`
	New Row `json:"new"`
}

// Diff is the structural difference between two row sets. Removed is sorted.
type Diff struct {
	Added   map[string]Row       `json:"added"`
	Removed []string             `json:"removed"`
	Changed map[string]RowChange `json:"changed"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

func formatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}
