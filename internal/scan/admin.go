package scan

import (
	"time"

	pkgerrors "sheetwatch/pkg/errors"
	"sheetwatch/pkg/metrics"
	"sheetwatch/pkg/models"
)

// SourceStatus is a point-in-time view of one source.
type SourceStatus struct {
	SourceID     string     `json:"source_id"`
	Variant      string     `json:"variant"`
	PageName     string     `json:"page_name"`
	State        State      `json:"state"`
	Busy         bool       `json:"busy"`
	Poisoned     bool       `json:"poisoned"`
	Stalled      bool       `json:"stalled"`
	Alert        bool       `json:"alert"`
	Dirty        bool       `json:"dirty"`
	DeferRetries int        `json:"defer_retries"`
	AcceptedSeq  uint64     `json:"accepted_seq"`
	CapturedAt   *time.Time `json:"captured_at,omitempty"`
	RowCount     int        `json:"row_count"`
	Origin       string     `json:"origin,omitempty"`
	EventCount   int        `json:"event_count,omitempty"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	LastAttempt  *time.Time `json:"last_attempt_at,omitempty"`
	LastOutcome  string     `json:"last_outcome,omitempty"`
}

// Acknowledge clears the poison of a source and schedules a fresh scan.
func (sc *Scheduler) Acknowledge(sourceID string) error {
	s, err := sc.lookup(sourceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.poisoned {
		return pkgerrors.ErrSourceNotPoisoned.WithDetail("source_id", sourceID)
	}

	s.poisoned = false
	s.stalled = false
	s.alert = false
	s.deferRetries = 0
	metrics.SetSourceFlag(sourceID, "poisoned", false)
	metrics.SetSourceFlag(sourceID, "stalled", false)
	metrics.SetSourceFlag(sourceID, "alert", false)

	sc.intentLocked(s, models.OriginAcknowledge)
	sc.logger.Infow("Source acknowledged", "source_id", sourceID)
	return nil
}

// Rescan clears the stall and defer counters of a source and schedules a
// scan now. Poisoned sources must be acknowledged instead.
func (sc *Scheduler) Rescan(sourceID string) error {
	s, err := sc.lookup(sourceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poisoned {
		return pkgerrors.ErrSourcePoisoned.WithDetail("source_id", sourceID)
	}

	s.stalled = false
	s.alert = false
	s.deferRetries = 0
	metrics.SetSourceFlag(sourceID, "stalled", false)
	metrics.SetSourceFlag(sourceID, "alert", false)

	sc.intentLocked(s, models.OriginManual)
	sc.logger.Infow("Manual rescan requested", "source_id", sourceID)
	return nil
}

// Status reports every source in configuration order.
func (sc *Scheduler) Status() []SourceStatus {
	out := make([]SourceStatus, 0, len(sc.order))
	for _, id := range sc.order {
		out = append(out, sc.status(sc.sources[id]))
	}
	return out
}

// SourceStatus reports a single source.
func (sc *Scheduler) SourceStatus(sourceID string) (SourceStatus, error) {
	s, ok := sc.sources[sourceID]
	if !ok {
		return SourceStatus{}, pkgerrors.ErrUnknownSource.WithDetail("source_id", sourceID)
	}
	return sc.status(s), nil
}

// PoisonedSources lists the sources waiting for an acknowledgement.
func (sc *Scheduler) PoisonedSources() []string {
	var out []string
	for _, id := range sc.order {
		s := sc.sources[id]
		s.mu.Lock()
		if s.poisoned {
			out = append(out, id)
		}
		s.mu.Unlock()
	}
	return out
}

func (sc *Scheduler) status(s *source) SourceStatus {
	accepted := sc.publisher.Accepted(s.cfg.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := SourceStatus{
		SourceID:     s.cfg.ID,
		Variant:      s.cfg.Variant,
		PageName:     s.cfg.PageName,
		State:        StateIdle,
		Busy:         s.job != nil,
		Poisoned:     s.poisoned,
		Stalled:      s.stalled,
		Alert:        s.alert,
		Dirty:        s.dirty,
		DeferRetries: s.deferRetries,
		AcceptedSeq:  accepted.AcceptedSeq(),
		RowCount:     accepted.Len(),
		LastOutcome:  s.lastOutcome,
	}

	if accepted != nil {
		capturedAt := accepted.CapturedAt
		st.CapturedAt = &capturedAt
	}
	if !s.lastAttemptAt.IsZero() {
		lastAttempt := s.lastAttemptAt
		st.LastAttempt = &lastAttempt
	}
	if s.job != nil {
		st.State = s.job.state
		st.Origin = s.job.origin
		st.EventCount = s.job.eventCount
		scheduledAt := s.job.scheduledAt
		st.ScheduledAt = &scheduledAt
	}

	return st
}
