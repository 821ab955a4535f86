package snapshot

import (
	"context"
	"sync"

	"sheetwatch/pkg/models"
)

// Store persists the accepted snapshot of each source. Load returns nil and
// no error when a source has never been accepted. MarkPublished drops the
// pending events of a source up to and including seq.
type Store interface {
	Load(ctx context.Context, sourceID string) (*models.Snapshot, error)
	Save(ctx context.Context, snap *models.Snapshot) error
	MarkPublished(ctx context.Context, sourceID string, seq uint64) error
}

// Unpublished returns the events of pending with a seq above acked.
func Unpublished(pending []models.Event, acked uint64) []models.Event {
	out := make([]models.Event, 0, len(pending))
	for _, event := range pending {
		if event.Seq > acked {
			out = append(out, event)
		}
	}
	return out
}

// MemoryStore keeps snapshots in process. Used in tests and dry runs.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*models.Snapshot
	saveErr   error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]*models.Snapshot)}
}

func (s *MemoryStore) Load(ctx context.Context, sourceID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[sourceID]
	if !ok {
		return nil, nil
	}
	return clone(snap), nil
}

func (s *MemoryStore) Save(ctx context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}
	s.snapshots[snap.SourceID] = clone(snap)
	return nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, sourceID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap, ok := s.snapshots[sourceID]; ok {
		snap.Pending = Unpublished(snap.Pending, seq)
	}
	return nil
}

// FailSaves makes every following Save return err; nil restores normal
// behaviour.
func (s *MemoryStore) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func clone(snap *models.Snapshot) *models.Snapshot {
	if snap == nil {
		return nil
	}
	cp := *snap
	cp.Pending = append([]models.Event(nil), snap.Pending...)
	cp.Rows = make([]models.Row, len(snap.Rows))
	for i, row := range snap.Rows {
		cp.Rows[i] = models.Row{Key: row.Key, Values: append([]string(nil), row.Values...)}
	}
	return &cp
}
