package persistence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]WorkflowRecord
	checkpoints map[string]CheckpointRecord
	usage       []UsageRecord
	closed      bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string]WorkflowRecord),
		checkpoints: make(map[string]CheckpointRecord),
	}
}

func (s *MemoryStore) checkOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveWorkflow implements Store
func (s *MemoryStore) SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if err := validateWorkflow(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	now := time.Now()
	if existing, ok := s.workflows[rec.ID]; ok && rec.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.workflows[rec.ID] = *rec
	return nil
}

// FindWorkflow implements Store
func (s *MemoryStore) FindWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rec, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// ListWorkflows implements Store
func (s *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	out := make([]*WorkflowRecord, 0)
	for _, rec := range s.workflows {
		if filter.matches(&rec) {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteWorkflow implements Store
func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(s.workflows, id)
	for cpID, cp := range s.checkpoints {
		if cp.WorkflowID == id {
			delete(s.checkpoints, cpID)
		}
	}
	return nil
}

// SaveCheckpoint implements Store
func (s *MemoryStore) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	if err := validateCheckpoint(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.checkpoints[rec.ID]; ok {
		return ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.checkpoints[rec.ID] = *rec
	return nil
}

// FindCheckpoint implements Store
func (s *MemoryStore) FindCheckpoint(ctx context.Context, id string) (*CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rec, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// ListCheckpoints implements Store
func (s *MemoryStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	out := make([]*CheckpointRecord, 0)
	for _, rec := range s.checkpoints {
		if rec.WorkflowID == workflowID {
			r := rec
			out = append(out, &r)
		}
	}
	sortCheckpoints(out)
	return out, nil
}

// DeleteCheckpointsOlderThan implements Store
func (s *MemoryStore) DeleteCheckpointsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	for id, rec := range s.checkpoints {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.checkpoints, id)
			n++
		}
	}
	return n, nil
}

// SaveUsage implements Store
func (s *MemoryStore) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	if err := validateUsage(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.usage = append(s.usage, *rec)
	return nil
}

// ListUsage implements Store
func (s *MemoryStore) ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]*UsageRecord, 0)
	for i := range s.usage {
		if filter.matches(&s.usage[i]) {
			r := s.usage[i]
			out = append(out, &r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// DeleteUsageOlderThan implements Store
func (s *MemoryStore) DeleteUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	kept := s.usage[:0]
	var n int64
	for _, rec := range s.usage {
		if rec.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	s.usage = kept
	return n, nil
}

// Ping implements Store
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen()
}

// Close implements Store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortCheckpoints(out []*CheckpointRecord) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}
