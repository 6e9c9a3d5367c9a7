package calls

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and local runs.
// It is not intended for production use.
type MemoryStore struct {
	mu         sync.Mutex
	rows       map[string]CallRecord
	byProvider map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:       map[string]CallRecord{},
		byProvider: map[string]string{},
	}
}

func (s *MemoryStore) Insert(ctx context.Context, rec CallRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, ok := s.rows[rec.ID]; ok {
		return "", fmt.Errorf("calls: duplicate id %s", rec.ID)
	}
	if rec.ProviderCallID != "" {
		if _, ok := s.byProvider[rec.ProviderCallID]; ok {
			return "", fmt.Errorf("calls: duplicate provider_call_id %s", rec.ProviderCallID)
		}
		s.byProvider[rec.ProviderCallID] = rec.ID
	}
	s.rows[rec.ID] = rec
	return rec.ID, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if p.ExpectStatus != "" && rec.Status != p.ExpectStatus {
		return ErrStatusConflict
	}
	if p.ProviderCallID != nil && *p.ProviderCallID != rec.ProviderCallID {
		if owner, ok := s.byProvider[*p.ProviderCallID]; ok && owner != id {
			return fmt.Errorf("calls: duplicate provider_call_id %s", *p.ProviderCallID)
		}
		delete(s.byProvider, rec.ProviderCallID)
		s.byProvider[*p.ProviderCallID] = id
	}
	s.rows[id] = p.Apply(rec)
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) FindByProviderCallID(ctx context.Context, providerCallID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byProvider[providerCallID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return s.rows[id], nil
}

func (s *MemoryStore) ListStuck(ctx context.Context, statuses []Status, before time.Time, limit int) ([]CallRecord, error) {
	want := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	s.mu.Lock()
	out := make([]CallRecord, 0)
	for _, rec := range s.rows {
		if _, ok := want[rec.Status]; !ok {
			continue
		}
		if rec.StartTime.Before(before) {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()
	sortByStart(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListCalls(ctx context.Context, f ListFilter) ([]CallRecord, error) {
	s.mu.Lock()
	out := make([]CallRecord, 0)
	for _, rec := range s.rows {
		if f.CallerID != "" && rec.CallerID != f.CallerID {
			continue
		}
		if f.LeadID != "" && rec.LeadID != f.LeadID {
			continue
		}
		if !f.From.IsZero() && rec.StartTime.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !rec.StartTime.Before(f.To) {
			continue
		}
		out = append(out, rec)
	}
	s.mu.Unlock()
	sortByStart(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortByStart(recs []CallRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartTime.Before(recs[j].StartTime) })
}
