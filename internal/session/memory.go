package session

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 32

type slot struct {
	mu    sync.Mutex
	entry Entry
	gone  bool
}

type shard struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// MemoryRegistry is a process-local Registry.
//
// The map is split into shards so lookups on different keys rarely contend;
// each entry has its own mutex so Update serializes only writers of that key.
type MemoryRegistry struct {
	shards [shardCount]*shard
	clock  func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	r := &MemoryRegistry{clock: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{slots: map[string]*slot{}}
	}
	return r
}

func (r *MemoryRegistry) shardFor(callID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callID))
	return r.shards[h.Sum32()%shardCount]
}

func (r *MemoryRegistry) Create(ctx context.Context, callID, callerID, status string) error {
	now := r.clock().UTC()
	sh := r.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.slots[callID]; ok {
		return ErrExists
	}
	sh.slots[callID] = &slot{entry: Entry{
		CallID:    callID,
		CallerID:  callerID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	return nil
}

func (r *MemoryRegistry) lookup(callID string) *slot {
	sh := r.shardFor(callID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.slots[callID]
}

func (r *MemoryRegistry) Get(ctx context.Context, callID string) (Entry, error) {
	s := r.lookup(callID)
	if s == nil {
		return Entry{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(s.entry), nil
}

func (r *MemoryRegistry) Update(ctx context.Context, callID string, fn func(*Entry) error) (Entry, error) {
	s := r.lookup(callID)
	if s == nil {
		return Entry{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return Entry{}, ErrNotFound
	}
	next := cloneEntry(s.entry)
	if err := fn(&next); err != nil {
		return Entry{}, err
	}
	next.CallID = callID
	next.UpdatedAt = r.clock().UTC()
	s.entry = next
	return cloneEntry(next), nil
}

func (r *MemoryRegistry) Remove(ctx context.Context, callID string) error {
	sh := r.shardFor(callID)
	sh.mu.Lock()
	s, ok := sh.slots[callID]
	delete(sh.slots, callID)
	sh.mu.Unlock()
	if !ok {
		return nil
	}
	// A concurrent Update holding the slot sees gone and reports ErrNotFound.
	s.mu.Lock()
	s.gone = true
	s.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Expired(ctx context.Context, now time.Time, maxAge, terminalGrace time.Duration) ([]Entry, error) {
	out := make([]Entry, 0)
	for _, sh := range r.shards {
		sh.mu.RLock()
		slots := make([]*slot, 0, len(sh.slots))
		for _, s := range sh.slots {
			slots = append(slots, s)
		}
		sh.mu.RUnlock()

		for _, s := range slots {
			s.mu.Lock()
			if !s.gone && expired(s.entry, now, maxAge, terminalGrace) {
				out = append(out, cloneEntry(s.entry))
			}
			s.mu.Unlock()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRegistry) Len(ctx context.Context) (int, error) {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.slots)
		sh.mu.RUnlock()
	}
	return n, nil
}

func cloneEntry(e Entry) Entry {
	if e.NegotiationAnswer != nil {
		e.NegotiationAnswer = append([]byte(nil), e.NegotiationAnswer...)
	}
	if e.TerminalAt != nil {
		t := *e.TerminalAt
		e.TerminalAt = &t
	}
	return e
}
