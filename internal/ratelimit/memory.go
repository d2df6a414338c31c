package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used when no distributed store is
// configured. Expired windows are swept opportunistically on writes.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	sweepAt time.Time

	now func() time.Time
}

type memoryRecord struct {
	count         int
	windowStarted time.Time
	window        time.Duration
}

const sweepInterval = 5 * time.Minute

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memoryRecord),
		now:     time.Now,
	}
}

// Increment resets the window if absent or expired, then increments.
func (s *MemoryStore) Increment(_ context.Context, identifier string, window time.Duration) (Record, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identifier]
	if !ok || now.Sub(rec.windowStarted) > window {
		rec = &memoryRecord{windowStarted: now, window: window}
		s.records[identifier] = rec
	}
	rec.count++
	s.sweepLocked(now)
	return Record{Count: rec.count, WindowStarted: rec.windowStarted}, nil
}

// Get returns the current record without incrementing.
func (s *MemoryStore) Get(_ context.Context, identifier string, _ time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identifier]
	if !ok {
		return Record{}, false, nil
	}
	return Record{Count: rec.count, WindowStarted: rec.windowStarted}, true, nil
}

// Reset removes the identifier's record.
func (s *MemoryStore) Reset(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, identifier)
	return nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(s.sweepAt) < sweepInterval {
		return
	}
	s.sweepAt = now
	for key, rec := range s.records {
		if now.Sub(rec.windowStarted) > rec.window {
			delete(s.records, key)
		}
	}
}
