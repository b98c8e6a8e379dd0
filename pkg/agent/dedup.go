package agent

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultDedupLimit bounds the processed-request record set.
const DefaultDedupLimit = 1000

// Record is one processed-request entry.
type Record struct {
	CorrelationID string
	Timestamp     time.Time
	CachedResult  json.RawMessage
}

// DedupStore is the bounded set of correlation ids a worker has already
// processed. Entries are recorded only after successful processing, so a
// transient failure never blacklists a retried request. When the bound is
// exceeded the oldest entry by timestamp is evicted.
//
// Entries are inserted in timestamp order (each Record call stamps its own
// time), so a FIFO queue over the insertion order is oldest-first.
type DedupStore struct {
	mu      sync.Mutex
	limit   int
	entries map[string]*Record
	order   []string
}

// NewDedupStore creates a store bounded at limit entries.
// A non-positive limit falls back to DefaultDedupLimit.
func NewDedupStore(limit int) *DedupStore {
	if limit <= 0 {
		limit = DefaultDedupLimit
	}
	return &DedupStore{
		limit:   limit,
		entries: make(map[string]*Record),
	}
}

// Seen reports whether correlationID has already been processed.
func (s *DedupStore) Seen(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[correlationID]
	return ok
}

// Record marks correlationID as processed, caching its result. Re-recording
// an existing id refreshes the cached result without growing the set.
func (s *DedupStore) Record(correlationID string, result json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[correlationID]; ok {
		existing.CachedResult = result
		return
	}

	s.entries[correlationID] = &Record{
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
		CachedResult:  result,
	}
	s.order = append(s.order, correlationID)

	for len(s.entries) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
}

// Result returns the cached result for correlationID, if present.
func (s *DedupStore) Result(correlationID string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[correlationID]
	if !ok {
		return nil, false
	}
	return rec.CachedResult, true
}

// Len returns the current number of recorded entries.
func (s *DedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
