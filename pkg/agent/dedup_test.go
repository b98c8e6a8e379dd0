package agent

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestDedupStore_SeenAndRecord(t *testing.T) {
	s := NewDedupStore(10)

	if s.Seen("c1") {
		t.Error("Seen() true for unrecorded id")
	}
	s.Record("c1", json.RawMessage(`{"v":1}`))
	if !s.Seen("c1") {
		t.Error("Seen() false after Record()")
	}

	result, ok := s.Result("c1")
	if !ok || string(result) != `{"v":1}` {
		t.Errorf("Result() = %s, %v", result, ok)
	}
	if _, ok := s.Result("c2"); ok {
		t.Error("Result() found an unrecorded id")
	}
}

func TestDedupStore_RerecordDoesNotGrow(t *testing.T) {
	s := NewDedupStore(10)
	s.Record("c1", json.RawMessage(`1`))
	s.Record("c1", json.RawMessage(`2`))

	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
	result, _ := s.Result("c1")
	if string(result) != "2" {
		t.Errorf("Result() = %s, want refreshed value 2", result)
	}
}

func TestDedupStore_EvictionBound(t *testing.T) {
	s := NewDedupStore(DefaultDedupLimit)

	for i := 0; i < DefaultDedupLimit+1; i++ {
		s.Record(fmt.Sprintf("c%04d", i), nil)
	}

	if s.Len() != DefaultDedupLimit {
		t.Errorf("Len() = %d, want %d", s.Len(), DefaultDedupLimit)
	}
	// Exactly the oldest entry is gone.
	if s.Seen("c0000") {
		t.Error("oldest entry survived eviction")
	}
	if !s.Seen("c0001") {
		t.Error("second-oldest entry was evicted")
	}
	if !s.Seen(fmt.Sprintf("c%04d", DefaultDedupLimit)) {
		t.Error("newest entry was evicted")
	}
}

func TestDedupStore_DefaultLimit(t *testing.T) {
	s := NewDedupStore(0)
	if s.limit != DefaultDedupLimit {
		t.Errorf("limit = %d, want %d", s.limit, DefaultDedupLimit)
	}
}
