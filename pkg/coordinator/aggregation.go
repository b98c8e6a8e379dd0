package coordinator

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// aggregation tracks one in-flight fan-out. It lives from dispatch until
// finalization and is never persisted; losing it on restart is acceptable.
//
// The completed flag is the exactly-once guard shared by the two
// finalization triggers (last expected arrival and the timeout timer): the
// winner of the compare-and-swap publishes, the loser no-ops.
type aggregation struct {
	correlationID string
	subject       string
	startTime     time.Time
	expected      map[string]struct{}
	timer         *time.Timer

	mu       sync.Mutex
	received map[string]json.RawMessage

	completed atomic.Bool
}

func newAggregation(correlationID, subject string, expected []string) *aggregation {
	set := make(map[string]struct{}, len(expected))
	for _, source := range expected {
		set[source] = struct{}{}
	}
	return &aggregation{
		correlationID: correlationID,
		subject:       subject,
		startTime:     time.Now(),
		expected:      set,
		received:      make(map[string]json.RawMessage),
	}
}

// add stores a sub-result. Sources outside the expected set are ignored so
// a stray publisher cannot trip early finalization. It reports whether all
// expected sources have now arrived.
func (g *aggregation) add(source string, payload json.RawMessage) (complete bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, expected := g.expected[source]; !expected {
		return false
	}
	g.received[source] = payload
	return len(g.received) >= len(g.expected)
}

// snapshot copies the received map for finalization.
func (g *aggregation) snapshot() map[string]json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]json.RawMessage, len(g.received))
	for source, payload := range g.received {
		out[source] = payload
	}
	return out
}

// missing returns the expected sources absent from received, sorted for
// stable output.
func (g *aggregation) missing(received map[string]json.RawMessage) []string {
	missing := make([]string, 0, len(g.expected))
	for source := range g.expected {
		if _, ok := received[source]; !ok {
			missing = append(missing, source)
		}
	}
	sort.Strings(missing)
	return missing
}
