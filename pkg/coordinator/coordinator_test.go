package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/convergio/converge/pkg/bus"
	"github.com/convergio/converge/pkg/logging"
	obsprom "github.com/convergio/converge/pkg/observability/prometheus"
	"github.com/convergio/converge/pkg/protocol"
)

type fixture struct {
	bus   bus.Bus
	coord *Coordinator
	out   chan protocol.Envelope
}

// newFixture wires a coordinator over an in-process bus with one stub
// worker per source kind. Kinds listed in silent never respond.
func newFixture(t *testing.T, timeout time.Duration, kinds []string, silent map[string]bool) *fixture {
	t.Helper()

	b := bus.NewMemoryBus(context.Background(), bus.WithLogger(logging.NewNopLogger()))
	t.Cleanup(func() { _ = b.Close() })

	sources := make(map[string]string, len(kinds))
	for _, kind := range kinds {
		sources[kind] = "work." + kind
	}

	for _, kind := range kinds {
		if silent[kind] {
			continue
		}
		kind := kind
		if _, err := b.Subscribe("work."+kind, func(ctx context.Context, env protocol.Envelope) error {
			payload := json.RawMessage(fmt.Sprintf(`{"from":%q}`, kind))
			return b.Publish("results", protocol.NewSuccess(kind, env.CorrelationID, payload))
		}); err != nil {
			t.Fatalf("Subscribe(work.%s) error = %v", kind, err)
		}
	}

	coord, err := New(Options{
		FrontDoor: "requests",
		Results:   "results",
		Output:    "aggregated",
		Sources:   sources,
		Timeout:   timeout,
		Logger:    logging.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := coord.Initialize(context.Background(), b); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	coord.Start()
	t.Cleanup(coord.Stop)

	out := make(chan protocol.Envelope, 16)
	if _, err := b.Subscribe("aggregated", func(ctx context.Context, env protocol.Envelope) error {
		out <- env
		return nil
	}); err != nil {
		t.Fatalf("Subscribe(aggregated) error = %v", err)
	}

	return &fixture{bus: b, coord: coord, out: out}
}

func (f *fixture) request(t *testing.T, correlationID, subject string) {
	t.Helper()
	env := protocol.Envelope{
		CorrelationID: correlationID,
		Source:        "gateway",
		Timestamp:     time.Now(),
		Status:        protocol.StatusSuccess,
		Payload:       json.RawMessage(fmt.Sprintf(`{"subject":%q}`, subject)),
	}
	if err := f.bus.Publish("requests", env); err != nil {
		t.Fatalf("Publish(requests) error = %v", err)
	}
}

func (f *fixture) waitOutput(t *testing.T, within time.Duration) protocol.Envelope {
	t.Helper()
	select {
	case env := <-f.out:
		return env
	case <-time.After(within):
		t.Fatal("timed out waiting for the aggregated output")
		return protocol.Envelope{}
	}
}

func (f *fixture) assertNoOutput(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case env := <-f.out:
		t.Fatalf("unexpected aggregated output: %+v", env)
	case <-time.After(within):
	}
}

func decodeAggregate(t *testing.T, env protocol.Envelope) Aggregate {
	t.Helper()
	var agg Aggregate
	if err := json.Unmarshal(env.Payload, &agg); err != nil {
		t.Fatalf("decode aggregate: %v", err)
	}
	return agg
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Results: "r", Output: "o", Sources: map[string]string{"A": "a"}}); err == nil {
		t.Error("New() without front door should fail")
	}
	if _, err := New(Options{FrontDoor: "f", Results: "r", Output: "o"}); err == nil {
		t.Error("New() without sources should fail")
	}
	if _, err := New(Options{FrontDoor: "f", Results: "r", Output: "o",
		Sources: map[string]string{"A": ""}}); err == nil {
		t.Error("New() with empty source channel should fail")
	}
}

func TestCoordinator_AllSourcesComplete(t *testing.T) {
	f := newFixture(t, 5*time.Second, []string{"A", "B"}, nil)

	f.request(t, "req-1", "AAPL")

	env := f.waitOutput(t, 2*time.Second)
	if env.Status != protocol.StatusSuccess {
		t.Fatalf("status = %s, want success", env.Status)
	}
	if env.CorrelationID != "req-1" {
		t.Errorf("correlation = %s, want req-1", env.CorrelationID)
	}

	agg := decodeAggregate(t, env)
	if agg.Subject != "AAPL" {
		t.Errorf("subject = %s, want AAPL", agg.Subject)
	}
	if agg.DataQuality.Coverage != 1.0 {
		t.Errorf("coverage = %v, want 1.0", agg.DataQuality.Coverage)
	}
	if len(agg.DataQuality.MissingSources) != 0 {
		t.Errorf("missing = %v, want none", agg.DataQuality.MissingSources)
	}
	if len(agg.Results) != 2 {
		t.Errorf("results = %v, want A and B", agg.Results)
	}
	if f.coord.InFlight() != 0 {
		t.Errorf("InFlight() = %d after finalization", f.coord.InFlight())
	}
}

func TestCoordinator_TimerInertAfterCompletion(t *testing.T) {
	f := newFixture(t, 300*time.Millisecond, []string{"A", "B"}, nil)

	f.request(t, "req-1", "AAPL")
	f.waitOutput(t, 2*time.Second)

	// The armed timer fires into the consumed guard: no second output.
	f.assertNoOutput(t, 600*time.Millisecond)
}

func TestCoordinator_PartialTimeout(t *testing.T) {
	f := newFixture(t, 300*time.Millisecond, []string{"A", "B", "C"}, map[string]bool{"C": true})

	f.request(t, "req-1", "AAPL")

	env := f.waitOutput(t, 2*time.Second)
	agg := decodeAggregate(t, env)

	want := float64(2) / float64(3)
	if math.Abs(agg.DataQuality.Coverage-want) > 1e-9 {
		t.Errorf("coverage = %v, want %v", agg.DataQuality.Coverage, want)
	}
	if len(agg.DataQuality.MissingSources) != 1 || agg.DataQuality.MissingSources[0] != "C" {
		t.Errorf("missing = %v, want [C]", agg.DataQuality.MissingSources)
	}
	if _, ok := agg.Results["A"]; !ok {
		t.Error("result from A missing")
	}
	if _, ok := agg.Results["C"]; ok {
		t.Error("aggregate contains a result from the silent source")
	}

	// Exactly one output.
	f.assertNoOutput(t, 400*time.Millisecond)
}

func TestCoordinator_EmptyTimeoutProducesNothing(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, []string{"A"}, map[string]bool{"A": true})

	f.request(t, "req-1", "AAPL")

	// Zero results at timeout: the aggregation is abandoned silently.
	f.assertNoOutput(t, 600*time.Millisecond)
	if f.coord.InFlight() != 0 {
		t.Errorf("InFlight() = %d after abandoned timeout", f.coord.InFlight())
	}
}

func TestCoordinator_GeneratesCorrelationID(t *testing.T) {
	f := newFixture(t, 5*time.Second, []string{"A"}, nil)

	f.request(t, "", "TSLA")

	env := f.waitOutput(t, 2*time.Second)
	if env.CorrelationID == "" {
		t.Error("aggregated output has no correlation id")
	}
}

func TestCoordinator_DuplicateRequestDropped(t *testing.T) {
	f := newFixture(t, 5*time.Second, []string{"A"}, nil)

	f.request(t, "req-1", "AAPL")
	f.waitOutput(t, 2*time.Second)

	// The same correlation id again: already finalized, dropped.
	f.request(t, "req-1", "AAPL")
	f.assertNoOutput(t, 300*time.Millisecond)
}

func TestCoordinator_RequestWithoutSubjectDropped(t *testing.T) {
	f := newFixture(t, 5*time.Second, []string{"A"}, nil)

	env := protocol.NewSuccess("gateway", "req-1", json.RawMessage(`{}`))
	if err := f.bus.Publish("requests", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	f.assertNoOutput(t, 300*time.Millisecond)
	if f.coord.InFlight() != 0 {
		t.Errorf("InFlight() = %d for a rejected request", f.coord.InFlight())
	}
}

func TestCoordinator_LateResultInert(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, []string{"A"}, map[string]bool{"A": true})

	f.request(t, "req-1", "AAPL")
	time.Sleep(400 * time.Millisecond) // let the empty timeout pass

	// A result arriving after finalization is a no-op.
	late := protocol.NewSuccess("A", "req-1", json.RawMessage(`{"late":true}`))
	if err := f.bus.Publish("results", late); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	f.assertNoOutput(t, 300*time.Millisecond)
}

// TestCoordinator_FinalizeExactlyOnce drives the two finalization triggers
// concurrently and asserts one output per aggregation.
func TestCoordinator_FinalizeExactlyOnce(t *testing.T) {
	f := newFixture(t, time.Hour, []string{"A"}, map[string]bool{"A": true})

	const iterations = 100
	for i := 0; i < iterations; i++ {
		agg := newAggregation(fmt.Sprintf("race-%d", i), "AAPL", []string{"A"})
		agg.add("A", json.RawMessage(`{"from":"A"}`))
		agg.timer = time.AfterFunc(time.Hour, func() {})

		f.coord.mu.Lock()
		f.coord.pending[agg.correlationID] = agg
		obsprom.GetMetrics().AggregationsInFlight.Inc()
		f.coord.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { // last-expected-arrival path
			defer wg.Done()
			f.coord.finalize(agg, false)
		}()
		go func() { // timer path
			defer wg.Done()
			f.coord.finalize(agg, true)
		}()
		wg.Wait()
	}

	outputs := 0
	deadline := time.After(2 * time.Second)
	for outputs < iterations {
		select {
		case <-f.out:
			outputs++
		case <-deadline:
			t.Fatalf("received %d outputs, want %d", outputs, iterations)
		}
	}
	// And not a single one more.
	f.assertNoOutput(t, 300*time.Millisecond)
}

// TestCoordinator_InFlightGaugeNeverNegative covers the ordering between the
// gauge increment and the fan-in timer: with a timeout this short the timer
// can fire before handleRequest returns, and the matching decrement in
// finalize must never land first.
func TestCoordinator_InFlightGaugeNeverNegative(t *testing.T) {
	f := newFixture(t, time.Millisecond, []string{"A"}, map[string]bool{"A": true})

	gauge := obsprom.GetMetrics().AggregationsInFlight
	baseline := testutil.ToFloat64(gauge)

	var dipped atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			if testutil.ToFloat64(gauge) < baseline {
				dipped.Store(true)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		f.request(t, fmt.Sprintf("gauge-%d", i), "AAPL")
	}
	<-done
	if dipped.Load() {
		t.Fatal("in-flight gauge dropped below its starting value")
	}

	deadline := time.After(2 * time.Second)
	for f.coord.InFlight() != 0 {
		select {
		case <-deadline:
			t.Fatalf("InFlight() = %d, want 0", f.coord.InFlight())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	if got := testutil.ToFloat64(gauge); got != baseline {
		t.Errorf("gauge = %v after all timeouts, want %v", got, baseline)
	}
}

func TestCoordinator_LifecycleNoOps(t *testing.T) {
	f := newFixture(t, time.Second, []string{"A"}, nil)

	if !f.coord.IsRunning() {
		t.Fatal("coordinator should be running after Start")
	}
	f.coord.Start() // warning no-op
	if !f.coord.IsRunning() {
		t.Error("double Start changed running state")
	}

	f.coord.Stop()
	if f.coord.IsRunning() {
		t.Error("coordinator still running after Stop")
	}
	f.coord.Stop() // warning no-op
}
