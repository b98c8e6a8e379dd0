// Package coordinator implements the fan-out/fan-in protocol: an
// externally-originated request is dispatched to every required worker kind
// under one correlation id, matching sub-results are collected, and exactly
// one aggregated outcome is emitted, either on full arrival or on timeout
// with whatever arrived.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/convergio/converge/pkg/agent"
	"github.com/convergio/converge/pkg/bus"
	"github.com/convergio/converge/pkg/logging"
	obsprom "github.com/convergio/converge/pkg/observability/prometheus"
	"github.com/convergio/converge/pkg/protocol"
)

// DefaultTimeout is the fan-in window armed per dispatch.
const DefaultTimeout = 2 * time.Minute

// Request is the front-door payload that starts a fan-out.
type Request struct {
	// Subject is the logical target of the request, e.g. a stock symbol.
	Subject string `json:"subject"`
}

// Aggregate is the payload of the coordinator's single success envelope.
type Aggregate struct {
	Subject     string                     `json:"subject"`
	Results     map[string]json.RawMessage `json:"results"`
	DataQuality protocol.DataQuality       `json:"dataQuality"`
	ElapsedMs   int64                      `json:"elapsedMs"`
}

// Options configures a Coordinator.
type Options struct {
	// Kind identifies the coordinator on the wire. Default: "Coordinator".
	Kind string

	// FrontDoor is the channel externally-originated requests arrive on.
	FrontDoor string

	// Results is the shared channel workers publish sub-results to.
	Results string

	// Output is the channel the aggregated outcome is published on.
	Output string

	// Sources maps each expected worker kind to its dedicated request
	// channel. The key set is the statically known expected-source set.
	Sources map[string]string

	// Timeout is the fan-in window. Zero means DefaultTimeout.
	Timeout time.Duration

	// DedupLimit bounds the coordinator's own processed-request records.
	DedupLimit int

	// Logger defaults to logging.NewDefaultLogger.
	Logger logging.Logger
}

// Coordinator is a specialized worker: it consumes the front-door and
// result channels instead of binding a single processing function, but
// shares the runtime's dedup store and lifecycle conventions.
type Coordinator struct {
	kind      string
	frontDoor string
	results   string
	output    string
	sources   map[string]string
	timeout   time.Duration
	dedup     *agent.DedupStore
	logger    logging.Logger

	mu      sync.Mutex
	pending map[string]*aggregation

	stateMu     sync.RWMutex
	bus         bus.Bus
	subs        []bus.Subscription
	initialized bool
	running     bool
}

// New creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.FrontDoor == "" || opts.Results == "" || opts.Output == "" {
		return nil, fmt.Errorf("coordinator: front door, results and output channels are required")
	}
	if len(opts.Sources) == 0 {
		return nil, fmt.Errorf("coordinator: at least one expected source is required")
	}
	for kind, ch := range opts.Sources {
		if kind == "" {
			return nil, fmt.Errorf("coordinator: source kind cannot be empty")
		}
		if err := bus.ValidateChannel(ch); err != nil {
			return nil, fmt.Errorf("coordinator: source %s: %w", kind, err)
		}
	}

	kind := opts.Kind
	if kind == "" {
		kind = "Coordinator"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	sources := make(map[string]string, len(opts.Sources))
	for k, ch := range opts.Sources {
		sources[k] = ch
	}

	return &Coordinator{
		kind:      kind,
		frontDoor: opts.FrontDoor,
		results:   opts.Results,
		output:    opts.Output,
		sources:   sources,
		timeout:   timeout,
		dedup:     agent.NewDedupStore(opts.DedupLimit),
		logger:    logger,
		pending:   make(map[string]*aggregation),
	}, nil
}

// Kind returns the coordinator's wire identity.
func (c *Coordinator) Kind() string { return c.kind }

// Initialize connects to the bus and subscribes the front-door and result
// channels.
func (c *Coordinator) Initialize(ctx context.Context, b bus.Bus) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.initialized {
		return fmt.Errorf("coordinator %s: already initialized", c.kind)
	}

	// The bus reference must be in place before the first subscription: a
	// request can arrive the moment the front door is bound.
	c.bus = b

	frontSub, err := b.Subscribe(c.frontDoor, c.handleRequest)
	if err != nil {
		c.bus = nil
		return fmt.Errorf("coordinator %s: subscribe %s: %w", c.kind, c.frontDoor, err)
	}
	resultSub, err := b.Subscribe(c.results, c.handleResult)
	if err != nil {
		_ = frontSub.Unsubscribe()
		c.bus = nil
		return fmt.Errorf("coordinator %s: subscribe %s: %w", c.kind, c.results, err)
	}

	c.subs = []bus.Subscription{frontSub, resultSub}
	c.initialized = true
	return nil
}

// Start marks the coordinator running; double-start is a warning no-op.
func (c *Coordinator) Start() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.running {
		c.logger.Warnf("coordinator %s: start called while already running", c.kind)
		return
	}
	c.running = true
	c.logger.Infof("coordinator %s: started (sources=%d timeout=%v)", c.kind, len(c.sources), c.timeout)
}

// Stop unsubscribes and marks the coordinator stopped. In-flight
// aggregations are abandoned; their timers fire into completed no-ops.
func (c *Coordinator) Stop() {
	c.stateMu.Lock()
	if !c.running {
		c.stateMu.Unlock()
		c.logger.Warnf("coordinator %s: stop called while not running", c.kind)
		return
	}
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Errorf("coordinator %s: unsubscribe %s: %v", c.kind, sub.Channel(), err)
		}
	}
	c.subs = nil
	c.initialized = false
	c.running = false
	c.stateMu.Unlock()

	c.mu.Lock()
	for _, agg := range c.pending {
		if agg.completed.CompareAndSwap(false, true) {
			agg.timer.Stop()
			obsprom.GetMetrics().AggregationsInFlight.Dec()
		}
	}
	c.pending = make(map[string]*aggregation)
	c.mu.Unlock()

	c.logger.Infof("coordinator %s: stopped", c.kind)
}

// IsRunning reports whether Start has been called without a matching Stop.
func (c *Coordinator) IsRunning() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.running
}

// InFlight returns the number of aggregations awaiting finalization.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// handleRequest starts a fan-out for an externally-originated request.
func (c *Coordinator) handleRequest(ctx context.Context, env protocol.Envelope) error {
	var req Request
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.logger.Warnf("coordinator %s: dropping undecodable request: %v", c.kind, err)
			return nil
		}
	}
	if req.Subject == "" {
		c.logger.Warnf("coordinator %s: dropping request without subject (correlation=%s)",
			c.kind, env.CorrelationID)
		return nil
	}

	// Accept the caller's correlation id; generate one only when absent.
	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = protocol.NewCorrelationID()
	}

	if c.dedup.Seen(correlationID) {
		c.logger.Debugf("coordinator %s: duplicate correlation %s, dropping", c.kind, correlationID)
		return nil
	}

	expected := make([]string, 0, len(c.sources))
	for kind := range c.sources {
		expected = append(expected, kind)
	}
	agg := newAggregation(correlationID, req.Subject, expected)

	c.mu.Lock()
	if _, exists := c.pending[correlationID]; exists {
		c.mu.Unlock()
		c.logger.Debugf("coordinator %s: fan-out already in flight for %s", c.kind, correlationID)
		return nil
	}
	c.pending[correlationID] = agg
	// The gauge must rise before the timer is armed: finalize decrements
	// it, and a very short timeout can fire the moment the timer exists.
	obsprom.GetMetrics().AggregationsInFlight.Inc()
	// Arm the single-shot fan-in timer before releasing the lock so a
	// result arriving immediately still finds a consistent aggregation.
	agg.timer = time.AfterFunc(c.timeout, func() { c.finalize(agg, true) })
	c.mu.Unlock()

	c.logger.Infof("coordinator %s: fan-out %s for subject %s to %d sources",
		c.kind, correlationID, req.Subject, len(expected))

	subPayload, err := json.Marshal(Request{Subject: req.Subject})
	if err != nil {
		// Cannot happen for a flat struct, but keep the guard.
		c.logger.Errorf("coordinator %s: encode sub-request: %v", c.kind, err)
		return nil
	}
	for kind, channel := range c.sources {
		subReq := protocol.NewSuccess(c.kind, correlationID, subPayload)
		if err := c.busRef().Publish(channel, subReq); err != nil {
			// That source will simply be missing at finalization time.
			c.logger.Errorf("coordinator %s: fan-out to %s (%s) failed: %v",
				c.kind, kind, channel, err)
		}
	}
	return nil
}

// handleResult folds one sub-result into its aggregation. Results for
// unknown or already-finalized correlation ids are inert.
func (c *Coordinator) handleResult(ctx context.Context, env protocol.Envelope) error {
	switch env.Status {
	case protocol.StatusSuccess:
	case protocol.StatusProgress:
		return nil
	case protocol.StatusError:
		if env.Error != nil {
			c.logger.Warnf("coordinator %s: %s reported error for %s: %s",
				c.kind, env.Source, env.CorrelationID, env.Error.Message)
		}
		return nil
	default:
		return nil
	}
	if err := env.Validate(); err != nil {
		c.logger.Warnf("coordinator %s: dropping malformed result: %v", c.kind, err)
		return nil
	}

	c.mu.Lock()
	agg := c.pending[env.CorrelationID]
	c.mu.Unlock()

	if agg == nil || agg.completed.Load() {
		c.logger.Debugf("coordinator %s: ignoring late result from %s for %s",
			c.kind, env.Source, env.CorrelationID)
		return nil
	}

	if agg.add(env.Source, env.Payload) {
		c.finalize(agg, false)
	}
	return nil
}

// finalize runs exactly once per aggregation: the completed guard is
// consumed as a single atomic step, so under concurrent delivery of the
// last expected result and the timer only one path publishes.
func (c *Coordinator) finalize(agg *aggregation, timedOut bool) {
	if !agg.completed.CompareAndSwap(false, true) {
		return
	}
	if !timedOut {
		agg.timer.Stop()
	}

	c.mu.Lock()
	delete(c.pending, agg.correlationID)
	c.mu.Unlock()

	metrics := obsprom.GetMetrics()
	metrics.AggregationsInFlight.Dec()

	received := agg.snapshot()
	if timedOut && len(received) == 0 {
		// Nothing arrived: abandon rather than publish an empty answer.
		// The original requester must rely on its own timeout.
		metrics.AggregationOutcomes.WithLabelValues("empty").Inc()
		c.logger.Warnf("coordinator %s: abandoning %s (subject=%s): no results within %v",
			c.kind, agg.correlationID, agg.subject, c.timeout)
		return
	}

	missing := agg.missing(received)
	coverage := float64(len(received)) / float64(len(agg.expected))
	metrics.AggregationCoverage.Observe(coverage)

	payload, err := json.Marshal(Aggregate{
		Subject: agg.subject,
		Results: received,
		DataQuality: protocol.DataQuality{
			Coverage:       coverage,
			MissingSources: missing,
		},
		ElapsedMs: time.Since(agg.startTime).Milliseconds(),
	})
	if err != nil {
		metrics.AggregationOutcomes.WithLabelValues("error").Inc()
		c.logger.Errorf("coordinator %s: building aggregate for %s failed: %v",
			c.kind, agg.correlationID, err)
		c.publishOutput(protocol.NewError(c.kind, agg.correlationID, err))
		return
	}

	outcome := "complete"
	if len(missing) > 0 {
		outcome = "partial"
	}
	metrics.AggregationOutcomes.WithLabelValues(outcome).Inc()

	c.dedup.Record(agg.correlationID, payload)
	c.publishOutput(protocol.NewSuccess(c.kind, agg.correlationID, payload))
	c.logger.Infof("coordinator %s: finalized %s (subject=%s coverage=%.2f missing=%v)",
		c.kind, agg.correlationID, agg.subject, coverage, missing)
}

func (c *Coordinator) publishOutput(env protocol.Envelope) {
	if err := c.busRef().Publish(c.output, env); err != nil {
		c.logger.Errorf("coordinator %s: publish aggregated outcome for %s failed: %v",
			c.kind, env.CorrelationID, err)
	}
}

func (c *Coordinator) busRef() bus.Bus {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.bus
}
