// Package agent is the generic worker runtime: it binds one or more input
// channels to a single processing function and fans the outcome out to the
// declared output channels, owning request deduplication and progress/error
// reporting along the way.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/convergio/converge/pkg/bus"
	"github.com/convergio/converge/pkg/logging"
	obsprom "github.com/convergio/converge/pkg/observability/prometheus"
	"github.com/convergio/converge/pkg/protocol"
)

// ProcessFunc is the worker-specific computation. It may take arbitrarily
// long and may publish progress envelopes via Agent.ReportProgress while
// running. A returned error is surfaced to the requester as an error
// envelope; it is never thrown across the bus.
type ProcessFunc func(ctx context.Context, correlationID string, payload json.RawMessage) (json.RawMessage, error)

// Options configures an Agent.
type Options struct {
	// Kind identifies this worker type on the wire (the envelope source).
	Kind string

	// Inputs are the channels the dispatcher consumes.
	Inputs []string

	// Outputs are the channels every outcome envelope is published to.
	Outputs []string

	// DedupLimit bounds the processed-request record set.
	// Zero means DefaultDedupLimit.
	DedupLimit int

	// Logger defaults to logging.NewDefaultLogger.
	Logger logging.Logger
}

// Agent is the worker runtime. Inbound envelopes from all input channels
// funnel through one dispatcher that runs messages one at a time, so the
// dedup check-and-insert needs no further coordination.
type Agent struct {
	kind    string
	inputs  []string
	outputs []string
	process ProcessFunc
	dedup   *DedupStore
	logger  logging.Logger

	dispatchMu sync.Mutex // serializes the dispatcher across input subscriptions

	mu          sync.RWMutex
	bus         bus.Bus
	subs        []bus.Subscription
	initialized bool
	running     bool
}

// New creates an Agent. The process function and at least one input channel
// are required.
func New(opts Options, process ProcessFunc) (*Agent, error) {
	if opts.Kind == "" {
		return nil, fmt.Errorf("agent: kind is required")
	}
	if len(opts.Inputs) == 0 {
		return nil, fmt.Errorf("agent %s: at least one input channel is required", opts.Kind)
	}
	if process == nil {
		return nil, fmt.Errorf("agent %s: process func is required", opts.Kind)
	}
	for _, ch := range append(append([]string{}, opts.Inputs...), opts.Outputs...) {
		if err := bus.ValidateChannel(ch); err != nil {
			return nil, fmt.Errorf("agent %s: %w", opts.Kind, err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	return &Agent{
		kind:    opts.Kind,
		inputs:  append([]string{}, opts.Inputs...),
		outputs: append([]string{}, opts.Outputs...),
		process: process,
		dedup:   NewDedupStore(opts.DedupLimit),
		logger:  logger,
	}, nil
}

// Kind returns the worker kind stamped on every outbound envelope.
func (a *Agent) Kind() string { return a.kind }

// Bus returns the bus the agent was initialized with.
func (a *Agent) Bus() bus.Bus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bus
}

// Initialize connects the agent to the bus and subscribes every input
// channel to the dispatcher.
func (a *Agent) Initialize(ctx context.Context, b bus.Bus) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return fmt.Errorf("agent %s: already initialized", a.kind)
	}

	a.bus = b
	for _, input := range a.inputs {
		sub, err := b.Subscribe(input, a.dispatch)
		if err != nil {
			for _, s := range a.subs {
				_ = s.Unsubscribe()
			}
			a.subs = nil
			a.bus = nil
			return fmt.Errorf("agent %s: subscribe %s: %w", a.kind, input, err)
		}
		a.subs = append(a.subs, sub)
	}
	a.initialized = true
	return nil
}

// Start marks the agent running. Starting a running agent is a warning
// no-op, not an error.
func (a *Agent) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		a.logger.Warnf("agent %s: start called while already running", a.kind)
		return
	}
	a.running = true
	a.logger.Infof("agent %s: started (inputs=%v outputs=%v)", a.kind, a.inputs, a.outputs)
}

// Stop unsubscribes all input channels and marks the agent stopped.
// Stopping a non-running agent is a warning no-op.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		a.logger.Warnf("agent %s: stop called while not running", a.kind)
		return
	}
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Errorf("agent %s: unsubscribe %s: %v", a.kind, sub.Channel(), err)
		}
	}
	a.subs = nil
	a.initialized = false
	a.running = false
	a.logger.Infof("agent %s: stopped", a.kind)
}

// IsRunning reports whether Start has been called without a matching Stop.
func (a *Agent) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Dedup exposes the processed-request record set, mainly for tests and for
// coordinators built on top of the runtime.
func (a *Agent) Dedup() *DedupStore { return a.dedup }

// dispatch handles one inbound envelope:
//
//  1. malformed envelopes are logged and dropped
//  2. duplicate correlation ids are dropped silently (debug log)
//  3. the processing function runs
//  4. success records the result and publishes a success envelope per output
//  5. failure publishes an error envelope per output and records nothing
func (a *Agent) dispatch(ctx context.Context, env protocol.Envelope) error {
	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()

	metrics := obsprom.GetMetrics()

	if err := env.Validate(); err != nil {
		metrics.AgentProcessedTotal.WithLabelValues(a.kind, "malformed").Inc()
		a.logger.Warnf("agent %s: dropping malformed envelope: %v", a.kind, err)
		return nil
	}

	if a.dedup.Seen(env.CorrelationID) {
		metrics.AgentDedupHits.WithLabelValues(a.kind).Inc()
		a.logger.Debugf("agent %s: duplicate correlation %s, dropping", a.kind, env.CorrelationID)
		return nil
	}

	start := time.Now()
	result, err := a.process(ctx, env.CorrelationID, env.Payload)
	metrics.AgentProcessDuration.WithLabelValues(a.kind).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.AgentProcessedTotal.WithLabelValues(a.kind, "error").Inc()
		a.logger.Errorf("agent %s: processing %s failed: %v", a.kind, env.CorrelationID, err)
		a.broadcast(protocol.NewError(a.kind, env.CorrelationID, err))
		return nil
	}

	a.dedup.Record(env.CorrelationID, result)
	metrics.AgentProcessedTotal.WithLabelValues(a.kind, "success").Inc()
	a.broadcast(protocol.NewSuccess(a.kind, env.CorrelationID, result))
	return nil
}

// ReportProgress publishes a progress envelope on every output channel.
// Long-running process functions call this from inside their computation.
func (a *Agent) ReportProgress(correlationID string, pct int) {
	a.broadcast(protocol.NewProgress(a.kind, correlationID, pct))
}

// broadcast publishes env on every output channel. Transport errors are
// logged and not retried; the runtime never escalates them.
func (a *Agent) broadcast(env protocol.Envelope) {
	b := a.Bus()
	if b == nil {
		a.logger.Errorf("agent %s: broadcast before initialization", a.kind)
		return
	}
	for _, output := range a.outputs {
		if err := b.Publish(output, env); err != nil {
			a.logger.Errorf("agent %s: publish to %s failed: %v", a.kind, output, err)
		}
	}
}
