// converged runs the orchestration core as a single process: it builds the
// configured bus, deploys one demonstration worker per configured source
// kind plus the coordinator, and serves Prometheus metrics until stopped.
//
// Real deployments replace the demonstration processors with their own
// ProcessFuncs; everything else stays as wired here.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convergio/converge/pkg/agent"
	"github.com/convergio/converge/pkg/bus"
	"github.com/convergio/converge/pkg/config"
	"github.com/convergio/converge/pkg/coordinator"
	"github.com/convergio/converge/pkg/logging"
	obsprom "github.com/convergio/converge/pkg/observability/prometheus"
	"github.com/convergio/converge/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.NewDefaultLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := buildBus(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("build bus: %v", err)
	}
	defer b.Close()

	limiter, err := ratelimit.NewLimiter(b, cfg.RateLimit.Limit, cfg.RateLimit.Window())
	if err != nil {
		log.Fatalf("build limiter: %v", err)
	}
	resultCache, err := ratelimit.NewValueCache(b, "results", 5*time.Minute)
	if err != nil {
		log.Fatalf("build value cache: %v", err)
	}

	// One demonstration worker per configured source kind.
	var agents []*agent.Agent
	for kind, channel := range cfg.Channels.Sources {
		a, err := newDemoWorker(kind, channel, cfg, limiter, resultCache, logger)
		if err != nil {
			log.Fatalf("build worker %s: %v", kind, err)
		}
		if err := a.Initialize(ctx, b); err != nil {
			log.Fatalf("initialize worker %s: %v", kind, err)
		}
		a.Start()
		agents = append(agents, a)
	}

	coord, err := coordinator.New(coordinator.Options{
		FrontDoor:  cfg.Channels.FrontDoor,
		Results:    cfg.Channels.Results,
		Output:     cfg.Channels.Output,
		Sources:    cfg.Channels.Sources,
		Timeout:    cfg.Coordinator.Timeout(),
		DedupLimit: cfg.Coordinator.DedupLimit,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("build coordinator: %v", err)
	}
	if err := coord.Initialize(ctx, b); err != nil {
		log.Fatalf("initialize coordinator: %v", err)
	}
	coord.Start()

	metricsSrv := serveMetrics(cfg.Metrics.Addr, logger)

	logger.Infof("converged up: bus=%s front_door=%s sources=%d metrics=%s",
		cfg.Bus.Mode, cfg.Channels.FrontDoor, len(cfg.Channels.Sources), cfg.Metrics.Addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down...")
	coord.Stop()
	for _, a := range agents {
		a.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("metrics server shutdown: %v", err)
	}
}

func buildBus(ctx context.Context, cfg config.Config, logger logging.Logger) (bus.Bus, error) {
	switch cfg.Bus.Mode {
	case "nats":
		return bus.NewNATSBus(ctx, bus.NATSConfig{
			URL:         cfg.Bus.URL,
			Prefix:      cfg.Bus.Prefix,
			Name:        "converged",
			CacheBucket: cfg.Bus.CacheBucket,
			Logger:      logger,
		})
	default:
		return bus.NewMemoryBus(ctx, bus.WithLogger(logger)), nil
	}
}

func serveMetrics(addr string, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obsprom.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}

// newDemoWorker builds a worker whose processor just labels the subject.
// It exercises the shared rate-limit and value-cache helpers the way a
// real worker would around its actual computation.
func newDemoWorker(kind, channel string, cfg config.Config, limiter *ratelimit.Limiter,
	cache *ratelimit.ValueCache, logger logging.Logger) (*agent.Agent, error) {

	var a *agent.Agent
	process := func(ctx context.Context, correlationID string, payload json.RawMessage) (json.RawMessage, error) {
		var req coordinator.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}

		allowed, err := limiter.Allow(kind, req.Subject)
		if err != nil {
			logger.Warnf("worker %s: rate limiter unavailable, failing open: %v", kind, err)
		} else if !allowed {
			return nil, fmt.Errorf("rate limit exceeded for %s", req.Subject)
		}

		a.ReportProgress(correlationID, 50)

		return cache.Fetch(kind+"."+req.Subject, func() ([]byte, error) {
			return json.Marshal(map[string]string{
				"kind":    kind,
				"subject": req.Subject,
				"summary": fmt.Sprintf("%s analysis of %s", kind, req.Subject),
			})
		})
	}

	a, err := agent.New(agent.Options{
		Kind:       kind,
		Inputs:     []string{channel},
		Outputs:    []string{cfg.Channels.Results},
		DedupLimit: cfg.Coordinator.DedupLimit,
		Logger:     logger,
	}, process)
	if err != nil {
		return nil, err
	}
	return a, nil
}
