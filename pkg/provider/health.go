package provider

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/llm-bridge-go/pkg/logging"
)

// DefaultProbeInterval is how often the health monitor probes providers.
const DefaultProbeInterval = 30 * time.Second

// HealthMonitor periodically probes every enabled provider's native health
// endpoint and folds the outcomes into the registry, independent of request
// traffic.
type HealthMonitor struct {
	registry *Registry
	interval time.Duration
	logger   logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewHealthMonitor creates a health monitor for the registry. A zero
// interval uses DefaultProbeInterval.
func NewHealthMonitor(registry *Registry, interval time.Duration, logger logging.Logger) *HealthMonitor {
	if interval == 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &HealthMonitor{
		registry: registry,
		interval: interval,
		logger:   logger.WithFields(logging.String("component", "health-monitor")),
	}
}

// Start launches the probe loop. It is a no-op if already running.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.running = true

	go h.loop(runCtx)
}

// Stop halts the probe loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	cancel, done := h.cancel, h.done
	h.running = false
	h.mu.Unlock()

	cancel()
	<-done
}

func (h *HealthMonitor) loop(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every enabled provider once. Each probe outcome counts as
// a completed request for health evaluation.
func (h *HealthMonitor) ProbeAll(ctx context.Context) {
	for _, rec := range h.registry.List() {
		if !rec.Enabled {
			continue
		}
		latency, err := h.registry.Client().Probe(ctx, rec.Info)
		h.registry.RecordOutcome(rec.ID, latency, err)
		if err != nil {
			h.logger.Debug("probe failed",
				logging.Provider(rec.ID),
				logging.ErrorField(err),
			)
		}
	}
}
