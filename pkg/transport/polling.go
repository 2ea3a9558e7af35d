package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
	"github.com/ajitpratap0/llm-bridge-go/pkg/logging"
	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
)

// PollingTransport tunnels requests over HTTP long-polling: register, poll
// for pending requests, execute, post results back. It needs nothing but
// outbound HTTPS, which makes it the lowest-common-denominator transport.
type PollingTransport struct {
	cfg      Config
	relay    *relayClient
	logger   logging.Logger
	stats    stats
	inflight *inflight

	mu        sync.Mutex
	bridgeID  string
	serverCfg protocol.BridgeConfig
}

// NewPollingTransport creates a polling transport from cfg. Call Start to
// register and begin polling.
func NewPollingTransport(cfg Config) *PollingTransport {
	cfg = cfg.withDefaults()
	return &PollingTransport{
		cfg:      cfg,
		relay:    newRelayClient(cfg),
		logger:   cfg.Logger.WithFields(logging.String("component", "polling-transport")),
		inflight: newInflight(),
	}
}

// BridgeID implements Transport.
func (t *PollingTransport) BridgeID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bridgeID
}

// Stats implements Transport.
func (t *PollingTransport) Stats() Stats {
	s := t.stats.snapshot()
	s.QueueDepth = t.inflight.len()
	return s
}

// ServerConfig returns the configuration assigned at registration.
func (t *PollingTransport) ServerConfig() protocol.BridgeConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.serverCfg
}

// Start implements Transport. It registers with the relay, then polls and
// heartbeats until the context ends. Registration failure is fatal.
func (t *PollingTransport) Start(ctx context.Context) error {
	if err := t.register(ctx); err != nil {
		return err
	}
	t.stats.connected.Store(true)
	defer t.stats.connected.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.pollLoop(gctx) })
	g.Go(func() error { return t.heartbeatLoop(gctx) })
	err := g.Wait()

	if n := t.inflight.cancelAll(); n > 0 {
		t.logger.Warn("aborted in-flight requests on shutdown", logging.Int("count", n))
	}
	return err
}

func (t *PollingTransport) register(ctx context.Context) error {
	result, err := registerBridge(ctx, t.relay, t.cfg, t.logger)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.bridgeID = result.BridgeID
	t.serverCfg = result.Config
	t.mu.Unlock()
	return nil
}

// pollLoop runs the poll cycle. Rate limiting from the relay grows the
// interval additively; a successful poll snaps it back to the base.
func (t *PollingTransport) pollLoop(ctx context.Context) error {
	base := t.pollInterval()
	interval := base
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		result, err := t.relay.poll(ctx, t.BridgeID(), t.cfg.Polling.PollTimeout)
		switch {
		case err == nil:
			interval = base
			for i := range result.Requests {
				polled := result.Requests[i]
				wg.Add(1)
				go func() {
					defer wg.Done()
					t.dispatch(ctx, &polled.Data)
				}()
			}
		case bridgeerrors.IsKind(err, bridgeerrors.KindRequestRateLimited):
			interval += t.cfg.Polling.BackoffStep
			if interval > t.cfg.Polling.MaxInterval {
				interval = t.cfg.Polling.MaxInterval
			}
			t.logger.Warn("relay rate limited polling", logging.Duration("interval", interval))
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			t.stats.errors.Add(1)
			t.logger.Warn("poll failed", logging.ErrorField(err))
		}
	}
}

// dispatch executes one polled request and posts the result back.
func (t *PollingTransport) dispatch(ctx context.Context, req *protocol.Request) {
	t.stats.requestsHandled.Add(1)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.inflight.add(req.ID, cancel)
	defer t.inflight.remove(req.ID)

	// Polling cannot push chunks, so streaming responses arrive buffered.
	msg := t.cfg.Handler(reqCtx, req, nil)

	if err := t.relay.respond(ctx, t.BridgeID(), submission(msg)); err != nil {
		t.stats.responsesDropped.Add(1)
		t.logger.Error("dropped response after retry",
			logging.RequestID(req.ID),
			logging.ErrorField(err),
		)
		return
	}
	t.stats.responsesSubmitted.Add(1)
}

// heartbeatLoop posts a bare heartbeat each interval, followed by the
// provider status report on its own endpoint. A rate-limited heartbeat grows
// the interval additively, like polling.
func (t *PollingTransport) heartbeatLoop(ctx context.Context) error {
	base := t.heartbeatInterval()
	interval := base

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		err := t.relay.heartbeat(ctx, t.BridgeID())
		switch {
		case err == nil:
			interval = base
		case bridgeerrors.IsKind(err, bridgeerrors.KindRequestRateLimited):
			interval += t.cfg.Polling.BackoffStep
			if interval > t.cfg.Polling.MaxInterval {
				interval = t.cfg.Polling.MaxInterval
			}
			t.logger.Warn("relay rate limited heartbeats", logging.Duration("interval", interval))
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			t.stats.errors.Add(1)
			t.logger.Warn("heartbeat failed", logging.ErrorField(err))
			continue
		}

		if t.cfg.Status == nil {
			continue
		}
		if err := t.relay.providerStatus(ctx, t.BridgeID(), t.cfg.Status()); err != nil && ctx.Err() == nil {
			t.stats.errors.Add(1)
			t.logger.Warn("provider status submission failed", logging.ErrorField(err))
		}
	}
}

func (t *PollingTransport) pollInterval() time.Duration {
	if d := t.ServerConfig().PollingIntervalDuration(); d > 0 {
		return d
	}
	return t.cfg.Polling.Interval
}

func (t *PollingTransport) heartbeatInterval() time.Duration {
	if d := t.ServerConfig().HeartbeatIntervalDuration(); d > 0 {
		return d
	}
	return t.cfg.HeartbeatInterval
}
