package llmbridge

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/llm-bridge-go/pkg/auth"
	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
	"github.com/ajitpratap0/llm-bridge-go/pkg/logging"
	"github.com/ajitpratap0/llm-bridge-go/pkg/observability"
	"github.com/ajitpratap0/llm-bridge-go/pkg/provider"
	"github.com/ajitpratap0/llm-bridge-go/pkg/router"
	"github.com/ajitpratap0/llm-bridge-go/pkg/transport"
)

// ProviderConfig describes one provider to register at startup.
type ProviderConfig struct {
	Info     provider.Info
	Priority int
}

// Options configures a Bridge.
type Options struct {
	// Endpoint is the cloud relay base URL.
	Endpoint string

	// ClientID identifies this installation to the relay.
	ClientID string

	Platform     string
	Capabilities []string

	// TransportType selects polling or duplex tunneling. Defaults to polling.
	TransportType transport.Type

	TokenSource auth.TokenSource

	// Providers are registered before the tunnel comes up.
	Providers []ProviderConfig

	// ProbeInterval between provider health probes. Zero uses the default.
	ProbeInterval time.Duration

	// MaxConcurrent caps requests executing at once. Zero uses the router
	// default.
	MaxConcurrent int

	Logger logging.Logger

	// Observability, when set, instruments the request pipeline and watches
	// provider health.
	Observability *observability.Middleware
}

// Bridge ties the tunnel, router, and provider registry together into one
// runnable unit.
type Bridge struct {
	opts     Options
	logger   logging.Logger
	registry *provider.Registry
	router   *router.Router
	monitor  *provider.HealthMonitor
	tunnel   transport.Transport
}

// New assembles a bridge from options. Run starts it.
func New(opts Options) (*Bridge, error) {
	if opts.Endpoint == "" {
		return nil, bridgeerrors.New(bridgeerrors.KindRequestMalformed, "relay endpoint is required")
	}
	if opts.ClientID == "" {
		return nil, bridgeerrors.New(bridgeerrors.KindRequestMalformed, "client id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	registry := provider.NewRegistry(provider.NewClient(0), logger)
	for _, p := range opts.Providers {
		registry.Register(p.Info, p.Priority)
	}

	rt := router.New(registry, router.Config{MaxInFlight: opts.MaxConcurrent}, logger)
	monitor := provider.NewHealthMonitor(registry, opts.ProbeInterval, logger)

	handler := transport.Handler(rt.Execute)
	if opts.Observability != nil {
		handler = opts.Observability.WrapHandler(handler)
	}

	tunnel, err := transport.New(transport.Config{
		Type:         opts.TransportType,
		Endpoint:     opts.Endpoint,
		ClientID:     opts.ClientID,
		Platform:     opts.Platform,
		Version:      Version,
		Capabilities: opts.Capabilities,
		TokenSource:  opts.TokenSource,
		Handler:      handler,
		Status:       registry.StatusReport,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	return &Bridge{
		opts:     opts,
		logger:   logger.WithFields(logging.String("component", "bridge")),
		registry: registry,
		router:   rt,
		monitor:  monitor,
		tunnel:   tunnel,
	}, nil
}

// Registry exposes the provider registry, for dynamic provider management.
func (b *Bridge) Registry() *provider.Registry { return b.registry }

// Transport exposes the running tunnel.
func (b *Bridge) Transport() transport.Transport { return b.tunnel }

// Run starts the bridge: initial provider probe and model discovery, the
// health monitor, the tunnel, and observability. It blocks until the context
// ends or the tunnel fails terminally.
func (b *Bridge) Run(ctx context.Context) error {
	b.discoverModels(ctx)
	b.monitor.ProbeAll(ctx)
	b.monitor.Start(ctx)
	defer b.monitor.Stop()

	if b.opts.Observability != nil {
		if err := b.opts.Observability.Start(ctx); err != nil {
			return err
		}
		b.opts.Observability.WatchProviders(ctx, b.registry)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			b.opts.Observability.Shutdown(shutdownCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.tunnel.Start(gctx) })
	g.Go(func() error {
		b.applyServerConfig(gctx)
		return nil
	})

	b.logger.Info("bridge running",
		logging.String("endpoint", b.opts.Endpoint),
		logging.String("transport", string(b.opts.TransportType)),
		logging.Int("providers", len(b.opts.Providers)),
	)
	return g.Wait()
}

// discoverModels asks each provider for its installed models. Best effort:
// an unreachable provider just starts without a model list.
func (b *Bridge) discoverModels(ctx context.Context) {
	client := b.registry.Client()
	for _, rec := range b.registry.List() {
		models, err := client.ListModels(ctx, rec.Info)
		if err != nil {
			b.logger.Debug("model discovery failed",
				logging.Provider(rec.ID),
				logging.ErrorField(err),
			)
			continue
		}
		info := rec.Info
		info.Models = models
		b.registry.Register(info, rec.Priority)
	}
}

// applyServerConfig waits for registration to complete, then installs the
// relay-assigned timeouts on the router. Registration-time config only;
// later changes wait for the next registration.
func (b *Bridge) applyServerConfig(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.tunnel.BridgeID() == "" {
				continue
			}
			cfg := b.tunnel.ServerConfig()
			b.router.ApplyBridgeConfig(cfg)
			b.logger.Debug("server config applied",
				logging.BridgeID(b.tunnel.BridgeID()),
				logging.Duration("chatTimeout", cfg.ChatTimeoutDuration()),
			)
			return
		}
	}
}
