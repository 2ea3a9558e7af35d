package observability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
	"github.com/ajitpratap0/llm-bridge-go/pkg/provider"
	"github.com/ajitpratap0/llm-bridge-go/pkg/router"
	"github.com/ajitpratap0/llm-bridge-go/pkg/transport"
)

// Config bundles tracing and metrics for the bridge pipeline.
type Config struct {
	// Tracing configuration
	EnableTracing bool
	TracingConfig TracingConfig

	// Metrics configuration
	EnableMetrics bool
	MetricsConfig MetricsConfig

	// Feature flags
	CaptureRequestPayload bool // Capture request paths and models in spans
	RecordPanics          bool // Record panics as span events
}

// Middleware instruments the request pipeline: each forwarded request gets a
// span and request metrics, and provider health changes feed the health
// gauge.
type Middleware struct {
	config  Config
	tracer  *TracingProvider
	metrics MetricsProvider
}

// NewMiddleware creates observability middleware from config.
func NewMiddleware(config Config) (*Middleware, error) {
	var tracer *TracingProvider
	var metrics MetricsProvider

	if config.EnableTracing {
		t, err := NewTracingProvider(config.TracingConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracing provider: %w", err)
		}
		tracer = t
	}

	if config.EnableMetrics {
		m, err := NewMetricsProvider(config.MetricsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics provider: %w", err)
		}
		metrics = m
	}

	return &Middleware{config: config, tracer: tracer, metrics: metrics}, nil
}

// Tracer returns the tracing provider, nil when tracing is disabled.
func (m *Middleware) Tracer() *TracingProvider { return m.tracer }

// Metrics returns the metrics provider, nil when metrics are disabled.
func (m *Middleware) Metrics() MetricsProvider { return m.metrics }

// WrapHandler instruments a transport handler. The wrapped handler records a
// span and request metrics around every execution.
func (m *Middleware) WrapHandler(next transport.Handler) transport.Handler {
	return func(ctx context.Context, req *protocol.Request, sink router.StreamSink) protocol.Message {
		cls := router.Classify(req)

		var span trace.Span
		if m.tracer != nil {
			ctx, span = m.tracer.StartRequestSpan(ctx, req.ID, string(cls.Type))
			defer span.End()
			if m.config.CaptureRequestPayload {
				span.SetAttributes(
					attribute.String("llm.path", req.Path),
					attribute.String("llm.model", cls.Model),
				)
			}
			if m.config.RecordPanics {
				defer func() {
					if r := recover(); r != nil {
						span.RecordError(fmt.Errorf("panic: %v", r))
						span.SetStatus(codes.Error, "panic occurred")
						panic(r)
					}
				}()
			}
		}

		if m.metrics != nil {
			m.metrics.RecordInFlight(ctx, 1)
			defer m.metrics.RecordInFlight(ctx, -1)
		}

		start := time.Now()
		msg := next(ctx, req, sink)
		duration := time.Since(start)

		providerID, status := terminalLabels(msg)
		if m.metrics != nil {
			m.metrics.RecordRequest(ctx, string(cls.Type), providerID, status, duration)
		}
		if span != nil {
			span.SetAttributes(
				attribute.String("llm.provider", providerID),
				attribute.String("llm.status", status),
			)
			if errMsg, ok := msg.(*protocol.ErrorMessage); ok {
				span.SetStatus(codes.Error, errMsg.Message)
			}
		}
		return msg
	}
}

// WatchProviders feeds provider health changes into the health gauge until
// the context ends.
func (m *Middleware) WatchProviders(ctx context.Context, registry *provider.Registry) {
	if m.metrics == nil {
		return
	}
	events := registry.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				m.metrics.RecordProviderHealth(ctx, ev.ProviderID, string(ev.NewStatus))
			}
		}
	}()
}

// Start starts the metrics endpoint.
func (m *Middleware) Start(ctx context.Context) error {
	if m.metrics != nil {
		return m.metrics.Start(ctx)
	}
	return nil
}

// Shutdown stops the metrics endpoint and flushes traces.
func (m *Middleware) Shutdown(ctx context.Context) error {
	var firstErr error
	if m.metrics != nil {
		if err := m.metrics.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if m.tracer != nil {
		if err := m.tracer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// terminalLabels derives metric labels from a terminal message.
func terminalLabels(msg protocol.Message) (providerID, status string) {
	switch m := msg.(type) {
	case *protocol.Response:
		providerID = m.Provider
		if providerID == "" {
			providerID = "bridge"
		}
		return providerID, strconv.Itoa(m.Status)
	case *protocol.ErrorMessage:
		return "bridge", m.Code
	default:
		return "bridge", "unknown"
	}
}
