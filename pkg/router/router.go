package router

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
	"github.com/ajitpratap0/llm-bridge-go/pkg/logging"
	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
	"github.com/ajitpratap0/llm-bridge-go/pkg/provider"
)

// DefaultMaxInFlight caps concurrent request execution. Requests beyond the
// cap are rejected immediately, never queued.
const DefaultMaxInFlight = 10

// StreamSink receives relayed chunks for a streaming request. Transports that
// can push (duplex) implement it; polling transports pass nil and receive the
// aggregated body in the terminal response.
type StreamSink interface {
	WriteChunk(requestID string, chunk provider.StreamChunk) error
}

// Config tunes the router.
type Config struct {
	// MaxInFlight caps concurrent executions. Zero means DefaultMaxInFlight.
	MaxInFlight int

	// RetryDelay is the pause before a plain retry recovery attempt.
	RetryDelay time.Duration

	// BackoffDelay is the pause before a retry-with-backoff recovery attempt.
	BackoffDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.BackoffDelay <= 0 {
		c.BackoffDelay = 500 * time.Millisecond
	}
	return c
}

// Router executes forwarded requests against local providers: classify,
// resolve a live provider, execute, and recover from failures. Every call to
// Execute yields exactly one terminal message.
type Router struct {
	registry *provider.Registry
	logger   logging.Logger
	sem      *semaphore.Weighted
	cfg      Config

	mu        sync.RWMutex
	overrides protocol.BridgeConfig
}

// New creates a router over the given registry.
func New(registry *provider.Registry, cfg Config, logger logging.Logger) *Router {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	return &Router{
		registry: registry,
		logger:   logger.WithFields(logging.String("component", "router")),
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		cfg:      cfg,
	}
}

// ApplyBridgeConfig installs server-assigned timeouts. Called once after
// registration; later config changes take effect on the next registration.
func (r *Router) ApplyBridgeConfig(cfg protocol.BridgeConfig) {
	r.mu.Lock()
	r.overrides = cfg
	r.mu.Unlock()
}

// effectiveTimeout prefers the server-assigned timeout for the request class
// over the classification default.
func (r *Router) effectiveTimeout(cls LLMRequest) time.Duration {
	r.mu.RLock()
	cfg := r.overrides
	r.mu.RUnlock()

	var override time.Duration
	switch cls.Type {
	case TypeTextGeneration:
		override = cfg.ChatTimeoutDuration()
	case TypeStreamingGeneration:
		override = cfg.StreamingTimeoutDuration()
	case TypeModelList, TypeModelInfo:
		override = cfg.ModelTimeoutDuration()
	}
	if override > 0 {
		return override
	}
	return cls.Timeout
}

// Execute runs one forwarded request to completion and returns its terminal
// message: a Response on success (or a verbatim provider error status), an
// ErrorMessage when the bridge itself fails the request.
func (r *Router) Execute(ctx context.Context, req *protocol.Request, sink StreamSink) protocol.Message {
	if !r.sem.TryAcquire(1) {
		r.logger.Warn("request rejected at concurrency limit", logging.RequestID(req.ID))
		return errorMessage(req.ID, bridgeerrors.New(bridgeerrors.KindRequestRateLimited,
			"bridge is at its concurrency limit"))
	}
	defer r.sem.Release(1)

	cls := Classify(req)
	execCtx, cancel := context.WithTimeout(ctx, r.effectiveTimeout(cls))
	defer cancel()

	log := r.logger.WithFields(
		logging.RequestID(req.ID),
		logging.String("type", string(cls.Type)),
	)
	log.Debug("executing request",
		logging.String("path", req.Path),
		logging.Duration("timeout", r.effectiveTimeout(cls)),
	)

	// Provider status is answered by the bridge itself.
	if cls.Type == TypeProviderStatus {
		return r.statusResponse(req.ID)
	}

	rec, err := r.registry.GetProviderWithFailover(execCtx, cls.PreferredProvider)
	if err != nil {
		log.Error("no provider available", logging.ErrorField(err))
		return errorMessage(req.ID, err)
	}

	resp, err := r.attempt(execCtx, rec, req, cls, sink)
	if err == nil {
		resp.Fallback = r.isFallback(cls, rec)
		return resp
	}
	log.Warn("request failed, attempting recovery",
		logging.Provider(rec.ID),
		logging.ErrorField(err),
	)

	if recovered := r.recover(execCtx, req, cls, rec, sink, err); recovered != nil {
		return recovered
	}
	return errorMessage(req.ID, err)
}

// isFallback reports whether the serving provider is not the one the request
// would normally land on: either the preferred hint went elsewhere, or a
// higher-priority provider exists but was passed over.
func (r *Router) isFallback(cls LLMRequest, rec provider.Record) bool {
	if cls.PreferredProvider != "" && rec.ID != cls.PreferredProvider {
		return true
	}
	for _, other := range r.registry.List() {
		if other.Enabled && other.Priority > rec.Priority {
			return true
		}
	}
	return false
}

// attempt executes the request against one provider and folds the outcome
// into its metrics.
func (r *Router) attempt(ctx context.Context, rec provider.Record, req *protocol.Request, cls LLMRequest, sink StreamSink) (*protocol.Response, error) {
	client := r.registry.Client()
	start := time.Now()

	if cls.Streaming {
		resp, err := r.attemptStream(ctx, client, rec, req, sink)
		r.registry.RecordOutcome(rec.ID, time.Since(start), err)
		return resp, err
	}

	result, err := client.Forward(ctx, rec.Info, req.Method, req.Path, req.Headers, req.Body)
	latency := time.Since(start)
	if err != nil {
		r.registry.RecordOutcome(rec.ID, latency, err)
		return nil, err
	}

	// Provider 5xx responses are relayed verbatim but count against health.
	var outcome error
	if result.Status >= 500 {
		outcome = bridgeerrors.Newf(bridgeerrors.KindProviderUnavailable,
			"provider returned %d", result.Status)
	}
	r.registry.RecordOutcome(rec.ID, latency, outcome)

	return &protocol.Response{
		ID:       req.ID,
		Status:   result.Status,
		Headers:  result.Headers,
		Body:     result.Body,
		Provider: rec.ID,
	}, nil
}

// attemptStream relays chunks to the sink as they arrive, or buffers them
// into the terminal body when no sink is available.
func (r *Router) attemptStream(ctx context.Context, client *provider.Client, rec provider.Record, req *protocol.Request, sink StreamSink) (*protocol.Response, error) {
	var buffered []provider.StreamChunk
	onChunk := func(chunk provider.StreamChunk) error {
		if sink != nil {
			return sink.WriteChunk(req.ID, chunk)
		}
		buffered = append(buffered, chunk)
		return nil
	}

	if err := client.ForwardStream(ctx, rec.Info, req.Method, req.Path, req.Headers, req.Body, onChunk); err != nil {
		return nil, err
	}

	resp := &protocol.Response{
		ID:       req.ID,
		Status:   200,
		Provider: rec.ID,
	}
	if sink == nil {
		resp.Headers = map[string]string{"Content-Type": "application/json"}
		resp.Body = aggregateChunks(buffered)
	}
	return resp, nil
}

// aggregateChunks folds buffered stream chunks into one JSON array. Chunks
// that are not themselves valid JSON (SSE frames) are carried as strings.
func aggregateChunks(chunks []provider.StreamChunk) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('[')
	first := true
	for _, chunk := range chunks {
		if len(chunk.Data) == 0 {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if json.Valid(chunk.Data) {
			buf.Write(chunk.Data)
		} else {
			quoted, _ := json.Marshal(string(chunk.Data))
			buf.Write(quoted)
		}
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func (r *Router) statusResponse(requestID string) *protocol.Response {
	body, err := json.Marshal(r.registry.StatusReport())
	if err != nil {
		return ErrorResponse(requestID, bridgeerrors.Wrap(err,
			bridgeerrors.KindProviderConfigError, "failed to encode provider status"))
	}
	return &protocol.Response{
		ID:      requestID,
		Status:  200,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

// errorMessage converts a failure into the terminal error frame. The code
// carries the error kind so the relay can reconstruct status and hints.
func errorMessage(requestID string, err error) *protocol.ErrorMessage {
	if be, ok := bridgeerrors.AsBridgeError(err); ok {
		return &protocol.ErrorMessage{ID: requestID, Message: be.Message(), Code: string(be.Kind())}
	}
	return &protocol.ErrorMessage{ID: requestID, Message: err.Error()}
}

// ErrorResponse renders a failure as an HTTP-shaped response: the status is
// derived from the error kind and the body carries the structured error with
// its hints. Transports that must answer every request with a Response use
// this for terminal errors.
func ErrorResponse(requestID string, err error) *protocol.Response {
	status := 500
	payload := map[string]interface{}{"message": err.Error()}
	if be, ok := bridgeerrors.AsBridgeError(err); ok {
		status = be.HTTPStatus()
		payload = be.ToJSON()
	}
	body, _ := json.Marshal(map[string]interface{}{"error": payload})
	return &protocol.Response{
		ID:      requestID,
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}
