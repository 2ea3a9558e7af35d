// Package transport maintains the tunnel between the bridge and the cloud
// relay. Two interchangeable transports exist: an HTTP long-polling loop and
// a duplex websocket. Both register first, then move requests inward and
// responses outward until stopped.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/llm-bridge-go/pkg/auth"
	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
	"github.com/ajitpratap0/llm-bridge-go/pkg/logging"
	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
	"github.com/ajitpratap0/llm-bridge-go/pkg/router"
)

// Type selects the tunnel variant.
type Type string

const (
	TypePolling Type = "polling"
	TypeDuplex  Type = "duplex"
)

// Handler executes one forwarded request and returns its terminal message.
// The sink, when non-nil, receives streaming chunks as they arrive.
type Handler func(ctx context.Context, req *protocol.Request, sink router.StreamSink) protocol.Message

// StatusFunc produces the provider status report attached to heartbeats.
type StatusFunc func() protocol.ProviderStatusReport

// Transport is a running tunnel to the cloud relay.
type Transport interface {
	// Start registers with the relay and runs the tunnel loops until the
	// context ends.
	Start(ctx context.Context) error

	// BridgeID returns the relay-assigned bridge id, empty before
	// registration.
	BridgeID() string

	// ServerConfig returns the configuration assigned at registration, zero
	// before registration.
	ServerConfig() protocol.BridgeConfig

	// Stats returns a snapshot of tunnel counters.
	Stats() Stats
}

// PollingConfig tunes the long-polling transport.
type PollingConfig struct {
	// Interval between poll cycles. The server-assigned value from
	// registration wins when present.
	Interval time.Duration

	// PollTimeout is the long-poll hold time requested from the relay.
	PollTimeout time.Duration

	// BackoffStep is added to the interval after each rate-limited poll.
	BackoffStep time.Duration

	// MaxInterval caps rate-limit backoff growth.
	MaxInterval time.Duration
}

// DuplexConfig tunes the websocket transport.
type DuplexConfig struct {
	// PingInterval is how often a liveness ping is sent.
	PingInterval time.Duration

	// PongTimeout is how long to wait for the matching pong before the
	// connection is declared dead.
	PongTimeout time.Duration

	// QueueCapacity bounds the offline message queue.
	QueueCapacity int

	// StablePeriod is how long a connection must live before the reconnect
	// backoff resets.
	StablePeriod time.Duration
}

// Config is the unified transport configuration. Section fields apply only
// to the matching transport type.
type Config struct {
	Type     Type
	Endpoint string

	ClientID     string
	Platform     string
	Version      string
	Capabilities []string

	TokenSource auth.TokenSource
	Handler     Handler
	Status      StatusFunc
	Logger      logging.Logger

	// HeartbeatInterval between heartbeats. The server-assigned value from
	// registration wins when present.
	HeartbeatInterval time.Duration

	Polling PollingConfig
	Duplex  DuplexConfig
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Polling.Interval <= 0 {
		c.Polling.Interval = 2 * time.Second
	}
	if c.Polling.PollTimeout <= 0 {
		c.Polling.PollTimeout = 30 * time.Second
	}
	if c.Polling.BackoffStep <= 0 {
		c.Polling.BackoffStep = time.Second
	}
	if c.Polling.MaxInterval <= 0 {
		c.Polling.MaxInterval = 30 * time.Second
	}
	if c.Duplex.PingInterval <= 0 {
		c.Duplex.PingInterval = 15 * time.Second
	}
	if c.Duplex.PongTimeout <= 0 {
		c.Duplex.PongTimeout = 10 * time.Second
	}
	if c.Duplex.QueueCapacity <= 0 {
		c.Duplex.QueueCapacity = 256
	}
	if c.Duplex.StablePeriod <= 0 {
		c.Duplex.StablePeriod = time.Minute
	}
	return c
}

// Stats are point-in-time tunnel counters.
type Stats struct {
	RequestsHandled    int64
	ResponsesSubmitted int64
	ResponsesDropped   int64
	Errors             int64
	Reconnects         int64
	QueueDepth         int
	Connected          bool
}

// stats is the shared atomic counter block behind Stats.
type stats struct {
	requestsHandled    atomic.Int64
	responsesSubmitted atomic.Int64
	responsesDropped   atomic.Int64
	errors             atomic.Int64
	reconnects         atomic.Int64
	connected          atomic.Bool
}

func (s *stats) snapshot() Stats {
	return Stats{
		RequestsHandled:    s.requestsHandled.Load(),
		ResponsesSubmitted: s.responsesSubmitted.Load(),
		ResponsesDropped:   s.responsesDropped.Load(),
		Errors:             s.errors.Load(),
		Reconnects:         s.reconnects.Load(),
		Connected:          s.connected.Load(),
	}
}

// New creates the transport selected by cfg.Type.
func New(cfg Config) (Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.Endpoint == "" {
		return nil, bridgeerrors.New(bridgeerrors.KindRequestMalformed, "transport endpoint is required")
	}
	if cfg.Handler == nil {
		return nil, bridgeerrors.New(bridgeerrors.KindRequestMalformed, "transport handler is required")
	}

	switch cfg.Type {
	case TypeDuplex:
		return NewDuplexTransport(cfg), nil
	case TypePolling, "":
		return NewPollingTransport(cfg), nil
	default:
		return nil, bridgeerrors.Newf(bridgeerrors.KindRequestMalformed, "unknown transport type %q", cfg.Type)
	}
}

// relayClient speaks the relay's HTTP control surface, shared by both
// transports for registration and response submission.
type relayClient struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	logger  logging.Logger
}

func newRelayClient(cfg Config) *relayClient {
	return &relayClient{
		baseURL: cfg.Endpoint,
		http:    &http.Client{Timeout: 60 * time.Second},
		tokens:  cfg.TokenSource,
		logger:  cfg.Logger.WithFields(logging.String("component", "relay-client")),
	}
}

// errRateLimited marks a 429 from the relay so poll loops can back off.
var errRateLimited = bridgeerrors.New(bridgeerrors.KindRequestRateLimited, "relay rate limited the bridge")

func (c *relayClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return bridgeerrors.Wrap(err, bridgeerrors.KindRequestMalformed, "failed to encode relay payload")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return bridgeerrors.Wrap(err, bridgeerrors.KindRequestMalformed, "failed to build relay request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return bridgeerrors.Wrap(err, bridgeerrors.KindConnectionTimeout, "relay request cancelled")
		}
		return bridgeerrors.Wrap(err, bridgeerrors.KindTunnelDisconnected, "relay is not reachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return bridgeerrors.Wrap(err, bridgeerrors.KindResponseTimeout, "failed reading relay response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		// One forced refresh; the caller retries on its next cycle.
		if c.tokens != nil {
			if _, refreshErr := c.tokens.ValidatedAccessToken(ctx, true); refreshErr != nil {
				return refreshErr
			}
		}
		return bridgeerrors.New(bridgeerrors.KindAuthenticationFailed, "relay rejected the bridge token")
	case resp.StatusCode == http.StatusTooManyRequests:
		return errRateLimited
	case resp.StatusCode >= 400:
		return bridgeerrors.Newf(bridgeerrors.KindTunnelDisconnected,
			"relay returned %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return bridgeerrors.Wrap(err, bridgeerrors.KindRequestMalformed, "unexpected relay response payload")
		}
	}
	return nil
}

func (c *relayClient) register(ctx context.Context, reg protocol.RegisterRequest) (protocol.RegisterResult, error) {
	var result protocol.RegisterResult
	if err := c.do(ctx, http.MethodPost, "/bridge/register", reg, &result); err != nil {
		return result, err
	}
	if !result.Success {
		return result, bridgeerrors.Newf(bridgeerrors.KindAuthenticationFailed,
			"relay refused registration: %s", result.Message)
	}
	if result.BridgeID == "" {
		return result, bridgeerrors.New(bridgeerrors.KindTunnelDisconnected,
			"relay accepted registration without a bridge id")
	}
	return result, nil
}

func (c *relayClient) poll(ctx context.Context, bridgeID string, timeout time.Duration) (protocol.PollResult, error) {
	var result protocol.PollResult
	path := fmt.Sprintf("/bridge/%s/poll?timeout=%d", bridgeID, timeout.Milliseconds())
	err := c.do(ctx, http.MethodGet, path, nil, &result)
	return result, err
}

// respond submits a completed result. Submission is best effort: one
// immediate retry, then the caller drops the response.
func (c *relayClient) respond(ctx context.Context, bridgeID string, sub protocol.ResponseSubmission) error {
	path := "/bridge/" + bridgeID + "/response"
	err := c.do(ctx, http.MethodPost, path, sub, nil)
	if err == nil || ctx.Err() != nil {
		return err
	}
	c.logger.Warn("response submission failed, retrying once",
		logging.RequestID(sub.RequestID),
		logging.ErrorField(err),
	)
	return c.do(ctx, http.MethodPost, path, sub, nil)
}

// heartbeat is a bare liveness POST; the relay answers 200 or 429.
func (c *relayClient) heartbeat(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodPost, "/bridge/"+bridgeID+"/heartbeat", nil, nil)
}

func (c *relayClient) providerStatus(ctx context.Context, bridgeID string, report protocol.ProviderStatusReport) error {
	return c.do(ctx, http.MethodPost, "/bridge/"+bridgeID+"/provider-status", report, nil)
}

// registerBridge registers with the relay. Registration failure is fatal and
// propagates to the caller.
func registerBridge(ctx context.Context, relay *relayClient, cfg Config, logger logging.Logger) (protocol.RegisterResult, error) {
	result, err := relay.register(ctx, protocol.RegisterRequest{
		ClientID:     cfg.ClientID,
		Platform:     cfg.Platform,
		Version:      cfg.Version,
		Capabilities: cfg.Capabilities,
	})
	if err != nil {
		return result, err
	}
	logger.Info("registered with relay",
		logging.BridgeID(result.BridgeID),
		logging.Duration("pollingInterval", result.Config.PollingIntervalDuration()),
	)
	return result, nil
}

// submission converts a terminal message into the wire submission form.
func submission(msg protocol.Message) protocol.ResponseSubmission {
	switch m := msg.(type) {
	case *protocol.Response:
		return protocol.ResponseSubmission{
			RequestID: m.ID,
			Status:    m.Status,
			Headers:   m.Headers,
			Body:      m.Body,
			Provider:  m.Provider,
			Fallback:  m.Fallback,
		}
	case *protocol.ErrorMessage:
		resp := router.ErrorResponse(m.ID, bridgeerrors.New(bridgeerrors.Kind(m.Code), m.Message))
		return protocol.ResponseSubmission{
			RequestID: m.ID,
			Status:    resp.Status,
			Headers:   resp.Headers,
			Body:      resp.Body,
		}
	default:
		return protocol.ResponseSubmission{RequestID: msg.CorrelationID(), Status: 500}
	}
}

// inflight tracks cancel functions for requests being executed, so a dropped
// tunnel can fail everything outstanding at once.
type inflight struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newInflight() *inflight {
	return &inflight{cancels: make(map[string]context.CancelFunc)}
}

func (f *inflight) add(id string, cancel context.CancelFunc) {
	f.mu.Lock()
	f.cancels[id] = cancel
	f.mu.Unlock()
}

func (f *inflight) remove(id string) {
	f.mu.Lock()
	delete(f.cancels, id)
	f.mu.Unlock()
}

// cancelAll aborts every outstanding request and returns how many were
// aborted.
func (f *inflight) cancelAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.cancels)
	for id, cancel := range f.cancels {
		cancel()
		delete(f.cancels, id)
	}
	return n
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
