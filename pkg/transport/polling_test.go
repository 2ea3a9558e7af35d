package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/llm-bridge-go/pkg/auth"
	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
	"github.com/ajitpratap0/llm-bridge-go/pkg/router"
)

// fakeRelay is an in-process relay control surface for polling tests.
type fakeRelay struct {
	srv *httptest.Server

	mu             sync.Mutex
	pending        []protocol.PolledRequest
	pollStatus     int
	registerStatus int
	respondMod     func(n int32) int
	lastPollQuery  string

	polls      atomic.Int32
	responds   atomic.Int32
	heartbeats atomic.Int32
	subs       chan protocol.ResponseSubmission
	reports    chan protocol.ProviderStatusReport
	pollTimes  chan time.Time
	serverCfg  protocol.BridgeConfig
}

func newFakeRelay(cfg protocol.BridgeConfig) *fakeRelay {
	r := &fakeRelay{
		subs:      make(chan protocol.ResponseSubmission, 16),
		reports:   make(chan protocol.ProviderStatusReport, 16),
		pollTimes: make(chan time.Time, 64),
		serverCfg: cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/register", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		status := r.registerStatus
		r.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if req.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(protocol.RegisterResult{
			Success: true, BridgeID: "bridge-1", Config: r.serverCfg,
		})
	})
	mux.HandleFunc("/bridge/bridge-1/poll", func(w http.ResponseWriter, req *http.Request) {
		r.polls.Add(1)
		select {
		case r.pollTimes <- time.Now():
		default:
		}
		r.mu.Lock()
		r.lastPollQuery = req.URL.RawQuery
		status := r.pollStatus
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(protocol.PollResult{Success: true, Requests: batch})
	})
	mux.HandleFunc("/bridge/bridge-1/response", func(w http.ResponseWriter, req *http.Request) {
		n := r.responds.Add(1)
		if r.respondMod != nil {
			if status := r.respondMod(n); status != 0 {
				w.WriteHeader(status)
				return
			}
		}
		var sub protocol.ResponseSubmission
		json.NewDecoder(req.Body).Decode(&sub)
		r.subs <- sub
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/bridge/bridge-1/heartbeat", func(w http.ResponseWriter, req *http.Request) {
		r.heartbeats.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/bridge/bridge-1/provider-status", func(w http.ResponseWriter, req *http.Request) {
		var report protocol.ProviderStatusReport
		json.NewDecoder(req.Body).Decode(&report)
		select {
		case r.reports <- report:
		default:
		}
		w.WriteHeader(http.StatusOK)
	})

	r.srv = httptest.NewServer(mux)
	return r
}

func (r *fakeRelay) enqueue(req protocol.Request) {
	r.mu.Lock()
	r.pending = append(r.pending, protocol.PolledRequest{ID: req.ID, Data: req})
	r.mu.Unlock()
}

func pollingConfig(relay *fakeRelay, handler Handler) Config {
	return Config{
		Type:        TypePolling,
		Endpoint:    relay.srv.URL,
		ClientID:    "client-1",
		Platform:    "linux",
		Version:     "1.0.0",
		TokenSource: &auth.StaticTokenSource{Token: "good-token"},
		Handler:     handler,
	}
}

func TestPollingRoundTrip(t *testing.T) {
	relay := newFakeRelay(protocol.BridgeConfig{PollingInterval: 10, HeartbeatInterval: 25})
	defer relay.srv.Close()
	relay.enqueue(protocol.Request{ID: "r1", Method: http.MethodGet, Path: "/api/tags"})

	handler := func(ctx context.Context, req *protocol.Request, sink router.StreamSink) protocol.Message {
		return &protocol.Response{
			ID: req.ID, Status: http.StatusOK,
			Body: json.RawMessage(`{"models":[]}`), Provider: "ollama-local",
		}
	}

	tr := NewPollingTransport(pollingConfig(relay, handler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx) }()

	select {
	case sub := <-relay.subs:
		assert.Equal(t, "r1", sub.RequestID)
		assert.Equal(t, http.StatusOK, sub.Status)
		assert.Equal(t, "ollama-local", sub.Provider)
	case <-time.After(3 * time.Second):
		t.Fatal("no response reached the relay")
	}

	assert.Equal(t, "bridge-1", tr.BridgeID())
	assert.Equal(t, protocol.BridgeConfig{PollingInterval: 10, HeartbeatInterval: 25}, tr.ServerConfig())

	relay.mu.Lock()
	pollQuery := relay.lastPollQuery
	relay.mu.Unlock()
	assert.Equal(t, "timeout=30000", pollQuery)

	cancel()
	require.Error(t, <-done)
	stats := tr.Stats()
	assert.Equal(t, int64(1), stats.RequestsHandled)
	assert.Equal(t, int64(1), stats.ResponsesSubmitted)
}

func TestPollingSubmitsProviderStatusSeparately(t *testing.T) {
	relay := newFakeRelay(protocol.BridgeConfig{PollingInterval: 10, HeartbeatInterval: 20})
	defer relay.srv.Close()

	cfg := pollingConfig(relay, nopHandler)
	cfg.Status = func() protocol.ProviderStatusReport {
		return protocol.ProviderStatusReport{
			Providers: []protocol.ProviderStatus{{ID: "ollama-local", Status: "healthy"}},
			Timestamp: time.Now(),
		}
	}

	tr := NewPollingTransport(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	// The status report travels on its own endpoint, not in the heartbeat.
	select {
	case report := <-relay.reports:
		require.Len(t, report.Providers, 1)
		assert.Equal(t, "ollama-local", report.Providers[0].ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no provider status reached the relay")
	}
	assert.GreaterOrEqual(t, relay.heartbeats.Load(), int32(1))
}

func TestPollingBacksOffWhenRateLimited(t *testing.T) {
	relay := newFakeRelay(protocol.BridgeConfig{PollingInterval: 10})
	defer relay.srv.Close()
	relay.mu.Lock()
	relay.pollStatus = http.StatusTooManyRequests
	relay.mu.Unlock()

	cfg := pollingConfig(relay, nopHandler)
	cfg.Polling.BackoffStep = 50 * time.Millisecond
	cfg.Polling.MaxInterval = time.Second

	tr := NewPollingTransport(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	var times []time.Time
	for len(times) < 3 {
		select {
		case ts := <-relay.pollTimes:
			times = append(times, ts)
		case <-time.After(3 * time.Second):
			t.Fatal("polling stalled")
		}
	}

	firstGap := times[1].Sub(times[0])
	secondGap := times[2].Sub(times[1])
	assert.Greater(t, secondGap, firstGap+20*time.Millisecond,
		"rate limiting should grow the poll interval additively")
}

func TestPollingRegistrationAuthFailureIsTerminal(t *testing.T) {
	relay := newFakeRelay(protocol.BridgeConfig{})
	defer relay.srv.Close()

	cfg := pollingConfig(relay, nopHandler)
	cfg.TokenSource = &auth.StaticTokenSource{Token: "bad-token"}

	tr := NewPollingTransport(cfg)
	err := tr.Start(context.Background())
	assert.True(t, bridgeerrors.IsKind(err, bridgeerrors.KindAuthenticationFailed), "got %v", err)
}

func TestPollingRegistrationFailureIsFatal(t *testing.T) {
	relay := newFakeRelay(protocol.BridgeConfig{})
	defer relay.srv.Close()
	relay.mu.Lock()
	relay.registerStatus = http.StatusInternalServerError
	relay.mu.Unlock()

	tr := NewPollingTransport(pollingConfig(relay, nopHandler))
	done := make(chan error, 1)
	go func() { done <- tr.Start(context.Background()) }()

	select {
	case err := <-done:
		assert.True(t, bridgeerrors.IsKind(err, bridgeerrors.KindTunnelDisconnected), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("registration failure never propagated")
	}
}

func TestPollingRespondRetriesOnce(t *testing.T) {
	relay := newFakeRelay(protocol.BridgeConfig{PollingInterval: 10})
	defer relay.srv.Close()
	relay.respondMod = func(n int32) int {
		if n == 1 {
			return http.StatusInternalServerError
		}
		return 0
	}
	relay.enqueue(protocol.Request{ID: "r1", Method: http.MethodGet, Path: "/api/tags"})

	tr := NewPollingTransport(pollingConfig(relay, nopHandler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	select {
	case sub := <-relay.subs:
		assert.Equal(t, "r1", sub.RequestID)
	case <-time.After(3 * time.Second):
		t.Fatal("retried submission never arrived")
	}
	assert.GreaterOrEqual(t, relay.responds.Load(), int32(2))
}
