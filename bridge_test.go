package llmbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/llm-bridge-go/pkg/auth"
	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
	"github.com/ajitpratap0/llm-bridge-go/pkg/provider"
)

// relayHarness is an in-process cloud relay for end-to-end bridge tests.
type relayHarness struct {
	srv *httptest.Server

	mu      sync.Mutex
	pending []protocol.PolledRequest

	subs    chan protocol.ResponseSubmission
	reports chan protocol.ProviderStatusReport
}

func newRelayHarness() *relayHarness {
	r := &relayHarness{
		subs:    make(chan protocol.ResponseSubmission, 16),
		reports: make(chan protocol.ProviderStatusReport, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/register", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(protocol.RegisterResult{
			Success:  true,
			BridgeID: "bridge-e2e",
			Config:   protocol.BridgeConfig{PollingInterval: 10, HeartbeatInterval: 50, LLMChatTimeout: 90000},
		})
	})
	mux.HandleFunc("/bridge/bridge-e2e/poll", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		json.NewEncoder(w).Encode(protocol.PollResult{Success: true, Requests: batch})
	})
	mux.HandleFunc("/bridge/bridge-e2e/response", func(w http.ResponseWriter, req *http.Request) {
		var sub protocol.ResponseSubmission
		json.NewDecoder(req.Body).Decode(&sub)
		r.subs <- sub
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/bridge/bridge-e2e/heartbeat", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/bridge/bridge-e2e/provider-status", func(w http.ResponseWriter, req *http.Request) {
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

func (r *relayHarness) enqueue(req protocol.Request) {
	r.mu.Lock()
	r.pending = append(r.pending, protocol.PolledRequest{ID: req.ID, Data: req})
	r.mu.Unlock()
}

// fakeOllama serves the Ollama surface the bridge touches.
func fakeOllama() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"version": "0.5.0"})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3.2:3b"},{"name":"qwen2.5:7b"}]}`))
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"model":"llama3.2:3b","message":{"role":"assistant","content":"hi"},"done":true}`))
	})
	return httptest.NewServer(mux)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{ClientID: "c1"})
	assert.True(t, bridgeerrors.IsKind(err, bridgeerrors.KindRequestMalformed), "got %v", err)

	_, err = New(Options{Endpoint: "http://relay.local"})
	assert.True(t, bridgeerrors.IsKind(err, bridgeerrors.KindRequestMalformed), "got %v", err)
}

func TestNewRegistersProviders(t *testing.T) {
	b, err := New(Options{
		Endpoint: "http://relay.local",
		ClientID: "c1",
		Providers: []ProviderConfig{
			{Info: provider.Info{ID: "ollama-local", Type: ProviderOllama, BaseURL: "http://127.0.0.1:11434"}, Priority: 10},
			{Info: provider.Info{ID: "lmstudio-local", Type: ProviderLMStudio, BaseURL: "http://127.0.0.1:1234"}, Priority: 5},
		},
	})
	require.NoError(t, err)
	assert.Len(t, b.Registry().List(), 2)
}

func TestBridgeEndToEnd(t *testing.T) {
	relay := newRelayHarness()
	defer relay.srv.Close()
	ollama := fakeOllama()
	defer ollama.Close()

	relay.enqueue(protocol.Request{
		ID:     "e2e-1",
		Method: http.MethodPost,
		Path:   "/api/chat",
		Body:   json.RawMessage(`{"model":"llama3.2:3b","messages":[{"role":"user","content":"hi"}],"stream":false}`),
	})

	b, err := New(Options{
		Endpoint:      relay.srv.URL,
		ClientID:      "client-e2e",
		Platform:      "linux",
		TokenSource:   &auth.StaticTokenSource{Token: "good-token"},
		ProbeInterval: 50 * time.Millisecond,
		Providers: []ProviderConfig{
			{Info: provider.Info{ID: "ollama-local", Type: ProviderOllama, BaseURL: ollama.URL}, Priority: 10},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	select {
	case sub := <-relay.subs:
		assert.Equal(t, "e2e-1", sub.RequestID)
		assert.Equal(t, http.StatusOK, sub.Status)
		assert.Equal(t, "ollama-local", sub.Provider)
		assert.False(t, sub.Fallback)
	case <-time.After(5 * time.Second):
		t.Fatal("no response reached the relay")
	}

	select {
	case report := <-relay.reports:
		require.Len(t, report.Providers, 1)
		assert.Equal(t, "ollama-local", report.Providers[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no provider status reached the relay")
	}

	rec, ok := b.Registry().Get("ollama-local")
	require.True(t, ok)
	assert.Equal(t, []string{"llama3.2:3b", "qwen2.5:7b"}, rec.Info.Models)
	assert.Equal(t, provider.HealthHealthy, rec.Status)

	assert.Equal(t, "bridge-e2e", b.Transport().BridgeID())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}
