package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/llm-bridge-go/pkg/auth"
	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
	"github.com/ajitpratap0/llm-bridge-go/pkg/provider"
	"github.com/ajitpratap0/llm-bridge-go/pkg/router"
)

// newDuplexRelay serves registration over HTTP and hands each websocket
// connection to scenario.
func newDuplexRelay(t *testing.T, scenario func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/register", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(protocol.RegisterResult{Success: true, BridgeID: "bridge-1"})
	})
	mux.HandleFunc("/bridge/bridge-1/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		scenario(conn)
	})
	return httptest.NewServer(mux)
}

func duplexConfig(endpoint string, handler Handler) Config {
	return Config{
		Type:        TypeDuplex,
		Endpoint:    endpoint,
		ClientID:    "client-1",
		TokenSource: &auth.StaticTokenSource{Token: "good-token"},
		Handler:     handler,
	}
}

func TestDuplexRoundTrip(t *testing.T) {
	got := make(chan *protocol.Response, 1)
	relay := newDuplexRelay(t, func(conn *websocket.Conn) {
		data, err := protocol.Marshal(&protocol.Request{
			ID: "r1", Method: http.MethodPost, Path: "/api/chat",
			Body: json.RawMessage(`{"model":"llama3.2"}`),
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(raw)
			if err != nil {
				continue
			}
			if resp, ok := msg.(*protocol.Response); ok && resp.ID == "r1" {
				got <- resp
				return
			}
		}
	})
	defer relay.Close()

	handler := func(ctx context.Context, req *protocol.Request, sink router.StreamSink) protocol.Message {
		return &protocol.Response{
			ID: req.ID, Status: http.StatusOK,
			Body: json.RawMessage(`{"message":{"content":"hi"}}`), Provider: "ollama-local",
		}
	}

	tr := NewDuplexTransport(duplexConfig(relay.URL, handler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	select {
	case resp := <-got:
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "ollama-local", resp.Provider)
	case <-time.After(3 * time.Second):
		t.Fatal("no response frame reached the relay")
	}
	assert.Equal(t, "bridge-1", tr.BridgeID())
}

func TestDuplexAnswersPings(t *testing.T) {
	got := make(chan *protocol.Pong, 1)
	relay := newDuplexRelay(t, func(conn *websocket.Conn) {
		data, err := protocol.Marshal(&protocol.Ping{ID: "ping-1"})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(raw)
			if err != nil {
				continue
			}
			if pong, ok := msg.(*protocol.Pong); ok {
				got <- pong
				return
			}
		}
	})
	defer relay.Close()

	tr := NewDuplexTransport(duplexConfig(relay.URL, nopHandler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	select {
	case pong := <-got:
		assert.Equal(t, "ping-1", pong.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("ping was never answered")
	}
}

func TestDuplexStreamsChunkFrames(t *testing.T) {
	frames := make(chan *protocol.Response, 8)
	relay := newDuplexRelay(t, func(conn *websocket.Conn) {
		data, err := protocol.Marshal(&protocol.Request{
			ID: "s1", Method: http.MethodPost, Path: "/api/chat",
			Body: json.RawMessage(`{"stream":true}`),
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(raw)
			if err != nil {
				continue
			}
			resp, ok := msg.(*protocol.Response)
			if !ok {
				continue
			}
			frames <- resp
			if resp.Headers[StreamHeader] == "" {
				return
			}
		}
	})
	defer relay.Close()

	handler := func(ctx context.Context, req *protocol.Request, sink router.StreamSink) protocol.Message {
		require.NotNil(t, sink)
		require.NoError(t, sink.WriteChunk(req.ID, provider.StreamChunk{Data: []byte(`{"message":{"content":"tok0"},"done":false}`)}))
		require.NoError(t, sink.WriteChunk(req.ID, provider.StreamChunk{Data: []byte(`{"done":true}`), Done: true}))
		return &protocol.Response{ID: req.ID, Status: http.StatusOK, Provider: "ollama-local"}
	}

	tr := NewDuplexTransport(duplexConfig(relay.URL, handler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	var markers []string
	for len(markers) < 3 {
		select {
		case frame := <-frames:
			assert.Equal(t, "s1", frame.ID)
			markers = append(markers, frame.Headers[StreamHeader])
		case <-time.After(3 * time.Second):
			t.Fatalf("stream stalled after %d frames", len(markers))
		}
	}
	assert.Equal(t, []string{"chunk", "end", ""}, markers)
}

func TestDuplexQueuesWhileDisconnected(t *testing.T) {
	tr := NewDuplexTransport(duplexConfig("http://127.0.0.1:1", nopHandler))

	tr.send(&protocol.Response{ID: "r1", Status: 200}, router.PriorityHigh)
	tr.send(&protocol.Response{ID: "r2", Status: 200}, router.PriorityLow)
	assert.Equal(t, 2, tr.Stats().QueueDepth)

	err := tr.sendLive(&protocol.Response{ID: "chunk", Status: 200})
	assert.True(t, bridgeerrors.IsKind(err, bridgeerrors.KindTunnelDisconnected))

	// Stream frames never queue offline.
	tr.send(&protocol.Response{
		ID: "s1", Status: 200,
		Headers: map[string]string{StreamHeader: "chunk"},
	}, router.PriorityHigh)
	assert.Equal(t, 2, tr.Stats().QueueDepth)
}

func TestDuplexQueueOrdersByClassifiedPriority(t *testing.T) {
	tr := NewDuplexTransport(duplexConfig("http://127.0.0.1:1", nopHandler))

	// Queued in the reverse of the order they should drain.
	tr.send(&protocol.Response{ID: "pull"}, router.PriorityLow)
	tr.send(&protocol.Response{ID: "chat"}, router.PriorityHigh)
	tr.send(&protocol.Response{ID: "health"}, router.PriorityCritical)
	tr.send(&protocol.ErrorMessage{ID: "info", Message: "x"}, router.PriorityNormal)

	var order []string
	for _, msg := range tr.queue.Drain() {
		order = append(order, msg.CorrelationID())
	}
	assert.Equal(t, []string{"health", "chat", "info", "pull"}, order)
}

func TestDuplexDetectsDeadLinkWithinPongTimeout(t *testing.T) {
	pingSeen := make(chan time.Time, 1)
	closed := make(chan time.Time, 1)
	relay := newDuplexRelay(t, func(conn *websocket.Conn) {
		// Reads frames but never answers pings.
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case closed <- time.Now():
				default:
				}
				return
			}
			if msg, err := protocol.ParseMessage(raw); err == nil {
				if _, ok := msg.(*protocol.Ping); ok {
					select {
					case pingSeen <- time.Now():
					default:
					}
				}
			}
		}
	})
	defer relay.Close()

	cfg := duplexConfig(relay.URL, nopHandler)
	cfg.Duplex.PingInterval = 300 * time.Millisecond
	cfg.Duplex.PongTimeout = 60 * time.Millisecond

	tr := NewDuplexTransport(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	var pingAt time.Time
	select {
	case pingAt = <-pingSeen:
	case <-time.After(3 * time.Second):
		t.Fatal("no ping reached the relay")
	}

	select {
	case closedAt := <-closed:
		// The pong timeout must drive detection, not the next ping tick.
		assert.Less(t, closedAt.Sub(pingAt), cfg.Duplex.PingInterval)
	case <-time.After(3 * time.Second):
		t.Fatal("dead link was never detected")
	}
}
