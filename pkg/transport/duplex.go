package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
	"github.com/ajitpratap0/llm-bridge-go/pkg/logging"
	"github.com/ajitpratap0/llm-bridge-go/pkg/protocol"
	"github.com/ajitpratap0/llm-bridge-go/pkg/provider"
	"github.com/ajitpratap0/llm-bridge-go/pkg/router"
)

// StreamHeader marks streaming frames on the duplex tunnel. Chunk frames
// carry "chunk"; the upstream terminator carries "end". The terminal
// response for the request follows unmarked.
const StreamHeader = "X-Stream"

// outboundFrame carries a message together with its queue priority, so a
// frame that fails to write requeues at the priority it was classified with.
type outboundFrame struct {
	msg      protocol.Message
	priority router.Priority
}

// duplexSession is the state of one live websocket connection.
type duplexSession struct {
	conn     *websocket.Conn
	outbound chan outboundFrame
	pongs    chan string
	done     chan struct{}
}

// DuplexTransport tunnels requests over a single websocket. Requests arrive
// as frames, responses and streaming chunks are pushed back on the same
// socket, and protocol-level ping/pong detects a dead link. Connection loss
// triggers reconnection with backoff while responses queue by priority.
type DuplexTransport struct {
	cfg      Config
	relay    *relayClient
	logger   logging.Logger
	stats    stats
	inflight *inflight
	queue    *messageQueue
	dialer   *websocket.Dialer

	mu        sync.Mutex
	bridgeID  string
	serverCfg protocol.BridgeConfig
	session   *duplexSession
}

// NewDuplexTransport creates a duplex transport from cfg. Call Start to
// register, connect, and serve.
func NewDuplexTransport(cfg Config) *DuplexTransport {
	cfg = cfg.withDefaults()
	return &DuplexTransport{
		cfg:      cfg,
		relay:    newRelayClient(cfg),
		logger:   cfg.Logger.WithFields(logging.String("component", "duplex-transport")),
		inflight: newInflight(),
		queue:    newMessageQueue(cfg.Duplex.QueueCapacity),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// BridgeID implements Transport.
func (t *DuplexTransport) BridgeID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bridgeID
}

// Stats implements Transport.
func (t *DuplexTransport) Stats() Stats {
	s := t.stats.snapshot()
	s.QueueDepth = t.queue.Len()
	return s
}

// ServerConfig returns the configuration assigned at registration.
func (t *DuplexTransport) ServerConfig() protocol.BridgeConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.serverCfg
}

// Start implements Transport. It registers, then dials and serves the
// websocket, reconnecting with backoff until the context ends. Registration
// failure is fatal.
func (t *DuplexTransport) Start(ctx context.Context) error {
	result, err := registerBridge(ctx, t.relay, t.cfg, t.logger)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.bridgeID = result.BridgeID
	t.serverCfg = result.Config
	t.mu.Unlock()

	backoff := newBackoff(t.cfg.Duplex.StablePeriod)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := t.dial(ctx)
		if err != nil {
			wait := backoff.Next()
			t.logger.Warn("tunnel connect failed, retrying",
				logging.Duration("wait", wait),
				logging.ErrorField(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		connectedAt := time.Now()
		t.stats.connected.Store(true)
		t.runSession(ctx, conn)
		t.stats.connected.Store(false)
		backoff.ObserveConnection(time.Since(connectedAt))

		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.stats.reconnects.Add(1)
		if n := t.inflight.cancelAll(); n > 0 {
			t.logger.Warn("tunnel dropped with requests in flight", logging.Int("count", n))
		}

		wait := backoff.Next()
		t.logger.Info("tunnel disconnected, reconnecting",
			logging.Duration("wait", wait),
			logging.Int("queued", t.queue.Len()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (t *DuplexTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(t.cfg.Endpoint, "http", "ws", 1) + "/bridge/" + t.BridgeID() + "/ws"

	header := http.Header{}
	if t.cfg.TokenSource != nil {
		token, err := t.cfg.TokenSource.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			if t.cfg.TokenSource != nil {
				if _, refreshErr := t.cfg.TokenSource.ValidatedAccessToken(ctx, true); refreshErr != nil {
					return nil, refreshErr
				}
			}
			return nil, bridgeerrors.New(bridgeerrors.KindAuthenticationFailed, "relay rejected the tunnel token")
		}
		return nil, bridgeerrors.Wrap(err, bridgeerrors.KindTunnelDisconnected, "websocket dial failed")
	}
	return conn, nil
}

// runSession serves one connection until it dies, then tears down session
// state so senders fall back to the offline queue.
func (t *DuplexTransport) runSession(ctx context.Context, conn *websocket.Conn) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &duplexSession{
		conn:     conn,
		outbound: make(chan outboundFrame, 64),
		pongs:    make(chan string, 4),
		done:     make(chan struct{}),
	}
	t.mu.Lock()
	t.session = sess
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.session = nil
		t.mu.Unlock()
		close(sess.done)
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		t.readPump(sctx, sess)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		t.writePump(sctx, sess)
	}()
	wg.Wait()
}

// readPump consumes inbound frames: requests are dispatched, pings answered,
// pongs matched against the outstanding liveness probe.
func (t *DuplexTransport) readPump(ctx context.Context, sess *duplexSession) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("tunnel read failed", logging.ErrorField(err))
			}
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			t.stats.errors.Add(1)
			t.logger.Warn("discarding malformed frame", logging.ErrorField(err))
			continue
		}

		switch m := msg.(type) {
		case *protocol.Request:
			go t.dispatch(ctx, sess, m)
		case *protocol.Ping:
			select {
			case sess.outbound <- outboundFrame{msg: &protocol.Pong{ID: m.ID}, priority: router.PriorityCritical}:
			case <-ctx.Done():
				return
			}
		case *protocol.Pong:
			select {
			case sess.pongs <- m.ID:
			default:
			}
		default:
			t.logger.Debug("ignoring frame", logging.String("type", string(msg.Type())))
		}
	}
}

// writePump is the only writer on the socket. It flushes the offline queue,
// relays outbound messages, and drives protocol-level liveness with a single
// outstanding ping.
func (t *DuplexTransport) writePump(ctx context.Context, sess *duplexSession) {
	for _, msg := range t.queue.Drain() {
		if err := t.writeFrame(sess, msg); err != nil {
			return
		}
		t.stats.responsesSubmitted.Add(1)
	}

	ticker := time.NewTicker(t.cfg.Duplex.PingInterval)
	defer ticker.Stop()

	// The pong deadline is armed when a ping goes out, so a dead link is
	// declared within PongTimeout, not at the next ping tick.
	pongTimer := time.NewTimer(time.Hour)
	if !pongTimer.Stop() {
		<-pongTimer.C
	}
	defer pongTimer.Stop()

	var outstandingPing string

	for {
		select {
		case <-ctx.Done():
			t.requeueRemaining(sess)
			return

		case frame := <-sess.outbound:
			if err := t.writeFrame(sess, frame.msg); err != nil {
				t.logger.Warn("tunnel write failed", logging.ErrorField(err))
				t.requeue(frame)
				t.requeueRemaining(sess)
				return
			}
			if protocol.IsTerminal(frame.msg) {
				t.stats.responsesSubmitted.Add(1)
			}

		case id := <-sess.pongs:
			if id == outstandingPing {
				outstandingPing = ""
				if !pongTimer.Stop() {
					select {
					case <-pongTimer.C:
					default:
					}
				}
			}

		case <-pongTimer.C:
			t.logger.Warn("pong overdue, dropping tunnel",
				logging.Duration("waited", t.cfg.Duplex.PongTimeout),
			)
			return

		case <-ticker.C:
			if outstandingPing != "" {
				continue
			}
			outstandingPing = uuid.NewString()
			if err := t.writeFrame(sess, &protocol.Ping{ID: outstandingPing}); err != nil {
				return
			}
			pongTimer.Reset(t.cfg.Duplex.PongTimeout)
		}
	}
}

func (t *DuplexTransport) writeFrame(sess *duplexSession, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		t.stats.errors.Add(1)
		t.logger.Error("failed to encode frame", logging.ErrorField(err))
		return nil
	}
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}

// requeueRemaining moves frames still sitting in the outbound channel back
// to the offline queue.
func (t *DuplexTransport) requeueRemaining(sess *duplexSession) {
	for {
		select {
		case frame := <-sess.outbound:
			t.requeue(frame)
		default:
			return
		}
	}
}

func (t *DuplexTransport) requeue(frame outboundFrame) {
	// Liveness and stream frames are worthless after a disconnect.
	if !protocol.IsTerminal(frame.msg) {
		return
	}
	if resp, ok := frame.msg.(*protocol.Response); ok && resp.Headers[StreamHeader] != "" {
		return
	}
	if err := t.queue.Push(frame.msg, frame.priority); err != nil {
		t.stats.responsesDropped.Add(1)
		t.logger.Error("offline queue full, dropping response",
			logging.RequestID(frame.msg.CorrelationID()),
		)
	}
}

// dispatch executes one request and pushes its terminal message back over
// the tunnel, or into the offline queue when the tunnel is gone.
func (t *DuplexTransport) dispatch(ctx context.Context, sess *duplexSession, req *protocol.Request) {
	t.stats.requestsHandled.Add(1)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.inflight.add(req.ID, cancel)
	defer t.inflight.remove(req.ID)

	priority := router.Classify(req).Priority
	msg := t.cfg.Handler(reqCtx, req, &duplexSink{transport: t})
	if _, failed := msg.(*protocol.ErrorMessage); failed && ctx.Err() != nil {
		// The tunnel died mid-request. Queue a terminal error so the relay
		// hears back after reconnect.
		msg = &protocol.ErrorMessage{
			ID:      req.ID,
			Message: "tunnel disconnected while the request was in flight",
			Code:    string(bridgeerrors.KindTunnelDisconnected),
		}
	}
	t.send(msg, priority)
}

// send delivers a message over the live session or queues it, at its
// classified priority, for the next connection.
func (t *DuplexTransport) send(msg protocol.Message, priority router.Priority) {
	frame := outboundFrame{msg: msg, priority: priority}

	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()

	if sess != nil {
		select {
		case sess.outbound <- frame:
			return
		case <-sess.done:
		}
	}
	t.requeue(frame)
}

// sendLive delivers a frame only while the session is up. Streaming chunks
// use it: a chunk has no value after a disconnect.
func (t *DuplexTransport) sendLive(msg protocol.Message) error {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()

	if sess == nil {
		return bridgeerrors.New(bridgeerrors.KindTunnelDisconnected, "tunnel is down")
	}
	select {
	case sess.outbound <- outboundFrame{msg: msg, priority: router.PriorityHigh}:
		return nil
	case <-sess.done:
		return bridgeerrors.New(bridgeerrors.KindTunnelDisconnected, "tunnel closed mid-stream")
	}
}

// duplexSink pushes streaming chunks over the tunnel as marked response
// frames.
type duplexSink struct {
	transport *DuplexTransport
}

func (s *duplexSink) WriteChunk(requestID string, chunk provider.StreamChunk) error {
	body := chunk.Data
	if len(body) > 0 && !json.Valid(body) {
		body, _ = json.Marshal(string(chunk.Data))
	}
	marker := "chunk"
	if chunk.Done {
		marker = "end"
	}
	return s.transport.sendLive(&protocol.Response{
		ID:      requestID,
		Status:  200,
		Headers: map[string]string{StreamHeader: marker},
		Body:    body,
	})
}
