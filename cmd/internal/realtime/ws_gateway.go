package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/envcfg"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/metrics"
	v1 "github.com/WhiteRabbitCoder/SDH-Chat/shared/contracts/realtime/v1"
)

const (
	// WSSubprotocolV1 is the only accepted websocket subprotocol.
	WSSubprotocolV1 = "sdh.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second
	wsLeaveTimeout        = 5 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for SDH-Chat realtime.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and hands validated envelopes to the Relay in arrival order.
type WSGateway struct {
	log   *slog.Logger
	relay *Relay

	devInsecure bool
	origins     originPolicy

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	active sync.WaitGroup
}

// NewWSGateway constructs a gateway with secure defaults.
// When relay is nil, it falls back to an in-memory relay for dev.
func NewWSGateway(log *slog.Logger, relay *Relay) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if relay == nil {
		relay = NewRelay(log, nil)
	}

	g := &WSGateway{log: log, relay: relay}

	// NOTE: InsecureSkipVerify is a dev-only knob. It disables the library's own origin check.
	g.devInsecure = envcfg.Bool("CHAT_WS_DEV_INSECURE", false)

	g.origins = newOriginPolicy(
		envcfg.Bool("CHAT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired),
		envcfg.List("CHAT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
	)

	g.writeTimeout = envcfg.Duration("CHAT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envcfg.Duration("CHAT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envcfg.Int("CHAT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envcfg.Duration("CHAT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envcfg.Duration("CHAT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envcfg.Int("CHAT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envcfg.Duration("CHAT_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// Relay returns the relay behind the gateway.
func (g *WSGateway) Relay() *Relay { return g.relay }

// Drain waits until every accepted session has finished its leave path, or ctx ends.
func (g *WSGateway) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{WSSubprotocolV1},
		OriginPatterns:     g.origins.acceptPatterns(),
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != WSSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", WSSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(sessionID, g.sendQueueSize)

	g.active.Add(1)
	defer g.active.Done()
	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()
	g.log.Info("ws.connect", "session_id", sessionID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// The relay unregisters the client before Close so broadcasters never target a torn-down client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			// The request context may already be gone; the leave transition still has to persist.
			leaveCtx, leaveCancel := context.WithTimeout(context.WithoutCancel(ctx), wsLeaveTimeout)
			g.relay.Leave(leaveCtx, client)
			leaveCancel()

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.disconnect", "session_id", sessionID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.relay.sendCode(client, CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			metrics.RateLimitHits.WithLabelValues("ws").Inc()
			g.relay.sendCode(client, CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.relay.sendCode(client, CodeBadEnvelope, err.Error())
			continue readLoop
		}

		// Per-connection events are handled one at a time, in arrival order.
		g.relay.Dispatch(ctx, client, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

var errBadJSON = errors.New("bad json")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	return readErrUnknown
}
