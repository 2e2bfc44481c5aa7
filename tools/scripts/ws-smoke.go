// Package main provides a CI-friendly end-to-end smoke test for SDH-Chat.
//
// It validates:
//   - HTTP login and direct conversation creation
//   - handshake + subprotocol selection
//   - join echo with session_id
//   - submit_message -> message_received for both participants
//   - optimistic reconciliation (replace in place, duplicate delivery ignored)
//   - idempotent resubmission by correlation_id (sender only, no re-broadcast)
//   - history fetch
//   - typing_state scoped to the conversation room
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/WhiteRabbitCoder/SDH-Chat/shared/contracts/realtime/v1"
	"github.com/WhiteRabbitCoder/SDH-Chat/shared/reconcile"
)

const (
	defaultSubprotocol = "sdh.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type loginUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "HTTP base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("a", "", "User ID of the sender (must exist, see cmd/seed)")
		userB   = flag.String("b", "", "User ID of the recipient (must exist)")
		text    = flag.String("text", "hello sdh 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*userA) == "" || strings.TrimSpace(*userB) == "" || *userA == *userB {
		fatalf("-a and -b must name two distinct existing users")
	}

	root := context.Background()
	httpc := &http.Client{Timeout: *timeout}

	mustLogin(root, httpc, *apiURL, *userA)
	recipient := mustLogin(root, httpc, *apiURL, *userB)
	convID := mustCreateDirect(root, httpc, *apiURL, *userA, recipient.Email)

	a := mustConnect(root, "A", *userA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s conv_id=%s origin=%q\n", a.sessionID, b.sessionID, convID, *origin)
	}

	inboxA := reconcile.NewInbox()
	inboxB := reconcile.NewInbox()

	corr := fmt.Sprintf("tmp-%d", time.Now().UnixNano())
	inboxA.Submit(v1.MessagePayload{ConversationID: convID, From: *userA, Content: *text, CorrelationID: corr, SentAt: time.Now().UTC()})
	mustSubmit(root, a, convID, corr, *text, *timeout)

	gotA := mustReceiveMessage(root, a, convID, corr, *text, *timeout)
	if out := inboxA.Receive(gotA); out != reconcile.Replaced {
		fatalf("sender reconciliation: got %s want replaced", out)
	}
	gotB := mustReceiveMessage(root, b, convID, corr, *text, *timeout)
	if out := inboxB.Receive(gotB); out != reconcile.Appended {
		fatalf("recipient reconciliation: got %s want appended", out)
	}
	if gotA.Message.ID != gotB.Message.ID || gotA.Message.Seq != gotB.Message.Seq {
		fatalf("participants saw different messages: %s/%d vs %s/%d", gotA.Message.ID, gotA.Message.Seq, gotB.Message.ID, gotB.Message.Seq)
	}

	// Resubmission with the same correlation id echoes the stored message to the sender only.
	mustSubmit(root, a, convID, corr, *text, *timeout)
	dup := mustReceiveMessage(root, a, convID, corr, *text, *timeout)
	if dup.Message.ID != gotA.Message.ID {
		fatalf("dedupe: id mismatch first=%s second=%s", gotA.Message.ID, dup.Message.ID)
	}
	if out := inboxA.Receive(dup); out != reconcile.Duplicate {
		fatalf("duplicate reconciliation: got %s want duplicate", out)
	}
	if n := inboxA.Timeline(convID).Len(); n != 1 {
		fatalf("sender timeline must show exactly one message, got %d", n)
	}
	mustAssertNoType(root, b, v1.TypeMessageReceived, 1200*time.Millisecond)

	mustHistoryContains(root, b, convID, gotB.Message.ID, *timeout)

	mustConversationJoin(root, a, convID, *timeout)
	mustConversationJoin(root, b, convID, *timeout)
	mustTyping(root, a, b, convID, *timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s seq=%d msg_id=%s\n", a.sessionID, b.sessionID, convID, gotA.Message.Seq, gotA.Message.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// ---- HTTP ----

func postJSON(ctx context.Context, c *http.Client, endpoint string, body any) (int, []byte) {
	raw, err := json.Marshal(body)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		fatalf("request %s: %v", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.Do(req)
	if err != nil {
		fatalf("POST %s: %v", endpoint, err)
	}
	defer func() { _ = res.Body.Close() }()
	out, _ := io.ReadAll(res.Body)
	return res.StatusCode, out
}

func mustLogin(ctx context.Context, c *http.Client, base, userID string) loginUser {
	status, body := postJSON(ctx, c, strings.TrimRight(base, "/")+"/api/auth/login", map[string]string{"user_id": userID})
	if status != http.StatusOK {
		fatalf("login %s: status=%d body=%s", userID, status, body)
	}
	var res struct {
		User loginUser `json:"user"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		fatalf("decode login: %v", err)
	}
	if strings.TrimSpace(res.User.Email) == "" {
		fatalf("login %s: user has no email", userID)
	}
	return res.User
}

func mustCreateDirect(ctx context.Context, c *http.Client, base, creatorID, recipientEmail string) string {
	status, body := postJSON(ctx, c, strings.TrimRight(base, "/")+"/api/conversations", map[string]string{
		"creator_id":      creatorID,
		"recipient_email": recipientEmail,
	})
	if status != http.StatusCreated && status != http.StatusOK {
		fatalf("create direct: status=%d body=%s", status, body)
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &res); err != nil || res.ID == "" {
		fatalf("decode conversation: %v (%s)", err, body)
	}
	return res.ID
}

// ---- websocket ----

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	join := newEnvelope(v1.TypeJoin, name+"-join", "", v1.JoinPayload{UserID: userID})
	mustWriteWithTimeout(parent, conn, join, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeJoin, stepTimeout, presenceSkip)

	var p v1.JoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", name, err)
	}
	if p.UserID != userID || strings.TrimSpace(p.SessionID) == "" {
		fatalf("join echo mismatch (%s): %+v", name, p)
	}
	c.sessionID = p.SessionID

	return c
}

var presenceSkip = map[string]struct{}{v1.TypePresenceChanged: {}}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubmit(parent context.Context, c *smokeClient, convID, corr, text string, stepTimeout time.Duration) {
	env := newEnvelope(v1.TypeSubmitMessage, fmt.Sprintf("%s-submit-%s", c.name, corr), convID, v1.SubmitMessagePayload{
		ConversationID: convID,
		From:           c.userID,
		Content:        text,
		CorrelationID:  corr,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustReceiveMessage(parent context.Context, c *smokeClient, convID, corr, text string, stepTimeout time.Duration) v1.MessageReceivedPayload {
	env := c.mustReadUntilType(parent, v1.TypeMessageReceived, stepTimeout, presenceSkip)

	var p v1.MessageReceivedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_received payload (%s): %v", c.name, err)
	}
	m := p.Message
	switch {
	case p.ConversationID != convID || m.ConversationID != convID:
		fatalf("message_received conv mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	case m.CorrelationID != corr:
		fatalf("message_received correlation_id mismatch (%s): got=%q want=%q", c.name, m.CorrelationID, corr)
	case m.Content != text:
		fatalf("message_received content mismatch (%s): got=%q want=%q", c.name, m.Content, text)
	case strings.TrimSpace(m.ID) == "" || m.Seq <= 0 || m.SentAt.IsZero():
		fatalf("message_received missing server fields (%s): %+v", c.name, m)
	}
	return p
}

func mustHistoryContains(parent context.Context, c *smokeClient, convID, msgID string, stepTimeout time.Duration) {
	req := newEnvelope(v1.TypeConversationHistoryFetch, c.name+"-history", convID, v1.ConversationHistoryFetchPayload{
		ConversationID: convID,
		Limit:          50,
	})
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeConversationHistoryChunk, stepTimeout, presenceSkip)

	var p v1.ConversationHistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history chunk payload (%s): %v", c.name, err)
	}
	for _, m := range p.Messages {
		if m.ID == msgID {
			return
		}
	}
	fatalf("history chunk missing message %s (%s)", msgID, c.name)
}

func mustConversationJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := newEnvelope(v1.TypeConversationJoin, c.name+"-conv-join", convID, v1.ConversationJoinPayload{ConversationID: convID})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeConversationJoin, stepTimeout, presenceSkip)
	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal conversation_join echo (%s): %v", c.name, err)
	}
	if p.ConversationID != convID || strings.TrimSpace(p.Kind) == "" {
		fatalf("conversation_join echo mismatch (%s): %+v", c.name, p)
	}
}

func mustTyping(parent context.Context, from, to *smokeClient, convID string, stepTimeout time.Duration) {
	env := newEnvelope(v1.TypeTypingState, from.name+"-typing", convID, v1.TypingStatePayload{
		ConversationID: convID,
		UserID:         from.userID,
		IsTyping:       true,
	})
	mustWriteWithTimeout(parent, from.conn, env, stepTimeout)

	got := to.mustReadUntilType(parent, v1.TypeTypingState, stepTimeout, presenceSkip)
	var p v1.TypingStatePayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal typing_state (%s): %v", to.name, err)
	}
	if p.UserID != from.userID || !p.IsTyping {
		fatalf("typing_state mismatch (%s): %+v", to.name, p)
	}
	mustAssertNoType(parent, from, v1.TypeTypingState, 750*time.Millisecond)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError || env.Type == v1.TypeSubmissionError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError || env.Type == v1.TypeSubmissionError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func newEnvelope(typ, id, convID string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		ConvID:  convID,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
