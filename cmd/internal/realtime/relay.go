// Package realtime contains SDH-Chat's realtime relay and its WebSocket gateway.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/metrics"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/presence"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
	v1 "github.com/WhiteRabbitCoder/SDH-Chat/shared/contracts/realtime/v1"
)

// Relay owns the presence registry and routes connection events.
//
// Each user id is a room: every live connection bound to it receives deliveries.
// Presence transitions are serialized per user and submissions per conversation.
type Relay struct {
	log      *slog.Logger
	store    store.Gateway
	registry *presence.Registry[*Client]
	hub      *Hub
	mirror   presence.Mirror

	userLocks *keyedMutex
	convLocks *keyedMutex

	now func() time.Time
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithMirror publishes presence transitions to m.
func WithMirror(m presence.Mirror) RelayOption {
	return func(r *Relay) {
		if m != nil {
			r.mirror = m
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRelay constructs a relay over gw.
// When gw is nil it falls back to the in-memory gateway for dev.
func NewRelay(log *slog.Logger, gw store.Gateway, opts ...RelayOption) *Relay {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if gw == nil {
		gw = store.NewMemoryGateway()
	}
	r := &Relay{
		log:       log,
		store:     gw,
		registry:  presence.NewRegistry[*Client](),
		hub:       NewHub(log),
		mirror:    presence.NopMirror{},
		userLocks: newKeyedMutex(),
		convLocks: newKeyedMutex(),
		now:       func() time.Time { return time.Now() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Registry exposes the presence registry (read side).
func (r *Relay) Registry() *presence.Registry[*Client] { return r.registry }

// Hub exposes conversation rooms.
func (r *Relay) Hub() *Hub { return r.hub }

// clock returns server time with store precision (microseconds, UTC).
func (r *Relay) clock() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// ---- connection lifecycle ----

// Join binds c to userID (Connected -> Identified).
//
// The user must exist. Joining again as the same user only re-echoes; joining as a
// different user first runs the leave transition for the previous one.
func (r *Relay) Join(ctx context.Context, c *Client, userID string) error {
	const op = "relay.join"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return validationErr(op, "missing user_id")
	}
	if c.State() == StateClosed {
		return validationErr(op, "connection closed")
	}

	prev := c.UserID()
	if prev == userID {
		r.echoJoin(c, userID)
		return nil
	}
	if _, err := r.store.GetUser(ctx, userID); err != nil {
		return storeErr(op, err)
	}
	if prev != "" {
		r.release(ctx, c, prev)
		c.forget()
	}

	unlock := r.userLocks.Lock(userID)
	defer unlock()

	if !c.identify(userID) {
		return validationErr(op, "connection closed")
	}
	first := r.registry.Register(userID, c)
	now := r.clock()

	// Persisted presence is secondary to the registry: failures are logged, the join stands.
	if err := r.store.SetPresence(ctx, userID, store.PresenceOnline, now); err != nil {
		r.log.Warn("relay.presence.persist.fail", "user_id", userID, "state", v1.PresenceOnline, "err", err)
	}
	if err := r.mirror.Online(ctx, userID, now); err != nil {
		r.log.Warn("relay.presence.mirror.fail", "user_id", userID, "state", v1.PresenceOnline, "err", err)
	}

	r.echoJoin(c, userID)
	r.log.Info("relay.join", "user_id", userID, "session_id", c.SessionID, "first", first)

	if first {
		metrics.PresentUsers.Inc()
		r.broadcastPresence(ctx, userID, v1.PresenceOnline, now)
	}
	return nil
}

func (r *Relay) echoJoin(c *Client, userID string) {
	env := newEnvelope(v1.TypeJoin, "", v1.JoinPayload{UserID: userID, SessionID: c.SessionID}, r.clock())
	if !c.offer(env) {
		r.log.Info("relay.join.echo.drop", "session_id", c.SessionID)
	}
}

// Leave runs the disconnect transition (Identified|Connected -> Closed). Idempotent.
// A connection that never identified causes no persisted change.
func (r *Relay) Leave(ctx context.Context, c *Client) {
	userID, topics, wasOpen := c.markClosed()
	if !wasOpen {
		return
	}
	for _, t := range topics {
		r.hub.Unsubscribe(t, c.SessionID)
	}
	if userID == "" {
		r.registry.Unregister(c)
		return
	}
	r.release(ctx, c, userID)
}

// release unregisters c from userID's room and, for the last connection, persists
// offline and notifies co-participants.
func (r *Relay) release(ctx context.Context, c *Client, userID string) {
	unlock := r.userLocks.Lock(userID)
	defer unlock()

	bound, last := r.registry.Unregister(c)
	if bound == "" {
		return
	}
	r.log.Info("relay.leave", "user_id", bound, "session_id", c.SessionID, "last", last)
	if !last {
		return
	}

	metrics.PresentUsers.Dec()
	now := r.clock()
	if err := r.store.SetPresence(ctx, bound, store.PresenceOffline, now); err != nil {
		r.log.Warn("relay.presence.persist.fail", "user_id", bound, "state", v1.PresenceOffline, "err", err)
	}
	if err := r.mirror.Offline(ctx, bound, now); err != nil {
		r.log.Warn("relay.presence.mirror.fail", "user_id", bound, "state", v1.PresenceOffline, "err", err)
	}
	r.broadcastPresence(ctx, bound, v1.PresenceOffline, now)
}

// broadcastPresence notifies every present co-participant of userID. Best effort:
// a failed lookup or a full queue never fails the transition.
func (r *Relay) broadcastPresence(ctx context.Context, userID, state string, at time.Time) {
	convs, err := r.store.ConversationsFor(ctx, userID)
	if err != nil {
		r.log.Warn("relay.presence.lookup.fail", "user_id", userID, "err", err)
		return
	}

	peers := make([]string, 0, 8)
	for _, conv := range convs {
		for _, p := range conv.Participants {
			if p != userID {
				peers = append(peers, p)
			}
		}
	}
	targets := r.registry.Filter(peers)
	if len(targets) == 0 {
		return
	}

	env := newEnvelope(v1.TypePresenceChanged, "", v1.PresenceChangedPayload{UserID: userID, State: state}, at)
	rep := r.Deliver(env, targets...)
	metrics.PresenceBroadcasts.WithLabelValues(state).Inc()
	r.log.Debug("relay.presence.broadcast", "user_id", userID, "state", state, "targets", rep.Targets, "delivered", rep.Delivered)
}

// ---- delivery ----

// DeliveryReport summarizes one fan-out.
type DeliveryReport struct {
	// Targets is the number of distinct users addressed.
	Targets int
	// Delivered counts connections that accepted the envelope.
	Delivered int
	// Dropped counts connections whose queue was full or closing.
	Dropped int
}

// Partial reports whether at least one connection missed the envelope.
func (d DeliveryReport) Partial() bool { return d.Dropped > 0 }

// Deliver enqueues env on every live connection of each distinct user in userIDs.
// Each connection receives exactly one copy. It never blocks: a full queue is dropped,
// logged and counted without affecting other recipients.
func (r *Relay) Deliver(env v1.Envelope, userIDs ...string) DeliveryReport {
	var rep DeliveryReport
	seen := make(map[*Client]struct{}, len(userIDs))

	for _, u := range store.UniqueIDs(userIDs...) {
		rep.Targets++
		for _, c := range r.registry.RoomOf(u) {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}

			if c.offer(env) {
				rep.Delivered++
				continue
			}
			rep.Dropped++
			r.log.Warn("relay.deliver.drop",
				"err", ErrBroadcastPartial,
				"type", env.Type,
				"user_id", u,
				"session_id", c.SessionID,
			)
		}
	}

	metrics.Deliveries.Add(float64(rep.Delivered))
	metrics.DroppedDeliveries.Add(float64(rep.Dropped))
	return rep
}

// ---- task boundary ----

// Dispatch routes one validated inbound envelope. Every error is converted into an
// error event on c only; it never affects other connections.
func (r *Relay) Dispatch(ctx context.Context, c *Client, env v1.Envelope) {
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	switch env.Type {
	case v1.TypeJoin:
		var p v1.JoinPayload
		if err := decodePayload(env, &p); err != nil {
			r.sendError(c, v1.TypeError, err, "", "")
			return
		}
		if err := r.Join(ctx, c, p.UserID); err != nil {
			r.sendError(c, v1.TypeError, err, "", "")
		}

	case v1.TypeSubmitMessage:
		var p v1.SubmitMessagePayload
		if err := decodePayload(env, &p); err != nil {
			r.sendError(c, v1.TypeSubmissionError, err, "", "")
			return
		}
		if _, err := r.Submit(ctx, c, p); err != nil {
			r.sendError(c, v1.TypeSubmissionError, err, strings.TrimSpace(p.ConversationID), strings.TrimSpace(p.CorrelationID))
		}

	case v1.TypeTypingState:
		if err := r.Typing(c, env); err != nil {
			r.sendError(c, v1.TypeError, err, "", "")
		}

	case v1.TypeGroupChanged:
		var p v1.GroupChangedPayload
		if err := decodePayload(env, &p); err != nil {
			r.sendError(c, v1.TypeError, err, "", "")
			return
		}
		if err := r.GroupChanged(ctx, c, p); err != nil {
			r.sendError(c, v1.TypeError, err, "", "")
		}

	case v1.TypeConversationJoin:
		var p v1.ConversationJoinPayload
		if err := decodePayload(env, &p); err != nil {
			r.sendError(c, v1.TypeError, err, "", "")
			return
		}
		if err := r.SubscribeConversation(ctx, c, p.ConversationID); err != nil {
			r.sendError(c, v1.TypeError, err, strings.TrimSpace(p.ConversationID), "")
		}

	case v1.TypeConversationLeave:
		var p v1.ConversationJoinPayload
		if err := decodePayload(env, &p); err != nil {
			r.sendError(c, v1.TypeError, err, "", "")
			return
		}
		r.UnsubscribeConversation(c, p.ConversationID)

	case v1.TypeConversationHistoryFetch:
		var p v1.ConversationHistoryFetchPayload
		if err := decodePayload(env, &p); err != nil {
			r.sendError(c, v1.TypeError, err, "", "")
			return
		}
		if err := r.History(ctx, c, p); err != nil {
			r.sendError(c, v1.TypeError, err, strings.TrimSpace(p.ConversationID), "")
		}

	default:
		r.sendCode(c, CodeUnsupported, "unsupported type: "+env.Type)
	}
}

// sendError reports err on c only. convID addresses the error to a conversation when
// the failed task named one, so clients can find the optimistic entry to flag.
func (r *Relay) sendError(c *Client, typ string, err error, convID, correlationID string) {
	code := ErrorCode(err)
	r.log.Info("relay.task.fail", "session_id", c.SessionID, "user_id", c.UserID(), "type", typ, "conversation_id", convID, "code", code, "err", err)

	env := newEnvelope(typ, convID, v1.ErrorPayload{
		Code:          code,
		Message:       publicMessage(err),
		CorrelationID: correlationID,
	}, r.clock())
	_ = c.offer(env)
}

func (r *Relay) sendCode(c *Client, code, msg string) {
	env := newEnvelope(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg}, r.clock())
	_ = c.offer(env)
}

// ---- envelope helpers ----

func newEnvelope(typ, convID string, payload any, ts time.Time) v1.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain structs; this only fires on programmer error.
		raw = json.RawMessage(`{}`)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		ConvID:  convID,
		TS:      ts,
		Payload: raw,
	}
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return validationErr("relay.decode", "missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &TaskError{Op: "relay.decode", Kind: ErrValidation, Msg: "invalid payload", Err: err}
	}
	return nil
}

func toWireMessage(m store.Message) v1.MessagePayload {
	return v1.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		From:           m.From,
		Type:           m.Type,
		Content:        m.Content,
		SentAt:         m.SentAt,
		Seen:           m.Seen,
		CorrelationID:  m.CorrelationID,
	}
}
