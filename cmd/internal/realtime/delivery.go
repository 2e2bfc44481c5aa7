package realtime

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/metrics"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
	v1 "github.com/WhiteRabbitCoder/SDH-Chat/shared/contracts/realtime/v1"
)

// Submit runs message submission: validate, persist, update the conversation
// summary, then deliver message_received to every participant room.
//
// Nothing is broadcast unless both writes succeeded. The per-conversation lock is
// held through delivery so every common participant observes broadcasts in
// acceptance order.
func (r *Relay) Submit(ctx context.Context, c *Client, p v1.SubmitMessagePayload) (store.Message, error) {
	in, err := r.validateSubmit(c, p)
	if err != nil {
		metrics.Submissions.WithLabelValues(CodeValidation).Inc()
		return store.Message{}, err
	}

	unlock := r.convLocks.Lock(in.ConversationID)
	defer unlock()

	msg, err := r.submitLocked(ctx, in)
	if err != nil {
		metrics.Submissions.WithLabelValues(ErrorCode(err)).Inc()
		return store.Message{}, err
	}
	return msg, nil
}

func (r *Relay) validateSubmit(c *Client, p v1.SubmitMessagePayload) (store.AppendMessageInput, error) {
	const op = "relay.submit"

	if c.State() != StateIdentified {
		return store.AppendMessageInput{}, validationErr(op, "join first")
	}
	convID := strings.TrimSpace(p.ConversationID)
	from := strings.TrimSpace(p.From)
	content := strings.TrimSpace(p.Content)

	switch {
	case convID == "":
		return store.AppendMessageInput{}, validationErr(op, "missing conversation_id")
	case from == "":
		return store.AppendMessageInput{}, validationErr(op, "missing from")
	case content == "":
		return store.AppendMessageInput{}, validationErr(op, "empty content")
	case utf8.RuneCountInString(content) > maxMessageChars:
		return store.AppendMessageInput{}, validationErr(op, "message too long")
	}

	typ := strings.TrimSpace(p.Type)
	if typ == "" {
		typ = store.MessageTypeText
	}
	return store.AppendMessageInput{
		ConversationID: convID,
		From:           from,
		Type:           typ,
		Content:        content,
		CorrelationID:  strings.TrimSpace(p.CorrelationID),
		Now:            r.clock(),
	}, nil
}

func (r *Relay) submitLocked(ctx context.Context, in store.AppendMessageInput) (store.Message, error) {
	const op = "relay.submit"

	conv, err := r.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return store.Message{}, storeErr(op, err)
	}

	res, err := r.store.AppendMessage(ctx, in)
	if err != nil {
		return store.Message{}, storeErr(op, err)
	}
	msg := res.Stored

	targets := conv.Participants
	if res.Duplicated {
		// A retry of an already delivered message only goes back to the sender.
		// When the summary never caught up (a prior touch failed), finish the unit.
		if !conv.LastMessageAt.Before(msg.SentAt) {
			targets = []string{msg.From}
		} else if err := r.store.TouchLastMessage(ctx, conv.ID, msg.Content, msg.SentAt); err != nil {
			return store.Message{}, storeErr(op, err)
		}
		metrics.Submissions.WithLabelValues("duplicate").Inc()
	} else {
		if err := r.store.TouchLastMessage(ctx, conv.ID, msg.Content, msg.SentAt); err != nil {
			r.log.Error("relay.submit.touch.fail", "conversation_id", conv.ID, "message_id", msg.ID, "err", err)
			return store.Message{}, storeErr(op, err)
		}
		metrics.Submissions.WithLabelValues("ok").Inc()
	}

	env := newEnvelope(v1.TypeMessageReceived, conv.ID, v1.MessageReceivedPayload{
		ConversationID: conv.ID,
		Message:        toWireMessage(msg),
	}, msg.SentAt)
	rep := r.Deliver(env, targets...)

	r.log.Info("relay.submit",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"duplicated", res.Duplicated,
		"targets", rep.Targets,
		"delivered", rep.Delivered,
		"dropped", rep.Dropped,
	)
	return msg, nil
}

// Typing forwards a typing_state payload verbatim to the conversation room,
// excluding the sending connection. Nothing is stored.
func (r *Relay) Typing(c *Client, env v1.Envelope) error {
	const op = "relay.typing"

	if c.State() != StateIdentified {
		return validationErr(op, "join first")
	}
	var p v1.TypingStatePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return validationErr(op, "missing conversation_id")
	}

	room, ok := r.hub.Lookup(convID)
	if !ok {
		return nil
	}
	out := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTypingState,
		ID:      NewEnvelopeID(r.clock()),
		ConvID:  convID,
		TS:      r.clock(),
		Payload: env.Payload,
	}
	room.BroadcastExcept(out, c.SessionID)
	return nil
}

// GroupChanged fans group_changed out to every present participant of the group,
// including the updater. Unknown groups are skipped.
func (r *Relay) GroupChanged(ctx context.Context, c *Client, p v1.GroupChangedPayload) error {
	const op = "relay.group_changed"

	if c.State() != StateIdentified {
		return validationErr(op, "join first")
	}
	groupID := strings.TrimSpace(p.GroupID)
	if groupID == "" {
		return validationErr(op, "missing group_id")
	}

	conv, err := r.store.GetConversation(ctx, groupID)
	if err != nil {
		if store.IsNotFound(err) {
			r.log.Info("relay.group_changed.skip", "group_id", groupID)
			return nil
		}
		return storeErr(op, err)
	}
	if !conv.IsGroup {
		r.log.Info("relay.group_changed.skip", "group_id", groupID, "reason", "not a group")
		return nil
	}

	updatedBy := strings.TrimSpace(p.UpdatedBy)
	if updatedBy == "" {
		updatedBy = c.UserID()
	}
	now := r.clock()
	env := newEnvelope(v1.TypeGroupChanged, conv.ID, v1.GroupChangedPayload{
		GroupID:   conv.ID,
		UpdatedBy: updatedBy,
		Timestamp: now,
	}, now)
	r.Deliver(env, r.registry.Filter(conv.Participants)...)
	return nil
}

// AnnounceGroupChanged emits group_changed for a membership change made outside the
// socket (HTTP surface). userIDs should include members that were just removed.
func (r *Relay) AnnounceGroupChanged(groupID, updatedBy string, userIDs []string) DeliveryReport {
	now := r.clock()
	env := newEnvelope(v1.TypeGroupChanged, groupID, v1.GroupChangedPayload{
		GroupID:   groupID,
		UpdatedBy: updatedBy,
		Timestamp: now,
	}, now)
	return r.Deliver(env, r.registry.Filter(userIDs)...)
}

// SubscribeConversation joins c to the conversation room used for typing signals.
// Only participants may subscribe.
func (r *Relay) SubscribeConversation(ctx context.Context, c *Client, conversationID string) error {
	const op = "relay.conversation_join"

	conv, err := r.participantConversation(ctx, op, c, conversationID)
	if err != nil {
		return err
	}

	kind := "direct"
	if conv.IsGroup {
		kind = "group"
	}
	// Join the hub before recording the topic: a Leave racing with us either sees the
	// topic and unsubscribes, or closes first and we undo the hub join here.
	r.hub.Subscribe(conv.ID, kind, c)
	if !c.subscribe(conv.ID) {
		r.hub.Unsubscribe(conv.ID, c.SessionID)
		return validationErr(op, "connection closed")
	}

	echo := newEnvelope(v1.TypeConversationJoin, conv.ID, v1.ConversationJoinPayload{ConversationID: conv.ID, Kind: kind}, r.clock())
	if !c.offer(echo) {
		r.log.Info("relay.conversation_join.echo.drop", "session_id", c.SessionID)
	}
	return nil
}

// UnsubscribeConversation removes c from the conversation room. Idempotent.
func (r *Relay) UnsubscribeConversation(c *Client, conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" || !c.Subscribed(conversationID) {
		return
	}
	c.unsubscribe(conversationID)
	r.hub.Unsubscribe(conversationID, c.SessionID)
}

// History returns an ascending window of the conversation to c.
func (r *Relay) History(ctx context.Context, c *Client, p v1.ConversationHistoryFetchPayload) error {
	const op = "relay.history"

	conv, err := r.participantConversation(ctx, op, c, p.ConversationID)
	if err != nil {
		return err
	}

	out, err := r.store.ListMessages(ctx, store.ListMessagesInput{
		ConversationID: conv.ID,
		AfterSeq:       p.AfterSeq,
		Limit:          store.ClampLimit(p.Limit),
	})
	if err != nil {
		return storeErr(op, err)
	}

	msgs := make([]v1.MessagePayload, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, toWireMessage(m))
	}
	chunk := newEnvelope(v1.TypeConversationHistoryChunk, conv.ID, v1.ConversationHistoryChunkPayload{
		ConversationID: conv.ID,
		Messages:       msgs,
		HasMore:        out.HasMore,
	}, r.clock())

	if !c.offer(chunk) {
		return &TaskError{Op: op, Kind: ErrBroadcastPartial, Msg: "backpressure", Err: errors.New("send queue full")}
	}
	return nil
}

func (r *Relay) participantConversation(ctx context.Context, op string, c *Client, conversationID string) (store.Conversation, error) {
	if c.State() != StateIdentified {
		return store.Conversation{}, validationErr(op, "join first")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return store.Conversation{}, validationErr(op, "missing conversation_id")
	}
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Conversation{}, storeErr(op, err)
	}
	if !conv.HasParticipant(c.UserID()) {
		return store.Conversation{}, validationErr(op, "not a participant")
	}
	return conv, nil
}
