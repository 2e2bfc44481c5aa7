package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
	v1 "github.com/WhiteRabbitCoder/SDH-Chat/shared/contracts/realtime/v1"
)

func newTestRelay(t *testing.T, gw store.Gateway) *Relay {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRelay(log, gw)
}

func newTestGateway(t *testing.T, userIDs ...string) *store.MemoryGateway {
	t.Helper()
	gw := store.NewMemoryGateway()
	users := make([]store.User, 0, len(userIDs))
	for _, id := range userIDs {
		users = append(users, store.User{ID: id, DisplayName: id})
	}
	if err := gw.PutUsers(context.Background(), users); err != nil {
		t.Fatalf("put users: %v", err)
	}
	return gw
}

var sessionSeq struct {
	mu sync.Mutex
	n  int
}

func newTestClient(queue int) *Client {
	sessionSeq.mu.Lock()
	sessionSeq.n++
	id := fmt.Sprintf("sess-%d", sessionSeq.n)
	sessionSeq.mu.Unlock()
	return NewClient(id, queue)
}

func mustJoin(t *testing.T, r *Relay, userID string) *Client {
	t.Helper()
	c := newTestClient(512)
	if err := r.Join(context.Background(), c, userID); err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
	return c
}

// drain returns every envelope currently queued on c without blocking.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []v1.Envelope, typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return p
}

func envelopeOf(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func mustDirect(t *testing.T, gw store.Gateway, a, b string) store.Conversation {
	t.Helper()
	c, _, err := gw.CreateDirect(context.Background(), store.CreateDirectInput{CreatorID: a, RecipientID: b})
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	return c
}

func TestRelay_AliceBobScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newTestGateway(t, "alice", "bob", "carol")
	conv := mustDirect(t, gw, "alice", "bob")
	r := newTestRelay(t, gw)

	alice := mustJoin(t, r, "alice")
	envs := drain(alice)
	if len(envs) != 1 || envs[0].Type != v1.TypeJoin {
		t.Fatalf("expected only join echo for alice, got %+v", envs)
	}
	if p := decode[v1.JoinPayload](t, envs[0]); p.SessionID != alice.SessionID || p.UserID != "alice" {
		t.Fatalf("unexpected join echo %+v", p)
	}

	carol := mustJoin(t, r, "carol")
	drain(carol)
	if got := ofType(drain(alice), v1.TypePresenceChanged); len(got) != 0 {
		t.Fatalf("unrelated carol must not notify alice")
	}

	bob := mustJoin(t, r, "bob")
	drain(bob)

	pres := ofType(drain(alice), v1.TypePresenceChanged)
	if len(pres) != 1 {
		t.Fatalf("expected one presence event for alice, got %d", len(pres))
	}
	if p := decode[v1.PresenceChangedPayload](t, pres[0]); p.UserID != "bob" || p.State != v1.PresenceOnline {
		t.Fatalf("unexpected presence payload %+v", p)
	}
	if got := drain(carol); len(got) != 0 {
		t.Fatalf("carol shares no conversation with bob, got %+v", got)
	}

	r.Dispatch(ctx, bob, envelopeOf(t, v1.TypeSubmitMessage, v1.SubmitMessagePayload{
		ConversationID: conv.ID, From: "bob", Content: "hi", CorrelationID: "tmp1",
	}))

	var ids []string
	for name, c := range map[string]*Client{"alice": alice, "bob": bob} {
		got := ofType(drain(c), v1.TypeMessageReceived)
		if len(got) != 1 {
			t.Fatalf("%s: expected one message_received, got %d", name, len(got))
		}
		p := decode[v1.MessageReceivedPayload](t, got[0])
		if p.ConversationID != conv.ID || p.Message.CorrelationID != "tmp1" || p.Message.Content != "hi" || p.Message.ID == "" {
			t.Fatalf("%s: unexpected payload %+v", name, p)
		}
		ids = append(ids, p.Message.ID)
	}
	if ids[0] != ids[1] {
		t.Fatalf("participants saw different message ids: %v", ids)
	}

	hist, err := gw.ListMessages(ctx, store.ListMessagesInput{ConversationID: conv.ID})
	if err != nil || len(hist.Messages) != 1 || hist.Messages[0].ID != ids[0] {
		t.Fatalf("persisted message mismatch: %+v err=%v", hist, err)
	}

	got, _ := gw.GetConversation(ctx, conv.ID)
	if got.LastMessage != "hi" || !got.LastMessageAt.Equal(hist.Messages[0].SentAt) {
		t.Fatalf("conversation summary not updated: %+v", got)
	}

	u, _ := gw.GetUser(ctx, "bob")
	if u.Presence != store.PresenceOnline || u.LastSeenAt == nil {
		t.Fatalf("bob should be persisted online: %+v", u)
	}
}

func TestRelay_MultiConnectionPresence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newTestGateway(t, "alice", "bob")
	mustDirect(t, gw, "alice", "bob")
	r := newTestRelay(t, gw)

	bob := mustJoin(t, r, "bob")
	a1 := mustJoin(t, r, "alice")
	a2 := mustJoin(t, r, "alice")

	if n := len(ofType(drain(bob), v1.TypePresenceChanged)); n != 1 {
		t.Fatalf("second alice connection must not re-announce, got %d events", n)
	}
	if !r.Registry().IsPresent("alice") {
		t.Fatalf("alice should be present")
	}

	r.Leave(ctx, a1)
	if !r.Registry().IsPresent("alice") {
		t.Fatalf("alice must stay present while a2 is open")
	}
	if n := len(ofType(drain(bob), v1.TypePresenceChanged)); n != 0 {
		t.Fatalf("no offline event expected yet, got %d", n)
	}
	if u, _ := gw.GetUser(ctx, "alice"); u.Presence != store.PresenceOnline {
		t.Fatalf("alice must stay persisted online")
	}

	r.Leave(ctx, a2)
	r.Leave(ctx, a2) // idempotent
	if r.Registry().IsPresent("alice") {
		t.Fatalf("alice must be absent after last disconnect")
	}
	pres := ofType(drain(bob), v1.TypePresenceChanged)
	if len(pres) != 1 {
		t.Fatalf("expected one offline event, got %d", len(pres))
	}
	if p := decode[v1.PresenceChangedPayload](t, pres[0]); p.UserID != "alice" || p.State != v1.PresenceOffline {
		t.Fatalf("unexpected presence payload %+v", p)
	}
	if u, _ := gw.GetUser(ctx, "alice"); u.Presence != store.PresenceOffline {
		t.Fatalf("alice must be persisted offline")
	}
	if a2.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", a2.State())
	}
}

func TestRelay_DeliverToEveryConnectionOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newTestGateway(t, "alice", "bob")
	conv := mustDirect(t, gw, "alice", "bob")
	r := newTestRelay(t, gw)

	a1 := mustJoin(t, r, "alice")
	a2 := mustJoin(t, r, "alice")
	bob := mustJoin(t, r, "bob")
	drain(a1)
	drain(a2)
	drain(bob)

	if _, err := r.Submit(ctx, a1, v1.SubmitMessagePayload{ConversationID: conv.ID, From: "alice", Content: "hello"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i, c := range []*Client{a1, a2, bob} {
		if n := len(ofType(drain(c), v1.TypeMessageReceived)); n != 1 {
			t.Fatalf("connection %d: expected exactly one copy, got %d", i, n)
		}
	}

	rep := r.Deliver(envelopeOf(t, v1.TypeGroupChanged, v1.GroupChangedPayload{}), "alice", "alice", "bob", "ghost")
	if rep.Targets != 3 || rep.Delivered != 3 || rep.Partial() {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestRelay_DeliverFullQueueIsPartialNotFatal(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, "alice", "bob")
	r := newTestRelay(t, gw)

	slow := newTestClient(1)
	if err := r.Join(context.Background(), slow, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	// slow's only slot already holds the join echo.
	bob := mustJoin(t, r, "bob")
	drain(bob)

	rep := r.Deliver(envelopeOf(t, v1.TypeGroupChanged, v1.GroupChangedPayload{}), "alice", "bob")
	if rep.Delivered != 1 || rep.Dropped != 1 || !rep.Partial() {
		t.Fatalf("unexpected report %+v", rep)
	}
	if n := len(drain(bob)); n != 1 {
		t.Fatalf("bob must still receive, got %d", n)
	}
}

func TestRelay_DuplicateCorrelationID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newTestGateway(t, "alice", "bob")
	conv := mustDirect(t, gw, "alice", "bob")
	r := newTestRelay(t, gw)

	alice := mustJoin(t, r, "alice")
	bob := mustJoin(t, r, "bob")
	drain(alice)
	drain(bob)

	p := v1.SubmitMessagePayload{ConversationID: conv.ID, From: "bob", Content: "hi", CorrelationID: "tmp1"}
	first, err := r.Submit(ctx, bob, p)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	again, err := r.Submit(ctx, bob, p)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("duplicate produced a new message")
	}

	if n := len(ofType(drain(alice), v1.TypeMessageReceived)); n != 1 {
		t.Fatalf("alice must see the message once, got %d", n)
	}
	if n := len(ofType(drain(bob), v1.TypeMessageReceived)); n != 2 {
		t.Fatalf("retrying sender gets the stored message back, got %d", n)
	}
	hist, _ := gw.ListMessages(ctx, store.ListMessagesInput{ConversationID: conv.ID})
	if len(hist.Messages) != 1 {
		t.Fatalf("expected one persisted message, got %d", len(hist.Messages))
	}
}

func TestRelay_OrderingPerConversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newTestGateway(t, "alice", "bob", "carol")
	grp, err := gw.CreateGroup(ctx, store.CreateGroupInput{Name: "g", CreatorID: "alice", ParticipantIDs: []string{"bob", "carol"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	r := newTestRelay(t, gw)

	alice := mustJoin(t, r, "alice")
	bob := mustJoin(t, r, "bob")
	carol := mustJoin(t, r, "carol")
	drain(alice)
	drain(bob)
	drain(carol)

	const perSender = 50
	var wg sync.WaitGroup
	for _, c := range []*Client{bob, carol} {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := r.Submit(ctx, c, v1.SubmitMessagePayload{
					ConversationID: grp.ID, From: c.UserID(), Content: fmt.Sprintf("m%d", i),
				}); err != nil {
					t.Errorf("submit: %v", err)
				}
			}
		}(c)
	}
	wg.Wait()

	var seqs [3][]int64
	for i, c := range []*Client{alice, bob, carol} {
		for _, env := range ofType(drain(c), v1.TypeMessageReceived) {
			seqs[i] = append(seqs[i], decode[v1.MessageReceivedPayload](t, env).Message.Seq)
		}
		if len(seqs[i]) != 2*perSender {
			t.Fatalf("connection %d: expected %d messages, got %d", i, 2*perSender, len(seqs[i]))
		}
		for j := 1; j < len(seqs[i]); j++ {
			if seqs[i][j] <= seqs[i][j-1] {
				t.Fatalf("connection %d: out of order at %d: %d after %d", i, j, seqs[i][j], seqs[i][j-1])
			}
		}
	}
}

type failingGateway struct {
	*store.MemoryGateway
	failAppend bool
	failTouch  bool
}

var errStoreDown = errors.New("store down")

func (g *failingGateway) AppendMessage(ctx context.Context, in store.AppendMessageInput) (store.AppendMessageResult, error) {
	if g.failAppend {
		return store.AppendMessageResult{}, errStoreDown
	}
	return g.MemoryGateway.AppendMessage(ctx, in)
}

func (g *failingGateway) TouchLastMessage(ctx context.Context, conversationID, content string, at time.Time) error {
	if g.failTouch {
		return errStoreDown
	}
	return g.MemoryGateway.TouchLastMessage(ctx, conversationID, content, at)
}

func TestRelay_PersistenceFailureNoBroadcast(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name       string
		failAppend bool
		failTouch  bool
	}{
		{name: "append", failAppend: true},
		{name: "touch", failTouch: true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			mem := newTestGateway(t, "alice", "bob")
			conv := mustDirect(t, mem, "alice", "bob")
			gw := &failingGateway{MemoryGateway: mem, failAppend: tc.failAppend, failTouch: tc.failTouch}
			r := newTestRelay(t, gw)

			alice := mustJoin(t, r, "alice")
			bob := mustJoin(t, r, "bob")
			drain(alice)
			drain(bob)

			r.Dispatch(ctx, bob, envelopeOf(t, v1.TypeSubmitMessage, v1.SubmitMessagePayload{
				ConversationID: conv.ID, From: "bob", Content: "hi", CorrelationID: "tmp9",
			}))

			if got := drain(alice); len(got) != 0 {
				t.Fatalf("alice must receive nothing, got %+v", got)
			}
			bobEnvs := drain(bob)
			if n := len(ofType(bobEnvs, v1.TypeMessageReceived)); n != 0 {
				t.Fatalf("sender must not see a broadcast, got %d", n)
			}
			errs := ofType(bobEnvs, v1.TypeSubmissionError)
			if len(errs) != 1 {
				t.Fatalf("expected one submission_error, got %+v", bobEnvs)
			}
			p := decode[v1.ErrorPayload](t, errs[0])
			if p.Code != CodePersistence || p.CorrelationID != "tmp9" {
				t.Fatalf("unexpected error payload %+v", p)
			}
			if p.Message == errStoreDown.Error() {
				t.Fatalf("store internals must not leak to the client")
			}
		})
	}
}

func TestRelay_DuplicateAfterTouchFailureCompletesUnit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := newTestGateway(t, "alice", "bob")
	conv := mustDirect(t, mem, "alice", "bob")
	gw := &failingGateway{MemoryGateway: mem, failTouch: true}
	r := newTestRelay(t, gw)

	alice := mustJoin(t, r, "alice")
	bob := mustJoin(t, r, "bob")
	drain(alice)
	drain(bob)

	p := v1.SubmitMessagePayload{ConversationID: conv.ID, From: "bob", Content: "retry me", CorrelationID: "tmp2"}
	if _, err := r.Submit(ctx, bob, p); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	gw.failTouch = false
	if _, err := r.Submit(ctx, bob, p); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := len(ofType(drain(alice), v1.TypeMessageReceived)); n != 1 {
		t.Fatalf("retry must reach every participant once, got %d", n)
	}
	got, _ := mem.GetConversation(ctx, conv.ID)
	if got.LastMessage != "retry me" {
		t.Fatalf("summary not repaired: %q", got.LastMessage)
	}
}

func TestRelay_SubmitValidationAndNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newTestGateway(t, "alice", "bob")
	conv := mustDirect(t, gw, "alice", "bob")
	r := newTestRelay(t, gw)

	anon := newTestClient(16)
	if _, err := r.Submit(ctx, anon, v1.SubmitMessagePayload{ConversationID: conv.ID, From: "alice", Content: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unidentified submit must be rejected, got %v", err)
	}

	alice := mustJoin(t, r, "alice")
	drain(alice)

	cases := []struct {
		name string
		p    v1.SubmitMessagePayload
		code string
	}{
		{"missing conversation", v1.SubmitMessagePayload{From: "alice", Content: "x"}, CodeValidation},
		{"missing from", v1.SubmitMessagePayload{ConversationID: conv.ID, Content: "x"}, CodeValidation},
		{"blank content", v1.SubmitMessagePayload{ConversationID: conv.ID, From: "alice", Content: "  "}, CodeValidation},
		{"unknown conversation", v1.SubmitMessagePayload{ConversationID: "nope", From: "alice", Content: "x"}, CodeNotFound},
	}
	for _, tc := range cases {
		r.Dispatch(ctx, alice, envelopeOf(t, v1.TypeSubmitMessage, tc.p))
		errs := ofType(drain(alice), v1.TypeSubmissionError)
		if len(errs) != 1 {
			t.Fatalf("%s: expected submission_error", tc.name)
		}
		if p := decode[v1.ErrorPayload](t, errs[0]); p.Code != tc.code {
			t.Fatalf("%s: expected code %q got %q", tc.name, tc.code, p.Code)
		}
		if errs[0].ConvID != tc.p.ConversationID {
			t.Fatalf("%s: expected conv_id %q got %q", tc.name, tc.p.ConversationID, errs[0].ConvID)
		}
	}

	// A rejected submission is addressed well enough to flag the local optimistic entry.
	r.Dispatch(ctx, alice, envelopeOf(t, v1.TypeSubmitMessage, v1.SubmitMessagePayload{
		ConversationID: "nope", From: "alice", Content: "x", CorrelationID: "tmp-9",
	}))
	errs := ofType(drain(alice), v1.TypeSubmissionError)
	if len(errs) != 1 {
		t.Fatalf("expected submission_error for unknown conversation")
	}
	if p := decode[v1.ErrorPayload](t, errs[0]); errs[0].ConvID != "nope" || p.CorrelationID != "tmp-9" {
		t.Fatalf("submission_error must carry conv_id and correlation_id, got conv_id=%q %+v", errs[0].ConvID, p)
	}

	hist, _ := gw.ListMessages(ctx, store.ListMessagesInput{ConversationID: conv.ID})
	if len(hist.Messages) != 0 {
		t.Fatalf("rejected submissions must not persist")
	}
}

func TestRelay_JoinUnknownUserAndNeverIdentified(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newTestGateway(t, "alice")
	r := newTestRelay(t, gw)

	c := newTestClient(16)
	r.Dispatch(ctx, c, envelopeOf(t, v1.TypeJoin, v1.JoinPayload{UserID: "ghost"}))
	errs := ofType(drain(c), v1.TypeError)
	if len(errs) != 1 || decode[v1.ErrorPayload](t, errs[0]).Code != CodeNotFound {
		t.Fatalf("expected not_found error, got %+v", errs)
	}
	if c.State() != StateConnected {
		t.Fatalf("failed join must keep the connection unidentified")
	}

	r.Leave(ctx, c)
	u, _ := gw.GetUser(ctx, "alice")
	if u.LastSeenAt != nil {
		t.Fatalf("never-identified connection must not write presence")
	}
}

func TestRelay_RejoinAsDifferentUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newTestGateway(t, "alice", "bob", "carol")
	mustDirect(t, gw, "alice", "carol")
	r := newTestRelay(t, gw)

	carol := mustJoin(t, r, "carol")
	c := mustJoin(t, r, "alice")
	drain(carol)

	if err := r.Join(ctx, c, "bob"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if r.Registry().IsPresent("alice") || !r.Registry().IsPresent("bob") {
		t.Fatalf("registry not moved: present=%v", r.Registry().PresentUsers())
	}
	pres := ofType(drain(carol), v1.TypePresenceChanged)
	if len(pres) != 1 || decode[v1.PresenceChangedPayload](t, pres[0]).State != v1.PresenceOffline {
		t.Fatalf("carol should see alice go offline, got %+v", pres)
	}
	if u, _ := gw.GetUser(ctx, "alice"); u.Presence != store.PresenceOffline {
		t.Fatalf("alice must be persisted offline")
	}
}

func TestRelay_TypingScopedToConversationRoom(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newTestGateway(t, "alice", "bob", "carol")
	conv := mustDirect(t, gw, "alice", "bob")
	r := newTestRelay(t, gw)

	alice := mustJoin(t, r, "alice")
	bob := mustJoin(t, r, "bob")
	bobIdle := mustJoin(t, r, "bob")
	carol := mustJoin(t, r, "carol")

	for _, c := range []*Client{alice, bob} {
		r.Dispatch(ctx, c, envelopeOf(t, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: conv.ID}))
	}
	r.Dispatch(ctx, carol, envelopeOf(t, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: conv.ID}))
	if errs := ofType(drain(carol), v1.TypeError); len(errs) != 1 {
		t.Fatalf("non-participant must not subscribe")
	}
	echo := ofType(drain(alice), v1.TypeConversationJoin)
	if len(echo) != 1 || decode[v1.ConversationJoinPayload](t, echo[0]).Kind != "direct" {
		t.Fatalf("expected conversation_join echo, got %+v", echo)
	}
	drain(bob)
	drain(bobIdle)

	typing := v1.TypingStatePayload{ConversationID: conv.ID, UserID: "alice", IsTyping: true}
	r.Dispatch(ctx, alice, envelopeOf(t, v1.TypeTypingState, typing))

	got := ofType(drain(bob), v1.TypeTypingState)
	if len(got) != 1 {
		t.Fatalf("bob should get the typing signal, got %d", len(got))
	}
	if p := decode[v1.TypingStatePayload](t, got[0]); p != typing {
		t.Fatalf("typing payload must be forwarded verbatim: %+v", p)
	}
	if n := len(drain(alice)); n != 0 {
		t.Fatalf("sender must be excluded")
	}
	if n := len(drain(bobIdle)); n != 0 {
		t.Fatalf("unsubscribed connection must not receive typing")
	}

	r.Leave(ctx, alice)
	r.Leave(ctx, bob)
	if r.Hub().Len() != 0 {
		t.Fatalf("empty rooms must be released")
	}
}

func TestRelay_GroupChanged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newTestGateway(t, "alice", "bob", "carol", "dave")
	grp, err := gw.CreateGroup(ctx, store.CreateGroupInput{Name: "Ops", CreatorID: "alice", ParticipantIDs: []string{"bob", "carol"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	r := newTestRelay(t, gw)

	alice := mustJoin(t, r, "alice")
	bob := mustJoin(t, r, "bob")
	dave := mustJoin(t, r, "dave")
	for _, c := range []*Client{alice, bob, dave} {
		drain(c)
	}

	r.Dispatch(ctx, alice, envelopeOf(t, v1.TypeGroupChanged, v1.GroupChangedPayload{GroupID: grp.ID, UpdatedBy: "alice"}))
	for name, c := range map[string]*Client{"alice": alice, "bob": bob} {
		got := ofType(drain(c), v1.TypeGroupChanged)
		if len(got) != 1 {
			t.Fatalf("%s: expected group_changed", name)
		}
		if p := decode[v1.GroupChangedPayload](t, got[0]); p.GroupID != grp.ID || p.UpdatedBy != "alice" || p.Timestamp.IsZero() {
			t.Fatalf("%s: unexpected payload %+v", name, p)
		}
	}
	if n := len(drain(dave)); n != 0 {
		t.Fatalf("non-member must not be notified")
	}

	r.Dispatch(ctx, alice, envelopeOf(t, v1.TypeGroupChanged, v1.GroupChangedPayload{GroupID: "missing", UpdatedBy: "alice"}))
	if n := len(drain(alice)); n != 0 {
		t.Fatalf("unknown group is skipped silently, got %d envelopes", n)
	}
}

func TestRelay_HistoryFetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw := newTestGateway(t, "alice", "bob")
	conv := mustDirect(t, gw, "alice", "bob")
	r := newTestRelay(t, gw)
	alice := mustJoin(t, r, "alice")

	for i := 0; i < 3; i++ {
		if _, err := r.Submit(ctx, alice, v1.SubmitMessagePayload{ConversationID: conv.ID, From: "alice", Content: fmt.Sprint(i)}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	drain(alice)

	after := int64(1)
	r.Dispatch(ctx, alice, envelopeOf(t, v1.TypeConversationHistoryFetch, v1.ConversationHistoryFetchPayload{
		ConversationID: conv.ID, AfterSeq: &after, Limit: 1,
	}))
	chunks := ofType(drain(alice), v1.TypeConversationHistoryChunk)
	if len(chunks) != 1 {
		t.Fatalf("expected history chunk")
	}
	p := decode[v1.ConversationHistoryChunkPayload](t, chunks[0])
	if len(p.Messages) != 1 || p.Messages[0].Seq != 2 || !p.HasMore {
		t.Fatalf("unexpected chunk %+v", p)
	}
}

// closingGateway runs onGet after loading a conversation, standing in for a
// disconnect that lands while a task is mid-flight.
type closingGateway struct {
	*store.MemoryGateway
	onGet func()
}

func (g *closingGateway) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	conv, err := g.MemoryGateway.GetConversation(ctx, id)
	if g.onGet != nil {
		g.onGet()
	}
	return conv, err
}

func TestRelay_SubscribeRacingLeaveLeavesNoRoom(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := newTestGateway(t, "alice", "bob")
	conv := mustDirect(t, mem, "alice", "bob")
	gw := &closingGateway{MemoryGateway: mem}
	r := newTestRelay(t, gw)

	alice := mustJoin(t, r, "alice")
	drain(alice)

	gw.onGet = func() { r.Leave(ctx, alice) }
	if err := r.SubscribeConversation(ctx, alice, conv.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("subscribe on a closed connection must fail, got %v", err)
	}
	if _, ok := r.Hub().Lookup(conv.ID); ok {
		t.Fatalf("closed client must not stay in the conversation room")
	}
	if alice.Subscribed(conv.ID) {
		t.Fatalf("closed client must not record the topic")
	}
}
