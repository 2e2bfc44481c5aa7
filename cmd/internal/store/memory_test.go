package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seedMemory(t *testing.T, users ...User) *MemoryGateway {
	t.Helper()

	g := NewMemoryGateway()
	if err := g.PutUsers(context.Background(), users); err != nil {
		t.Fatalf("put users: %v", err)
	}
	return g
}

func mustDirect(t *testing.T, g Gateway, a, b string) Conversation {
	t.Helper()

	c, _, err := g.CreateDirect(context.Background(), CreateDirectInput{CreatorID: a, RecipientID: b})
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	return c
}

func TestMemoryGateway_Append_Dedupe_NoSeqWaste(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice"}, User{ID: "bob"})
	conv := mustDirect(t, g, "alice", "bob")

	first, err := g.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID, From: "alice", Content: "hi", CorrelationID: "tmp-1",
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated || first.Stored.Seq != 1 {
		t.Fatalf("append first: got seq=%d duplicated=%v", first.Stored.Seq, first.Duplicated)
	}
	if first.Stored.Type != MessageTypeText {
		t.Fatalf("expected default type %q got %q", MessageTypeText, first.Stored.Type)
	}

	dup, err := g.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID, From: "alice", Content: "hi", CorrelationID: "tmp-1",
	})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !dup.Duplicated || dup.Stored.ID != first.Stored.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Stored.ID, dup)
	}

	// Same correlation id from another sender is a distinct message.
	other, err := g.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID, From: "bob", Content: "hey", CorrelationID: "tmp-1",
	})
	if err != nil {
		t.Fatalf("append other sender: %v", err)
	}
	if other.Duplicated || other.Stored.Seq != 2 {
		t.Fatalf("expected seq=2 not duplicated, got %+v", other)
	}
}

func TestMemoryGateway_Append_UnknownConversation(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	_, err := g.AppendMessage(context.Background(), AppendMessageInput{
		ConversationID: "missing", From: "alice", Content: "hi",
	})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryGateway_Append_Validation(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	cases := []AppendMessageInput{
		{From: "a", Content: "x"},
		{ConversationID: "c", Content: "x"},
		{ConversationID: "c", From: "a", Content: "   "},
	}
	for i, in := range cases {
		if _, err := g.AppendMessage(context.Background(), in); !IsInvalidInput(err) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestMemoryGateway_ConcurrentAppend_StrictSeq(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice"}, User{ID: "bob"})
	conv := mustDirect(t, g, "alice", "bob")

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := g.AppendMessage(ctx, AppendMessageInput{
				ConversationID: conv.ID, From: "alice", Content: fmt.Sprintf("m%d", i),
			}); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	res, err := g.ListMessages(ctx, ListMessagesInput{ConversationID: conv.ID, Limit: MaxHistoryLimit})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Messages) != n {
		t.Fatalf("expected %d messages, got %d", n, len(res.Messages))
	}
	for i, m := range res.Messages {
		if m.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: got %d", i, m.Seq)
		}
	}
}

func TestMemoryGateway_ListMessages_Paging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice"}, User{ID: "bob"})
	conv := mustDirect(t, g, "alice", "bob")

	for i := 0; i < 5; i++ {
		if _, err := g.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID, From: "bob", Content: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	page, err := g.ListMessages(ctx, ListMessagesInput{ConversationID: conv.ID, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("expected 2 with more, got %d more=%v", len(page.Messages), page.HasMore)
	}

	after := page.Messages[1].Seq
	rest, err := g.ListMessages(ctx, ListMessagesInput{ConversationID: conv.ID, AfterSeq: &after, Limit: 10})
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(rest.Messages) != 3 || rest.HasMore || rest.Messages[0].Seq != 3 {
		t.Fatalf("unexpected tail: %+v", rest)
	}
}

func TestMemoryGateway_CreateDirect_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice"}, User{ID: "bob"})

	first, created, err := g.CreateDirect(ctx, CreateDirectInput{CreatorID: "bob", RecipientID: "alice"})
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if first.Participants[0] != "alice" || first.Participants[1] != "bob" {
		t.Fatalf("expected sorted pair, got %v", first.Participants)
	}
	if first.LastMessage != DirectCreatedNote {
		t.Fatalf("unexpected initial note %q", first.LastMessage)
	}

	again, created, err := g.CreateDirect(ctx, CreateDirectInput{CreatorID: "alice", RecipientID: "bob"})
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected same conversation")
	}

	if _, _, err := g.CreateDirect(ctx, CreateDirectInput{CreatorID: "alice", RecipientID: "alice"}); !IsInvalidInput(err) {
		t.Fatalf("expected self chat rejection, got %v", err)
	}
}

func TestMemoryGateway_HiddenClearedByTouch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice"}, User{ID: "bob"})
	conv := mustDirect(t, g, "alice", "bob")

	if err := g.SetHidden(ctx, conv.ID, "alice", true); err != nil {
		t.Fatalf("hide: %v", err)
	}
	got, _ := g.GetConversation(ctx, conv.ID)
	if !got.HiddenForUser("alice") {
		t.Fatalf("expected hidden for alice")
	}

	if err := g.TouchLastMessage(ctx, conv.ID, "new", time.Now()); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ = g.GetConversation(ctx, conv.ID)
	if got.HiddenForUser("alice") || got.LastMessage != "new" {
		t.Fatalf("expected visible with new preview, got %+v", got)
	}

	if err := g.SetHidden(ctx, conv.ID, "mallory", true); !IsInvalidInput(err) {
		t.Fatalf("expected non-participant rejection, got %v", err)
	}
}

func TestMemoryGateway_LeaveDirectHidesWithoutDeleting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice"}, User{ID: "bob"})
	conv := mustDirect(t, g, "alice", "bob")

	if _, err := g.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID, From: "bob", Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := g.SetHidden(ctx, conv.ID, "alice", true); err != nil {
		t.Fatalf("hide: %v", err)
	}

	// bob keeps the conversation and its history.
	convs, err := g.ConversationsFor(ctx, "bob")
	if err != nil || len(convs) != 1 || convs[0].ID != conv.ID {
		t.Fatalf("bob conversations: %+v err=%v", convs, err)
	}
	page, err := g.ListMessages(ctx, ListMessagesInput{ConversationID: conv.ID})
	if err != nil || len(page.Messages) != 1 {
		t.Fatalf("history after leave: %+v err=%v", page, err)
	}

	// Re-opening returns the same row, visible again for alice.
	again, created, err := g.CreateDirect(ctx, CreateDirectInput{CreatorID: "alice", RecipientID: "bob"})
	if err != nil || created {
		t.Fatalf("re-open: created=%v err=%v", created, err)
	}
	if again.ID != conv.ID || again.HiddenForUser("alice") {
		t.Fatalf("expected same visible conversation, got %+v", again)
	}
}

func TestMemoryGateway_GroupLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice"}, User{ID: "bob"}, User{ID: "carol"})

	grp, err := g.CreateGroup(ctx, CreateGroupInput{Name: "Ops", CreatorID: "alice", ParticipantIDs: []string{"bob", "alice"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if len(grp.Participants) != 2 || len(grp.Admins) != 1 || grp.Admins[0] != "alice" {
		t.Fatalf("unexpected group: %+v", grp)
	}
	if grp.LastMessage != `Group "Ops" created.` {
		t.Fatalf("unexpected note %q", grp.LastMessage)
	}

	if _, err := g.AddParticipants(ctx, grp.ID, []string{"bob"}, "", time.Time{}); !IsInvalidInput(err) {
		t.Fatalf("expected no-new-participants rejection, got %v", err)
	}
	grp, err = g.AddParticipants(ctx, grp.ID, []string{"carol"}, "carol joined", time.Time{})
	if err != nil || !grp.HasParticipant("carol") || grp.LastMessage != "carol joined" {
		t.Fatalf("add: %+v err=%v", grp, err)
	}

	for _, id := range []string{"alice", "bob"} {
		if _, deleted, err := g.RemoveParticipant(ctx, grp.ID, id, id+" left", time.Time{}); err != nil || deleted {
			t.Fatalf("remove %s: deleted=%v err=%v", id, deleted, err)
		}
	}
	if _, deleted, err := g.RemoveParticipant(ctx, grp.ID, "carol", "", time.Time{}); err != nil || !deleted {
		t.Fatalf("remove last: deleted=%v err=%v", deleted, err)
	}
	if _, err := g.GetConversation(ctx, grp.ID); !IsNotFound(err) {
		t.Fatalf("expected deleted group, got %v", err)
	}
}

func TestMemoryGateway_ConversationsFor_Ordered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice"}, User{ID: "bob"}, User{ID: "carol"})
	ab := mustDirect(t, g, "alice", "bob")
	ac := mustDirect(t, g, "alice", "carol")
	_ = mustDirect(t, g, "bob", "carol")

	base := time.Now().UTC()
	_ = g.TouchLastMessage(ctx, ac.ID, "older", base)
	_ = g.TouchLastMessage(ctx, ab.ID, "newer", base.Add(time.Minute))

	convs, err := g.ConversationsFor(ctx, "alice")
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 2 || convs[0].ID != ab.ID || convs[1].ID != ac.ID {
		t.Fatalf("unexpected order: %+v", convs)
	}
}

func TestMemoryGateway_Presence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice"}, User{ID: "bob"})
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := g.SetPresence(ctx, "alice", PresenceOnline, at); err != nil {
		t.Fatalf("set presence: %v", err)
	}
	u, _ := g.GetUser(ctx, "alice")
	if u.Presence != PresenceOnline || u.LastSeenAt == nil || !u.LastSeenAt.Equal(at) {
		t.Fatalf("unexpected user: %+v", u)
	}

	if err := g.SetPresence(ctx, "ghost", PresenceOnline, at); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := g.ResetPresence(ctx, at.Add(time.Hour)); err != nil {
		t.Fatalf("reset: %v", err)
	}
	u, _ = g.GetUser(ctx, "alice")
	if u.Presence != PresenceOffline {
		t.Fatalf("expected offline after reset")
	}
}

func TestMemoryGateway_PutUsers_EmailConflictIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice", Email: "alice@example.com"})

	err := g.PutUsers(ctx, []User{
		{ID: "bob", Email: "bob@example.com"},
		{ID: "mallory", Email: "ALICE@example.com"},
	})
	var ce ConflictError
	if !errors.As(err, &ce) || ce.Field != "email" {
		t.Fatalf("expected email conflict, got %v", err)
	}
	if _, err := g.GetUser(ctx, "bob"); !IsNotFound(err) {
		t.Fatalf("expected batch to be rejected as a whole, got %v", err)
	}

	u, err := g.FindUserByEmail(ctx, "  Alice@Example.com ")
	if err != nil || u.ID != "alice" {
		t.Fatalf("find by email: %+v err=%v", u, err)
	}
}

func TestMemoryGateway_Search(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t,
		User{ID: "alice", DisplayName: "Alice Smith", Department: "Sales", Email: "alice@example.com"},
		User{ID: "bob", DisplayName: "Bob", Department: "IT", Email: "bob@example.com"},
	)

	users, err := g.SearchUsers(ctx, "SMI", "bob")
	if err != nil || len(users) != 1 || users[0].ID != "alice" {
		t.Fatalf("search users: %+v err=%v", users, err)
	}
	users, _ = g.SearchUsers(ctx, "example", "alice")
	if len(users) != 1 || users[0].ID != "bob" {
		t.Fatalf("expected exclusion of current user, got %+v", users)
	}

	conv := mustDirect(t, g, "alice", "bob")
	_, _ = g.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID, From: "alice", Content: "Quarterly Report"})
	_, _ = g.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID, From: "bob", Content: "lunch?"})

	msgs, err := g.SearchMessages(ctx, conv.ID, "report")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("search messages: %+v err=%v", msgs, err)
	}
}

func TestMemoryGateway_MarkSeen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice"}, User{ID: "bob"})
	conv := mustDirect(t, g, "alice", "bob")

	for _, from := range []string{"alice", "bob", "alice"} {
		if _, err := g.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID, From: from, Content: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	n, err := g.MarkSeen(ctx, conv.ID, "bob", 2)
	if err != nil || n != 1 {
		t.Fatalf("mark seen: n=%d err=%v", n, err)
	}
	n, _ = g.MarkSeen(ctx, conv.ID, "bob", 3)
	if n != 1 {
		t.Fatalf("expected only the remaining message, got %d", n)
	}
}

func TestMemoryGateway_DuplicateReflectsSeen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := seedMemory(t, User{ID: "alice"}, User{ID: "bob"})
	conv := mustDirect(t, g, "alice", "bob")

	in := AppendMessageInput{ConversationID: conv.ID, From: "alice", Content: "hi", CorrelationID: "tmp-1"}
	first, err := g.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if n, err := g.MarkSeen(ctx, conv.ID, "bob", first.Stored.Seq); err != nil || n != 1 {
		t.Fatalf("mark seen: n=%d err=%v", n, err)
	}

	dup, err := g.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !dup.Duplicated || dup.Stored.ID != first.Stored.ID || !dup.Stored.Seen {
		t.Fatalf("duplicate must return the current stored message, got %+v", dup)
	}
}
