package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/identity"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/identity/ids"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// MemoryGateway is the dev/test fallback when no database is configured.
// Each method holds one mutex, which gives the per-document atomicity the relay relies on.
type MemoryGateway struct {
	mu sync.Mutex

	users     map[string]User
	convs     map[string]*memConv
	directIdx map[string]string // direct key -> conversation id
}

type memConv struct {
	conv   Conversation
	seq    int64
	dedupe map[string]Message // sender|correlation id -> message as inserted; read through current()
	msgs   []Message          // ordered by seq
}

// NewMemoryGateway constructs an empty in-memory Gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		users:     make(map[string]User),
		convs:     make(map[string]*memConv),
		directIdx: make(map[string]string),
	}
}

// Close closes the gateway (noop for in-memory).
func (g *MemoryGateway) Close() error { return nil }

// ---- users ----

func (g *MemoryGateway) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	u, ok := g.users[strings.TrimSpace(id)]
	if !ok {
		return User{}, notFound("store.GetUser", "user")
	}
	return cloneUser(u), nil
}

func (g *MemoryGateway) FindUserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	norm := identity.NormalizeEmail(email)
	if norm == "" {
		return User{}, invalid("store.FindUserByEmail", "empty email")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, u := range g.users {
		if identity.NormalizeEmail(u.Email) == norm {
			return cloneUser(u), nil
		}
	}
	return User{}, notFound("store.FindUserByEmail", "user")
}

func (g *MemoryGateway) ListUsers(ctx context.Context, excludeID string) ([]User, error) {
	return g.filterUsers(ctx, excludeID, func(User) bool { return true })
}

func (g *MemoryGateway) SearchUsers(ctx context.Context, query, excludeID string) ([]User, error) {
	term := identity.NormalizeQuery(query)
	if term == "" {
		return []User{}, nil
	}
	return g.filterUsers(ctx, excludeID, func(u User) bool {
		return identity.ContainsFold(u.Email, term) ||
			identity.ContainsFold(u.DisplayName, term) ||
			identity.ContainsFold(u.Department, term)
	})
}

func (g *MemoryGateway) filterUsers(ctx context.Context, excludeID string, keep func(User) bool) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]User, 0, len(g.users))
	for id, u := range g.users {
		if id == excludeID || !keep(u) {
			continue
		}
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *MemoryGateway) PutUsers(ctx context.Context, users []User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, u := range users {
		if strings.TrimSpace(u.ID) == "" {
			return invalid("store.PutUsers", "missing user id")
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Validate the whole batch before applying so the write is all-or-nothing.
	byEmail := make(map[string]string, len(g.users)+len(users))
	for id, u := range g.users {
		if e := identity.NormalizeEmail(u.Email); e != "" {
			byEmail[e] = id
		}
	}
	for _, u := range users {
		e := identity.NormalizeEmail(u.Email)
		if e == "" {
			continue
		}
		if owner, ok := byEmail[e]; ok && owner != u.ID {
			return ConflictError{Op: "store.PutUsers", Field: "email"}
		}
		byEmail[e] = u.ID
	}

	now := time.Now().UTC()
	for _, u := range users {
		if u.Presence == "" {
			u.Presence = PresenceOffline
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		g.users[u.ID] = cloneUser(u)
	}
	return nil
}

func (g *MemoryGateway) SetPresence(ctx context.Context, userID string, state Presence, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state != PresenceOnline && state != PresenceOffline {
		return invalid("store.SetPresence", "unknown presence state")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	u, ok := g.users[userID]
	if !ok {
		return notFound("store.SetPresence", "user")
	}
	at = at.UTC()
	u.Presence = state
	u.LastSeenAt = &at
	g.users[userID] = u
	return nil
}

func (g *MemoryGateway) ResetPresence(ctx context.Context, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, u := range g.users {
		if u.Presence == PresenceOnline {
			at := at.UTC()
			u.Presence = PresenceOffline
			u.LastSeenAt = &at
			g.users[id] = u
		}
	}
	return nil
}

// ---- conversations ----

func (g *MemoryGateway) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.convs[strings.TrimSpace(id)]
	if !ok {
		return Conversation{}, notFound("store.GetConversation", "conversation")
	}
	return cloneConv(c.conv), nil
}

func (g *MemoryGateway) ConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Conversation, 0, 8)
	for _, c := range g.convs {
		if c.conv.HasParticipant(userID) {
			out = append(out, cloneConv(c.conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (g *MemoryGateway) CreateDirect(ctx context.Context, in CreateDirectInput) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	pair := CanonicalPair(in.CreatorID, in.RecipientID)
	if pair[0] == "" || pair[1] == "" {
		return Conversation{}, false, invalid("store.CreateDirect", "missing participant")
	}
	if pair[0] == pair[1] {
		return Conversation{}, false, invalid("store.CreateDirect", "self conversation")
	}
	now := nowOr(in.Now)

	g.mu.Lock()
	defer g.mu.Unlock()

	key := pair[0] + "|" + pair[1]
	if id, ok := g.directIdx[key]; ok {
		c := g.convs[id]
		// Re-opening a hidden chat makes it visible again for the creator.
		c.conv.HiddenFor = removeString(c.conv.HiddenFor, in.CreatorID)
		return cloneConv(c.conv), false, nil
	}

	conv := Conversation{
		ID:            ids.MustULID(now),
		IsGroup:       false,
		Participants:  pair,
		CreatedBy:     strings.TrimSpace(in.CreatorID),
		CreatedAt:     now,
		LastMessage:   DirectCreatedNote,
		LastMessageAt: now,
	}
	g.convs[conv.ID] = newMemConv(conv)
	g.directIdx[key] = conv.ID
	return cloneConv(conv), true, nil
}

func (g *MemoryGateway) CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	conv, err := newGroup(in)
	if err != nil {
		return Conversation{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.convs[conv.ID] = newMemConv(conv)
	return cloneConv(conv), nil
}

func (g *MemoryGateway) AddParticipants(ctx context.Context, conversationID string, userIDs []string, note string, now time.Time) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.convs[conversationID]
	if !ok {
		return Conversation{}, notFound("store.AddParticipants", "conversation")
	}
	if !c.conv.IsGroup {
		return Conversation{}, invalid("store.AddParticipants", "not a group")
	}

	added := 0
	for _, id := range UniqueIDs(userIDs...) {
		if c.conv.HasParticipant(id) {
			continue
		}
		c.conv.Participants = append(c.conv.Participants, id)
		added++
	}
	if added == 0 {
		return Conversation{}, invalid("store.AddParticipants", "no new participants")
	}
	touchNote(&c.conv, note, nowOr(now))
	return cloneConv(c.conv), nil
}

func (g *MemoryGateway) RemoveParticipant(ctx context.Context, conversationID, userID, note string, now time.Time) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.convs[conversationID]
	if !ok {
		return Conversation{}, false, notFound("store.RemoveParticipant", "conversation")
	}
	if !c.conv.IsGroup {
		return Conversation{}, false, invalid("store.RemoveParticipant", "not a group")
	}

	c.conv.Participants = removeString(c.conv.Participants, userID)
	c.conv.Admins = removeString(c.conv.Admins, userID)
	c.conv.HiddenFor = removeString(c.conv.HiddenFor, userID)
	if len(c.conv.Participants) == 0 {
		delete(g.convs, conversationID)
		return Conversation{}, true, nil
	}
	touchNote(&c.conv, note, nowOr(now))
	return cloneConv(c.conv), false, nil
}

func (g *MemoryGateway) SetHidden(ctx context.Context, conversationID, userID string, hidden bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.convs[conversationID]
	if !ok {
		return notFound("store.SetHidden", "conversation")
	}
	if !c.conv.HasParticipant(userID) {
		return invalid("store.SetHidden", "not a participant")
	}
	c.conv.HiddenFor = removeString(c.conv.HiddenFor, userID)
	if hidden {
		c.conv.HiddenFor = append(c.conv.HiddenFor, userID)
	}
	return nil
}

// ---- messages ----

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (g *MemoryGateway) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	now := nowOr(in.Now)

	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.convs[in.ConversationID]
	if !ok {
		return AppendMessageResult{}, notFound("store.AppendMessage", "conversation")
	}

	dedupeKey := ""
	if in.CorrelationID != "" {
		dedupeKey = in.From + "|" + in.CorrelationID
		if existing, ok := c.dedupe[dedupeKey]; ok {
			return AppendMessageResult{Stored: c.current(existing), Duplicated: true}, nil
		}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	c.seq++
	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Seq:            c.seq,
		From:           in.From,
		Type:           messageType(in.Type),
		Content:        in.Content,
		SentAt:         now,
		CorrelationID:  in.CorrelationID,
	}
	if dedupeKey != "" {
		c.dedupe[dedupeKey] = msg
	}
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return AppendMessageResult{Stored: msg}, nil
}

func (g *MemoryGateway) TouchLastMessage(ctx context.Context, conversationID, content string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.convs[conversationID]
	if !ok {
		return notFound("store.TouchLastMessage", "conversation")
	}
	c.conv.LastMessage = content
	c.conv.LastMessageAt = nowOr(at)
	c.conv.HiddenFor = nil
	return nil
}

// ListMessages returns messages ordered by seq ASC with paging via AfterSeq.
func (g *MemoryGateway) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return ListMessagesResult{}, invalid("store.ListMessages", "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	limit := ClampLimit(in.Limit)

	g.mu.Lock()
	c, ok := g.convs[in.ConversationID]
	var snap []Message
	if ok {
		snap = append([]Message(nil), c.msgs...)
	}
	g.mu.Unlock()

	if !ok {
		return ListMessagesResult{}, notFound("store.ListMessages", "conversation")
	}

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	}
	out := snap[start:]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListMessagesResult{Messages: out, HasMore: hasMore}, nil
}

func (g *MemoryGateway) SearchMessages(ctx context.Context, conversationID, query string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	term := identity.NormalizeQuery(query)
	if strings.TrimSpace(conversationID) == "" || term == "" {
		return nil, invalid("store.SearchMessages", "conversation_id and query are required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.convs[conversationID]
	if !ok {
		return []Message{}, nil
	}
	out := make([]Message, 0)
	for _, m := range c.msgs {
		if identity.ContainsFold(m.Content, term) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (g *MemoryGateway) MarkSeen(ctx context.Context, conversationID, readerID string, uptoSeq int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.convs[conversationID]
	if !ok {
		return 0, notFound("store.MarkSeen", "conversation")
	}
	n := 0
	for i := range c.msgs {
		m := &c.msgs[i]
		if m.Seq > uptoSeq || m.From == readerID || m.Seen {
			continue
		}
		m.Seen = true
		n++
	}
	return n, nil
}

// ---- helpers ----

// current returns the live copy of m from msgs (Seen may have changed since insert).
// A message trimmed from msgs is returned as recorded.
func (c *memConv) current(m Message) Message {
	i := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].Seq >= m.Seq })
	if i < len(c.msgs) && c.msgs[i].Seq == m.Seq {
		return c.msgs[i]
	}
	return m
}

func newMemConv(conv Conversation) *memConv {
	return &memConv{
		conv:   conv,
		dedupe: make(map[string]Message),
		msgs:   make([]Message, 0, 64),
	}
}

func cloneUser(u User) User {
	if u.LastSeenAt != nil {
		t := *u.LastSeenAt
		u.LastSeenAt = &t
	}
	return u
}

func cloneConv(c Conversation) Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	c.Admins = append([]string(nil), c.Admins...)
	c.HiddenFor = append([]string(nil), c.HiddenFor...)
	return c
}

var _ Gateway = (*MemoryGateway)(nil)
