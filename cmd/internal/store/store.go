// Package store is SDH-Chat's persistence gateway: users, conversations and
// their ordered message collections.
package store

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Presence is the persisted online/offline state of a user.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// MessageTypeText is the default message type discriminator.
const MessageTypeText = "text"

// User is a chat participant. Presence and LastSeenAt are written only by the realtime relay.
type User struct {
	ID          string
	DisplayName string
	Department  string
	AvatarURL   string
	Email       string
	Role        string

	Presence   Presence
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// Conversation is a direct (1:1) or group conversation.
//
// Direct conversations always hold exactly two distinct participants in sorted order.
type Conversation struct {
	ID           string
	IsGroup      bool
	Name         string
	Participants []string
	Admins       []string
	CreatedBy    string
	CreatedAt    time.Time

	LastMessage   string
	LastMessageAt time.Time

	HiddenFor []string
}

// HasParticipant reports whether userID participates in c.
func (c Conversation) HasParticipant(userID string) bool {
	return containsString(c.Participants, userID)
}

// HiddenForUser reports whether userID has hidden c from their list.
func (c Conversation) HiddenForUser(userID string) bool {
	return containsString(c.HiddenFor, userID)
}

// Message is an immutable persisted message. Seq is monotonic per conversation.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	From           string
	Type           string
	Content        string
	SentAt         time.Time
	Seen           bool
	CorrelationID  string
}

// AppendMessageInput describes a message insert.
// When CorrelationID is set the insert is idempotent per (conversation, sender, correlation id).
type AppendMessageInput struct {
	ConversationID string
	From           string
	Type           string
	Content        string
	CorrelationID  string
	Now            time.Time
}

// AppendMessageResult is the insert result.
type AppendMessageResult struct {
	Stored     Message
	Duplicated bool
}

// ListMessagesInput describes an ascending history window.
type ListMessagesInput struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// ListMessagesResult contains the retrieved window.
type ListMessagesResult struct {
	Messages []Message
	HasMore  bool
}

// CreateDirectInput creates (or finds) a 1:1 conversation.
type CreateDirectInput struct {
	CreatorID   string
	RecipientID string
	Now         time.Time
}

// CreateGroupInput creates a group conversation. The creator is always a participant and admin.
type CreateGroupInput struct {
	Name           string
	CreatorID      string
	ParticipantIDs []string
	Now            time.Time
}

// Users is the user collection.
type Users interface {
	GetUser(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, excludeID string) ([]User, error)
	SearchUsers(ctx context.Context, query, excludeID string) ([]User, error)
	// PutUsers writes all users atomically (create or replace).
	PutUsers(ctx context.Context, users []User) error
	SetPresence(ctx context.Context, userID string, state Presence, at time.Time) error
	// ResetPresence marks every user offline (used at boot: the relay starts with no connections).
	ResetPresence(ctx context.Context, at time.Time) error
}

// Conversations is the conversation collection.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// ConversationsFor returns every conversation containing userID, most recent first.
	ConversationsFor(ctx context.Context, userID string) ([]Conversation, error)
	// CreateDirect is idempotent on the sorted participant pair; created=false returns the existing row.
	CreateDirect(ctx context.Context, in CreateDirectInput) (conv Conversation, created bool, err error)
	CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error)
	AddParticipants(ctx context.Context, conversationID string, userIDs []string, note string, now time.Time) (Conversation, error)
	// RemoveParticipant removes userID from a group; deleted=true when no participants remain.
	RemoveParticipant(ctx context.Context, conversationID, userID, note string, now time.Time) (conv Conversation, deleted bool, err error)
	SetHidden(ctx context.Context, conversationID, userID string, hidden bool) error
}

// Messages is the per-conversation message sub-collection.
type Messages interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	// TouchLastMessage updates the denormalized last-message fields and clears hidden markers.
	TouchLastMessage(ctx context.Context, conversationID, content string, at time.Time) error
	ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error)
	SearchMessages(ctx context.Context, conversationID, query string) ([]Message, error)
	// MarkSeen flags messages not sent by readerID with seq <= uptoSeq as seen; returns the count.
	MarkSeen(ctx context.Context, conversationID, readerID string, uptoSeq int64) (int, error)
}

// Gateway is the full persistence boundary.
type Gateway interface {
	Users
	Conversations
	Messages
	Close() error
}

// History paging bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// ClampLimit applies history paging bounds.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// CanonicalPair returns the two ids in sorted order.
func CanonicalPair(a, b string) []string {
	p := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(p)
	return p
}

// DirectKey is the unique lookup key of a direct conversation between a and b.
func DirectKey(a, b string) string {
	p := CanonicalPair(a, b)
	return p[0] + "|" + p[1]
}

// UniqueIDs trims, drops empties and de-duplicates ids while keeping first-seen order.
func UniqueIDs(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
