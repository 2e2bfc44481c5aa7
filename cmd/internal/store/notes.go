package store

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/identity/ids"
)

// DirectCreatedNote is the initial last-message preview of a direct conversation.
const DirectCreatedNote = "Conversation started."

// MaxGroupNameRunes bounds group names.
const MaxGroupNameRunes = 80

// GroupCreatedNote is the initial last-message preview of a group.
func GroupCreatedNote(name string) string {
	return fmt.Sprintf("Group %q created.", name)
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func messageType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return MessageTypeText
	}
	return t
}

func validateAppend(in AppendMessageInput) error {
	if strings.TrimSpace(in.ConversationID) == "" {
		return invalid("store.AppendMessage", "missing conversation_id")
	}
	if strings.TrimSpace(in.From) == "" {
		return invalid("store.AppendMessage", "missing sender")
	}
	if strings.TrimSpace(in.Content) == "" {
		return invalid("store.AppendMessage", "empty content")
	}
	return nil
}

// newGroup builds (but does not persist) a group conversation from in.
func newGroup(in CreateGroupInput) (Conversation, error) {
	name := strings.TrimSpace(in.Name)
	creator := strings.TrimSpace(in.CreatorID)
	if name == "" {
		return Conversation{}, invalid("store.CreateGroup", "missing name")
	}
	if utf8.RuneCountInString(name) > MaxGroupNameRunes {
		return Conversation{}, invalid("store.CreateGroup", "name too long")
	}
	if creator == "" {
		return Conversation{}, invalid("store.CreateGroup", "missing creator")
	}

	now := nowOr(in.Now)
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}
	members := UniqueIDs(append([]string{creator}, in.ParticipantIDs...)...)

	return Conversation{
		ID:            id,
		IsGroup:       true,
		Name:          name,
		Participants:  members,
		Admins:        []string{creator},
		CreatedBy:     creator,
		CreatedAt:     now,
		LastMessage:   GroupCreatedNote(name),
		LastMessageAt: now,
	}, nil
}

func touchNote(c *Conversation, note string, at time.Time) {
	if strings.TrimSpace(note) == "" {
		return
	}
	c.LastMessage = note
	c.LastMessageAt = at
}
