package api

import "time"

type loginRequest struct {
	UserID string `json:"user_id"`
}

type createDirectRequest struct {
	CreatorID      string `json:"creator_id"`
	RecipientEmail string `json:"recipient_email"`
}

type createGroupRequest struct {
	Name           string   `json:"name"`
	CreatorID      string   `json:"creator_id"`
	ParticipantIDs []string `json:"participant_ids"`
}

type addMembersRequest struct {
	MemberIDs []string `json:"member_ids"`
	UpdatedBy string   `json:"updated_by,omitempty"`
}

type seenRequest struct {
	UserID  string `json:"user_id"`
	UptoSeq int64  `json:"upto_seq"`
}

type userResponse struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Department  string     `json:"department"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Email       string     `json:"email"`
	Role        string     `json:"role,omitempty"`
	Presence    string     `json:"presence"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type loginResponse struct {
	User userResponse `json:"user"`
}

// participantResponse is the non-sensitive projection of a conversation participant.
type participantResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Department string `json:"department,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	Presence   string `json:"presence"`
}

type conversationResponse struct {
	ID            string                `json:"id"`
	IsGroup       bool                  `json:"is_group"`
	Name          string                `json:"name,omitempty"`
	Participants  []participantResponse `json:"participants"`
	Admins        []string              `json:"admins,omitempty"`
	CreatedBy     string                `json:"created_by,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	LastMessage   string                `json:"last_message"`
	LastMessageAt time.Time             `json:"last_message_at"`
}

type messageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	From           string    `json:"from"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
	Seen           bool      `json:"seen"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
}

type messagesPageResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []messageResponse `json:"messages"`
	HasMore        bool              `json:"has_more"`
}

type deleteConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	// Result is "left", "deleted" or "hidden".
	Result string `json:"result"`
}

type seenResponse struct {
	Updated int `json:"updated"`
}

type onlineResponse struct {
	UserIDs []string `json:"user_ids"`
}
