package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
)

func toUserResponse(u store.User) userResponse {
	return userResponse{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Department:  u.Department,
		AvatarURL:   u.AvatarURL,
		Email:       u.Email,
		Role:        u.Role,
		Presence:    string(presenceOrOffline(u.Presence)),
		LastSeenAt:  u.LastSeenAt,
		CreatedAt:   u.CreatedAt,
	}
}

func toUserResponses(users []store.User) []userResponse {
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	return out
}

func toMessageResponse(m store.Message) messageResponse {
	return messageResponse{
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

func toMessageResponses(msgs []store.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	return out
}

func presenceOrOffline(p store.Presence) store.Presence {
	if p == store.PresenceOnline {
		return p
	}
	return store.PresenceOffline
}

// unknownUserName is shown for participant ids that no longer resolve to a user.
func unknownUserName(id string) string {
	if utf8.RuneCountInString(id) > 6 {
		id = string([]rune(id)[:6])
	}
	return fmt.Sprintf("User %s...", id)
}

// projector resolves participant profiles, caching lookups for one request.
type projector struct {
	h     *Handler
	cache map[string]participantResponse
}

func (h *Handler) newProjector() *projector {
	return &projector{h: h, cache: make(map[string]participantResponse)}
}

func (p *projector) participant(ctx context.Context, id string) (participantResponse, error) {
	if pr, ok := p.cache[id]; ok {
		return pr, nil
	}

	u, err := p.h.store.GetUser(ctx, id)
	var pr participantResponse
	switch {
	case err == nil:
		name := u.DisplayName
		if name == "" {
			name = unknownUserName(u.ID)
		}
		pr = participantResponse{
			ID:         u.ID,
			Name:       name,
			Department: u.Department,
			AvatarURL:  u.AvatarURL,
			Presence:   string(p.h.livePresence(u)),
		}
	case store.IsNotFound(err):
		pr = participantResponse{ID: id, Name: unknownUserName(id), Presence: string(store.PresenceOffline)}
	default:
		return participantResponse{}, err
	}

	p.cache[id] = pr
	return pr, nil
}

func (p *projector) conversation(ctx context.Context, c store.Conversation) (conversationResponse, error) {
	parts := make([]participantResponse, 0, len(c.Participants))
	for _, id := range c.Participants {
		pr, err := p.participant(ctx, id)
		if err != nil {
			return conversationResponse{}, err
		}
		parts = append(parts, pr)
	}
	return conversationResponse{
		ID:            c.ID,
		IsGroup:       c.IsGroup,
		Name:          c.Name,
		Participants:  parts,
		Admins:        c.Admins,
		CreatedBy:     c.CreatedBy,
		CreatedAt:     c.CreatedAt,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
	}, nil
}

// livePresence prefers the in-process registry over the persisted state.
func (h *Handler) livePresence(u store.User) store.Presence {
	if h.presence != nil {
		if h.presence.IsPresent(u.ID) {
			return store.PresenceOnline
		}
		return store.PresenceOffline
	}
	return presenceOrOffline(u.Presence)
}

// writeStoreError maps gateway errors onto HTTP statuses.
func (h *Handler) writeStoreError(w http.ResponseWriter, event string, err error) {
	switch {
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", notFoundMessage(err))
	case store.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", invalidMessage(err))
	case store.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "resource already exists")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func notFoundMessage(err error) string {
	var nf store.NotFoundError
	if errors.As(err, &nf) && nf.Resource != "" {
		return nf.Resource + " not found"
	}
	return "not found"
}

func invalidMessage(err error) string {
	var oe store.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return "invalid request"
}
