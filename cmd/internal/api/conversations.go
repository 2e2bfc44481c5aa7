package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/identity"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
)

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	ctx, cancel := requestCtx(r)
	defer cancel()

	convs, err := h.store.ConversationsFor(ctx, userID)
	if err != nil {
		h.writeStoreError(w, "api.conversations.list.fail", err)
		return
	}

	proj := h.newProjector()
	out := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		if c.HiddenForUser(userID) {
			continue
		}
		cr, err := proj.conversation(ctx, c)
		if err != nil {
			h.writeStoreError(w, "api.conversations.project.fail", err)
			return
		}
		out = append(out, cr)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateDirect opens (or re-opens) the 1:1 conversation with the user owning
// recipient_email. 201 when created, 200 when it already existed.
func (h *Handler) handleCreateDirect(w http.ResponseWriter, r *http.Request) {
	var req createDirectRequest
	if !h.bindJSON(w, r, &req) {
		return
	}
	creatorID := strings.TrimSpace(req.CreatorID)
	email := identity.NormalizeEmail(req.RecipientEmail)
	if creatorID == "" || email == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "creator_id and recipient_email are required")
		return
	}

	ctx, cancel := requestCtx(r)
	defer cancel()

	recipient, err := h.store.FindUserByEmail(ctx, email)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "recipient not found")
			return
		}
		h.writeStoreError(w, "api.conversations.create_direct.lookup.fail", err)
		return
	}
	if recipient.ID == creatorID {
		writeError(w, http.StatusBadRequest, "self_conversation", "cannot start a conversation with yourself")
		return
	}
	if _, err := h.store.GetUser(ctx, creatorID); err != nil {
		h.writeStoreError(w, "api.conversations.create_direct.creator.fail", err)
		return
	}

	conv, created, err := h.store.CreateDirect(ctx, store.CreateDirectInput{
		CreatorID:   creatorID,
		RecipientID: recipient.ID,
		Now:         h.now(),
	})
	if err != nil {
		h.writeStoreError(w, "api.conversations.create_direct.fail", err)
		return
	}

	cr, err := h.newProjector().conversation(ctx, conv)
	if err != nil {
		h.writeStoreError(w, "api.conversations.project.fail", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Info("api.conversations.create_direct", "conversation_id", conv.ID, "creator_id", creatorID)
	}
	writeJSON(w, status, cr)
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !h.bindJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.CreatorID) == "" || len(store.UniqueIDs(req.ParticipantIDs...)) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "name, creator_id and participant_ids are required")
		return
	}

	ctx, cancel := requestCtx(r)
	defer cancel()

	conv, err := h.store.CreateGroup(ctx, store.CreateGroupInput{
		Name:           req.Name,
		CreatorID:      req.CreatorID,
		ParticipantIDs: req.ParticipantIDs,
		Now:            h.now(),
	})
	if err != nil {
		h.writeStoreError(w, "api.conversations.create_group.fail", err)
		return
	}

	cr, err := h.newProjector().conversation(ctx, conv)
	if err != nil {
		h.writeStoreError(w, "api.conversations.project.fail", err)
		return
	}
	h.log.Info("api.conversations.create_group", "conversation_id", conv.ID, "members", len(conv.Participants))
	h.announce(conv, conv.CreatedBy)
	writeJSON(w, http.StatusCreated, cr)
}

func (h *Handler) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(chi.URLParam(r, "id"))

	var req addMembersRequest
	if !h.bindJSON(w, r, &req) {
		return
	}
	members := store.UniqueIDs(req.MemberIDs...)
	if len(members) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "member_ids is required")
		return
	}

	ctx, cancel := requestCtx(r)
	defer cancel()

	conv, err := h.store.AddParticipants(ctx, groupID, members, MembersAddedNote, h.now())
	if err != nil {
		h.writeStoreError(w, "api.conversations.add_members.fail", err)
		return
	}

	cr, err := h.newProjector().conversation(ctx, conv)
	if err != nil {
		h.writeStoreError(w, "api.conversations.project.fail", err)
		return
	}
	h.log.Info("api.conversations.add_members", "conversation_id", conv.ID, "added", len(members))
	h.announce(conv, strings.TrimSpace(req.UpdatedBy))
	writeJSON(w, http.StatusOK, cr)
}

// handleDeleteConversation leaves a group (deleting it once empty) or hides a direct
// conversation for the caller only. A hidden direct chat reappears on the next message.
func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	convID := strings.TrimSpace(chi.URLParam(r, "id"))
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	ctx, cancel := requestCtx(r)
	defer cancel()

	conv, err := h.store.GetConversation(ctx, convID)
	if err != nil {
		h.writeStoreError(w, "api.conversations.delete.fail", err)
		return
	}
	if !conv.HasParticipant(userID) {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}

	if !conv.IsGroup {
		if err := h.store.SetHidden(ctx, conv.ID, userID, true); err != nil {
			h.writeStoreError(w, "api.conversations.hide.fail", err)
			return
		}
		h.log.Info("api.conversations.hide", "conversation_id", conv.ID, "user_id", userID)
		writeJSON(w, http.StatusOK, deleteConversationResponse{ConversationID: conv.ID, Result: "hidden"})
		return
	}

	updated, deleted, err := h.store.RemoveParticipant(ctx, conv.ID, userID, MemberLeftNote, h.now())
	if err != nil {
		h.writeStoreError(w, "api.conversations.leave.fail", err)
		return
	}
	if deleted {
		h.log.Info("api.conversations.delete", "conversation_id", conv.ID)
		writeJSON(w, http.StatusOK, deleteConversationResponse{ConversationID: conv.ID, Result: "deleted"})
		return
	}
	h.log.Info("api.conversations.leave", "conversation_id", conv.ID, "user_id", userID)
	h.announce(updated, userID, userID)
	writeJSON(w, http.StatusOK, deleteConversationResponse{ConversationID: conv.ID, Result: "left"})
}
