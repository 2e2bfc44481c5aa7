package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
)

// handleListMessages returns an ascending history page. When user_id is given the
// caller must be a participant.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := strings.TrimSpace(chi.URLParam(r, "id"))
	q := r.URL.Query()

	in := store.ListMessagesInput{ConversationID: convID}
	if raw := strings.TrimSpace(q.Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "after_seq must be a non-negative integer")
			return
		}
		in.AfterSeq = &n
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		in.Limit = n
	}
	in.Limit = store.ClampLimit(in.Limit)

	ctx, cancel := requestCtx(r)
	defer cancel()

	if userID := strings.TrimSpace(q.Get("user_id")); userID != "" {
		conv, err := h.store.GetConversation(ctx, convID)
		if err != nil {
			h.writeStoreError(w, "api.messages.list.fail", err)
			return
		}
		if !conv.HasParticipant(userID) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
	}

	res, err := h.store.ListMessages(ctx, in)
	if err != nil {
		h.writeStoreError(w, "api.messages.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, messagesPageResponse{
		ConversationID: convID,
		Messages:       toMessageResponses(res.Messages),
		HasMore:        res.HasMore,
	})
}

func (h *Handler) handleSeen(w http.ResponseWriter, r *http.Request) {
	convID := strings.TrimSpace(chi.URLParam(r, "id"))

	var req seenRequest
	if !h.bindJSON(w, r, &req) {
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" || req.UptoSeq <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and a positive upto_seq are required")
		return
	}

	ctx, cancel := requestCtx(r)
	defer cancel()

	conv, err := h.store.GetConversation(ctx, convID)
	if err != nil {
		h.writeStoreError(w, "api.messages.seen.fail", err)
		return
	}
	if !conv.HasParticipant(userID) {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}

	n, err := h.store.MarkSeen(ctx, conv.ID, userID, req.UptoSeq)
	if err != nil {
		h.writeStoreError(w, "api.messages.seen.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, seenResponse{Updated: n})
}

func (h *Handler) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convID := strings.TrimSpace(q.Get("conversation_id"))
	term := strings.TrimSpace(q.Get("q"))
	if term == "" {
		term = strings.TrimSpace(q.Get("query"))
	}
	if convID == "" || term == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversation_id and q are required")
		return
	}

	ctx, cancel := requestCtx(r)
	defer cancel()

	msgs, err := h.store.SearchMessages(ctx, convID, term)
	if err != nil {
		h.writeStoreError(w, "api.messages.search.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponses(msgs))
}
