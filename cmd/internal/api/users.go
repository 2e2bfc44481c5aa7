package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
)

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()

	users, err := h.store.ListUsers(ctx, strings.TrimSpace(r.URL.Query().Get("exclude_id")))
	if err != nil {
		h.writeStoreError(w, "api.users.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, h.withLivePresence(users))
}

// handleSearchUsers matches email, display name and department. An empty query
// returns an empty list.
func (h *Handler) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	term := strings.TrimSpace(q.Get("q"))
	if term == "" {
		writeJSON(w, http.StatusOK, []userResponse{})
		return
	}

	ctx, cancel := requestCtx(r)
	defer cancel()

	users, err := h.store.SearchUsers(ctx, term, strings.TrimSpace(q.Get("current_user_id")))
	if err != nil {
		h.writeStoreError(w, "api.users.search.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, h.withLivePresence(users))
}

func (h *Handler) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if h.presence != nil {
		writeJSON(w, http.StatusOK, onlineResponse{UserIDs: nonNil(h.presence.PresentUsers())})
		return
	}

	ctx, cancel := requestCtx(r)
	defer cancel()

	ids, err := h.mirror.OnlineUsers(ctx)
	if err != nil {
		h.log.Error("api.users.online.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "presence_unavailable", "presence is unavailable")
		return
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, onlineResponse{UserIDs: nonNil(ids)})
}

func (h *Handler) withLivePresence(users []store.User) []userResponse {
	for i := range users {
		users[i].Presence = h.livePresence(users[i])
	}
	return toUserResponses(users)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
