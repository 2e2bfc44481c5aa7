package api

import (
	"net/http"
	"strings"
)

// handleLogin resolves a user by id. It does not touch presence: a user is online
// only while holding a relay connection.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.bindJSON(w, r, &req) {
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	ctx, cancel := requestCtx(r)
	defer cancel()

	u, err := h.store.GetUser(ctx, userID)
	if err != nil {
		h.writeStoreError(w, "api.login.fail", err)
		return
	}
	u.Presence = h.livePresence(u)

	h.log.Info("api.login", "user_id", u.ID)
	writeJSON(w, http.StatusOK, loginResponse{User: toUserResponse(u)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.bindJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	h.log.Info("api.logout", "user_id", strings.TrimSpace(req.UserID))
	w.WriteHeader(http.StatusNoContent)
}
