// Package api is the HTTP query surface of SDH-Chat: login, user and conversation
// listings, conversation management and message history/search.
//
// Message submission and presence are owned by the realtime relay; this package only
// reads presence and never writes it.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/presence"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/realtime"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
)

// Membership change previews.
const (
	MembersAddedNote = "New members were added to the group."
	MemberLeftNote   = "A user left the group."
)

// PresenceView is the live presence source (the relay's registry).
type PresenceView interface {
	IsPresent(userID string) bool
	PresentUsers() []string
}

// GroupNotifier announces membership changes to connected members.
type GroupNotifier interface {
	AnnounceGroupChanged(groupID, updatedBy string, userIDs []string) realtime.DeliveryReport
}

// Handler wires HTTP endpoints to the persistence gateway.
type Handler struct {
	log   *slog.Logger
	cfg   Config
	store store.Gateway

	presence PresenceView
	mirror   presence.Mirror
	notifier GroupNotifier

	limiters *limiterPool
	now      func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithPresenceView sets the live presence source used for projections and /users/online.
func WithPresenceView(v PresenceView) HandlerOption {
	return func(h *Handler) {
		if h == nil || v == nil {
			return
		}
		h.presence = v
	}
}

// WithPresenceMirror sets the fallback online-set source when no PresenceView is set.
func WithPresenceMirror(m presence.Mirror) HandlerOption {
	return func(h *Handler) {
		if h == nil || m == nil {
			return
		}
		h.mirror = m
	}
}

// WithGroupNotifier enables group_changed announcements for HTTP membership edits.
func WithGroupNotifier(n GroupNotifier) HandlerOption {
	return func(h *Handler) {
		if h == nil || n == nil {
			return
		}
		h.notifier = n
	}
}

// WithRelay is shorthand for a relay-backed presence view and group notifier.
func WithRelay(r *realtime.Relay) HandlerOption {
	return func(h *Handler) {
		if h == nil || r == nil {
			return
		}
		h.presence = r.Registry()
		h.notifier = r
	}
}

// NewHandler constructs a Handler over gw.
func NewHandler(log *slog.Logger, gw store.Gateway, cfg Config, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	h := &Handler{
		log:      log,
		cfg:      cfg,
		store:    gw,
		mirror:   presence.NopMirror{},
		limiters: newLimiterPool(cfg.RateRPS, cfg.RateBurst, cfg.RateTTL),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h
}

// Routes returns the router serving every /api route.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(h.rateLimit)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", h.handleLogin)
		r.Post("/auth/logout", h.handleLogout)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.handleListConversations)
			r.Post("/", h.handleCreateDirect)
			r.Post("/group", h.handleCreateGroup)
			r.Post("/group/{id}/members", h.handleAddMembers)
			r.Delete("/{id}", h.handleDeleteConversation)
			r.Get("/{id}/messages", h.handleListMessages)
			r.Post("/{id}/seen", h.handleSeen)
		})

		r.Get("/messages/search", h.handleSearchMessages)

		r.Get("/users", h.handleListUsers)
		r.Get("/users/search", h.handleSearchUsers)
		r.Get("/users/online", h.handleOnlineUsers)
	})

	return r
}

func (h *Handler) announce(conv store.Conversation, updatedBy string, extra ...string) {
	if h.notifier == nil {
		return
	}
	targets := append(append([]string(nil), conv.Participants...), extra...)
	rep := h.notifier.AnnounceGroupChanged(conv.ID, updatedBy, targets)
	if rep.Partial() {
		h.log.Warn("api.group_changed.partial", "group_id", conv.ID, "dropped", rep.Dropped)
	}
}

// requestCtx bounds store calls made on behalf of a request.
func requestCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 10*time.Second)
}
