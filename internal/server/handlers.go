// Package server exposes HTTP handlers: the WebSocket upgrade endpoint,
// health check, and the REST surface for chats, messages, and users.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/relay"
	"github.com/duochat/duochat/internal/store"
)

// Handler bundles the HTTP surface of the service: the websocket handshake
// plus the REST wrappers around the store.
type Handler struct {
	cfg      Config
	hub      *relay.Hub
	store    *store.Store
	auth     *auth.Authenticator
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler wires the handler set from its collaborators.
func NewHandler(cfg Config, hub *relay.Hub, st *store.Store, authn *auth.Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	policy := newOriginPolicy(cfg.AllowedOrigins, logger)

	return &Handler{
		cfg:   cfg,
		hub:   hub,
		store: st,
		auth:  authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		logger: logger,
	}
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Status: "error", Message: message})
}

// bearerToken extracts the handshake token from the Authorization header,
// falling back to the token query parameter for browser websocket clients
// that cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authenticate resolves the request's bearer token to a registered user,
// answering 401 itself on failure.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	user, err := h.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		if errors.Is(err, auth.ErrAuthentication) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
		} else {
			h.logger.Error("authentication lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return nil, false
	}
	return user, true
}

// WebSocket authenticates the handshake and upgrades the connection. A
// failed handshake terminates the attempt before the upgrade; nothing is
// registered with the hub.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	user, err := h.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		h.logger.Warn("websocket handshake rejected", "addr", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "Authentication error")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := relay.NewClient(conn, h.hub, h.store, user.ID, r.RemoteAddr, relay.ClientOptions{
		MaxMessageSize:          h.cfg.MaxMessageSize,
		RateLimitBurst:          h.cfg.RateLimit.Burst,
		RateLimitRefillInterval: h.cfg.RateLimit.RefillInterval,
	}, h.logger)

	// The hub registers presence, joins the personal room, and launches
	// the pump goroutines.
	h.hub.Register(client)
}

// Health provides a simple liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, apiResponse{
		Status:  "ok",
		Message: "server is running!",
		Data:    map[string]string{"time": time.Now().UTC().Format(time.RFC3339)},
	})
}

// chatSummary is the inbox projection of a chat: the other participant's
// public profile plus last-activity metadata.
type chatSummary struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Avatar        string         `json:"avatar"`
	LastMessage   *store.Message `json:"lastMessage"`
	LastMessageAt time.Time      `json:"lastMessageAt"`
}

// ListChats returns the caller's chats, most recently active first.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	chats, err := h.store.ListChatsForUser(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("list chats failed", "userId", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	summaries := make([]chatSummary, 0, len(chats))
	for i := range chats {
		summary := chatSummary{
			ID:            chats[i].ID,
			LastMessage:   chats[i].LastMessage,
			LastMessageAt: chats[i].LastMessageAt,
		}
		if other, found := chats[i].OtherParticipant(user.ID); found {
			summary.Name = other.Name
			summary.Avatar = other.Avatar
		}
		summaries = append(summaries, summary)
	}

	writeJSON(w, http.StatusOK, apiResponse{Status: "success", Data: summaries})
}

// ListMessages returns a chat's messages in chronological order. The chat
// is looked up scoped to the caller, so outsiders get a 404.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	chatID := r.PathValue("chatId")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "Chat ID is required")
		return
	}

	if _, err := h.store.FindChatForParticipant(r.Context(), chatID, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Chat not found")
			return
		}
		h.logger.Error("chat lookup failed", "chatId", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	messages, err := h.store.ListMessages(r.Context(), chatID)
	if err != nil {
		h.logger.Error("list messages failed", "chatId", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Status: "success", Data: messages})
}

// ListUsers returns every registered user except the caller.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	users, err := h.store.ListUsersExcept(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("list users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Status: "success", Data: users})
}

// Me returns the caller's own profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "success", Data: user})
}
