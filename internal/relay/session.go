// Package relay dispatches inbound protocol events for one connection,
// bridging the hub's rooms and presence to persisted chat state.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/duochat/duochat/internal/store"
)

// ChatStore is the persistence surface the dispatcher depends on.
type ChatStore interface {
	FindChatForParticipant(ctx context.Context, chatID, userID string) (*store.Chat, error)
	FindChatByID(ctx context.Context, chatID string) (*store.Chat, error)
	CreateMessage(ctx context.Context, chatID, senderID, text string) (*store.Message, error)
	UpdateChatLastMessage(ctx context.Context, chatID, messageID string, at time.Time) error
	FindUserByID(ctx context.Context, userID string) (*store.User, error)
}

// Session handles the inbound events of a single authenticated connection.
// A failure in one session never touches another connection's rooms or
// presence entry; every error is answered on this connection only.
type Session struct {
	client *Client
	hub    *Hub
	chats  ChatStore
	logger *slog.Logger
}

// NewSession creates the dispatcher for a client connection.
func NewSession(client *Client, hub *Hub, chats ChatStore, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{client: client, hub: hub, chats: chats, logger: logger}
}

// Handle decodes and dispatches one inbound event. Malformed payloads are
// answered with socket-error and never propagate.
func (s *Session) Handle(rawEvent []byte) {
	// In-flight persistence outlives the connection; disconnect mid-send
	// must not abort the store writes.
	ctx := context.Background()

	var evt ClientEvent
	if err := json.Unmarshal(rawEvent, &evt); err != nil {
		s.logger.Warn("invalid event envelope", "userId", s.client.userID, "error", err)
		s.sendError("Invalid event payload")
		return
	}

	switch evt.Event {
	case EventJoinChat:
		s.handleJoinChat(evt.Data)
	case EventLeaveChat:
		s.handleLeaveChat(evt.Data)
	case EventSendMessage:
		s.handleSendMessage(ctx, evt.Data)
	case EventTyping:
		s.handleTyping(ctx, evt.Data)
	default:
		s.logger.Debug("ignoring unknown event", "event", evt.Event, "userId", s.client.userID)
	}
}

func (s *Session) decodeChatID(data json.RawMessage) (string, bool) {
	var chatID string
	if err := json.Unmarshal(data, &chatID); err != nil || chatID == "" {
		s.sendError("Invalid event payload")
		return "", false
	}
	return chatID, true
}

// handleJoinChat subscribes the connection to a chat room. Joining performs
// no participant check; send-message is where membership is enforced.
func (s *Session) handleJoinChat(data json.RawMessage) {
	chatID, ok := s.decodeChatID(data)
	if !ok {
		return
	}
	s.logger.Info("join chat", "userId", s.client.userID, "chatId", chatID)
	s.hub.Join(s.client.id, ChatRoom(chatID))
}

func (s *Session) handleLeaveChat(data json.RawMessage) {
	chatID, ok := s.decodeChatID(data)
	if !ok {
		return
	}
	s.logger.Info("leave chat", "userId", s.client.userID, "chatId", chatID)
	s.hub.Leave(s.client.id, ChatRoom(chatID))
}

// handleSendMessage authorizes, persists, enriches, and fans out a message.
// The message create and the chat metadata update are two independent
// writes; a failure between them leaves the chat pointer stale but the
// message remains queryable by chat id.
func (s *Session) handleSendMessage(ctx context.Context, data json.RawMessage) {
	var payload SendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ChatID == "" {
		s.sendError("Invalid event payload")
		return
	}

	userID := s.client.userID
	s.logger.Info("send message request", "userId", userID, "chatId", payload.ChatID)

	chat, err := s.chats.FindChatForParticipant(ctx, payload.ChatID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("unauthorized message attempt", "userId", userID, "chatId", payload.ChatID)
			s.sendError("Chat not found")
			return
		}
		s.logger.Error("chat lookup failed", "chatId", payload.ChatID, "error", err)
		s.sendError("Failed to send message")
		return
	}

	message, err := s.chats.CreateMessage(ctx, chat.ID, userID, payload.Text)
	if err != nil {
		s.logger.Error("message persist failed", "chatId", chat.ID, "error", err)
		s.sendError("Failed to send message")
		return
	}

	if err := s.chats.UpdateChatLastMessage(ctx, chat.ID, message.ID, message.CreatedAt); err != nil {
		s.logger.Error("chat metadata update failed", "chatId", chat.ID, "error", err)
		s.sendError("Failed to send message")
		return
	}

	sender, err := s.chats.FindUserByID(ctx, userID)
	if err != nil {
		s.logger.Error("sender lookup failed", "userId", userID, "error", err)
		s.sendError("Failed to send message")
		return
	}

	s.logger.Info("message saved", "messageId", message.ID, "chatId", chat.ID)

	event := ServerEvent{
		Event: EventNewMessage,
		Data: NewMessagePayload{
			ID:     message.ID,
			ChatID: chat.ID,
			Sender: SenderProfile{
				ID:     sender.ID,
				Name:   sender.Name,
				Avatar: sender.Avatar,
			},
			Text:      message.Text,
			CreatedAt: message.CreatedAt,
		},
	}

	// Connections viewing the chat, plus each participant's personal room
	// for background updates. A connection in both receives the event
	// twice; clients dedupe by message id.
	s.hub.SendToRoom(ChatRoom(chat.ID), event, "")
	for _, participant := range chat.Participants {
		s.hub.SendToRoom(UserRoom(participant.ID), event, "")
	}
}

// handleTyping relays an ephemeral typing indicator; nothing is persisted
// and lookup failures are swallowed.
func (s *Session) handleTyping(ctx context.Context, data json.RawMessage) {
	var payload TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ChatID == "" {
		s.sendError("Invalid event payload")
		return
	}

	event := ServerEvent{
		Event: EventTyping,
		Data: TypingEvent{
			UserID:   s.client.userID,
			ChatID:   payload.ChatID,
			IsTyping: payload.IsTyping,
		},
	}

	s.hub.SendToRoom(ChatRoom(payload.ChatID), event, s.client.id)

	chat, err := s.chats.FindChatByID(ctx, payload.ChatID)
	if err != nil {
		s.logger.Warn("typing lookup failed", "chatId", payload.ChatID, "error", err)
		return
	}

	if other, ok := chat.OtherParticipant(s.client.userID); ok {
		s.hub.SendToRoom(UserRoom(other.ID), event, s.client.id)
	}
}

func (s *Session) sendError(message string) {
	s.hub.SendToConn(s.client.id, ServerEvent{
		Event: EventSocketError,
		Data:  SocketErrorPayload{Message: message},
	})
}
