// Package relay defines the wire protocol shared between clients and the
// server: event envelopes, client payloads, and server payloads.
package relay

import (
	"encoding/json"
	"strings"
	"time"
)

// Client to server event names.
const (
	EventJoinChat    = "join-chat"
	EventLeaveChat   = "leave-chat"
	EventSendMessage = "send-message"
	EventTyping      = "typing"
)

// Server to client event names.
const (
	EventOnlineUsers = "online-users"
	EventUserOnline  = "user-online"
	EventUserOffline = "user-offline"
	EventNewMessage  = "new-message"
	EventSocketError = "socket-error"
)

// ClientEvent is the envelope for every inbound event. Data is decoded per
// event: join-chat and leave-chat carry a bare chat id string, send-message
// and typing carry an object payload.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerEvent is the envelope for every outbound event.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// SendMessagePayload is the data of a send-message event.
type SendMessagePayload struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

// TypingPayload is the data of an inbound typing event.
type TypingPayload struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// TypingEvent is the data of an outbound typing event, stamped with the
// originating user.
type TypingEvent struct {
	UserID   string `json:"userId"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// OnlineUsersPayload seeds a newly connected client with the current set of
// online users.
type OnlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

// PresencePayload is the data of user-online and user-offline events.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// SocketErrorPayload is the data of a socket-error event.
type SocketErrorPayload struct {
	Message string `json:"message"`
}

// SenderProfile is the public projection of a message sender.
type SenderProfile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// NewMessagePayload is the enriched message delivered to chat rooms and
// participant personal rooms.
type NewMessagePayload struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	Sender    SenderProfile `json:"sender"`
	Text      string        `json:"text"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ChatRoom returns the room key for a chat's subscription group.
func ChatRoom(chatID string) string {
	return "chat:" + chatID
}

// UserRoom returns the room key for a user's personal room.
func UserRoom(userID string) string {
	return "user:" + userID
}

// isExpectedCloseError checks if an error is expected during connection
// closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
