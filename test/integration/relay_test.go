// Package integration verifies the assembled service end to end: real HTTP
// server, real websocket connections, real SQLite-backed store.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/duochat/duochat/internal/relay"
	"github.com/duochat/duochat/test/testhelpers"
)

const eventTimeout = 2 * time.Second

// TestTwoUserConversation walks the full protocol: connect, presence
// snapshot, presence broadcasts, room subscription, message exchange,
// typing, and disconnect.
func TestTwoUserConversation(t *testing.T) {
	app := testhelpers.StartApp(t)
	alice := app.SeedUser(t, "sub-alice", "Alice", "https://example.com/alice.png")
	bob := app.SeedUser(t, "sub-bob", "Bob", "")

	chat, err := app.Store.CreateChat(context.Background(), alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("Failed to create chat: %v", err)
	}

	connA := app.Dial(t, app.Token(t, "sub-alice"))
	data := testhelpers.ExpectEvent(t, connA, relay.EventOnlineUsers, eventTimeout)
	var snapshot relay.OnlineUsersPayload
	testhelpers.Decode(t, data, &snapshot)
	if len(snapshot.UserIDs) != 0 {
		t.Errorf("First connection saw online users %v, want none", snapshot.UserIDs)
	}

	connB := app.Dial(t, app.Token(t, "sub-bob"))
	data = testhelpers.ExpectEvent(t, connB, relay.EventOnlineUsers, eventTimeout)
	testhelpers.Decode(t, data, &snapshot)
	if len(snapshot.UserIDs) != 1 || snapshot.UserIDs[0] != alice.ID {
		t.Errorf("Second connection saw online users %v, want [%s]", snapshot.UserIDs, alice.ID)
	}

	data = testhelpers.ExpectEvent(t, connA, relay.EventUserOnline, eventTimeout)
	var presence relay.PresencePayload
	testhelpers.Decode(t, data, &presence)
	if presence.UserID != bob.ID {
		t.Errorf("user-online for %q, want %q", presence.UserID, bob.ID)
	}

	testhelpers.SendEvent(t, connA, relay.EventJoinChat, chat.ID)
	testhelpers.SendEvent(t, connB, relay.EventJoinChat, chat.ID)
	// Room subscription is fire-and-forget; give the hub a beat before
	// sending into the room.
	time.Sleep(100 * time.Millisecond)

	testhelpers.SendEvent(t, connA, relay.EventSendMessage, relay.SendMessagePayload{
		ChatID: chat.ID,
		Text:   "hi",
	})

	// Each participant is in the chat room and their own personal room,
	// so the message arrives twice on both connections.
	var msg relay.NewMessagePayload
	conns := []struct {
		c    *testhelpers.Conn
		name string
	}{{connA, "alice"}, {connB, "bob"}}
	for _, conn := range conns {
		for i := 0; i < 2; i++ {
			data = testhelpers.ExpectEvent(t, conn.c, relay.EventNewMessage, eventTimeout)
			testhelpers.Decode(t, data, &msg)
			if msg.ChatID != chat.ID || msg.Text != "hi" {
				t.Errorf("%s received %+v, want chat %s / hi", conn.name, msg, chat.ID)
			}
			if msg.Sender.ID != alice.ID || msg.Sender.Name != "Alice" || msg.Sender.Avatar != "https://example.com/alice.png" {
				t.Errorf("%s received sender %+v, want Alice's profile", conn.name, msg.Sender)
			}
		}
	}

	// The chat's activity metadata follows the persisted message.
	stored, err := app.Store.FindChatByID(context.Background(), chat.ID)
	if err != nil {
		t.Fatalf("Failed to reload chat: %v", err)
	}
	if stored.LastMessageID == nil || *stored.LastMessageID != msg.ID {
		t.Errorf("LastMessageID = %v, want %s", stored.LastMessageID, msg.ID)
	}
	if delta := stored.LastMessageAt.Sub(msg.CreatedAt); delta > time.Second || delta < -time.Second {
		t.Errorf("LastMessageAt = %v, want %v", stored.LastMessageAt, msg.CreatedAt)
	}

	testhelpers.SendEvent(t, connB, relay.EventTyping, relay.TypingPayload{
		ChatID:   chat.ID,
		IsTyping: true,
	})

	// Chat-room copy plus personal-room copy; the sender gets neither.
	for i := 0; i < 2; i++ {
		data = testhelpers.ExpectEvent(t, connA, relay.EventTyping, eventTimeout)
		var typing relay.TypingEvent
		testhelpers.Decode(t, data, &typing)
		if typing.UserID != bob.ID || typing.ChatID != chat.ID || !typing.IsTyping {
			t.Errorf("typing payload = %+v", typing)
		}
	}
	testhelpers.ExpectNoEvent(t, connB, 200*time.Millisecond)

	if err := connB.Close(); err != nil {
		t.Fatalf("Failed to close connection: %v", err)
	}

	data = testhelpers.ExpectEvent(t, connA, relay.EventUserOffline, eventTimeout)
	testhelpers.Decode(t, data, &presence)
	if presence.UserID != bob.ID {
		t.Errorf("user-offline for %q, want %q", presence.UserID, bob.ID)
	}
}

func TestJoinChatWithoutParticipationAllowedButSendRejected(t *testing.T) {
	app := testhelpers.StartApp(t)
	alice := app.SeedUser(t, "sub-alice", "Alice", "")
	bob := app.SeedUser(t, "sub-bob", "Bob", "")
	app.SeedUser(t, "sub-mallory", "Mallory", "")

	chat, err := app.Store.CreateChat(context.Background(), alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("Failed to create chat: %v", err)
	}

	connA := app.Dial(t, app.Token(t, "sub-alice"))
	testhelpers.ExpectEvent(t, connA, relay.EventOnlineUsers, eventTimeout)

	connM := app.Dial(t, app.Token(t, "sub-mallory"))
	testhelpers.ExpectEvent(t, connM, relay.EventOnlineUsers, eventTimeout)
	testhelpers.ExpectEvent(t, connA, relay.EventUserOnline, eventTimeout)

	// Room membership carries no participant check: the outsider can
	// subscribe and observe room traffic. This is the protocol's current
	// behavior, not an oversight to patch silently.
	testhelpers.SendEvent(t, connM, relay.EventJoinChat, chat.ID)
	testhelpers.SendEvent(t, connA, relay.EventJoinChat, chat.ID)
	time.Sleep(100 * time.Millisecond)

	testhelpers.SendEvent(t, connA, relay.EventSendMessage, relay.SendMessagePayload{
		ChatID: chat.ID,
		Text:   "secret",
	})

	data := testhelpers.ExpectEvent(t, connM, relay.EventNewMessage, eventTimeout)
	var msg relay.NewMessagePayload
	testhelpers.Decode(t, data, &msg)
	if msg.Text != "secret" {
		t.Errorf("outsider received %+v", msg)
	}
	// Room copy only; the outsider is not a participant, so no
	// personal-room copy follows.
	testhelpers.ExpectNoEvent(t, connM, 200*time.Millisecond)

	// Sending, by contrast, enforces participation.
	testhelpers.SendEvent(t, connM, relay.EventSendMessage, relay.SendMessagePayload{
		ChatID: chat.ID,
		Text:   "intrusion",
	})
	data = testhelpers.ExpectEvent(t, connM, relay.EventSocketError, eventTimeout)
	var socketErr relay.SocketErrorPayload
	testhelpers.Decode(t, data, &socketErr)
	if socketErr.Message != "Chat not found" {
		t.Errorf("socket-error = %q, want Chat not found", socketErr.Message)
	}

	messages, err := app.Store.ListMessages(context.Background(), chat.ID)
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	if len(messages) != 1 {
		t.Errorf("chat has %d messages, want only the participant's", len(messages))
	}
}

func TestHandshakeRejectsBadTokens(t *testing.T) {
	app := testhelpers.StartApp(t)
	app.SeedUser(t, "sub-alice", "Alice", "")

	if status := app.DialExpectingRejection(t, ""); status != 401 {
		t.Errorf("missing token handshake status = %d, want 401", status)
	}
	if status := app.DialExpectingRejection(t, "garbage"); status != 401 {
		t.Errorf("garbage token handshake status = %d, want 401", status)
	}

	// A valid token for an unregistered identity is also rejected.
	if status := app.DialExpectingRejection(t, app.Token(t, "sub-nobody")); status != 401 {
		t.Errorf("unregistered identity handshake status = %d, want 401", status)
	}
}

func TestReconnectKeepsUserOnline(t *testing.T) {
	app := testhelpers.StartApp(t)
	app.SeedUser(t, "sub-alice", "Alice", "")
	bob := app.SeedUser(t, "sub-bob", "Bob", "")

	observer := app.Dial(t, app.Token(t, "sub-alice"))
	testhelpers.ExpectEvent(t, observer, relay.EventOnlineUsers, eventTimeout)

	first := app.Dial(t, app.Token(t, "sub-bob"))
	testhelpers.ExpectEvent(t, first, relay.EventOnlineUsers, eventTimeout)
	testhelpers.ExpectEvent(t, observer, relay.EventUserOnline, eventTimeout)

	// Reconnect before the old connection goes away; presence now belongs
	// to the new connection.
	second := app.Dial(t, app.Token(t, "sub-bob"))
	testhelpers.ExpectEvent(t, second, relay.EventOnlineUsers, eventTimeout)
	testhelpers.ExpectEvent(t, observer, relay.EventUserOnline, eventTimeout)

	// The stale connection closing must not announce the user offline.
	if err := first.Close(); err != nil {
		t.Fatalf("Failed to close first connection: %v", err)
	}
	testhelpers.ExpectNoEvent(t, observer, 300*time.Millisecond)

	if err := second.Close(); err != nil {
		t.Fatalf("Failed to close second connection: %v", err)
	}
	data := testhelpers.ExpectEvent(t, observer, relay.EventUserOffline, eventTimeout)
	var presence relay.PresencePayload
	testhelpers.Decode(t, data, &presence)
	if presence.UserID != bob.ID {
		t.Errorf("user-offline for %q, want %q", presence.UserID, bob.ID)
	}
}
