// Package testhelpers provides common utilities for integration tests:
// assembling a full in-process service and speaking the websocket event
// protocol against it.
package testhelpers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/relay"
	"github.com/duochat/duochat/internal/server"
	"github.com/duochat/duochat/internal/store"
)

// App is a fully wired service instance listening on an ephemeral port.
type App struct {
	Server   *httptest.Server
	Store    *store.Store
	Hub      *relay.Hub
	Verifier *auth.Verifier
}

// StartApp assembles the store, hub, authenticator, and HTTP surface, and
// tears everything down when the test finishes.
func StartApp(t *testing.T) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	hub := relay.NewHub(logger)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	verifier := auth.NewVerifier(auth.VerifierConfig{SecretKey: "integration-secret", Issuer: "integration"})
	authn := auth.NewAuthenticator(verifier, st, logger)

	cfg := server.Config{
		AllowedOrigins: []string{"*"},
		JWTSecret:      "integration-secret",
		JWTIssuer:      "integration",
	}.Sanitize()

	handler := server.NewHandler(cfg, hub, st, authn, logger)
	srv := httptest.NewServer(server.SetupRoutes(handler))
	t.Cleanup(srv.Close)

	return &App{Server: srv, Store: st, Hub: hub, Verifier: verifier}
}

// SeedUser registers a user in the directory and returns it.
func (a *App) SeedUser(t *testing.T, subject, name, avatar string) *store.User {
	t.Helper()
	user := &store.User{
		Subject: subject,
		Name:    name,
		Email:   subject + "@example.com",
		Avatar:  avatar,
	}
	if err := a.Store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("Failed to seed user %s: %v", name, err)
	}
	return user
}

// Token issues a short-lived bearer token for the subject.
func (a *App) Token(t *testing.T, subject string) string {
	t.Helper()
	token, err := a.Verifier.Issue(subject, time.Minute)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

// wsEvent is one decoded frame from the background reader, or the error
// that ended the read loop.
type wsEvent struct {
	name string
	data json.RawMessage
	err  error
}

// Conn wraps a websocket connection with a background reader so tests can
// wait for events, or for their absence, without read deadlines. An
// expired deadline poisons a gorilla connection for every later read, so
// the reader pulls frames into a channel and assertions select on that.
type Conn struct {
	ws     *websocket.Conn
	events chan wsEvent
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, events: make(chan wsEvent, 64)}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		var evt struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := c.ws.ReadJSON(&evt); err != nil {
			c.events <- wsEvent{err: err}
			return
		}
		c.events <- wsEvent{name: evt.Event, data: evt.Data}
	}
}

// Close closes the underlying connection; the background reader exits on
// the resulting read error.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// ExpectClosed asserts that the server side tears the connection down
// within timeout, draining any events still in flight.
func (c *Conn) ExpectClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-c.events:
			if !ok || evt.err != nil {
				return
			}
		case <-deadline:
			t.Fatal("Connection still open after expected teardown")
		}
	}
}

// Dial opens an authenticated websocket connection to the app.
func (a *App) Dial(t *testing.T, token string) *Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(a.Server.URL, "http") + "/ws?token=" + token
	headers := http.Header{}
	headers.Set("Origin", a.Server.URL)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	conn := newConn(ws)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// DialExpectingRejection attempts a handshake that should fail and returns
// the HTTP status of the rejection.
func (a *App) DialExpectingRejection(t *testing.T, token string) int {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(a.Server.URL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + token
	}
	headers := http.Header{}
	headers.Set("Origin", a.Server.URL)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, headers)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected handshake rejection, but connection succeeded")
	}
	if resp == nil {
		t.Fatalf("Handshake failed without an HTTP response: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode
}

// SendEvent writes one protocol event to the connection.
func SendEvent(t *testing.T, conn *Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Failed to marshal event data: %v", err)
	}
	if err := conn.ws.WriteJSON(relay.ClientEvent{Event: event, Data: raw}); err != nil {
		t.Fatalf("Failed to send %s event: %v", event, err)
	}
}

// ReadEvent reads the next protocol event from the connection.
func ReadEvent(t *testing.T, conn *Conn, timeout time.Duration) (string, json.RawMessage) {
	t.Helper()
	select {
	case evt, ok := <-conn.events:
		if !ok {
			t.Fatal("Connection closed while waiting for event")
		}
		if evt.err != nil {
			t.Fatalf("Failed to read event: %v", evt.err)
		}
		return evt.name, evt.data
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for event")
	}
	return "", nil
}

// ExpectEvent reads the next event and asserts its name.
func ExpectEvent(t *testing.T, conn *Conn, want string, timeout time.Duration) json.RawMessage {
	t.Helper()
	event, data := ReadEvent(t, conn, timeout)
	if event != want {
		t.Fatalf("Received event %q, want %q (data: %s)", event, want, data)
	}
	return data
}

// ExpectNoEvent asserts that nothing arrives on the connection within the
// wait window. The connection stays usable afterwards.
func ExpectNoEvent(t *testing.T, conn *Conn, wait time.Duration) {
	t.Helper()
	select {
	case evt, ok := <-conn.events:
		if ok && evt.err == nil {
			t.Fatalf("Expected no event, received %q (data: %s)", evt.name, evt.data)
		}
	case <-time.After(wait):
	}
}

// Decode unmarshals raw event data into out.
func Decode(t *testing.T, data json.RawMessage, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("Failed to decode event data %s: %v", data, err)
	}
}
