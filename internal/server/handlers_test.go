package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/relay"
	"github.com/duochat/duochat/internal/store"
)

type testEnv struct {
	server   *httptest.Server
	store    *store.Store
	verifier *auth.Verifier
	ada      *store.User
	ben      *store.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}

	ctx := context.Background()
	ada := &store.User{Subject: "sub-ada", Name: "Ada", Email: "ada@example.com"}
	ben := &store.User{Subject: "sub-ben", Name: "Ben", Email: "ben@example.com"}
	for _, user := range []*store.User{ada, ben} {
		if err := st.CreateUser(ctx, user); err != nil {
			t.Fatalf("CreateUser() error = %v", err)
		}
	}

	hub := relay.NewHub(logger)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	verifier := auth.NewVerifier(auth.VerifierConfig{SecretKey: "test-secret", Issuer: "test"})
	authn := auth.NewAuthenticator(verifier, st, logger)

	cfg := Config{AllowedOrigins: []string{"*"}, JWTSecret: "test-secret", JWTIssuer: "test"}.Sanitize()
	handler := NewHandler(cfg, hub, st, authn, logger)
	srv := httptest.NewServer(SetupRoutes(handler))
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, store: st, verifier: verifier, ada: ada, ben: ben}
}

func (e *testEnv) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := e.verifier.Issue(subject, time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

func (e *testEnv) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, http.NoBody)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeResponse(t, resp)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestAPIRejectsMissingAndInvalidTokens(t *testing.T) {
	env := newTestEnv(t)

	for _, token := range []string{"", "garbage"} {
		resp := env.get(t, "/api/chats", token)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token=%q: status = %d, want 401", token, resp.StatusCode)
		}
		_ = resp.Body.Close()
	}
}

func TestListChats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chat, err := env.store.CreateChat(ctx, env.ada.ID, env.ben.ID)
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	message, err := env.store.CreateMessage(ctx, chat.ID, env.ben.ID, "hello ada")
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if err := env.store.UpdateChatLastMessage(ctx, chat.ID, message.ID, message.CreatedAt); err != nil {
		t.Fatalf("UpdateChatLastMessage() error = %v", err)
	}

	resp := env.get(t, "/api/chats", env.token(t, "sub-ada"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeResponse(t, resp)

	data, ok := body["data"].([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("data = %v, want one chat", body["data"])
	}
	summary := data[0].(map[string]any)
	if summary["name"] != "Ben" {
		t.Errorf("chat name = %v, want the other participant's name Ben", summary["name"])
	}
	if summary["lastMessage"] == nil {
		t.Error("lastMessage missing from chat summary")
	}
}

func TestListMessagesScopedToParticipants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chat, err := env.store.CreateChat(ctx, env.ada.ID, env.ben.ID)
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if _, err := env.store.CreateMessage(ctx, chat.ID, env.ada.ID, "hi"); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	outsider := &store.User{Subject: "sub-cid", Name: "Cid", Email: "cid@example.com"}
	if err := env.store.CreateUser(ctx, outsider); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	path := "/api/chats/" + chat.ID + "/messages"

	resp := env.get(t, path, env.token(t, "sub-ada"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("participant status = %d, want 200", resp.StatusCode)
	}
	body := decodeResponse(t, resp)
	if data, ok := body["data"].([]any); !ok || len(data) != 1 {
		t.Errorf("data = %v, want one message", body["data"])
	}

	resp = env.get(t, path, env.token(t, "sub-cid"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("outsider status = %d, want 404", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestMeReturnsCallerProfile(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/me", env.token(t, "sub-ada"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeResponse(t, resp)
	data, ok := body["data"].(map[string]any)
	if !ok || data["name"] != "Ada" {
		t.Errorf("data = %v, want Ada's profile", body["data"])
	}
}

func TestListUsersExcludesCaller(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/users", env.token(t, "sub-ada"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeResponse(t, resp)
	data, ok := body["data"].([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("data = %v, want just Ben", body["data"])
	}
	if user := data[0].(map[string]any); user["name"] != "Ben" {
		t.Errorf("user = %v, want Ben", user)
	}
}

func TestWebSocketHandshakeRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/ws", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.server.Client().Post(env.server.URL+"/ws", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
	_ = resp.Body.Close()
}
