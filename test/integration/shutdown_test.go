package integration

import (
	"testing"
	"time"

	"github.com/duochat/duochat/internal/relay"
	"github.com/duochat/duochat/test/testhelpers"
)

// TestGracefulShutdownClosesClients verifies that shutting down the hub
// tears down every live connection and that the pump goroutines exit
// within the timeout.
func TestGracefulShutdownClosesClients(t *testing.T) {
	app := testhelpers.StartApp(t)
	app.SeedUser(t, "sub-alice", "Alice", "")
	app.SeedUser(t, "sub-bob", "Bob", "")

	connA := app.Dial(t, app.Token(t, "sub-alice"))
	testhelpers.ExpectEvent(t, connA, relay.EventOnlineUsers, eventTimeout)
	connB := app.Dial(t, app.Token(t, "sub-bob"))
	testhelpers.ExpectEvent(t, connB, relay.EventOnlineUsers, eventTimeout)
	testhelpers.ExpectEvent(t, connA, relay.EventUserOnline, eventTimeout)

	if err := app.Hub.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Hub shutdown failed: %v", err)
	}

	// The server side closed the transports; both connections observe the
	// teardown.
	connA.ExpectClosed(t, 2*time.Second)
	connB.ExpectClosed(t, 2*time.Second)
}

// TestShutdownIsIdempotentWithoutClients mirrors starting and stopping the
// service with no traffic.
func TestShutdownIsIdempotentWithoutClients(t *testing.T) {
	app := testhelpers.StartApp(t)

	if err := app.Hub.Shutdown(time.Second); err != nil {
		t.Errorf("Hub shutdown without clients failed: %v", err)
	}
}
