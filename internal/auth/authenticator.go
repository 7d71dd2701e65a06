// Package auth composes token verification with the user directory to gate
// connection handshakes and API requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/duochat/duochat/internal/store"
)

// ErrAuthentication is the failure class for every rejected handshake:
// missing, malformed, or expired tokens, and verified subjects with no
// registered user.
var ErrAuthentication = errors.New("authentication error")

// TokenVerifier validates an opaque bearer token and returns the external
// subject identifier it was issued for.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Directory resolves an external subject identifier to a registered user.
type Directory interface {
	FindUserBySubject(ctx context.Context, subject string) (*store.User, error)
}

// Authenticator gates entry: it runs once per incoming connection or
// request and either produces the authenticated user or rejects. There are
// no retries; a failure terminates the attempt.
type Authenticator struct {
	verifier  TokenVerifier
	directory Directory
	logger    *slog.Logger
}

// NewAuthenticator creates an Authenticator from its two collaborators.
func NewAuthenticator(verifier TokenVerifier, directory Directory, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: verifier, directory: directory, logger: logger}
}

// Authenticate validates the bearer token and resolves it to a registered
// user. Every failure is reported as ErrAuthentication so callers cannot
// probe which stage rejected.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*store.User, error) {
	if token == "" {
		a.logger.Warn("authentication rejected: no token")
		return nil, fmt.Errorf("%w: missing token", ErrAuthentication)
	}

	subject, err := a.verifier.Verify(token)
	if err != nil {
		a.logger.Warn("authentication rejected: token verification failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	user, err := a.directory.FindUserBySubject(ctx, subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("authentication rejected: unregistered identity", "subject", subject)
			return nil, fmt.Errorf("%w: unregistered identity", ErrAuthentication)
		}
		return nil, fmt.Errorf("directory lookup: %w", err)
	}

	a.logger.Info("authenticated", "userId", user.ID)
	return user, nil
}
