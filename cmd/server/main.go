package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/relay"
	"github.com/duochat/duochat/internal/server"
	"github.com/duochat/duochat/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := server.NewConfigFromEnv().Sanitize()
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		logger.Error("failed to open store", "dsn", cfg.DatabaseDSN, "error", err)
		os.Exit(1)
	}

	hub := relay.NewHub(logger)
	go hub.Run()

	verifier := auth.NewVerifier(auth.VerifierConfig{
		SecretKey: cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
	})
	authn := auth.NewAuthenticator(verifier, st, logger)

	handler := server.NewHandler(cfg, hub, st, authn, logger)
	mux := server.SetupRoutes(handler)
	httpServer := server.CreateServer(cfg.Port, mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		logger.Error("HTTP shutdown incomplete", "error", err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Error("hub shutdown incomplete", "error", err)
	}
}
