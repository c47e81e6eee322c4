package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/presence"
	"github.com/Tyrowin/gochat-live/internal/realtime"
	"github.com/Tyrowin/gochat-live/internal/server"
	"github.com/Tyrowin/gochat-live/internal/store"
)

// Exit codes reported to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "GoChat server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires every component and blocks until the process is signalled.
func run() (int, error) {
	cfg, err := server.LoadConfig()
	if err != nil {
		return exitConfig, err
	}

	logger := newLogger(cfg)

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.StoreBackend, cfg.BadgerPath, cfg.RedisURL, logger)
	if err != nil {
		return exitRuntime, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}()
	logger.Info().Str("backend", cfg.StoreBackend).Msg("store ready")

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, st)
	hub := realtime.NewHub(presence.New[realtime.Conn](), verifier, st, st, logger, cfg.HubOptions())

	srv := server.New(cfg, hub, st, verifier, logger)
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("env", cfg.Env).
			Str("presence_broadcast", cfg.PresenceBroadcast).
			Bool("trust_client_members", cfg.TrustClientMembers).
			Msg("starting GoChat server")
		serveErr <- server.StartServer(httpServer, logger)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
			code = exitRuntime
		}
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		code = exitRuntime
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn().Err(err).Msg("hub did not drain before timeout")
		code = exitRuntime
	}

	logger.Info().Msg("server stopped")
	return code, nil
}

func newLogger(cfg server.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
