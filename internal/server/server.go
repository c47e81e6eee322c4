package server

import (
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/realtime"
	"github.com/Tyrowin/gochat-live/internal/store"
)

// Server holds the dependencies shared by the HTTP and WebSocket handlers.
type Server struct {
	cfg      Config
	hub      *realtime.Hub
	store    store.Store
	verifier auth.Verifier
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	validate *validator.Validate
	log      zerolog.Logger
}

// New creates a Server. cfg is expected to be sanitized (see LoadConfig).
func New(cfg Config, hub *realtime.Hub, st store.Store, verifier auth.Verifier, log zerolog.Logger) *Server {
	log = log.With().Str("component", "server").Logger()
	origins := NewOriginPolicy(cfg.AllowedOrigins, log)

	return &Server{
		cfg:      cfg,
		hub:      hub,
		store:    st,
		verifier: verifier,
		origins:  origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		validate: validator.New(),
		log:      log,
	}
}
