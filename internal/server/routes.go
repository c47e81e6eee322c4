package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes configures the router with every application route.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/", HealthHandler)
	r.Get("/healthz", s.HealthzHandler)
	r.HandleFunc("/ws", s.WebSocketHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.origins.CORSOrigins(),
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", AdminKeyHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Get("/presence/online", s.OnlineHandler)
			r.Get("/chat/{id}/messages", s.HistoryHandler)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/notify", s.NotifyHandler)
			r.Put("/users/{id}", s.PutUserHandler)
			r.Put("/chats/{id}", s.PutChatHandler)
		})
	})

	return r
}
