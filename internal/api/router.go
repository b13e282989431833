// Package api exposes the booking intake over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/intake/internal/booking"
	"github.com/vietddude/intake/internal/conversation"
	"github.com/vietddude/intake/internal/health"
	"github.com/vietddude/intake/internal/infra/dependency"
)

// Handlers holds the services behind the routes.
type Handlers struct {
	Engine   *conversation.Engine
	Bookings *booking.Service
	Deps     *dependency.Orchestrator
	Health   *health.Monitor
	Log      *slog.Logger

	validate *validator.Validate
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(h *Handlers, corsOrigins []string) http.Handler {
	if h.Log == nil {
		h.Log = slog.Default()
	}
	h.validate = newValidator()
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/turn", h.processTurn)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.getConversation)
			r.Delete("/", h.cancelConversation)
			r.Post("/confirm", h.confirmBooking)
		})
	})

	r.Route("/bookings", func(r chi.Router) {
		r.Get("/", h.listBookings)
		r.Post("/", h.createBooking)
		r.Route("/{bookingID}", func(r chi.Router) {
			r.Get("/", h.getBooking)
			r.Patch("/status", h.setBookingStatus)
		})
	})

	r.Get("/availability", h.availability)

	r.Route("/dependencies", func(r chi.Router) {
		r.Get("/health", h.dependencyHealth)
		r.Post("/{name}/reset", h.resetCircuit)
	})

	return r
}

// Server runs the router on a port.
type Server struct {
	server *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(handler http.Handler, port int) *Server {
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}
