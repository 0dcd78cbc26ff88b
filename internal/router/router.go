package router

import (
	"log/slog"
	"net/http"

	"github.com/campusbite/ordersync/internal/config"
	"github.com/campusbite/ordersync/internal/enum"
	"github.com/campusbite/ordersync/internal/handler"
	mw "github.com/campusbite/ordersync/internal/middleware"
	"github.com/campusbite/ordersync/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// New creates a Chi router with all gateway routes wired up.
// Applies authentication and role-based middleware as needed.
func New(cfg *config.Config, orders handler.OrderServicer, hub *ws.Hub, log *slog.Logger) chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	}))

	// Public routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// WebSocket route (handles auth internally via query param)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, cfg.JWTSecret, w, r)
	})

	orderHandler := handler.NewOrderHandler(orders, log)

	// Protected routes (require authentication)
	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(cfg.JWTSecret))

		r.Route("/orders", orderHandler.RegisterRoutes)

		// Staff-only delivery updates
		r.Route("/staff/deliveries", func(r chi.Router) {
			r.Use(mw.RequireRole(enum.RoleStaff))
			orderHandler.RegisterStaffRoutes(r)
		})
	})

	return r
}
