package ipc

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/repairtrack/engine/internal/telemetry"
)

// Server wraps an HTTP server with repair-tracker routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           corsMiddleware(Routes(h)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
	}
}

// Routes builds the API router.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/catalog", h.Catalog)
		r.Get("/templates", h.ListTemplates)

		// Jobs and status.
		r.Get("/jobs", h.ListJobs)
		r.Post("/jobs", h.CreateJob)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", h.GetJob)
			r.Post("/transitions", h.Transition)
			r.Post("/annotations", h.AddAnnotation)
			r.Get("/history", h.History)

			// Checklist.
			r.Get("/checklist", h.GetChecklist)
			r.Post("/checklist", h.LoadChecklist)
			r.Put("/checklist/items/{itemID}", h.SetItem)
			r.Put("/checklist/notes", h.SetNotes)
			r.Post("/checklist/cursor", h.MoveCursor)
			r.Post("/checklist/reset", h.ResetChecklist)
			r.Post("/checklist/save", h.SaveChecklist)
			r.Post("/checklist/complete", h.CompleteChecklist)
		})

		// Notifications.
		r.Get("/notifications", h.ListNotifications)
		r.Delete("/notifications", h.ClearNotifications)
		r.Post("/notifications/ack-all", h.AcknowledgeAll)
		r.Post("/notifications/{id}/ack", h.AcknowledgeNotification)
	})

	r.Mount("/metrics", telemetry.Handler())
	return r
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local desktop app access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FormatListenURL turns a listen address such as ":9800" into a browsable URL.
func FormatListenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
