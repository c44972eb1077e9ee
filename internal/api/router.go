package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/renton5150/campaign-forge-queue/internal/queue"
	"github.com/renton5150/campaign-forge-queue/internal/store"
	ws "github.com/renton5150/campaign-forge-queue/internal/websocket"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(pgStore *store.PostgresStore, producer *queue.Producer, worker *queue.Worker, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS for the campaign dashboard
	r.Use(corsMiddleware)

	// Handlers
	campaignHandler := NewCampaignHandler(pgStore, producer, worker)
	queueHandler := NewQueueHandler(pgStore, worker)

	// WebSocket endpoint for live campaign progress
	r.Get("/ws", hub.HandleWebSocket)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/{id}/send", campaignHandler.Send)
			r.Post("/{id}/retry-failed", campaignHandler.RetryFailed)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", queueHandler.List)
			r.Get("/stats", queueHandler.Stats)
			r.Post("/process", queueHandler.ProcessBatch)
			r.Get("/worker", queueHandler.WorkerState)
			r.Post("/worker/start", queueHandler.StartWorker)
			r.Post("/worker/stop", queueHandler.StopWorker)
			r.Get("/{id}", queueHandler.Get)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
