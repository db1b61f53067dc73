package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/snapshot", s.handleSnapshot)

		// Scheduling
		r.Get("/schedule/slot", s.handleCurrentSlot)

		// Device endpoints
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevice)
			r.Post("/test", s.handleBroadcastTest)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Delete("/", s.handleDeleteDevice)

				r.Get("/slot-ok", s.handleSlotOK)
				r.Post("/join", s.handleJoinChannel)

				r.Post("/commands", s.handleEnqueueCommand)
				r.Post("/dispatch", s.handleDispatchPending)
				r.Post("/send-now", s.handleSendNow)

				r.Post("/start", s.handleStartDevice)
				r.Post("/stop", s.handleStopDevice)
				r.Post("/watchdog-reset", s.handleWatchdogReset)
				r.Post("/code-uploaded", s.handleCodeUploaded)
			})
		})

		// Command endpoints
		r.Post("/commands/{id}/ack", s.handleAckCommand)

		// Watchdog
		r.Post("/watchdog/sweep", s.handleWatchdogSweep)

		// User presence
		r.Route("/users/{id}", func(r chi.Router) {
			r.Post("/online", s.handleUserOnline)
			r.Post("/offline", s.handleUserOffline)
		})

		// WebSocket event stream
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
