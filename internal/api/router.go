package api

import (
	"afteryou/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

func SetupRoutes(h *Handler, logger zerolog.Logger) *mux.Router {
	r := mux.NewRouter()

	// Tracing first so recovered panics land on the request span.
	r.Use(middleware.Tracing(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/stats", h.Stats).Methods("GET")

	api.HandleFunc("/paper", h.GetPaper).Methods("GET")
	api.HandleFunc("/presence", h.GetPresence).Methods("GET")

	api.HandleFunc("/snapshots", h.ListSnapshots).Methods("GET")
	api.HandleFunc("/snapshots", h.CaptureSnapshot).Methods("POST")
	api.HandleFunc("/snapshots/{id}", h.GetSnapshot).Methods("GET")
	api.HandleFunc("/snapshots/{id}", h.DeleteSnapshot).Methods("DELETE")

	r.HandleFunc("/ws", h.HandleWebSocket)

	return r
}
