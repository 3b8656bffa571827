package routers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"

	"go-collab/internal/collab"
	"go-collab/internal/metrics"
)

type handlers struct {
	hub *collab.Hub
}

func New(hub *collab.Hub, serveWS http.HandlerFunc, allowedOrigins []string) http.Handler {
	h := &handlers{hub: hub}
	r := chi.NewRouter()

	corsOpts := cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}
	// cors treats an empty list as allow-all; cross-origin access is opt-in
	if len(allowedOrigins) == 0 {
		corsOpts.AllowOriginFunc = func(*http.Request, string) bool { return false }
	}
	r.Use(cors.Handler(corsOpts))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, metrics.Middleware)

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", serveWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Get("/rooms", h.ListRooms)
		r.Get("/rooms/{roomId}", h.GetRoom)
	})

	return r
}

func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *handlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": h.hub.Rooms()})
}

func (h *handlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	room, ok := h.hub.Room(roomID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}
	info := room.Info()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room":  info,
		"users": room.Members(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("[HTTP] Failed to encode response", "error", err)
	}
}
