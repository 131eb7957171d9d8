package relay

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/putto11262002/chatsync/pkg/router"
)

type CreateRoomPayload struct {
	ID string `json:"id" validate:"required,max=128"`
}

// NewHandler mounts the relay's HTTP surface: the WebSocket endpoint, the
// room API and a health check.
func NewHandler(hub *Hub, conns *ConnManager, allowedOrigins []string, logger *slog.Logger) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r := router.New(router.WithLogger(logger), router.WithValidator(hub.validate))
	r.MapStatus(ErrRoomNotFound, http.StatusNotFound)
	r.MapStatus(ErrRoomExists, http.StatusConflict)
	r.MapStatus(ErrInvalidPayload, http.StatusBadRequest)
	r.MapStatus(ErrUnauthenticated, http.StatusUnauthorized)

	r.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) error {
		return router.WriteJson(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ws", conns.Connect)

	r.Route("/api", func(r *router.Router) {
		r.Get("/rooms", func(w http.ResponseWriter, _ *http.Request) error {
			rooms, err := hub.Rooms()
			if err != nil {
				return err
			}
			return router.WriteJson(w, http.StatusOK, rooms)
		})
		r.Post("/rooms", func(w http.ResponseWriter, req *http.Request) error {
			var payload CreateRoomPayload
			if err := r.Bind(req, &payload); err != nil {
				return err
			}
			info, err := hub.CreateRoom(payload.ID)
			if err != nil {
				return err
			}
			return router.WriteJson(w, http.StatusCreated, info)
		})
		r.Get("/rooms/{roomID}/messages", func(w http.ResponseWriter, req *http.Request) error {
			limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
			msgs, err := hub.Messages(chi.URLParam(req, "roomID"), limit)
			if err != nil {
				return err
			}
			return router.WriteJson(w, http.StatusOK, msgs)
		})
	})
	return r
}
