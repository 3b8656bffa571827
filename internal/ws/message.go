package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"go-collab/internal/auth"
	"go-collab/internal/collab"
	"go-collab/internal/models"
)

const joinTimeout = 10 * time.Second

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

type Options struct {
	SendBuffer     int
	MessageRate    float64
	MessageBurst   int
	IdleAfter      time.Duration
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MessageRate <= 0 {
		o.MessageRate = float64(rate.Inf)
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 1
	}
	return o
}

// Server upgrades authenticated requests and attaches them to hub rooms.
type Server struct {
	hub      *collab.Hub
	auth     Authenticator
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(hub *collab.Hub, authn Authenticator, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		hub:  hub,
		auth: authn,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and those whose origin is listed. "*" allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimSuffix(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	slog.Debug("[WS] New WebSocket connection request", "from", remoteAddr)

	identity, err := s.auth.Authenticate(r)
	if err != nil {
		slog.Warn("[WS] Authentication failed", "from", remoteAddr, "error", err)
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}

	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		slog.Warn("[WS] No roomId provided", "user", identity.UserID, "from", remoteAddr)
		http.Error(w, "roomId required", http.StatusBadRequest)
		return
	}
	projectID := r.URL.Query().Get("projectId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Failed to upgrade connection", "user", identity.UserID, "room", roomID, "error", err)
		return
	}

	slog.Info("[WS] Connection upgraded successfully", "user", identity.UserID, "room", roomID)

	user := models.User{
		ID:          identity.UserID,
		DisplayName: identity.DisplayName,
		AvatarRef:   identity.AvatarRef,
	}
	client := newClient(s.hub, conn, roomID, projectID, user, s.opts)
	go client.WritePump()

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if _, err := s.hub.JoinRoom(ctx, roomID, projectID, user, client); err != nil {
		slog.Error("[WS] Failed to join room", "user", user.ID, "room", roomID, "error", err)
		if errors.Is(err, collab.ErrInvalidOperation) {
			client.Send(models.NewMessage(models.TypeNotification, roomID, user.ID, models.Notification{
				Kind:    models.NotifyJoinRejected,
				Message: err.Error(),
			}))
		}
		client.state.Transition(collab.StateDisconnected)
		client.Close()
		return
	}
	client.state.Transition(collab.StateJoined)

	go client.ReadPump()
}
