package collab

import (
	"log/slog"
	"sync"
	"time"

	"go-collab/internal/models"
)

// Session is one connected client as seen by the registry.
type Session struct {
	UserID      string
	Conn        Conn
	RoomID      string
	ConnectedAt time.Time
}

// Registry maps a user to its single active transport handle and room.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register makes conn the user's active handle. A previously registered
// handle is told it was replaced, closed, and returned to the caller.
func (r *Registry) Register(userID string, conn Conn) *Session {
	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = &Session{UserID: userID, Conn: conn, ConnectedAt: time.Now()}
	r.mu.Unlock()

	if prev == nil || prev.Conn == conn {
		return nil
	}

	slog.Info("[REGISTRY] Replacing existing session", "user", userID, "room", prev.RoomID)
	notice := models.NewMessage(models.TypeNotification, prev.RoomID, userID, models.Notification{
		Kind:    models.NotifySessionReplaced,
		Message: "signed in from another connection",
	})
	_ = prev.Conn.Send(notice)
	prev.Conn.Close()

	evicted := *prev
	return &evicted
}

func (r *Registry) Lookup(userID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SetRoom records the room a registered handle joined.
func (r *Registry) SetRoom(userID string, conn Conn, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok || s.Conn != conn {
		return false
	}
	s.RoomID = roomID
	return true
}

// Unregister removes the user's entry only if it still belongs to conn, so
// the teardown of a replaced connection cannot drop its successor.
func (r *Registry) Unregister(userID string, conn Conn) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok || s.Conn != conn {
		return Session{}, false
	}
	delete(r.sessions, userID)
	return *s, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
