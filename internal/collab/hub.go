package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go-collab/internal/models"
)

const joinAttempts = 3

// Hub owns every active room, routes client messages to them and fans out
// the results. The room table lock is always taken before a room lock,
// never while holding one.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	sessions *Registry
	store    LogStore
	observer Observer
	cfg      RoomConfig
	now      func() time.Time
}

// NewHub creates a hub. store may be nil when logs are not persisted.
func NewHub(cfg RoomConfig, store LogStore, observer Observer) *Hub {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Hub{
		rooms:    make(map[string]*Room),
		sessions: NewRegistry(),
		store:    store,
		observer: observer,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

func (h *Hub) Sessions() *Registry { return h.sessions }

// JoinRoom registers the connection, creates the room on first use and sends
// the joiner its sync snapshot.
func (h *Hub) JoinRoom(ctx context.Context, roomID, projectID string, user models.User, conn Conn) (models.SyncSnapshot, error) {
	if roomID == "" || user.ID == "" {
		return models.SyncSnapshot{}, fmt.Errorf("room and user are required: %w", ErrInvalidOperation)
	}

	if evicted := h.sessions.Register(user.ID, conn); evicted != nil && evicted.RoomID != "" && evicted.RoomID != roomID {
		h.leave(evicted.UserID, evicted.Conn, evicted.RoomID)
	}

	for attempt := 0; attempt < joinAttempts; attempt++ {
		room, created := h.getOrCreate(roomID, projectID)
		if created {
			h.observer.OnRoomCreated(roomID)
		}

		if err := room.ensureLoaded(ctx, h.store); err != nil {
			slog.Error("[HUB] Failed to load room log", "room", roomID, "error", err)
			h.sessions.Unregister(user.ID, conn)
			h.disposeIfEmpty(room)
			return models.SyncSnapshot{}, err
		}

		snap, added, err := room.join(user, conn)
		if errors.Is(err, ErrRoomClosed) {
			slog.Debug("[HUB] Room closed during join, retrying", "room", roomID, "user", user.ID)
			continue
		}
		if err != nil {
			h.sessions.Unregister(user.ID, conn)
			return models.SyncSnapshot{}, err
		}

		h.sessions.SetRoom(user.ID, conn, roomID)
		if added {
			for _, u := range snap.Users {
				if u.ID == user.ID {
					h.observer.OnUserJoined(roomID, u)
					break
				}
			}
		}
		return snap, nil
	}

	h.sessions.Unregister(user.ID, conn)
	return models.SyncSnapshot{}, fmt.Errorf("join room %s: %w", roomID, ErrRoomClosed)
}

// getOrCreate is atomic under the table lock, so concurrent joins of a new
// room share one instance.
func (h *Hub) getOrCreate(roomID, projectID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[roomID]; ok && !room.isClosed() {
		return room, false
	}

	slog.Info("[HUB] Creating room", "room", roomID, "project", projectID)
	room := newRoom(roomID, projectID, h.cfg, h.observer, h.now)
	h.rooms[roomID] = room
	return room, true
}

func (h *Hub) get(roomID string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[roomID]
	return room, ok
}

// Room returns the active room with the given id.
func (h *Hub) Room(roomID string) (*Room, bool) {
	return h.get(roomID)
}

// ApplyOperations reconciles a batch against the room log, broadcasts the
// result and persists it. A stale batch is answered with a fresh sync.
func (h *Hub) ApplyOperations(ctx context.Context, roomID, userID string, ops []models.Operation) ([]models.Operation, error) {
	room, ok := h.get(roomID)
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrRoomNotFound)
	}

	res, err := room.appendOperations(userID, ops)
	if err != nil {
		h.observer.OnOperationRejected(roomID, userID, err)
		// the client's view no longer matches the room
		if errors.Is(err, ErrStaleBase) || errors.Is(err, ErrInvalidOperation) {
			slog.Info("[HUB] Rejected operation, resyncing client", "room", roomID, "user", userID, "error", err)
			if rerr := room.Resync(userID); rerr != nil {
				slog.Warn("[HUB] Resync failed", "room", roomID, "user", userID, "error", rerr)
			}
		}
		return nil, err
	}

	if h.store != nil && len(res.accepted) > 0 {
		if err := h.store.Append(ctx, roomID, res.accepted); err != nil {
			slog.Error("[HUB] Failed to persist operations", "room", roomID, "count", len(res.accepted), "error", err)
		}
	}
	if h.store != nil && res.compacted {
		if err := h.store.Compact(ctx, roomID, res.baseSeq, res.baseText); err != nil {
			slog.Error("[HUB] Failed to compact stored log", "room", roomID, "baseSeq", res.baseSeq, "error", err)
		}
	}

	if len(res.accepted) > 0 {
		h.observer.OnOperationsApplied(roomID, res.accepted)
	}
	return res.accepted, nil
}

func (h *Hub) UpdateCursor(roomID, userID string, cursor models.Cursor) error {
	room, ok := h.get(roomID)
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, ErrRoomNotFound)
	}
	return room.UpdateCursor(userID, cursor)
}

func (h *Hub) SendChatMessage(roomID, userID string, req models.ChatRequest) (models.ChatMessage, error) {
	room, ok := h.get(roomID)
	if !ok {
		return models.ChatMessage{}, fmt.Errorf("room %s: %w", roomID, ErrRoomNotFound)
	}
	return room.Chat(userID, req)
}

// Resync sends a member a fresh snapshot of its room.
func (h *Hub) Resync(roomID, userID string) error {
	room, ok := h.get(roomID)
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, ErrRoomNotFound)
	}
	return room.Resync(userID)
}

// Notify relays a notification to every member of the room.
func (h *Hub) Notify(roomID string, n models.Notification) error {
	room, ok := h.get(roomID)
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, ErrRoomNotFound)
	}
	return room.Notify(n)
}

// LeaveRoom is called by the transport when a connection goes away.
func (h *Hub) LeaveRoom(userID string, conn Conn) {
	sess, ok := h.sessions.Unregister(userID, conn)
	if !ok {
		slog.Debug("[HUB] Leave for inactive session ignored", "user", userID)
		return
	}
	if sess.RoomID == "" {
		return
	}
	h.leave(userID, conn, sess.RoomID)
}

func (h *Hub) leave(userID string, conn Conn, roomID string) {
	room, ok := h.get(roomID)
	if !ok {
		return
	}
	remaining, removed := room.Leave(userID, conn)
	if !removed {
		return
	}
	h.observer.OnUserLeft(roomID, userID)
	if remaining == 0 {
		h.disposeIfEmpty(room)
	}
}

// disposeIfEmpty removes a room that has no members left.
func (h *Hub) disposeIfEmpty(room *Room) {
	h.mu.Lock()
	if h.rooms[room.ID] != room || !room.closeIfEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, room.ID)
	h.mu.Unlock()

	slog.Info("[HUB] Room is now empty, removing from hub", "room", room.ID)
	h.observer.OnRoomClosed(room.ID, "empty")
}

// finishEviction unregisters the sessions of an evicted room and drops it
// from the table.
func (h *Hub) finishEviction(room *Room, sessions []Session, reason string) {
	for _, s := range sessions {
		h.sessions.Unregister(s.UserID, s.Conn)
		h.observer.OnUserLeft(room.ID, s.UserID)
	}

	h.mu.Lock()
	if h.rooms[room.ID] == room {
		delete(h.rooms, room.ID)
	}
	h.mu.Unlock()

	slog.Info("[HUB] Room evicted", "room", room.ID, "members", len(sessions), "reason", reason)
	h.observer.OnRoomClosed(room.ID, reason)
}

// EvictIdle closes every room idle for longer than timeout and returns how
// many were closed.
func (h *Hub) EvictIdle(timeout time.Duration) int {
	now := h.now()
	evicted := 0
	for _, room := range h.snapshotRooms() {
		sessions, ok := room.evictIfIdle(now, timeout)
		if !ok {
			continue
		}
		h.finishEviction(room, sessions, "idle")
		evicted++
	}
	return evicted
}

// Shutdown closes every room, telling members why.
func (h *Hub) Shutdown(reason string) {
	for _, room := range h.snapshotRooms() {
		if sessions, ok := room.evict(reason); ok {
			h.finishEviction(room, sessions, "shutdown")
		}
	}
}

func (h *Hub) snapshotRooms() []*Room {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// Rooms lists active rooms ordered by id.
func (h *Hub) Rooms() []models.RoomInfo {
	rooms := h.snapshotRooms()
	infos := make([]models.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, r.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
