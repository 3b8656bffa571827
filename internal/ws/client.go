package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"go-collab/internal/collab"
	"go-collab/internal/models"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB

	// Time allowed for the hub to persist an inbound batch
	handleTimeout = 5 * time.Second
)

// Client is one websocket connection. It is the collab.Conn the hub writes to.
type Client struct {
	hub       *collab.Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	roomID    string
	projectID string
	user      models.User

	limiter     *rate.Limiter
	idleAfter   time.Duration
	state       collab.ConnStateMachine
	lastInbound atomic.Int64
}

func newClient(hub *collab.Hub, conn *websocket.Conn, roomID, projectID string, user models.User, opts Options) *Client {
	c := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, opts.SendBuffer),
		done:      make(chan struct{}),
		roomID:    roomID,
		projectID: projectID,
		user:      user,
		limiter:   rate.NewLimiter(rate.Limit(opts.MessageRate), opts.MessageBurst),
		idleAfter: opts.IdleAfter,
	}
	c.lastInbound.Store(time.Now().UnixNano())
	return c
}

// Send queues msg without blocking. A full queue or a closed client is a
// transport failure.
func (c *Client) Send(msg *models.CollabMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("[CLIENT] Failed to marshal message", "user", c.user.ID, "room", c.roomID, "type", msg.Type, "error", err)
		return err
	}

	if c.closed() {
		return collab.ErrTransportFailure
	}

	select {
	case c.send <- payload:
		return nil
	default:
		slog.Warn("[CLIENT] Send buffer full", "user", c.user.ID, "room", c.roomID)
		return collab.ErrTransportFailure
	}
}

// Close asks the write pump to flush what is queued and close the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) State() collab.ConnState {
	return c.state.Current()
}

// ReadPump pumps messages from WebSocket to hub
func (c *Client) ReadPump() {
	final := collab.StateDisconnected
	defer func() {
		c.state.Transition(final)
		c.hub.LeaveRoom(c.user.ID, c)
		c.Close()
		slog.Info("[CLIENT] Connection finished", "user", c.user.ID, "room", c.roomID, "state", c.state.Current().String())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				final = collab.StateLeft
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[CLIENT] Unexpected close", "user", c.user.ID, "room", c.roomID, "error", err)
			}
			break
		}

		c.handleClientMessage(message)
	}
}

// WritePump pumps messages from hub to WebSocket
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				slog.Error("[CLIENT] Failed to write message", "user", c.user.ID, "room", c.roomID, "error", err)
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.markIdle()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("[CLIENT] Failed to send ping", "user", c.user.ID, "room", c.roomID, "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(message)
	return w.Close()
}

// flush writes whatever is still queued, such as a room_closed notice.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) markIdle() {
	if c.idleAfter <= 0 {
		return
	}
	if time.Since(time.Unix(0, c.lastInbound.Load())) > c.idleAfter {
		if c.state.Current() == collab.StateActive || c.state.Current() == collab.StateJoined {
			c.state.Transition(collab.StateIdle)
			slog.Debug("[CLIENT] Connection idle", "user", c.user.ID, "room", c.roomID)
		}
	}
}

func (c *Client) handleClientMessage(message []byte) {
	var msg models.InboundMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		slog.Error("[CLIENT] Error unmarshaling message", "user", c.user.ID, "room", c.roomID, "error", err)
		return
	}
	if msg.Type == "" {
		slog.Warn("[CLIENT] No 'type' field in message", "user", c.user.ID, "room", c.roomID)
		return
	}

	if !c.limiter.Allow() {
		slog.Warn("[CLIENT] Rate limit exceeded, dropping message", "user", c.user.ID, "room", c.roomID, "type", msg.Type)
		c.Send(models.NewMessage(models.TypeNotification, c.roomID, c.user.ID, models.Notification{
			Kind:    models.NotifyRateLimited,
			Message: "too many messages",
		}))
		return
	}

	c.lastInbound.Store(time.Now().UnixNano())
	c.state.Transition(collab.StateActive)

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case models.TypeOperation:
		var ops []models.Operation
		if err = json.Unmarshal(msg.Data, &ops); err != nil {
			slog.Warn("[CLIENT] Malformed operation payload", "user", c.user.ID, "room", c.roomID, "error", err)
			return
		}
		_, err = c.hub.ApplyOperations(ctx, c.roomID, c.user.ID, ops)

	case models.TypeCursor:
		var cursor models.Cursor
		if err = json.Unmarshal(msg.Data, &cursor); err != nil {
			slog.Warn("[CLIENT] Malformed cursor payload", "user", c.user.ID, "room", c.roomID, "error", err)
			return
		}
		err = c.hub.UpdateCursor(c.roomID, c.user.ID, cursor)

	case models.TypeChat:
		var req models.ChatRequest
		if err = json.Unmarshal(msg.Data, &req); err != nil {
			slog.Warn("[CLIENT] Malformed chat payload", "user", c.user.ID, "room", c.roomID, "error", err)
			return
		}
		_, err = c.hub.SendChatMessage(c.roomID, c.user.ID, req)

	case models.TypeSync:
		err = c.hub.Resync(c.roomID, c.user.ID)

	default:
		slog.Warn("[CLIENT] Unknown message type", "type", msg.Type, "user", c.user.ID, "room", c.roomID)
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, collab.ErrRoomNotFound):
		if c.closed() {
			return
		}
		slog.Info("[CLIENT] Not in room, rejoining", "user", c.user.ID, "room", c.roomID, "type", msg.Type)
		if _, jerr := c.hub.JoinRoom(ctx, c.roomID, c.projectID, c.user, c); jerr != nil {
			slog.Error("[CLIENT] Rejoin failed", "user", c.user.ID, "room", c.roomID, "error", jerr)
			c.Close()
		}
	case errors.Is(err, collab.ErrStaleBase):
		// the hub already sent a fresh sync
	default:
		slog.Warn("[CLIENT] Message rejected", "user", c.user.ID, "room", c.roomID, "type", msg.Type, "error", err)
	}
}
