package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"go-collab/internal/models"
)

const (
	eventsPrefix = "collab:events:"
	notifyPrefix = "collab:notify:"

	eventQueueSize = 1024
)

const (
	EventRoomCreated       = "room:created"
	EventRoomClosed        = "room:closed"
	EventPresenceJoin      = "presence:join"
	EventPresenceLeave     = "presence:leave"
	EventOperationsApplied = "operations:applied"
	EventOperationRejected = "operation:rejected"
	EventDeliveryFailed    = "delivery:failed"
)

// Client publishes room events to Redis. It implements collab.Observer; the
// callbacks only enqueue, and Run does the publishing.
type Client struct {
	rdb    *redis.Client
	ctx    context.Context
	events chan models.RoomEvent
}

func NewClient(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	c := NewClientFromRDB(redis.NewClient(opt))

	if err := c.rdb.Ping(c.ctx).Err(); err != nil {
		c.rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	slog.Info("[REDIS] Connected to Redis", "addr", opt.Addr)
	return c, nil
}

// NewClientFromRDB wraps an existing connection.
func NewClientFromRDB(rdb *redis.Client) *Client {
	return &Client{
		rdb:    rdb,
		ctx:    context.Background(),
		events: make(chan models.RoomEvent, eventQueueSize),
	}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Run publishes queued events until ctx is cancelled, then drains what is
// left.
func (c *Client) Run(ctx context.Context) error {
	slog.Info("[REDIS] Event publisher started")
	for {
		select {
		case event := <-c.events:
			c.publishEvent(ctx, event)
		case <-ctx.Done():
			c.drain()
			slog.Info("[REDIS] Event publisher stopped")
			return nil
		}
	}
}

func (c *Client) drain() {
	ctx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
	defer cancel()
	for {
		select {
		case event := <-c.events:
			c.publishEvent(ctx, event)
		default:
			return
		}
	}
}

func (c *Client) enqueue(eventType, roomID string, data interface{}) {
	event := models.RoomEvent{
		Type:      eventType,
		RoomID:    roomID,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}
	select {
	case c.events <- event:
	default:
		slog.Warn("[REDIS] Event queue full, dropping event", "type", eventType, "room", roomID)
	}
}

func (c *Client) OnRoomCreated(roomID string) {
	c.enqueue(EventRoomCreated, roomID, nil)
}

func (c *Client) OnRoomClosed(roomID, reason string) {
	c.enqueue(EventRoomClosed, roomID, map[string]string{"reason": reason})
}

func (c *Client) OnUserJoined(roomID string, user models.User) {
	c.enqueue(EventPresenceJoin, roomID, map[string]string{
		"userId":   user.ID,
		"userName": user.DisplayName,
	})
}

func (c *Client) OnUserLeft(roomID, userID string) {
	c.enqueue(EventPresenceLeave, roomID, map[string]string{"userId": userID})
}

func (c *Client) OnOperationsApplied(roomID string, ops []models.Operation) {
	c.enqueue(EventOperationsApplied, roomID, ops)
}

func (c *Client) OnOperationRejected(roomID, userID string, err error) {
	c.enqueue(EventOperationRejected, roomID, map[string]string{
		"userId": userID,
		"error":  err.Error(),
	})
}

func (c *Client) OnDeliveryFailed(roomID, userID string) {
	c.enqueue(EventDeliveryFailed, roomID, map[string]string{"userId": userID})
}

func (c *Client) publishEvent(ctx context.Context, event models.RoomEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("[REDIS] Failed to marshal event", "type", event.Type, "room", event.RoomID, "error", err)
		return err
	}

	channel := eventsPrefix + event.RoomID
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Error("[REDIS] Failed to publish event", "type", event.Type, "channel", channel, "error", err)
		return err
	}

	return nil
}
