package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"go-collab/internal/collab"
	"go-collab/internal/models"
)

// Notifier delivers a notification to a room's members.
type Notifier interface {
	Notify(roomID string, n models.Notification) error
}

// SubscribeToNotifications relays notifications published by other services
// on collab:notify:<roomId> to the room until ctx is cancelled. ready, when
// not nil, is closed once the subscription is confirmed.
func SubscribeToNotifications(ctx context.Context, client *Client, hub Notifier, ready chan<- struct{}) error {
	slog.Info("[REDIS] Starting Redis pub/sub subscription...")

	pattern := notifyPrefix + "*"
	pubsub := client.rdb.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("confirm subscription to %s: %w", pattern, err)
	}

	slog.Info("[REDIS] Subscription confirmed, listening for notifications", "pattern", pattern)
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			slog.Info("[REDIS] Notification subscription stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				slog.Info("[REDIS] Redis pub/sub channel closed")
				return nil
			}
			roomID := strings.TrimPrefix(msg.Channel, notifyPrefix)

			var n models.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				slog.Error("[REDIS] Error unmarshaling notification", "channel", msg.Channel, "error", err, "payload", msg.Payload)
				continue
			}
			if n.Kind == "" {
				n.Kind = models.NotifyExternal
			}

			if err := hub.Notify(roomID, n); err != nil {
				if errors.Is(err, collab.ErrRoomNotFound) {
					slog.Debug("[REDIS] Notification for inactive room", "room", roomID)
					continue
				}
				slog.Warn("[REDIS] Failed to relay notification", "room", roomID, "error", err)
			}
		}
	}
}
