package collab

import "go-collab/internal/models"

// Observer receives room lifecycle events from the Hub. OnDeliveryFailed is
// called with the room lock held and must not block; the other callbacks run
// outside any room lock.
type Observer interface {
	OnRoomCreated(roomID string)
	OnRoomClosed(roomID, reason string)
	OnUserJoined(roomID string, user models.User)
	OnUserLeft(roomID, userID string)
	OnOperationsApplied(roomID string, ops []models.Operation)
	OnOperationRejected(roomID, userID string, err error)
	OnDeliveryFailed(roomID, userID string)
}

type NopObserver struct{}

func (NopObserver) OnRoomCreated(string) {}
func (NopObserver) OnRoomClosed(string, string) {}
func (NopObserver) OnUserJoined(string, models.User) {}
func (NopObserver) OnUserLeft(string, string) {}
func (NopObserver) OnOperationsApplied(string, []models.Operation) {}
func (NopObserver) OnOperationRejected(string, string, error) {}
func (NopObserver) OnDeliveryFailed(string, string) {}

// Observers fans every event out to each observer in order.
type Observers []Observer

func (o Observers) OnRoomCreated(roomID string) {
	for _, ob := range o {
		ob.OnRoomCreated(roomID)
	}
}

func (o Observers) OnRoomClosed(roomID, reason string) {
	for _, ob := range o {
		ob.OnRoomClosed(roomID, reason)
	}
}

func (o Observers) OnUserJoined(roomID string, user models.User) {
	for _, ob := range o {
		ob.OnUserJoined(roomID, user)
	}
}

func (o Observers) OnUserLeft(roomID, userID string) {
	for _, ob := range o {
		ob.OnUserLeft(roomID, userID)
	}
}

func (o Observers) OnOperationsApplied(roomID string, ops []models.Operation) {
	for _, ob := range o {
		ob.OnOperationsApplied(roomID, ops)
	}
}

func (o Observers) OnOperationRejected(roomID, userID string, err error) {
	for _, ob := range o {
		ob.OnOperationRejected(roomID, userID, err)
	}
}

func (o Observers) OnDeliveryFailed(roomID, userID string) {
	for _, ob := range o {
		ob.OnDeliveryFailed(roomID, userID)
	}
}
