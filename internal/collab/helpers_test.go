package collab

import (
	"sync"
	"time"

	"go-collab/internal/models"
)

// fakeConn records everything sent to it.
type fakeConn struct {
	mu     sync.Mutex
	msgs   []*models.CollabMessage
	fail   bool
	closes int
}

func (c *fakeConn) Send(msg *models.CollabMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closes > 0 {
		return ErrTransportFailure
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
}

func (c *fakeConn) setFail(v bool) {
	c.mu.Lock()
	c.fail = v
	c.mu.Unlock()
}

func (c *fakeConn) closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) messages() []*models.CollabMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.CollabMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeConn) ofType(t models.MessageType) []*models.CollabMessage {
	var out []*models.CollabMessage
	for _, m := range c.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) notifications(kind models.NotificationKind) []models.Notification {
	var out []models.Notification
	for _, m := range c.ofType(models.TypeNotification) {
		if n, ok := m.Data.(models.Notification); ok && n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// operations flattens every operation broadcast received.
func (c *fakeConn) operations() []models.Operation {
	var out []models.Operation
	for _, m := range c.ofType(models.TypeOperation) {
		out = append(out, m.Data.([]models.Operation)...)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingObserver counts lifecycle events.
type recordingObserver struct {
	NopObserver
	mu       sync.Mutex
	created  []string
	closed   []string
	joined   []string
	left     []string
	applied  int
	rejected []error
	failed   []string
}

func (o *recordingObserver) OnRoomCreated(roomID string) {
	o.mu.Lock()
	o.created = append(o.created, roomID)
	o.mu.Unlock()
}

func (o *recordingObserver) OnRoomClosed(roomID, reason string) {
	o.mu.Lock()
	o.closed = append(o.closed, roomID+":"+reason)
	o.mu.Unlock()
}

func (o *recordingObserver) OnUserJoined(roomID string, user models.User) {
	o.mu.Lock()
	o.joined = append(o.joined, user.ID)
	o.mu.Unlock()
}

func (o *recordingObserver) OnUserLeft(roomID, userID string) {
	o.mu.Lock()
	o.left = append(o.left, userID)
	o.mu.Unlock()
}

func (o *recordingObserver) OnOperationsApplied(roomID string, ops []models.Operation) {
	o.mu.Lock()
	o.applied += len(ops)
	o.mu.Unlock()
}

func (o *recordingObserver) OnOperationRejected(roomID, userID string, err error) {
	o.mu.Lock()
	o.rejected = append(o.rejected, err)
	o.mu.Unlock()
}

func (o *recordingObserver) OnDeliveryFailed(roomID, userID string) {
	o.mu.Lock()
	o.failed = append(o.failed, userID)
	o.mu.Unlock()
}

func user(id string) models.User {
	return models.User{ID: id, DisplayName: id}
}

func insert(pos int, content string, base int64) models.Operation {
	return models.Operation{Kind: models.OpInsert, Position: pos, Content: content, BaseSeq: base}
}

func remove(pos, length int, base int64) models.Operation {
	return models.Operation{Kind: models.OpDelete, Position: pos, Length: length, BaseSeq: base}
}
