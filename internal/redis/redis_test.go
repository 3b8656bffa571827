package redis

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-collab/internal/collab"
	"go-collab/internal/models"
)

// setupTestRedis creates a miniredis instance and a client for testing
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := NewClientFromRDB(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func TestNewClient(t *testing.T) {
	mr, _ := setupTestRedis(t)

	client, err := NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	client.Close()

	_, err = NewClient("not a url")
	assert.Error(t, err)
}

func TestPublishesObservedEvents(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := client.rdb.Subscribe(ctx, eventsPrefix+"room-1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	go client.Run(ctx)

	var obs collab.Observer = client
	obs.OnUserJoined("room-1", models.User{ID: "alice", DisplayName: "Alice"})
	obs.OnOperationsApplied("room-1", []models.Operation{{ID: "op-1", Kind: models.OpInsert, Content: "x", Seq: 1}})

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.Channel():
			var event models.RoomEvent
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
			assert.Equal(t, "room-1", event.RoomID)
			types = append(types, event.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{EventPresenceJoin, EventOperationsApplied}, types)
}

type recordingNotifier struct {
	mu    sync.Mutex
	rooms []string
	got   []models.Notification
	err   error
}

func (n *recordingNotifier) Notify(roomID string, note models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rooms = append(n.rooms, roomID)
	n.got = append(n.got, note)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got)
}

func TestSubscribeToNotifications(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	notifier := &recordingNotifier{}

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- SubscribeToNotifications(ctx, client, notifier, ready) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not confirmed")
	}

	require.NoError(t, client.rdb.Publish(ctx, notifyPrefix+"room-1", "{garbage").Err())
	require.NoError(t, client.rdb.Publish(ctx, notifyPrefix+"room-1", `{"message":"deploy finished"}`).Err())
	require.NoError(t, client.rdb.Publish(ctx, notifyPrefix+"room-2", `{"kind":"room_closed","message":"archived"}`).Err())

	require.Eventually(t, func() bool { return notifier.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	notifier.mu.Lock()
	assert.Equal(t, []string{"room-1", "room-2"}, notifier.rooms)
	assert.Equal(t, models.NotifyExternal, notifier.got[0].Kind)
	assert.Equal(t, "deploy finished", notifier.got[0].Message)
	assert.Equal(t, models.NotifyRoomClosed, notifier.got[1].Kind)
	notifier.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()

	stored, err := store.Load(ctx, "room-1")
	require.NoError(t, err)
	assert.Nil(t, stored)

	var ops []models.Operation
	for i := 1; i <= 4; i++ {
		ops = append(ops, models.Operation{ID: "op", Kind: models.OpInsert, Position: i - 1, Content: "x", Seq: int64(i)})
	}
	require.NoError(t, store.Append(ctx, "room-1", ops[2:]))
	require.NoError(t, store.Append(ctx, "room-1", ops[:2]))

	stored, err = store.Load(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, stored.Operations, 4)
	for i, op := range stored.Operations {
		assert.Equal(t, int64(i+1), op.Seq, "operations come back in seq order")
	}

	require.NoError(t, store.Compact(ctx, "room-1", 2, "xx"))
	require.NoError(t, store.Compact(ctx, "room-1", 1, "x"), "older compaction is ignored")

	stored, err = store.Load(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.BaseSeq)
	assert.Equal(t, "xx", stored.BaseText)
	require.Len(t, stored.Operations, 2)
	assert.Equal(t, int64(3), stored.Operations[0].Seq)
}

func TestStoreConcurrentCompactionsKeepNewestBase(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()

	var ops []models.Operation
	for i := 1; i <= 20; i++ {
		ops = append(ops, models.Operation{ID: "op", Kind: models.OpInsert, Position: i - 1, Content: "x", Seq: int64(i)})
	}
	require.NoError(t, store.Append(ctx, "room-1", ops))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for seq := int64(1); seq <= 16; seq++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			errs <- store.Compact(ctx, "room-1", seq, strings.Repeat("x", int(seq)))
		}(seq)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := store.Load(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(16), stored.BaseSeq)
	assert.Equal(t, strings.Repeat("x", 16), stored.BaseText)
	require.Len(t, stored.Operations, 4)
	for i, op := range stored.Operations {
		assert.Equal(t, int64(17+i), op.Seq, "log continues right after the base")
	}
}

func TestStoreBacksHubAcrossRestarts(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	hub := collab.NewHub(collab.RoomConfig{LogLimit: 2}, NewStore(client), nil)
	conn := &nopConn{}
	_, err := hub.JoinRoom(ctx, "room-1", "", models.User{ID: "alice"}, conn)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := hub.ApplyOperations(ctx, "room-1", "alice", []models.Operation{
			{Kind: models.OpInsert, Position: i, Content: "ab"[i%2 : i%2+1], BaseSeq: int64(i)},
		})
		require.NoError(t, err)
	}

	restarted := collab.NewHub(collab.RoomConfig{LogLimit: 2}, NewStore(client), nil)
	snap, err := restarted.JoinRoom(ctx, "room-1", "", models.User{ID: "bob"}, &nopConn{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Seq)
	assert.Equal(t, int64(1), snap.BaseSeq)

	room, ok := restarted.Room("room-1")
	require.True(t, ok)
	assert.Equal(t, "aba", room.Text())
}

type nopConn struct{}

func (nopConn) Send(*models.CollabMessage) error { return nil }
func (nopConn) Close() {}
