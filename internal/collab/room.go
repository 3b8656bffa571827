package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-collab/internal/models"
	"go-collab/internal/ot"
)

const (
	DefaultTransformWindow = 50
	DefaultLogLimit        = 500
)

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#bfef45", "#469990", "#9a6324",
}

// RoomConfig bounds the per-room transform work and log size.
type RoomConfig struct {
	// TransformWindow is the most concurrent operations an incoming one is
	// reconciled against before the client is told to resync.
	TransformWindow int
	// LogLimit is the number of operations kept before the oldest are folded
	// into the base text.
	LogLimit int
	// EchoToAuthor also sends accepted operations back to their author.
	EchoToAuthor bool
}

func (c RoomConfig) withDefaults() RoomConfig {
	if c.TransformWindow <= 0 {
		c.TransformWindow = DefaultTransformWindow
	}
	if c.LogLimit <= 0 {
		c.LogLimit = DefaultLogLimit
	}
	return c
}

type member struct {
	user models.User
	conn Conn
}

// batch is what an author submitted in one AppendOperations call. It is kept
// so that a later batch from the same base can be reconciled against the
// author's own view of the text.
type batch struct {
	author    string
	baseSeq   int64
	submitted []models.Operation
	// at is the room seq before the batch was applied; last is the seq of its
	// final accepted piece, equal to at when nothing survived.
	at   int64
	last int64
}

type appendResult struct {
	accepted  []models.Operation
	compacted bool
	baseSeq   int64
	baseText  string
}

// Room is the authoritative state of one collaborative surface. Every
// mutation and every fan-out enqueue happens under mu, so all members
// observe accepted operations in seq order.
type Room struct {
	ID        string
	ProjectID string

	cfg      RoomConfig
	observer Observer
	now      func() time.Time

	mu           sync.Mutex
	members      map[string]*member
	order        []string
	doc          *ot.Document
	log          []models.Operation
	batches      []batch
	batchFloor   int64
	baseSeq      int64
	baseText     string
	seq          int64
	lastAccepted time.Time
	lastActivity time.Time
	loaded       bool
	closed       bool
}

func NewRoom(id, projectID string, cfg RoomConfig) *Room {
	return newRoom(id, projectID, cfg, NopObserver{}, time.Now)
}

func newRoom(id, projectID string, cfg RoomConfig, observer Observer, now func() time.Time) *Room {
	return &Room{
		ID:           id,
		ProjectID:    projectID,
		cfg:          cfg.withDefaults(),
		observer:     observer,
		now:          now,
		members:      make(map[string]*member),
		doc:          ot.NewDocument(""),
		batchFloor:   -1,
		lastActivity: now(),
	}
}

// ensureLoaded rehydrates the log from the store the first time it is called.
func (r *Room) ensureLoaded(ctx context.Context, store LogStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded || store == nil {
		r.loaded = true
		return nil
	}
	stored, err := store.Load(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("load room %s: %w", r.ID, err)
	}
	if stored != nil {
		r.restoreLocked(stored)
	}
	r.loaded = true
	return nil
}

func (r *Room) restoreLocked(stored *StoredLog) {
	doc := ot.NewDocument(stored.BaseText)
	seq := stored.BaseSeq
	var ops []models.Operation
	for _, op := range stored.Operations {
		if op.Seq <= seq {
			continue
		}
		if op.Seq != seq+1 {
			slog.Warn("[ROOM] Gap in stored log, truncating", "room", r.ID, "expected", seq+1, "got", op.Seq)
			break
		}
		if err := doc.Apply(op); err != nil {
			slog.Warn("[ROOM] Stored operation does not apply, truncating", "room", r.ID, "seq", op.Seq, "error", err)
			break
		}
		ops = append(ops, op)
		seq = op.Seq
		if op.AcceptedAt.After(r.lastAccepted) {
			r.lastAccepted = op.AcceptedAt
		}
	}

	r.baseSeq = stored.BaseSeq
	r.baseText = stored.BaseText
	r.log = ops
	r.batches = nil
	r.seq = seq
	r.doc = doc
	slog.Info("[ROOM] Rehydrated from store", "room", r.ID, "baseSeq", r.baseSeq, "operations", len(ops))
}

// Join adds the user (replacing an older membership of the same user), sends
// the joiner a sync and tells everybody else.
func (r *Room) Join(user models.User, conn Conn) (models.SyncSnapshot, error) {
	snap, _, err := r.join(user, conn)
	return snap, err
}

// join also reports whether the user was not a member before.
func (r *Room) join(user models.User, conn Conn) (models.SyncSnapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return models.SyncSnapshot{}, false, ErrRoomClosed
	}

	existing, rejoined := r.members[user.ID]
	if rejoined {
		user.Color = existing.user.Color
		existing.user = user
		existing.conn = conn
	} else {
		if user.Color == "" {
			user.Color = r.pickColorLocked()
		}
		r.members[user.ID] = &member{user: user, conn: conn}
		r.order = append(r.order, user.ID)
	}
	r.lastActivity = r.now()

	snap := r.snapshotLocked()
	r.sendLocked(r.members[user.ID], models.NewMessage(models.TypeSync, r.ID, user.ID, snap))
	r.broadcastLocked(user.ID, models.NewMessage(models.TypePresence, r.ID, user.ID, models.PresenceData{
		Event: models.PresenceJoined,
		User:  r.members[user.ID].user,
		Users: snap.Users,
	}))

	slog.Info("[ROOM] Member joined", "room", r.ID, "user", user.ID, "members", len(r.members), "rejoined", rejoined)
	return snap, !rejoined, nil
}

// Leave removes the user if conn still owns the membership. It reports the
// number of members left and whether anything was removed.
func (r *Room) Leave(userID string, conn Conn) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[userID]
	if !ok || (conn != nil && m.conn != conn) {
		return len(r.members), false
	}
	delete(r.members, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.lastActivity = r.now()

	r.broadcastLocked(userID, models.NewMessage(models.TypePresence, r.ID, userID, models.PresenceData{
		Event: models.PresenceLeft,
		User:  m.user,
		Users: r.usersLocked(),
	}))

	slog.Info("[ROOM] Member left", "room", r.ID, "user", userID, "members", len(r.members))
	return len(r.members), true
}

// AppendOperations reconciles, applies and broadcasts a batch. The batch is
// all or nothing.
func (r *Room) AppendOperations(userID string, ops []models.Operation) ([]models.Operation, error) {
	res, err := r.appendOperations(userID, ops)
	return res.accepted, err
}

func (r *Room) appendOperations(userID string, ops []models.Operation) (appendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return appendResult{}, ErrRoomClosed
	}
	author, ok := r.members[userID]
	if !ok {
		return appendResult{}, fmt.Errorf("user %s in room %s: %w", userID, r.ID, ErrUnknownMember)
	}
	if len(ops) == 0 {
		return appendResult{}, fmt.Errorf("empty batch: %w", ErrInvalidOperation)
	}

	for _, op := range ops {
		if err := validate(op); err != nil {
			return appendResult{}, err
		}
	}

	// every operation of a batch applies on top of the previous one, all from
	// the base the first one names
	baseSeq := ops[0].BaseSeq
	concurrent, err := r.concurrentLocked(baseSeq, userID)
	if err != nil {
		return appendResult{}, err
	}

	staged := r.doc.Clone()
	lastAccepted := r.lastAccepted
	seq := r.seq

	var accepted, submitted []models.Operation
	for _, op := range ops {
		op.AuthorUserID = userID
		op.BaseSeq = baseSeq
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		submitted = append(submitted, op)

		var pieces []models.Operation
		pieces, concurrent = ot.Rebase([]models.Operation{op}, concurrent)
		for _, piece := range pieces {
			if !piece.Kind.Positional() {
				piece = ot.Clamp(piece, staged.Len())
			}
			if err := staged.Apply(piece); err != nil {
				r.lastAccepted = lastAccepted
				return appendResult{}, fmt.Errorf("operation %s: %v: %w", op.ID, err, ErrInvalidOperation)
			}
			seq++
			piece.Seq = seq
			piece.BaseSeq = seq - 1
			piece.AcceptedAt = r.nextAcceptedAtLocked()
			accepted = append(accepted, piece)
		}
	}

	r.batches = append(r.batches, batch{
		author:    userID,
		baseSeq:   baseSeq,
		submitted: submitted,
		at:        r.seq,
		last:      seq,
	})
	r.trimBatchesLocked()
	r.log = append(r.log, accepted...)
	r.seq = seq
	r.doc = staged
	r.lastActivity = r.now()
	res := appendResult{accepted: accepted}
	res.compacted = r.compactLocked()
	res.baseSeq, res.baseText = r.baseSeq, r.baseText

	if len(accepted) > 0 {
		msg := models.NewMessage(models.TypeOperation, r.ID, userID, accepted)
		if r.cfg.EchoToAuthor {
			r.broadcastLocked("", msg)
		} else {
			r.broadcastLocked(userID, msg)
		}
	}
	if !r.cfg.EchoToAuthor {
		ack := models.AcceptedData{Seq: r.seq}
		for _, op := range accepted {
			ack.OperationIDs = append(ack.OperationIDs, op.ID)
			ack.Seqs = append(ack.Seqs, op.Seq)
		}
		r.sendLocked(author, models.NewMessage(models.TypeNotification, r.ID, userID, models.Notification{
			Kind: models.NotifyOperationAccepted,
			Data: ack,
		}))
	}
	return res, nil
}

func validate(op models.Operation) error {
	if !op.Kind.Valid() {
		return fmt.Errorf("kind %q: %w", op.Kind, ErrInvalidOperation)
	}
	switch op.Kind {
	case models.OpInsert:
		if op.Content == "" {
			return fmt.Errorf("insert without content: %w", ErrInvalidOperation)
		}
	case models.OpDelete:
		if op.Length <= 0 {
			return fmt.Errorf("delete of length %d: %w", op.Length, ErrInvalidOperation)
		}
	}
	if op.Position < 0 || op.BaseSeq < 0 {
		return fmt.Errorf("negative position or base: %w", ErrInvalidOperation)
	}
	return nil
}

// concurrentLocked returns the operations by other authors accepted after
// baseSeq, rewritten to apply on the author's view of the text: the base
// followed by the author's own batches from that same base. An own operation
// that cannot be placed in that view makes the base stale. Only operations by
// other authors count against the transform window.
func (r *Room) concurrentLocked(baseSeq int64, author string) ([]models.Operation, error) {
	if baseSeq > r.seq {
		return nil, fmt.Errorf("base %d ahead of room seq %d: %w", baseSeq, r.seq, ErrInvalidOperation)
	}
	if baseSeq < r.baseSeq || baseSeq <= r.batchFloor {
		return nil, fmt.Errorf("base %d older than retained log %d: %w", baseSeq, max(r.baseSeq, r.batchFloor+1), ErrStaleBase)
	}

	var concurrent []models.Operation
	others := 0
	covered := baseSeq
	next := sort.Search(len(r.batches), func(i int) bool { return r.batches[i].at >= baseSeq })

	// own batches move everything concurrent before them into the author's view
	catchUp := func(until int64) error {
		for ; next < len(r.batches) && r.batches[next].at < until; next++ {
			b := r.batches[next]
			if b.author != author {
				continue
			}
			if b.baseSeq != baseSeq {
				return fmt.Errorf("own batch at seq %d was based on %d, not %d: %w", b.at, b.baseSeq, baseSeq, ErrStaleBase)
			}
			_, concurrent = ot.Rebase(b.submitted, concurrent)
			covered = b.last
		}
		return nil
	}

	for _, op := range r.log[baseSeq-r.baseSeq:] {
		if err := catchUp(op.Seq); err != nil {
			return nil, err
		}
		if op.AuthorUserID == author {
			if op.Seq > covered {
				return nil, fmt.Errorf("own operation %d outside a known batch: %w", op.Seq, ErrStaleBase)
			}
			continue
		}
		others++
		if others > r.cfg.TransformWindow {
			return nil, fmt.Errorf("concurrent operations exceed window %d: %w", r.cfg.TransformWindow, ErrStaleBase)
		}
		concurrent = append(concurrent, op)
	}
	if err := catchUp(r.seq + 1); err != nil {
		return nil, err
	}
	return concurrent, nil
}

// trimBatchesLocked keeps the batch history within LogLimit entries. Bases at
// or before the newest dropped batch can no longer be reconciled.
func (r *Room) trimBatchesLocked() {
	if len(r.batches) <= r.cfg.LogLimit {
		return
	}
	drop := len(r.batches) - r.cfg.LogLimit/2
	r.batchFloor = r.batches[drop-1].at
	r.batches = append([]batch(nil), r.batches[drop:]...)
}

func (r *Room) nextAcceptedAtLocked() time.Time {
	t := r.now().UTC()
	if !t.After(r.lastAccepted) {
		t = r.lastAccepted.Add(time.Nanosecond)
	}
	r.lastAccepted = t
	return t
}

// compactLocked folds the oldest operations into the base text once the log
// grows past LogLimit.
func (r *Room) compactLocked() bool {
	drop := len(r.log) - r.cfg.LogLimit
	if drop <= 0 {
		return false
	}
	base, err := ot.Replay(r.baseText, r.log[:drop])
	if err != nil {
		// the log was validated on append, so this is a bug
		slog.Error("[ROOM] Compaction failed", "room", r.ID, "error", err)
		return false
	}
	r.baseText = base.String()
	r.baseSeq = r.log[drop-1].Seq
	r.log = append([]models.Operation(nil), r.log[drop:]...)

	keep := sort.Search(len(r.batches), func(i int) bool { return r.batches[i].at >= r.baseSeq })
	r.batches = append([]batch(nil), r.batches[keep:]...)
	return true
}

// UpdateCursor stores the member's cursor and relays it to the others.
func (r *Room) UpdateCursor(userID string, cursor models.Cursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	m, ok := r.members[userID]
	if !ok {
		return fmt.Errorf("user %s in room %s: %w", userID, r.ID, ErrUnknownMember)
	}
	c := cursor
	m.user.Cursor = &c
	r.lastActivity = r.now()
	r.broadcastLocked(userID, models.NewMessage(models.TypeCursor, r.ID, userID, models.CursorData{
		UserID: userID,
		Cursor: cursor,
	}))
	return nil
}

// Chat relays a chat message to every member, the author included.
func (r *Room) Chat(userID string, req models.ChatRequest) (models.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return models.ChatMessage{}, ErrRoomClosed
	}
	m, ok := r.members[userID]
	if !ok {
		return models.ChatMessage{}, fmt.Errorf("user %s in room %s: %w", userID, r.ID, ErrUnknownMember)
	}
	kind := req.Type
	if kind == "" {
		kind = models.ChatText
	}
	if !kind.Valid() || req.Content == "" {
		return models.ChatMessage{}, fmt.Errorf("chat kind %q: %w", kind, ErrInvalidOperation)
	}

	msg := models.ChatMessage{
		ID:                uuid.NewString(),
		AuthorUserID:      userID,
		AuthorDisplayName: m.user.DisplayName,
		Content:           req.Content,
		Kind:              kind,
		Timestamp:         r.now().UTC(),
	}
	r.lastActivity = r.now()
	r.broadcastLocked("", models.NewMessage(models.TypeChat, r.ID, userID, msg))
	return msg, nil
}

// Resync sends one member a fresh snapshot.
func (r *Room) Resync(userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[userID]
	if !ok {
		return fmt.Errorf("user %s in room %s: %w", userID, r.ID, ErrUnknownMember)
	}
	r.sendLocked(m, models.NewMessage(models.TypeSync, r.ID, userID, r.snapshotLocked()))
	return nil
}

// Notify sends a notification to every member.
func (r *Room) Notify(n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	r.broadcastLocked("", models.NewMessage(models.TypeNotification, r.ID, "", n))
	return nil
}

func (r *Room) Touch() {
	r.mu.Lock()
	r.lastActivity = r.now()
	r.mu.Unlock()
}

func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

func (r *Room) Snapshot() models.SyncSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Text returns the current materialized document.
func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.String()
}

func (r *Room) Members() []models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usersLocked()
}

func (r *Room) Info() models.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.RoomInfo{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		Members:      len(r.members),
		Operations:   len(r.log),
		Seq:          r.seq,
		LastActivity: r.lastActivity,
	}
}

// closeIfEmpty marks an empty room closed so late joiners holding a pointer
// to it retry against a fresh room.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return true
	}
	if len(r.members) > 0 {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// evictIfIdle closes the room when it has been idle longer than timeout.
func (r *Room) evictIfIdle(now time.Time, timeout time.Duration) ([]Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || now.Sub(r.lastActivity) <= timeout {
		return nil, false
	}
	return r.evictLocked("room idle for " + now.Sub(r.lastActivity).Round(time.Second).String()), true
}

// evict closes the room unconditionally.
func (r *Room) evict(reason string) ([]Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false
	}
	return r.evictLocked(reason), true
}

// evictLocked sends each member exactly one room_closed, closes its
// connection and empties the room.
func (r *Room) evictLocked(reason string) []Session {
	r.closed = true
	sessions := make([]Session, 0, len(r.members))
	for _, id := range r.order {
		m := r.members[id]
		r.sendLocked(m, models.NewMessage(models.TypeNotification, r.ID, id, models.Notification{
			Kind:    models.NotifyRoomClosed,
			Message: reason,
		}))
		m.conn.Close()
		sessions = append(sessions, Session{UserID: id, Conn: m.conn, RoomID: r.ID})
	}
	r.members = make(map[string]*member)
	r.order = nil
	return sessions
}

func (r *Room) snapshotLocked() models.SyncSnapshot {
	ops := make([]models.Operation, len(r.log))
	copy(ops, r.log)
	return models.SyncSnapshot{
		RoomID:     r.ID,
		ProjectID:  r.ProjectID,
		BaseSeq:    r.baseSeq,
		BaseText:   r.baseText,
		Operations: ops,
		Users:      r.usersLocked(),
		Seq:        r.seq,
	}
}

func (r *Room) usersLocked() []models.User {
	users := make([]models.User, 0, len(r.order))
	for _, id := range r.order {
		users = append(users, r.members[id].user)
	}
	return users
}

func (r *Room) pickColorLocked() string {
	used := make(map[string]bool, len(r.members))
	for _, m := range r.members {
		used[m.user.Color] = true
	}
	for _, c := range palette {
		if !used[c] {
			return c
		}
	}
	return palette[len(r.members)%len(palette)]
}

func (r *Room) broadcastLocked(except string, msg *models.CollabMessage) {
	for _, id := range r.order {
		if id == except {
			continue
		}
		r.sendLocked(r.members[id], msg)
	}
}

// sendLocked never blocks. A member whose queue is full or closed is
// disconnected; its transport then leaves the room on its own goroutine.
func (r *Room) sendLocked(m *member, msg *models.CollabMessage) {
	if err := m.conn.Send(msg); err != nil {
		slog.Warn("[ROOM] Dropping member after failed send", "room", r.ID, "user", m.user.ID, "type", msg.Type, "error", err)
		r.observer.OnDeliveryFailed(r.ID, m.user.ID)
		m.conn.Close()
	}
}
