package collab

import (
	"context"
	"sort"
	"sync"

	"go-collab/internal/models"
)

// StoredLog is a room's persisted state: the compacted base text and the
// operations accepted after it.
type StoredLog struct {
	BaseSeq    int64
	BaseText   string
	Operations []models.Operation
}

// LogStore persists room logs across process restarts. Load returns nil when
// nothing is stored for the room. Append may be called with operations whose
// seq is already covered by a later Compact; Load must drop those.
type LogStore interface {
	Load(ctx context.Context, roomID string) (*StoredLog, error)
	Append(ctx context.Context, roomID string, ops []models.Operation) error
	Compact(ctx context.Context, roomID string, baseSeq int64, baseText string) error
}

// MemoryStore keeps logs for the lifetime of the process, so a room that was
// disposed can be rebuilt when someone joins again.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*StoredLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*StoredLog)}
}

func (s *MemoryStore) Load(_ context.Context, roomID string) (*StoredLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	out := &StoredLog{BaseSeq: stored.BaseSeq, BaseText: stored.BaseText}
	for _, op := range stored.Operations {
		if op.Seq > stored.BaseSeq {
			out.Operations = append(out.Operations, op)
		}
	}
	sort.Slice(out.Operations, func(i, j int) bool { return out.Operations[i].Seq < out.Operations[j].Seq })
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, roomID string, ops []models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rooms[roomID]
	if !ok {
		stored = &StoredLog{}
		s.rooms[roomID] = stored
	}
	stored.Operations = append(stored.Operations, ops...)
	return nil
}

func (s *MemoryStore) Compact(_ context.Context, roomID string, baseSeq int64, baseText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rooms[roomID]
	if !ok {
		stored = &StoredLog{}
		s.rooms[roomID] = stored
	}
	if baseSeq <= stored.BaseSeq {
		return nil
	}
	stored.BaseSeq = baseSeq
	stored.BaseText = baseText
	kept := stored.Operations[:0]
	for _, op := range stored.Operations {
		if op.Seq > baseSeq {
			kept = append(kept, op)
		}
	}
	stored.Operations = kept
	return nil
}
