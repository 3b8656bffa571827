package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"go-collab/internal/collab"
	"go-collab/internal/models"
)

const compactRetries = 100

var _ collab.LogStore = (*Store)(nil)

type baseRecord struct {
	Seq  int64  `json:"seq"`
	Text string `json:"text"`
}

// Store keeps each room's base under room/<id>/base and its operations under
// room/<id>/op/<seq>, with seq zero padded so keys iterate in seq order.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func baseKey(roomID string) []byte {
	return []byte("room/" + roomID + "/base")
}

func opPrefix(roomID string) []byte {
	return []byte("room/" + roomID + "/op/")
}

func opKey(roomID string, seq int64) []byte {
	return fmt.Appendf(opPrefix(roomID), "%020d", seq)
}

func readBase(txn *badger.Txn, roomID string) (baseRecord, bool, error) {
	var base baseRecord
	item, err := txn.Get(baseKey(roomID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return base, false, nil
	}
	if err != nil {
		return base, false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &base)
	})
	return base, err == nil, err
}

func (s *Store) Load(ctx context.Context, roomID string) (*collab.StoredLog, error) {
	var stored *collab.StoredLog
	err := s.db.View(func(txn *badger.Txn) error {
		base, found, err := readBase(txn, roomID)
		if err != nil {
			return fmt.Errorf("read base: %w", err)
		}

		log := &collab.StoredLog{BaseSeq: base.Seq, BaseText: base.Text}

		prefix := opPrefix(roomID)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()

		for it.Seek(opKey(roomID, base.Seq+1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var op models.Operation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			log.Operations = append(log.Operations, op)
		}

		if found || len(log.Operations) > 0 {
			stored = log
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	return stored, nil
}

func (s *Store) Append(_ context.Context, roomID string, ops []models.Operation) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, op := range ops {
		payload, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode operation %s: %w", op.ID, err)
		}
		if err := wb.Set(opKey(roomID, op.Seq), payload); err != nil {
			return fmt.Errorf("append to room %s: %w", roomID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("append to room %s: %w", roomID, err)
	}
	return nil
}

// Compact replaces the base and drops the operations it covers. Concurrent
// compactions conflict on the base key and are retried.
func (s *Store) Compact(_ context.Context, roomID string, baseSeq int64, baseText string) error {
	var err error
	for attempt := 0; attempt < compactRetries; attempt++ {
		err = s.compact(roomID, baseSeq, baseText)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("compact room %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) compact(roomID string, baseSeq int64, baseText string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		current, _, err := readBase(txn, roomID)
		if err != nil {
			return fmt.Errorf("read base: %w", err)
		}
		if baseSeq <= current.Seq {
			return nil
		}

		payload, err := json.Marshal(baseRecord{Seq: baseSeq, Text: baseText})
		if err != nil {
			return err
		}
		if err := txn.Set(baseKey(roomID), payload); err != nil {
			return err
		}

		prefix := opPrefix(roomID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		last := string(opKey(roomID, baseSeq))
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) > last {
				break
			}
			stale = append(stale, key)
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
