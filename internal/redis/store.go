package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"go-collab/internal/collab"
	"go-collab/internal/models"
)

const (
	logPrefix      = "collab:log:"
	compactRetries = 100
)

var _ collab.LogStore = (*Store)(nil)

// Store keeps room logs in Redis: a sorted set of operations scored by seq
// and a hash holding the compacted base.
type Store struct {
	rdb *redis.Client
}

func NewStore(client *Client) *Store {
	return &Store{rdb: client.rdb}
}

func opsKey(roomID string) string  { return logPrefix + roomID + ":ops" }
func baseKey(roomID string) string { return logPrefix + roomID + ":base" }

func (s *Store) Load(ctx context.Context, roomID string) (*collab.StoredLog, error) {
	base, err := s.rdb.HGetAll(ctx, baseKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load base of %s: %w", roomID, err)
	}

	stored := &collab.StoredLog{BaseText: base["text"]}
	if v, ok := base["seq"]; ok {
		if stored.BaseSeq, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("base seq of %s: %w", roomID, err)
		}
	}

	members, err := s.rdb.ZRangeByScore(ctx, opsKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(stored.BaseSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("load operations of %s: %w", roomID, err)
	}

	if len(base) == 0 && len(members) == 0 {
		return nil, nil
	}

	stored.Operations = make([]models.Operation, 0, len(members))
	for _, m := range members {
		var op models.Operation
		if err := json.Unmarshal([]byte(m), &op); err != nil {
			return nil, fmt.Errorf("decode operation of %s: %w", roomID, err)
		}
		stored.Operations = append(stored.Operations, op)
	}
	return stored, nil
}

func (s *Store) Append(ctx context.Context, roomID string, ops []models.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	members := make([]*redis.Z, 0, len(ops))
	for _, op := range ops {
		payload, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode operation %s: %w", op.ID, err)
		}
		members = append(members, &redis.Z{Score: float64(op.Seq), Member: payload})
	}
	if err := s.rdb.ZAdd(ctx, opsKey(roomID), members...).Err(); err != nil {
		return fmt.Errorf("append operations to %s: %w", roomID, err)
	}
	return nil
}

// Compact replaces the base and drops the operations it covers. The seq
// check runs under WATCH, so a slower compaction never overwrites a newer
// base.
func (s *Store) Compact(ctx context.Context, roomID string, baseSeq int64, baseText string) error {
	key := baseKey(roomID)
	compact := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "seq").Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if baseSeq <= current {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "seq", baseSeq, "text", baseText)
			pipe.ZRemRangeByScore(ctx, opsKey(roomID), "-inf", strconv.FormatInt(baseSeq, 10))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < compactRetries; attempt++ {
		err := s.rdb.Watch(ctx, compact, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return fmt.Errorf("compact %s: %w", roomID, err)
		}
		return nil
	}
	return fmt.Errorf("compact %s: %w", roomID, redis.TxFailedErr)
}
