package reception

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	stateKeyPrefix   = "reception:state:"
	journalKeyPrefix = "reception:journal:"
	instancesKey     = "reception:instances"
)

// RedisStore is a Redis-backed ProcessStore. States are JSON blobs keyed by
// process id, journal entries live in a per-process hash, and a set tracks
// the ids known to the store so Resume can enumerate them.
type RedisStore struct {
	redis  *redis.Client
	tracer trace.Tracer
}

var _ ProcessStore = (*RedisStore)(nil)

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("reception: redis client cannot be nil")
	}
	return &RedisStore{
		redis:  redisClient,
		tracer: otel.Tracer("clinic.internal.reception.store"),
	}
}

func stateKey(id string) string   { return stateKeyPrefix + id }
func journalKey(id string) string { return journalKeyPrefix + id }

func (s *RedisStore) SaveState(ctx context.Context, st *State) error {
	ctx, span := s.tracer.Start(ctx, "reception.store.save_state")
	defer span.End()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("reception: marshal state: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, stateKey(st.ID), data, 0)
	pipe.SAdd(ctx, instancesKey, st.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("reception: save state %s: %w", st.ID, err)
	}
	return nil
}

func (s *RedisStore) LoadState(ctx context.Context, id string) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "reception.store.load_state")
	defer span.End()

	raw, err := s.redis.Get(ctx, stateKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrStateNotFound, id)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("reception: load state %s: %w", id, err)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("reception: decode state %s: %w", id, err)
	}
	return &st, nil
}

func (s *RedisStore) DeleteState(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "reception.store.delete_state")
	defer span.End()

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, stateKey(id))
	pipe.Del(ctx, journalKey(id))
	pipe.SRem(ctx, instancesKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("reception: delete state %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) RecordStep(ctx context.Context, id, key string, result []byte) error {
	ctx, span := s.tracer.Start(ctx, "reception.store.record_step")
	defer span.End()

	if err := s.redis.HSet(ctx, journalKey(id), key, result).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("reception: record step %s/%s: %w", id, key, err)
	}
	return nil
}

func (s *RedisStore) LookupStep(ctx context.Context, id, key string) ([]byte, bool, error) {
	ctx, span := s.tracer.Start(ctx, "reception.store.lookup_step")
	defer span.End()

	raw, err := s.redis.HGet(ctx, journalKey(id), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		span.RecordError(err)
		return nil, false, fmt.Errorf("reception: lookup step %s/%s: %w", id, key, err)
	}
	return raw, true, nil
}

func (s *RedisStore) ListActive(ctx context.Context) ([]*State, error) {
	ctx, span := s.tracer.Start(ctx, "reception.store.list_active")
	defer span.End()

	ids, err := s.redis.SMembers(ctx, instancesKey).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("reception: list instances: %w", err)
	}

	out := make([]*State, 0, len(ids))
	for _, id := range ids {
		st, err := s.LoadState(ctx, id)
		if err != nil {
			if errors.Is(err, ErrStateNotFound) {
				// Stale set member; the state was deleted out of band.
				s.redis.SRem(ctx, instancesKey, id)
				continue
			}
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
