package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"medconsult/pkg"
)

const redisKeyPrefix = "medconsult:session:"

// RedisStore persists sessions as JSON values with a server-side TTL so they
// survive process restarts. The engine runs as a single process, so a
// striped in-process lock is enough to serialize touches per session id;
// the stripe keeps lock memory bounded.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	cap    int
	locks  [64]sync.Mutex
	now    func() time.Time
}

// NewRedisStore builds a Redis-backed store with the given idle TTL and
// rolling-memory cap.
func NewRedisStore(client *redis.Client, ttl time.Duration, memoryCap int) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, cap: memoryCap, now: time.Now}
}

func (s *RedisStore) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

func (s *RedisStore) Get(ctx context.Context, id string) (*pkg.Session, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session store get: %w", err)
	}
	var sess pkg.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, false, fmt.Errorf("session store decode: %w", err)
	}
	return &sess, true, nil
}

func (s *RedisStore) Create(ctx context.Context, patientID *string) (*pkg.Session, error) {
	now := s.now()
	sess := pkg.Session{
		ID:         uuid.NewString(),
		PatientID:  patientID,
		CreatedAt:  now,
		LastActive: now,
	}
	if err := s.put(ctx, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *RedisStore) Touch(ctx context.Context, id string, turn *pkg.Turn) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, ok, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return pkg.ErrSessionNotFound
	}
	applyTurn(sess, turn, s.cap, s.now())
	return s.put(ctx, sess)
}

// ExpireIfStale relies on the key TTL for the common case and only handles
// the window where the key still exists but the idle budget is spent.
func (s *RedisStore) ExpireIfStale(ctx context.Context, id string) (bool, error) {
	sess, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if s.now().Sub(sess.LastActive) < s.ttl {
		return false, nil
	}
	return true, s.Clear(ctx, id)
}

func (s *RedisStore) Clear(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("session store clear: %w", err)
	}
	return nil
}

func (s *RedisStore) put(ctx context.Context, sess *pkg.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session store encode: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+sess.ID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("session store put: %w", err)
	}
	return nil
}
