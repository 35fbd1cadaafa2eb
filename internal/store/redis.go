package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for the shared-backend Store.
const (
	keyStickySession  = "dispatchcore:sticky:"
	keySessionBinding = "dispatchcore:binding:"
	keyRefreshLock    = "dispatchcore:refresh_lock:"
	keyWarmup         = "dispatchcore:warmup:"
	keyWarmupIndex    = "dispatchcore:warmup:index"
)

// redisStore is the shared-backend Store, used when the proxy runs as more
// than one process and session affinity / refresh locks must be visible
// across instances. NewRedis accepts any *redis.Client, including one
// pointed at a miniredis instance in tests.
type redisStore struct {
	rdb *redis.Client
}

// NewRedis wraps an existing redis client as a Store. Callers own the
// client's lifecycle except that Close() on the Store closes it too.
func NewRedis(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

// DialRedis is a convenience constructor for production wiring.
func DialRedis(ctx context.Context, addr, password string, db int) (Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
func (s *redisStore) Close() error                   { return s.rdb.Close() }

func (s *redisStore) GetStickySession(ctx context.Context, hash string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, keyStickySession+hash).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	return val, err == nil, err
}

func (s *redisStore) SetStickySession(ctx context.Context, hash, accountID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, keyStickySession+hash, accountID, ttl).Err()
}

func (s *redisStore) GetSessionBinding(ctx context.Context, sessionUUID string) (string, bool, error) {
	val, err := s.rdb.HGet(ctx, keySessionBinding+sessionUUID, "accountId").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	return val, err == nil, err
}

func (s *redisStore) SetSessionBinding(ctx context.Context, sessionUUID, accountID string, ttl time.Duration) error {
	key := keySessionBinding + sessionUUID
	now := time.Now().UTC().Format(time.RFC3339)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, "accountId", accountID, "createdAt", now, "lastUsedAt", now)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) RenewSessionBinding(ctx context.Context, sessionUUID string, ttl time.Duration) error {
	key := keySessionBinding + sessionUUID
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, "lastUsedAt", time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) BreakSessionBinding(ctx context.Context, sessionUUID string) error {
	return s.rdb.Del(ctx, keySessionBinding+sessionUUID).Err()
}

func (s *redisStore) AcquireRefreshLock(ctx context.Context, accountID, lockID string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, keyRefreshLock+accountID, lockID, ttl).Result()
}

// releaseLockScript releases the lock only if still owned by lockID, so a
// caller whose lock already expired and was reacquired elsewhere can't
// steal it back out from under the new owner.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

func (s *redisStore) ReleaseRefreshLock(ctx context.Context, accountID, lockID string) error {
	_, err := releaseLockScript.Run(ctx, s.rdb, []string{keyRefreshLock + accountID}, lockID).Result()
	return err
}

func (s *redisStore) GetWarmupTime(ctx context.Context, key string) (int64, bool, error) {
	val, err := s.rdb.Get(ctx, keyWarmup+key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	return val, err == nil, err
}

func (s *redisStore) SetWarmupTime(ctx context.Context, key string, unixSec int64) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keyWarmup+key, unixSec, 24*time.Hour)
	pipe.SAdd(ctx, keyWarmupIndex, key)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) PruneWarmupHistory(ctx context.Context, olderThan time.Time) (int, error) {
	keys, err := s.rdb.SMembers(ctx, keyWarmupIndex).Result()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, k := range keys {
		ts, err := s.rdb.Get(ctx, keyWarmup+k).Int64()
		if err == redis.Nil || (err == nil && time.Unix(ts, 0).Before(olderThan)) {
			s.rdb.Del(ctx, keyWarmup+k)
			s.rdb.SRem(ctx, keyWarmupIndex, k)
			pruned++
		}
	}
	return pruned, nil
}
