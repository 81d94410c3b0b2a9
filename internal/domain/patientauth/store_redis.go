package patientauth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// Redis-backed stores
// ---------------------------------------------------------------------------
//
// Tokens, rate windows and attempt counters are all ephemeral, so Redis
// TTLs do the housekeeping that the memory stores do by hand. A single
// *redis.Client backs all three stores.

const (
	tokenKeyPrefix   = "auth:token:"
	rateKeyPrefix    = "auth:rate:"
	attemptKeyPrefix = "auth:attempts:"
)

// RedisTokenStore keeps each token as a Redis hash that expires with
// the token itself.
type RedisTokenStore struct {
	rdb *redis.Client
}

func NewRedisTokenStore(rdb *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{rdb: rdb}
}

func (s *RedisTokenStore) Save(ctx context.Context, token *AuthToken) error {
	key := tokenKeyPrefix + token.Hash
	fields := map[string]interface{}{
		"method":       string(token.Method),
		"identifier":   token.Identifier,
		"patient_id":   token.PatientID,
		"created_at":   token.CreatedAt.UnixNano(),
		"expires_at":   token.ExpiresAt.UnixNano(),
		"failed_count": token.FailedCount,
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisTokenStore) Get(ctx context.Context, hash string) (*AuthToken, error) {
	vals, err := s.rdb.HGetAll(ctx, tokenKeyPrefix+hash).Result()
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrTokenNotFound
	}

	created, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	expires, _ := strconv.ParseInt(vals["expires_at"], 10, 64)
	failed, _ := strconv.Atoi(vals["failed_count"])

	return &AuthToken{
		Hash:        hash,
		Method:      TokenMethod(vals["method"]),
		Identifier:  vals["identifier"],
		PatientID:   vals["patient_id"],
		CreatedAt:   time.Unix(0, created),
		ExpiresAt:   time.Unix(0, expires),
		FailedCount: failed,
		Used:        vals["used"] == "1",
	}, nil
}

func (s *RedisTokenStore) RecordFailure(ctx context.Context, hash string) (int, error) {
	key := tokenKeyPrefix + hash
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	if exists == 0 {
		return 0, ErrTokenNotFound
	}
	n, err := s.rdb.HIncrBy(ctx, key, "failed_count", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return int(n), nil
}

// consumeScript marks the token used exactly once: -1 means the token
// is gone, 0 means someone else consumed it first.
var consumeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
return redis.call("HSETNX", KEYS[1], "used", "1")
`)

func (s *RedisTokenStore) Consume(ctx context.Context, hash string) error {
	res, err := consumeScript.Run(ctx, s.rdb, []string{tokenKeyPrefix + hash}).Int()
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	switch res {
	case -1:
		return ErrTokenNotFound
	case 0:
		return ErrTokenUsed
	}
	return nil
}

// PurgeExpired is a no-op: Redis expires token keys itself.
func (s *RedisTokenStore) PurgeExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// ---------------------------------------------------------------------------

// reserveScript admits a reservation into a rolling window held in a
// sorted set scored by millisecond timestamps. Milliseconds keep the
// scores within double precision. It returns 0 when admitted, otherwise
// the score of the oldest reservation.
var reserveScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1])
local n = redis.call("ZCARD", KEYS[1])
if n >= tonumber(ARGV[2]) then
	local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
	return oldest[2]
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return "0"
`)

// RedisRateLimitStore enforces the issuance window across all server
// instances sharing the Redis.
type RedisRateLimitStore struct {
	rdb *redis.Client
}

func NewRedisRateLimitStore(rdb *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{rdb: rdb}
}

func (s *RedisRateLimitStore) Reserve(ctx context.Context, key string, limit int, window time.Duration) (time.Duration, error) {
	now := time.Now()
	cutoff := now.Add(-window).UnixMilli()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), limit)

	res, err := reserveScript.Run(ctx, s.rdb, []string{rateKeyPrefix + key},
		cutoff, limit, now.UnixMilli(), member, window.Milliseconds()).Text()
	if err != nil {
		return 0, fmt.Errorf("reserve: %w", err)
	}
	oldest, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("reserve: parse score %q: %w", res, err)
	}
	if oldest == 0 {
		return 0, nil
	}
	retry := time.UnixMilli(int64(oldest)).Add(window).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return retry, nil
}

// ---------------------------------------------------------------------------

// RedisAttemptStore counts failures in one key and flags the block in a
// second key whose TTL is the lockout, so unblocking is just key
// expiry.
type RedisAttemptStore struct {
	rdb *redis.Client
}

func NewRedisAttemptStore(rdb *redis.Client) *RedisAttemptStore {
	return &RedisAttemptStore{rdb: rdb}
}

func (s *RedisAttemptStore) Fail(ctx context.Context, subject string, threshold int, lockout time.Duration) (bool, error) {
	key := attemptKeyPrefix + subject
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("record attempt: %w", err)
	}
	if err := s.rdb.PExpire(ctx, key, lockout).Err(); err != nil {
		return false, fmt.Errorf("record attempt: %w", err)
	}
	if count < int64(threshold) {
		return false, nil
	}
	if err := s.rdb.Set(ctx, key+":blocked", "1", lockout).Err(); err != nil {
		return false, fmt.Errorf("record attempt: %w", err)
	}
	return true, nil
}

func (s *RedisAttemptStore) Blocked(ctx context.Context, subject string) (bool, error) {
	n, err := s.rdb.Exists(ctx, attemptKeyPrefix+subject+":blocked").Result()
	if err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return n > 0, nil
}

func (s *RedisAttemptStore) Clear(ctx context.Context, subject string) error {
	key := attemptKeyPrefix + subject
	if err := s.rdb.Del(ctx, key, key+":blocked").Err(); err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	return nil
}
