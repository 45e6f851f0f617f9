package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript keeps one sorted set per key, scored by request time in
// milliseconds. Returns {admitted, count, oldestMs}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local admitted = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	admitted = 1
end
if count > 0 then
	redis.call('PEXPIRE', key, window)
end

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
return {admitted, count, oldest}
`)

// RedisStore keeps sliding windows in Redis so every API replica shares
// the same budget. Keys expire after one idle window.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore creates a store on an existing client
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// Admit implements Store
func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error) {
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.New().String())

	raw, err := admitScript.Run(ctx, s.client, []string{key}, nowMs, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("failed to run admit script: %w", err)
	}
	if len(raw) != 3 {
		return Window{}, fmt.Errorf("unexpected admit script reply of length %d", len(raw))
	}

	w := Window{
		Admitted: raw[0] == 1,
		Count:    int(raw[1]),
	}
	if w.Count > 0 {
		w.Oldest = time.UnixMilli(raw[2])
	}
	return w, nil
}
