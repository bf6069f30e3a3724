// Package cache provides the Redis read cache for stored preference documents.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"swiftnotes/api/internal/preferences"
)

const defaultTTL = 5 * time.Minute

// Each key holds a hash. doc is the stored document before defaults are
// applied; version is the row's preferences_version it was read at.
const (
	fieldDoc      = "doc"
	fieldVersion  = "version"
	fieldDeleted  = "deleted"
	fieldCachedAt = "cached_at"
)

// setIfNewer writes the entry unless the key already holds the same or a
// later version, or a deletion marker. A key of the wrong type is replaced.
var setIfNewer = redis.NewScript(`
local state = redis.pcall('HMGET', KEYS[1], 'version', 'deleted')
if state.err then
	redis.call('DEL', KEYS[1])
elseif state[2] == '1' then
	return 0
else
	local current = tonumber(state[1])
	if current and current >= tonumber(ARGV[1]) then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'doc', ARGV[2], 'cached_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisStore caches stored preference documents keyed by user id
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed preference cache
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a cache from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "prefs:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// Get returns the cached document. A miss is (nil, false, nil); deletion
// markers and unreadable entries are misses too.
func (s *RedisStore) Get(ctx context.Context, userID string) (preferences.Document, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		if strings.HasPrefix(err.Error(), "WRONGTYPE") {
			_ = s.client.Del(ctx, s.key(userID)).Err()
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cached preferences: %w", err)
	}
	if len(fields) == 0 || fields[fieldDeleted] == "1" {
		return nil, false, nil
	}

	raw, ok := fields[fieldDoc]
	if _, err := strconv.ParseInt(fields[fieldVersion], 10, 64); !ok || err != nil {
		_ = s.client.Del(ctx, s.key(userID)).Err()
		return nil, false, nil
	}
	doc, _ := preferences.Decode([]byte(raw))
	return doc, true, nil
}

// Set caches doc as read at version. It is a no-op when the entry already
// holds that version or a later one, so a slow read cannot replace the
// result of a write that committed after it started. stored reports whether
// the entry was written.
func (s *RedisStore) Set(ctx context.Context, userID string, doc preferences.Document, version int64) (stored bool, err error) {
	encoded, err := preferences.Encode(doc)
	if err != nil {
		return false, err
	}
	written, err := setIfNewer.Run(ctx, s.client, []string{s.key(userID)},
		version,
		string(encoded),
		time.Now().UTC().Format(time.RFC3339Nano),
		s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("write cached preferences: %w", err)
	}
	return written == 1, nil
}

// MarkDeleted replaces the entry with a deletion marker that blocks Set
// until it expires.
func (s *RedisStore) MarkDeleted(ctx context.Context, userID string) error {
	key := s.key(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fieldDeleted, "1", fieldCachedAt, time.Now().UTC().Format(time.RFC3339Nano))
		pipe.PExpire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark cached preferences deleted: %w", err)
	}
	return nil
}

// Invalidate drops the cached document; deleting a missing key is not an error
func (s *RedisStore) Invalidate(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached preferences: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
