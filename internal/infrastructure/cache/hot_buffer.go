package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/repository"
)

// Each chat keeps two keys: a list of message ids, newest at the head, and a
// hash of id to encoded snapshot. Both expire together.
func messageListKey(chatID string) string {
	return "chat:" + chatID + ":messages"
}

func snapshotHashKey(chatID string) string {
	return "chat:" + chatID + ":snapshots"
}

// Ids of deleted messages, kept for one buffer window.
func tombstoneKey(chatID string) string {
	return "chat:" + chatID + ":deleted"
}

// KEYS: list, hash, tombstones. ARGV: id, snapshot, capacity, ttl seconds.
// Returns the number of evicted entries.
var pushScript = redis.NewScript(`
redis.call('SREM', KEYS[3], ARGV[1])
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
	redis.call('EXPIRE', KEYS[1], ARGV[4])
	redis.call('EXPIRE', KEYS[2], ARGV[4])
	return 0
end
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
local capacity = tonumber(ARGV[3])
local evicted = redis.call('LRANGE', KEYS[1], capacity, -1)
if #evicted > 0 then
	redis.call('LTRIM', KEYS[1], 0, capacity - 1)
	for _, id in ipairs(evicted) do
		redis.call('HDEL', KEYS[2], id)
	end
end
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return #evicted
`)

// KEYS: list, hash. Returns snapshots in list order with nil for dangling ids.
var rangeScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
if #ids == 0 then
	return {}
end
return redis.call('HMGET', KEYS[2], unpack(ids))
`)

// KEYS: list, hash, tombstones. ARGV: id, ttl seconds.
var removeScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('EXPIRE', KEYS[3], ARGV[2])
return 1
`)

// KEYS: list, hash. ARGV: ids.
var evictScript = redis.NewScript(`
for _, id in ipairs(ARGV) do
	redis.call('LREM', KEYS[1], 0, id)
	redis.call('HDEL', KEYS[2], id)
end
return #ARGV
`)

// KEYS: hash. ARGV: id, snapshot.
var updateScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

type redisHotBuffer struct {
	client   *redis.Client
	capacity int
	ttl      time.Duration
}

func NewHotBuffer(client *redis.Client, capacity int, ttl time.Duration) repository.HotBuffer {
	return &redisHotBuffer{
		client:   client,
		capacity: capacity,
		ttl:      ttl,
	}
}

func (b *redisHotBuffer) Push(ctx context.Context, snapshot *entity.MessageSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	keys := []string{messageListKey(snapshot.ChatID), snapshotHashKey(snapshot.ChatID), tombstoneKey(snapshot.ChatID)}
	return pushScript.Run(ctx, b.client, keys, snapshot.ID, raw, b.capacity, b.ttlSeconds()).Err()
}

func (b *redisHotBuffer) ttlSeconds() int64 {
	if s := int64(b.ttl / time.Second); s > 0 {
		return s
	}
	return 1
}

func (b *redisHotBuffer) Range(ctx context.Context, chatID string) ([]*entity.MessageSnapshot, error) {
	keys := []string{messageListKey(chatID), snapshotHashKey(chatID)}
	values, err := rangeScript.Run(ctx, b.client, keys).Slice()
	if errors.Is(err, redis.Nil) {
		return []*entity.MessageSnapshot{}, nil
	}
	if err != nil {
		return nil, err
	}

	snapshots := make([]*entity.MessageSnapshot, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var snap entity.MessageSnapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			continue
		}
		snapshots = append(snapshots, &snap)
	}
	return snapshots, nil
}

func (b *redisHotBuffer) Get(ctx context.Context, chatID, messageID string) (*entity.MessageSnapshot, error) {
	raw, err := b.client.HGet(ctx, snapshotHashKey(chatID), messageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap entity.MessageSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", messageID, err)
	}
	return &snap, nil
}

func (b *redisHotBuffer) Update(ctx context.Context, snapshot *entity.MessageSnapshot) (bool, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}

	replaced, err := updateScript.Run(ctx, b.client, []string{snapshotHashKey(snapshot.ChatID)}, snapshot.ID, raw).Int()
	if err != nil {
		return false, err
	}
	return replaced == 1, nil
}

func (b *redisHotBuffer) Remove(ctx context.Context, chatID, messageID string) error {
	keys := []string{messageListKey(chatID), snapshotHashKey(chatID), tombstoneKey(chatID)}
	return removeScript.Run(ctx, b.client, keys, messageID, b.ttlSeconds()).Err()
}

func (b *redisHotBuffer) Deleted(ctx context.Context, chatID, messageID string) (bool, error) {
	return b.client.SIsMember(ctx, tombstoneKey(chatID), messageID).Result()
}

func (b *redisHotBuffer) Evict(ctx context.Context, chatID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	args := make([]interface{}, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	keys := []string{messageListKey(chatID), snapshotHashKey(chatID)}
	return evictScript.Run(ctx, b.client, keys, args...).Err()
}

func (b *redisHotBuffer) Clear(ctx context.Context, chatID string) error {
	return b.client.Del(ctx, messageListKey(chatID), snapshotHashKey(chatID), tombstoneKey(chatID)).Err()
}
