package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"gamechat/internal/domain/repository"
)

func participantsKey(chatID string) string {
	return "chat:" + chatID + ":participants"
}

func rosterVersionKey(chatID string) string {
	return "chat:" + chatID + ":participants:version"
}

// The version key outlives any roster load in flight.
const rosterVersionTTL = 24 * time.Hour

// KEYS: roster, version. ARGV: roster (empty deletes), ttl ms, version ttl ms.
var setRosterScript = redis.NewScript(`
if ARGV[1] == '' then
	redis.call('DEL', KEYS[1])
else
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
local v = redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return v
`)

// KEYS: roster, version. ARGV: expected version, roster, ttl ms.
var fillRosterScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if not current then
	current = '0'
end
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

func millis(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

type redisParticipantCache struct {
	client *redis.Client
}

func NewParticipantCache(client *redis.Client) repository.ParticipantCache {
	return &redisParticipantCache{client: client}
}

func (c *redisParticipantCache) Get(ctx context.Context, chatID string) ([]string, bool, error) {
	raw, err := c.client.Get(ctx, participantsKey(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var participants []string
	if err := json.Unmarshal(raw, &participants); err != nil {
		// A corrupt entry is treated as a miss and overwritten on the next load.
		return nil, false, nil
	}
	return participants, true, nil
}

func (c *redisParticipantCache) Set(ctx context.Context, chatID string, participants []string, ttl time.Duration) error {
	raw, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	return c.writeRoster(ctx, chatID, string(raw), ttl)
}

func (c *redisParticipantCache) Invalidate(ctx context.Context, chatID string) error {
	return c.writeRoster(ctx, chatID, "", 0)
}

func (c *redisParticipantCache) writeRoster(ctx context.Context, chatID, raw string, ttl time.Duration) error {
	keys := []string{participantsKey(chatID), rosterVersionKey(chatID)}
	return setRosterScript.Run(ctx, c.client, keys, raw, millis(ttl), millis(rosterVersionTTL)).Err()
}

func (c *redisParticipantCache) Version(ctx context.Context, chatID string) (int64, error) {
	v, err := c.client.Get(ctx, rosterVersionKey(chatID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (c *redisParticipantCache) Fill(ctx context.Context, chatID string, participants []string, ttl time.Duration, version int64) (bool, error) {
	raw, err := json.Marshal(participants)
	if err != nil {
		return false, fmt.Errorf("encode participants: %w", err)
	}

	keys := []string{participantsKey(chatID), rosterVersionKey(chatID)}
	written, err := fillRosterScript.Run(ctx, c.client, keys, strconv.FormatInt(version, 10), string(raw), millis(ttl)).Int()
	if err != nil {
		return false, err
	}
	return written == 1, nil
}

func (c *redisParticipantCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
