package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/guptmilan/chat-server/internal/session"
)

const (
	// Registry key patterns. Tag registries carry a "tag:" segment so a tag
	// literally named "global" cannot collide with the global registry.
	keyQueuePrefix = "queue:"
	globalSuffix   = ":global"
	tagSegment     = ":tag:"
)

// GlobalKey returns the registry for untagged requests of chatType.
func GlobalKey(chatType string) string {
	return keyQueuePrefix + chatType + globalSuffix
}

// TagKey returns the registry for (chatType, tag).
func TagKey(chatType, tag string) string {
	return keyQueuePrefix + chatType + tagSegment + tag
}

// Registries returns the registries a waiting session with these tags is
// listed in: one per tag in caller order, or the global registry when there
// are none.
func Registries(chatType string, tags []string) []string {
	if len(tags) == 0 {
		return []string{GlobalKey(chatType)}
	}
	keys := make([]string, 0, len(tags))
	for _, tag := range tags {
		keys = append(keys, TagKey(chatType, tag))
	}
	return keys
}

// Queue is the set of Redis registries holding waiting connection ids.
type Queue struct {
	rdb           *redis.Client
	requeueScript *redis.Script
}

// NewQueue creates a new matching queue backed by Redis.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, requeueScript: redis.NewScript(requeueLua)}
}

// Pop atomically removes and returns one arbitrary member of a registry.
// ok is false when the registry is empty.
func (q *Queue) Pop(ctx context.Context, key string) (id string, ok bool, err error) {
	id, err = q.rdb.SPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("matching: pop %s: %w", key, err)
	}
	return id, true, nil
}

// Add lists id in every given registry.
func (q *Queue) Add(ctx context.Context, id string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := q.rdb.Pipeline()
	for _, key := range keys {
		pipe.SAdd(ctx, key, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("matching: add %s: %w", id, err)
	}
	return nil
}

// Requeue lists id in key again, but only while its session is still
// waiting. It reports whether id was listed.
func (q *Queue) Requeue(ctx context.Context, id, key string) (bool, error) {
	n, err := q.requeueScript.Run(ctx, q.rdb, []string{key, session.Key(id)}, id).Int()
	if err != nil {
		return false, fmt.Errorf("matching: requeue %s: %w", id, err)
	}
	return n == 1, nil
}

// Remove deletes id from every given registry. Absent members are ignored.
func (q *Queue) Remove(ctx context.Context, id string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := q.rdb.Pipeline()
	for _, key := range keys {
		pipe.SRem(ctx, key, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("matching: remove %s: %w", id, err)
	}
	return nil
}

// Members returns the current members of a registry.
func (q *Queue) Members(ctx context.Context, key string) ([]string, error) {
	ids, err := q.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: members %s: %w", key, err)
	}
	return ids, nil
}

// Contains reports whether id is listed in the registry.
func (q *Queue) Contains(ctx context.Context, key, id string) (bool, error) {
	ok, err := q.rdb.SIsMember(ctx, key, id).Result()
	if err != nil {
		return false, fmt.Errorf("matching: ismember %s: %w", key, err)
	}
	return ok, nil
}

// AllKeys lists every registry currently present in Redis.
func (q *Queue) AllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := q.rdb.Scan(ctx, 0, keyQueuePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("matching: scan registries: %w", err)
	}
	return keys, nil
}

// Size returns the total number of waiting entries across all registries.
// A session listed under several tags counts once per tag.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	keys, err := q.AllKeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.SCard(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("matching: queue size: %w", err)
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// requeueLua adds ARGV[1] to the registry KEYS[1] if the session hash
// KEYS[2] is waiting.
const requeueLua = `
if redis.call('HGET', KEYS[2], 'status') ~= 'waiting' then return 0 end
redis.call('SADD', KEYS[1], ARGV[1])
return 1
`
