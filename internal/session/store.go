package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the Redis key prefix for all session hashes.
	Prefix = "session:"

	// TTL bounds how long a session survives without a touch, so a
	// crashed instance cannot leave records behind forever. Live
	// connections are touched on every heartbeat.
	TTL = 1 * time.Hour

	StatusWaiting = "waiting"
	StatusPaired  = "paired"

	TypeText  = "text"
	TypeVideo = "video"
)

// Results of Pair.
const (
	PairOK            = 1  // both sessions are now paired with each other
	PairCandidateGone = 0  // candidate is absent or no longer waiting
	PairRequesterGone = -1 // requester is absent or no longer waiting
)

// Session is one connection's state as stored in Redis.
type Session struct {
	ID          string `redis:"id"`
	Type        string `redis:"type"`        // text | video
	Tags        string `redis:"tags"`        // JSON array, normalized, caller order
	Status      string `redis:"status"`      // waiting | paired
	Partner     string `redis:"partner"`     // empty unless paired
	Nickname    string `redis:"nickname"`
	Location    string `redis:"location"`
	Fingerprint string `redis:"fingerprint"` // hashed client identifier
	Server      string `redis:"server"`      // instance owning the socket
	CreatedAt   int64  `redis:"created_at"`
	LastActive  int64  `redis:"last_active"`
}

// TagList decodes the stored tag list. A malformed value yields no tags.
func (s *Session) TagList() []string {
	if s.Tags == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s.Tags), &tags); err != nil {
		return nil
	}
	return tags
}

// EncodeTags renders tags in the form stored on the session hash.
func EncodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// Paired reports whether the session currently has a partner.
func (s *Session) Paired() bool {
	return s.Status == StatusPaired && s.Partner != ""
}

// Store manages session hashes in Redis.
type Store struct {
	client       *redis.Client
	serverName   string
	pairScript   *redis.Script
	unpairScript *redis.Script
	touchScript  *redis.Script
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{
		client:       client,
		serverName:   serverName,
		pairScript:   redis.NewScript(pairLua),
		unpairScript: redis.NewScript(unpairLua),
		touchScript:  redis.NewScript(touchLua),
	}
}

// Key returns the Redis key of a session hash.
func Key(id string) string {
	return Prefix + id
}

// CreateWaiting writes a fresh waiting session for id, replacing any record
// already stored under that key.
func (s *Store) CreateWaiting(ctx context.Context, sess *Session) error {
	tags := sess.Tags
	if tags == "" {
		tags = "[]"
	}

	key := Key(sess.ID)
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sess.ID,
		"type":        sess.Type,
		"tags":        tags,
		"status":      StatusWaiting,
		"partner":     "",
		"nickname":    sess.Nickname,
		"location":    sess.Location,
		"fingerprint": sess.Fingerprint,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sess.ID, err)
	}
	return nil
}

// Get retrieves a session. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, Key(id)).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Field reads a single field of a session hash. Missing sessions and
// fields both yield "".
func (s *Store) Field(ctx context.Context, id, field string) (string, error) {
	v, err := s.client.HGet(ctx, Key(id), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: get %s.%s: %w", id, field, err)
	}
	return v, nil
}

// Exists reports whether a session record is stored for id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, Key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("session: exists %s: %w", id, err)
	}
	return n == 1, nil
}

// Pair links requester and candidate when both are still waiting. The
// return value is one of PairOK, PairCandidateGone or PairRequesterGone.
func (s *Store) Pair(ctx context.Context, requester, candidate string) (int, error) {
	keys := []string{Key(requester), Key(candidate)}
	res, err := s.pairScript.Run(ctx, s.client, keys,
		requester, candidate, time.Now().Unix(), int(TTL.Seconds())).Int()
	if err != nil {
		return PairRequesterGone, fmt.Errorf("session: pair %s/%s: %w", requester, candidate, err)
	}
	return res, nil
}

// Unpair deletes id's session and, if the partner still points back at
// id, the partner's session too. It returns the former partner id ("" when
// there was none). Unknown ids are a no-op.
func (s *Store) Unpair(ctx context.Context, id string) (string, error) {
	partner, err := s.unpairScript.Run(ctx, s.client, []string{Key(id)}, id, Prefix).Text()
	if err != nil {
		return "", fmt.Errorf("session: unpair %s: %w", id, err)
	}
	return partner, nil
}

// Touch refreshes last_active and the TTL of an existing session. It
// reports false when there is no session for id; a released session is
// never recreated.
func (s *Store) Touch(ctx context.Context, id string) (bool, error) {
	n, err := s.touchScript.Run(ctx, s.client, []string{Key(id)},
		time.Now().Unix(), int(TTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("session: touch %s: %w", id, err)
	}
	return n == 1, nil
}

// Delete removes a session hash.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, Key(id)).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	return nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}

// pairLua pairs KEYS[1] (requester) with KEYS[2] (candidate). The candidate
// is checked first so a race loss on the candidate side never disturbs the
// requester.
const pairLua = `
local req_key = KEYS[1]
local cand_key = KEYS[2]
local req_id = ARGV[1]
local cand_id = ARGV[2]
local now = ARGV[3]
local ttl = tonumber(ARGV[4])

if redis.call('HGET', cand_key, 'status') ~= 'waiting' then return 0 end
if redis.call('HGET', req_key, 'status') ~= 'waiting' then return -1 end

redis.call('HSET', req_key, 'status', 'paired', 'partner', cand_id, 'last_active', now)
redis.call('HSET', cand_key, 'status', 'paired', 'partner', req_id, 'last_active', now)
redis.call('EXPIRE', req_key, ttl)
redis.call('EXPIRE', cand_key, ttl)
return 1
`

// unpairLua deletes KEYS[1] and dissolves the partner's half of the pair.
const unpairLua = `
local key = KEYS[1]
local id = ARGV[1]
local prefix = ARGV[2]

local partner = redis.call('HGET', key, 'partner')
redis.call('DEL', key)

if not partner or partner == '' then return '' end

local partner_key = prefix .. partner
if redis.call('HGET', partner_key, 'partner') == id then
    redis.call('DEL', partner_key)
end
return partner
`

// touchLua refreshes KEYS[1] only if it still exists.
const touchLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'last_active', ARGV[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
return 1
`
