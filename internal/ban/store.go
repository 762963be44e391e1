// Package ban holds the two Redis-backed exclusions of the safety layer:
// identity bans, checked when a client connects, and block pairs, checked
// by the matching engine before two connections are paired.
//
//	ban:<identity>          reason, TTL = ban duration
//	offenses:<identity>     report counter, TTL = OffenseWindow
//	block:<reporter>:<reported>  "1", TTL = BlockTTL
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	banPrefix     = "ban:"
	offensePrefix = "offenses:"

	// Escalating ban durations.
	FirstBan  = 15 * time.Minute
	SecondBan = 1 * time.Hour
	MaxBan    = 24 * time.Hour

	// OffenseWindow is how long reports against an identity are counted.
	OffenseWindow = 24 * time.Hour

	// AutoBanThreshold is the number of reports within OffenseWindow that
	// triggers a ban.
	AutoBanThreshold = 3

	// ReasonReports is recorded on bans issued by report escalation.
	ReasonReports = "multiple_reports"
)

// Status describes an active ban.
type Status struct {
	Banned     bool
	Reason     string
	RetryAfter time.Duration // zero when the TTL could not be read
}

// Store manages identity bans in Redis. Identities are hashed client
// identifiers, never raw addresses.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check reports whether identity is currently banned. Redis errors are
// returned so the caller can decide to fail open.
func (s *Store) Check(ctx context.Context, identity string) (Status, error) {
	key := banPrefix + identity

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: check: %w", err)
	}

	st := Status{Banned: true, Reason: reason}
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		st.RetryAfter = ttl
	}
	return st, nil
}

// Ban bans identity for duration.
func (s *Store) Ban(ctx context.Context, identity string, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, banPrefix+identity, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, banPrefix+identity).Err(); err != nil {
		return fmt.Errorf("ban: unban: %w", err)
	}
	return nil
}

// Offenses returns the number of reports counted against identity in the
// current window.
func (s *Store) Offenses(ctx context.Context, identity string) (int, error) {
	n, err := s.client.Get(ctx, offensePrefix+identity).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offenses: %w", err)
	}
	return n, nil
}

// escalation returns the ban duration for the n-th report in a window.
func escalation(n int64) time.Duration {
	switch {
	case n <= AutoBanThreshold:
		return FirstBan
	case n == AutoBanThreshold+1:
		return SecondBan
	default:
		return MaxBan
	}
}

// RecordReport counts a report against identity. Once AutoBanThreshold
// reports fall within OffenseWindow the identity is banned, for longer with
// each further report. It returns the applied duration, zero if no ban.
func (s *Store) RecordReport(ctx context.Context, identity string) (time.Duration, error) {
	key := offensePrefix + identity

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: report incr: %w", err)
	}
	// The window is fixed from the first report; later reports don't slide it.
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffenseWindow).Err(); err != nil {
			return 0, fmt.Errorf("ban: report expire: %w", err)
		}
	}

	if count < AutoBanThreshold {
		return 0, nil
	}
	duration := escalation(count)
	if err := s.Ban(ctx, identity, duration, ReasonReports); err != nil {
		return 0, err
	}
	return duration, nil
}
