package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/metrics"
	"github.com/guptmilan/chat-server/internal/session"
)

const (
	// MaxTags caps how many tags a request may declare.
	MaxTags = 10
	// MaxTagRunes caps the length of a single tag.
	MaxTagRunes = 32
	// MaxNicknameRunes caps a nickname after trimming.
	MaxNicknameRunes = 24
	// MaxLocationRunes caps a location after trimming.
	MaxLocationRunes = 48

	DefaultNickname = "Stranger"
	DefaultLocation = "Unknown"

	// maxPopsPerRegistry bounds how many unusable candidates (self, stale
	// or blocked) one registry may yield before the scan moves on.
	maxPopsPerRegistry = 3
)

// Roles assigned on a match. The candidate that was already waiting sends
// the negotiation offer.
const (
	RoleOfferer  = "offerer"
	RoleAnswerer = "answerer"
)

var (
	// ErrInvalidChatType is returned for chat types other than text/video.
	ErrInvalidChatType = errors.New("matching: invalid chat type")
	// ErrSessionGone means the requester's session vanished mid-request,
	// usually because the connection was released concurrently.
	ErrSessionGone = errors.New("matching: session gone")
)

// BlockChecker reports whether two connections must not be paired.
type BlockChecker interface {
	Blocked(ctx context.Context, a, b string) (bool, error)
}

// Request is a find-partner request from one connection.
type Request struct {
	ConnID      string
	Type        string
	Tags        []string
	Nickname    string
	Location    string
	Fingerprint string
}

// Outcome is the result of RequestMatch. PartnerID is empty while waiting.
type Outcome struct {
	PartnerID       string
	PartnerNickname string
	PartnerLocation string
	Role            string
}

// Matched reports whether the request was paired immediately.
func (o Outcome) Matched() bool {
	return o.PartnerID != ""
}

// Engine pairs waiting connections using the session store and the queue
// registries. It holds no pairing state of its own.
type Engine struct {
	sessions *session.Store
	queue    *Queue
	blocks   BlockChecker
	log      *zap.SugaredLogger
}

// NewEngine creates an Engine. blocks may be nil to disable exclusion checks.
func NewEngine(sessions *session.Store, queue *Queue, blocks BlockChecker, log *zap.SugaredLogger) *Engine {
	return &Engine{sessions: sessions, queue: queue, blocks: blocks, log: log}
}

// Queue returns the registries used by the engine.
func (e *Engine) Queue() *Queue {
	return e.queue
}

// ValidType reports whether chatType is a supported chat type.
func ValidType(chatType string) bool {
	return chatType == session.TypeText || chatType == session.TypeVideo
}

// NormalizeTags trims and lower-cases tags, dropping empties and duplicates
// while keeping the caller's order. Overlong tags are truncated and the list
// is capped at MaxTags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		tag = truncateRunes(tag, MaxTagRunes)
		if seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}

// RequestMatch stores a fresh waiting session for req.ConnID and tries to
// pair it with a live candidate from its registries. With no candidate the
// requester is listed in every declared registry and the outcome is waiting.
func (e *Engine) RequestMatch(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	defer func() { metrics.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if !ValidType(req.Type) {
		return Outcome{}, ErrInvalidChatType
	}
	tags := NormalizeTags(req.Tags)

	sess := &session.Session{
		ID:          req.ConnID,
		Type:        req.Type,
		Tags:        session.EncodeTags(tags),
		Nickname:    cleanText(req.Nickname, MaxNicknameRunes),
		Location:    cleanText(req.Location, MaxLocationRunes),
		Fingerprint: req.Fingerprint,
	}
	if err := e.sessions.CreateWaiting(ctx, sess); err != nil {
		metrics.MatchRequests.WithLabelValues("error").Inc()
		return Outcome{}, err
	}

	registries := Registries(req.Type, tags)
	for _, key := range registries {
		partner, err := e.scan(ctx, req.ConnID, key)
		if err != nil {
			metrics.MatchRequests.WithLabelValues("error").Inc()
			return Outcome{}, err
		}
		if partner == "" {
			continue
		}

		out, err := e.matched(ctx, partner, key)
		if err != nil {
			metrics.MatchRequests.WithLabelValues("error").Inc()
			return Outcome{}, err
		}
		metrics.MatchRequests.WithLabelValues("matched").Inc()
		e.log.Debugw("matched", "conn", req.ConnID, "partner", partner, "registry", key)
		return out, nil
	}

	if err := e.queue.Add(ctx, req.ConnID, registries...); err != nil {
		metrics.MatchRequests.WithLabelValues("error").Inc()
		return Outcome{}, err
	}
	metrics.MatchRequests.WithLabelValues("waiting").Inc()
	e.log.Debugw("waiting", "conn", req.ConnID, "registries", registries)
	return Outcome{}, nil
}

// scan pops candidates from one registry until one pairs with connID or the
// registry yields nothing usable. Skipped candidates go back into the
// registry once the scan of it is over, unless they were paired elsewhere
// in the meantime.
func (e *Engine) scan(ctx context.Context, connID, key string) (partner string, err error) {
	var skipped []string
	defer func() {
		for _, id := range skipped {
			listed, addErr := e.queue.Requeue(ctx, id, key)
			if addErr != nil {
				if err == nil {
					err = addErr
				}
				continue
			}
			if !listed {
				e.log.Debugw("skipped candidate no longer waiting", "candidate", id, "registry", key)
			}
		}
	}()

	for i := 0; i < maxPopsPerRegistry; i++ {
		cand, ok, err := e.queue.Pop(ctx, key)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		if cand == connID {
			metrics.QueueDiscards.WithLabelValues("self").Inc()
			continue
		}

		if e.blocks != nil {
			blocked, err := e.blocks.Blocked(ctx, connID, cand)
			if err != nil {
				skipped = append(skipped, cand)
				return "", err
			}
			if blocked {
				metrics.QueueDiscards.WithLabelValues("blocked").Inc()
				skipped = append(skipped, cand)
				continue
			}
		}

		res, err := e.sessions.Pair(ctx, connID, cand)
		if err != nil {
			skipped = append(skipped, cand)
			return "", err
		}
		switch res {
		case session.PairOK:
			return cand, nil
		case session.PairRequesterGone:
			skipped = append(skipped, cand)
			return "", ErrSessionGone
		default:
			metrics.QueueDiscards.WithLabelValues("stale").Inc()
			e.log.Debugw("discarded stale candidate", "conn", connID, "candidate", cand, "registry", key)
		}
	}
	return "", nil
}

// matched completes a pairing: it clears the partner's other registry
// memberships and reads the partner attributes for the outcome.
func (e *Engine) matched(ctx context.Context, partnerID, poppedFrom string) (Outcome, error) {
	partner, err := e.sessions.Get(ctx, partnerID)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		PartnerID:       partnerID,
		PartnerNickname: DefaultNickname,
		PartnerLocation: DefaultLocation,
		Role:            RoleAnswerer,
	}
	if partner == nil {
		return out, nil
	}
	if partner.Nickname != "" {
		out.PartnerNickname = partner.Nickname
	}
	if partner.Location != "" {
		out.PartnerLocation = partner.Location
	}

	var rest []string
	for _, key := range Registries(partner.Type, partner.TagList()) {
		if key != poppedFrom {
			rest = append(rest, key)
		}
	}
	if err := e.queue.Remove(ctx, partnerID, rest...); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Release removes connID from every registry it may be listed in, deletes
// its session and dissolves the partner's half of a pairing. It returns the
// former partner id, or "" when there was none. Safe to call repeatedly.
func (e *Engine) Release(ctx context.Context, connID string) (string, error) {
	sess, err := e.sessions.Get(ctx, connID)
	if err != nil {
		return "", err
	}

	keys := []string{GlobalKey(session.TypeText), GlobalKey(session.TypeVideo)}
	if sess != nil && ValidType(sess.Type) {
		for _, tag := range sess.TagList() {
			keys = append(keys, TagKey(sess.Type, tag))
		}
	}
	if err := e.queue.Remove(ctx, connID, keys...); err != nil {
		return "", err
	}

	partner, err := e.sessions.Unpair(ctx, connID)
	if err != nil {
		return "", err
	}
	if partner != "" {
		e.log.Debugw("released pair", "conn", connID, "partner", partner)
	}
	return partner, nil
}

// Touch keeps connID's session alive for another session.TTL. It reports
// false when connID has no session.
func (e *Engine) Touch(ctx context.Context, connID string) (bool, error) {
	return e.sessions.Touch(ctx, connID)
}

// Partner returns the current partner of connID, or "".
func (e *Engine) Partner(ctx context.Context, connID string) (string, error) {
	sess, err := e.sessions.Get(ctx, connID)
	if err != nil {
		return "", err
	}
	if sess == nil || !sess.Paired() {
		return "", nil
	}
	return sess.Partner, nil
}

// Nickname returns connID's nickname, DefaultNickname when unset or absent.
func (e *Engine) Nickname(ctx context.Context, connID string) (string, error) {
	return e.fieldOr(ctx, connID, "nickname", DefaultNickname)
}

// Location returns connID's location, DefaultLocation when unset or absent.
func (e *Engine) Location(ctx context.Context, connID string) (string, error) {
	return e.fieldOr(ctx, connID, "location", DefaultLocation)
}

// Fingerprint returns the hashed client identifier stored with connID's
// session, or "".
func (e *Engine) Fingerprint(ctx context.Context, connID string) (string, error) {
	return e.fieldOr(ctx, connID, "fingerprint", "")
}

func (e *Engine) fieldOr(ctx context.Context, connID, field, def string) (string, error) {
	v, err := e.sessions.Field(ctx, connID, field)
	if err != nil {
		return def, fmt.Errorf("matching: read %s: %w", field, err)
	}
	if v == "" {
		return def, nil
	}
	return v, nil
}

func cleanText(s string, max int) string {
	return truncateRunes(strings.TrimSpace(s), max)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
