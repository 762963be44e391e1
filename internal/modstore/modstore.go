// Package modstore persists reports and bans for later review. Records are
// append-only; the live enforcement state (blocks, ban keys, offense
// counters) stays in Redis and is owned by package ban.
package modstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultReason is stored when a reporter gives no reason.
const DefaultReason = "No reason provided"

// MaxReasonRunes and MaxEvidenceRunes bound free-text fields.
const (
	MaxReasonRunes   = 200
	MaxEvidenceRunes = 2000
)

var (
	// ErrUnavailable wraps any backend failure so callers can degrade
	// without knowing which adapter is configured.
	ErrUnavailable = errors.New("modstore: unavailable")
	// ErrInvalidRecord is returned for records missing required fields.
	ErrInvalidRecord = errors.New("modstore: invalid record")
)

// MessageEntry is one relayed message attached to a report as evidence.
type MessageEntry struct {
	From string `json:"from" bson:"from"` // "reporter" or "reported"
	Text string `json:"text" bson:"text"`
	Ts   int64  `json:"ts" bson:"ts"`
}

// Report is a single complaint against a paired partner.
type Report struct {
	ID               string         `bson:"_id"`
	ReporterID       string         `bson:"reporter_id"`
	ReportedID       string         `bson:"reported_id"`
	ReportedIdentity string         `bson:"reported_identity"` // hashed client identifier
	Reason           string         `bson:"reason"`
	Evidence         string         `bson:"evidence,omitempty"`
	Messages         []MessageEntry `bson:"messages,omitempty"`
	CreatedAt        time.Time      `bson:"created_at"`
}

// Ban records a ban decision. ExpiresAt is nil for a permanent ban.
type Ban struct {
	Identity  string     `bson:"identity"`
	Reason    string     `bson:"reason"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	CreatedAt time.Time  `bson:"created_at"`
}

// Store is the persistence contract for reports and bans.
type Store interface {
	SaveReport(ctx context.Context, r *Report) error
	SaveBan(ctx context.Context, b *Ban) error
	// CountReports returns reports against identity created at or after since.
	CountReports(ctx context.Context, identity string, since time.Time) (int, error)
	Close(ctx context.Context) error
}

// Prepare fills defaults (id, reason, timestamp) and checks required
// fields. Adapters call it before writing.
func (r *Report) Prepare() error {
	if r.ReporterID == "" || r.ReportedID == "" {
		return ErrInvalidRecord
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Reason = truncate(strings.TrimSpace(r.Reason), MaxReasonRunes)
	if r.Reason == "" {
		r.Reason = DefaultReason
	}
	r.Evidence = truncate(strings.TrimSpace(r.Evidence), MaxEvidenceRunes)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Prepare fills the timestamp and checks required fields.
func (b *Ban) Prepare() error {
	if b.Identity == "" {
		return ErrInvalidRecord
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// Nop accepts and discards every record. It backs MODERATION_STORE=none.
type Nop struct{}

func (Nop) SaveReport(_ context.Context, r *Report) error { return r.Prepare() }
func (Nop) SaveBan(_ context.Context, b *Ban) error { return b.Prepare() }
func (Nop) CountReports(context.Context, string, time.Time) (int, error) {
	return 0, nil
}
func (Nop) Close(context.Context) error { return nil }
