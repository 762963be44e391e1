// Package report turns a participant's complaint into its consequences:
// a persisted Report with the conversation tail as evidence, a 24h block
// between the two connections, and the end of the current pairing. The
// reported identity is then announced to the moderator, which decides on
// bans.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/chat"
	"github.com/guptmilan/chat-server/internal/metrics"
	"github.com/guptmilan/chat-server/internal/moderation"
	"github.com/guptmilan/chat-server/internal/modstore"
)

// ErrNoPartner is returned when the reporter is not paired. Nothing is
// recorded.
var ErrNoPartner = errors.New("report: no active partner")

// Pairings is the part of the matching engine a report needs.
type Pairings interface {
	Partner(ctx context.Context, connID string) (string, error)
	Fingerprint(ctx context.Context, connID string) (string, error)
	Release(ctx context.Context, connID string) (string, error)
}

// Blocker records a pair exclusion.
type Blocker interface {
	Block(ctx context.Context, reporter, reported string) error
}

// Transcripts supplies and clears the recent lines of a pair.
type Transcripts interface {
	Get(ctx context.Context, a, b string) ([]chat.BufferedMessage, error)
	Remove(ctx context.Context, a, b string) error
}

// Publisher announces recorded reports. It may be nil.
type Publisher interface {
	PublishReport(ev moderation.ReportEvent) error
}

// Result describes a submitted report. Persisted is false when the
// moderation store was unreachable; the block and release still happened.
type Result struct {
	ReportID   string
	ReportedID string
	Persisted  bool
	StoreErr   error
}

// Service handles report submissions.
type Service struct {
	pairings    Pairings
	store       modstore.Store
	blocks      Blocker
	transcripts Transcripts
	publisher   Publisher
	log         *zap.SugaredLogger
}

// NewService wires a Service. transcripts and publisher may be nil.
func NewService(pairings Pairings, store modstore.Store, blocks Blocker, transcripts Transcripts, publisher Publisher, log *zap.SugaredLogger) *Service {
	return &Service{
		pairings:    pairings,
		store:       store,
		blocks:      blocks,
		transcripts: transcripts,
		publisher:   publisher,
		log:         log,
	}
}

// Submit records a report by reporterID against its current partner, blocks
// the pair and releases the reporter. The caller tells the partner the
// session ended and tells the reporter it may look for a new partner.
func (s *Service) Submit(ctx context.Context, reporterID, reason, evidence string) (Result, error) {
	reportedID, err := s.pairings.Partner(ctx, reporterID)
	if err != nil {
		metrics.Reports.WithLabelValues("failed").Inc()
		return Result{}, err
	}
	if reportedID == "" {
		metrics.Reports.WithLabelValues("no_partner").Inc()
		return Result{}, ErrNoPartner
	}

	// Read everything tied to the pairing before it is dissolved.
	fingerprint, err := s.pairings.Fingerprint(ctx, reportedID)
	if err != nil {
		s.log.Warnw("reported fingerprint unavailable", "reported", reportedID, "error", err)
	}
	rec := &modstore.Report{
		ReporterID:       reporterID,
		ReportedID:       reportedID,
		ReportedIdentity: fingerprint,
		Reason:           reason,
		Evidence:         evidence,
		Messages:         s.snapshot(ctx, reporterID, reportedID),
	}

	res := Result{ReportedID: reportedID, Persisted: true}
	if err := s.store.SaveReport(ctx, rec); err != nil {
		res.Persisted = false
		res.StoreErr = err
		s.log.Errorw("report not persisted", "reporter", reporterID, "reported", reportedID, "error", err)
	}
	res.ReportID = rec.ID

	if err := s.blocks.Block(ctx, reporterID, reportedID); err != nil {
		metrics.Reports.WithLabelValues("failed").Inc()
		return res, fmt.Errorf("report: block: %w", err)
	}
	if _, err := s.pairings.Release(ctx, reporterID); err != nil {
		metrics.Reports.WithLabelValues("failed").Inc()
		return res, fmt.Errorf("report: release: %w", err)
	}
	if s.transcripts != nil {
		if err := s.transcripts.Remove(ctx, reporterID, reportedID); err != nil {
			s.log.Debugw("transcript not removed", "error", err)
		}
	}

	if s.publisher != nil && fingerprint != "" {
		ev := moderation.ReportEvent{
			ReportID:         rec.ID,
			ReporterID:       reporterID,
			ReportedID:       reportedID,
			ReportedIdentity: fingerprint,
			Reason:           rec.Reason,
			Ts:               time.Now().Unix(),
		}
		if err := s.publisher.PublishReport(ev); err != nil {
			s.log.Warnw("report event not published", "report", rec.ID, "error", err)
		}
	}

	metrics.Reports.WithLabelValues("recorded").Inc()
	s.log.Infow("report recorded", "report", rec.ID, "reporter", reporterID, "reported", reportedID, "persisted", res.Persisted)
	return res, nil
}

// snapshot returns the pair's recent lines with senders anonymised to
// "reporter" and "reported".
func (s *Service) snapshot(ctx context.Context, reporterID, reportedID string) []modstore.MessageEntry {
	if s.transcripts == nil {
		return nil
	}
	msgs, err := s.transcripts.Get(ctx, reporterID, reportedID)
	if err != nil {
		s.log.Warnw("transcript unavailable", "error", err)
		return nil
	}
	out := make([]modstore.MessageEntry, 0, len(msgs))
	for _, m := range msgs {
		from := "reported"
		if m.From == reporterID {
			from = "reporter"
		}
		out = append(out, modstore.MessageEntry{From: from, Text: m.Text, Ts: m.Ts})
	}
	return out
}
