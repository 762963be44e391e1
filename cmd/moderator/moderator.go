package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/ban"
	"github.com/guptmilan/chat-server/internal/metrics"
	"github.com/guptmilan/chat-server/internal/moderation"
	"github.com/guptmilan/chat-server/internal/modstore"
)

// moderator turns report events into bans and keeps count of flags.
type moderator struct {
	bans    *ban.Store
	store   modstore.Store
	timeout time.Duration
	log     *zap.SugaredLogger
}

// handleReport counts the report against the reported identity. Once the
// escalation threshold is reached the ban is applied in Redis, where the
// gateway enforces it, and recorded in the moderation store.
func (m *moderator) handleReport(ev moderation.ReportEvent) {
	if ev.ReportedIdentity == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	duration, err := m.bans.RecordReport(ctx, ev.ReportedIdentity)
	if err != nil {
		m.log.Errorw("report not counted", "report", ev.ReportID, "error", err)
		return
	}

	since := time.Now().Add(-ban.OffenseWindow)
	if n, err := m.store.CountReports(ctx, ev.ReportedIdentity, since); err == nil {
		m.log.Infow("report received", "report", ev.ReportID, "reason", ev.Reason, "stored_reports_24h", n)
	} else {
		m.log.Infow("report received", "report", ev.ReportID, "reason", ev.Reason)
	}

	if duration == 0 {
		return
	}
	metrics.Bans.Inc()

	expires := time.Now().Add(duration)
	rec := &modstore.Ban{Identity: ev.ReportedIdentity, Reason: ban.ReasonReports, ExpiresAt: &expires}
	if err := m.store.SaveBan(ctx, rec); err != nil {
		m.log.Errorw("ban applied but not recorded", "duration", duration, "error", err)
		return
	}
	m.log.Warnw("identity banned", "duration", duration, "report", ev.ReportID)
}

func (m *moderator) handleFlag(ev moderation.FlagEvent) {
	metrics.ContentFlags.WithLabelValues(ev.Term).Inc()
	m.log.Infow("message flagged", "conn", ev.ConnID, "reason", ev.Reason, "term", ev.Term)
}
