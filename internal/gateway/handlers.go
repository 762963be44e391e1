package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/guptmilan/chat-server/internal/chat"
	"github.com/guptmilan/chat-server/internal/matching"
	"github.com/guptmilan/chat-server/internal/metrics"
	"github.com/guptmilan/chat-server/internal/moderation"
	"github.com/guptmilan/chat-server/internal/protocol"
	"github.com/guptmilan/chat-server/internal/ratelimit"
	"github.com/guptmilan/chat-server/internal/report"
	"github.com/guptmilan/chat-server/internal/ws"
)

// findPartner leaves any current pairing, then asks the engine for a new
// one. Both sides of a match get match_found with their role.
func (g *Gateway) findPartner(ctx context.Context, c *ws.Connection, msg interface{}) {
	m := msg.(protocol.FindPartnerMsg)
	if !g.allowControl(ctx, c) {
		return
	}
	if !matching.ValidType(m.ChatType) {
		g.sendError(ctx, c.ID, "invalid_chat_type", msgInvalidType)
		return
	}
	if !g.leave(ctx, c.ID) {
		g.system(ctx, c.ID, msgMatchingDown)
		return
	}

	tags := m.Tags
	if g.Filter != nil {
		tags = g.Filter.CheckInterests(tags)
	}

	out, err := g.Engine.RequestMatch(ctx, matching.Request{
		ConnID:      c.ID,
		Type:        m.ChatType,
		Tags:        tags,
		Nickname:    moderation.Censor(m.Nickname),
		Location:    m.Location,
		Fingerprint: c.Identity,
	})
	switch {
	case isSessionGone(err):
		// Released concurrently, e.g. the socket closed mid-request.
		g.Log.Debugw("requester gone during match", "conn", c.ID)
		return
	case err != nil:
		g.health.fail("matching", err)
		g.system(ctx, c.ID, msgMatchingDown)
		return
	}
	g.health.ok("matching")

	if !out.Matched() {
		g.send(ctx, c.ID, protocol.TypeWaiting, protocol.WaitingMsg{Message: msgWaiting})
		return
	}

	g.send(ctx, c.ID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		PartnerID:       out.PartnerID,
		PartnerNickname: out.PartnerNickname,
		PartnerLocation: out.PartnerLocation,
		Role:            out.Role,
	})

	nick, err := g.Engine.Nickname(ctx, c.ID)
	if err != nil {
		g.Log.Debugw("nickname read failed", "conn", c.ID, "error", err)
	}
	loc, err := g.Engine.Location(ctx, c.ID)
	if err != nil {
		g.Log.Debugw("location read failed", "conn", c.ID, "error", err)
	}
	g.send(ctx, out.PartnerID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		PartnerID:       c.ID,
		PartnerNickname: nick,
		PartnerLocation: loc,
		Role:            matching.RoleOfferer,
	})
}

// signal forwards a negotiation payload to the sender's partner. A "to"
// naming anyone else is refused.
func (g *Gateway) signal(ctx context.Context, c *ws.Connection, msg interface{}) {
	m := msg.(protocol.SignalMsg)
	partner, ok := g.partner(ctx, c.ID)
	if !ok {
		return
	}
	if partner == "" {
		g.sendError(ctx, c.ID, "not_paired", msgNotPaired)
		return
	}
	if m.To != "" && m.To != partner {
		g.sendError(ctx, c.ID, "not_paired", msgNotPaired)
		return
	}
	if err := g.Relay.Forward(ctx, m.Type, c.ID, partner, m.Payload()); err != nil {
		g.Log.Warnw("signal not relayed", "conn", c.ID, "kind", m.Type, "error", err)
	}
}

// sendMessage validates, throttles and censors a chat line, keeps it for
// report evidence and delivers it to the partner. Flagged lines are still
// delivered; the moderator hears about them.
func (g *Gateway) sendMessage(ctx context.Context, c *ws.Connection, msg interface{}) {
	m := msg.(protocol.SendMessageMsg)
	if err := chat.ValidateMessage(m.Content); err != nil {
		metrics.ChatMessages.WithLabelValues("invalid").Inc()
		g.sendError(ctx, c.ID, "invalid_message", msgInvalidMessage+" "+err.Error())
		return
	}

	ok, err := g.Limiter.Allow(ctx, c.ID, ratelimit.RuleMessage)
	if err != nil {
		g.health.fail("ratelimit", err)
	} else {
		g.health.ok("ratelimit")
	}
	if !ok {
		metrics.ChatMessages.WithLabelValues("rate_limited").Inc()
		g.sendError(ctx, c.ID, "rate_limited", msgRateLimited)
		return
	}

	partner, ok := g.partner(ctx, c.ID)
	if !ok {
		return
	}
	if partner == "" {
		g.sendError(ctx, c.ID, "not_paired", msgNotPaired)
		return
	}

	text := m.Content
	if moderation.ContainsProfanity(text) {
		text = moderation.Censor(text)
		metrics.ChatMessages.WithLabelValues("censored").Inc()
	}
	g.flag(c, m.Content)

	if g.History != nil {
		line := chat.BufferedMessage{From: c.ID, Text: text, Ts: time.Now().UnixMilli()}
		if err := g.History.Add(ctx, c.ID, partner, line); err != nil {
			g.Log.Debugw("history not kept", "conn", c.ID, "error", err)
		}
	}

	g.send(ctx, partner, protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{From: c.ID, Content: text})
	metrics.ChatMessages.WithLabelValues("relayed").Inc()
}

func (g *Gateway) flag(c *ws.Connection, text string) {
	if g.Filter == nil {
		return
	}
	res := g.Filter.Check(text)
	if !res.Blocked {
		return
	}
	metrics.ContentFlags.WithLabelValues(res.Term).Inc()
	if g.Flagger == nil {
		return
	}
	ev := moderation.FlagEvent{
		ConnID:   c.ID,
		Identity: c.Identity,
		Reason:   res.Reason,
		Term:     res.Term,
		Ts:       time.Now().Unix(),
	}
	if err := g.Flagger.PublishFlag(ev); err != nil {
		g.Log.Debugw("flag not published", "conn", c.ID, "error", err)
	}
}

func (g *Gateway) typing(ctx context.Context, c *ws.Connection, msg interface{}) {
	m := msg.(protocol.TypingMsg)
	partner, _ := g.partner(ctx, c.ID)
	if partner == "" {
		return
	}
	g.send(ctx, partner, protocol.TypePartnerTyping, protocol.PartnerTypingMsg{IsTyping: m.IsTyping})
}

// reportUser records a report against the partner, ends the pairing and
// lets the reporter look for someone new.
func (g *Gateway) reportUser(ctx context.Context, c *ws.Connection, msg interface{}) {
	m := msg.(protocol.ReportUserMsg)
	if !g.allowControl(ctx, c) {
		return
	}

	res, err := g.Reports.Submit(ctx, c.ID, m.Reason, m.Evidence)
	switch {
	case errors.Is(err, report.ErrNoPartner):
		g.system(ctx, c.ID, msgNotPaired)
		return
	case err != nil && res.ReportedID == "":
		g.health.fail("reports", err)
		g.system(ctx, c.ID, msgReportFailed)
		return
	case err != nil:
		// Recorded, but the block or release step failed. End the pairing
		// anyway so the reporter is not left talking to the reported user.
		g.health.fail("reports", err)
		if _, rerr := g.Engine.Release(ctx, c.ID); rerr != nil {
			g.health.fail("matching", rerr)
			g.system(ctx, c.ID, msgReportFailed)
			return
		}
	default:
		g.health.ok("reports")
	}
	if res.Persisted {
		g.health.ok("moderation_store")
	} else {
		g.health.fail("moderation_store", res.StoreErr)
	}

	g.send(ctx, res.ReportedID, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{From: c.ID, Message: msgPartnerLeft})
	g.system(ctx, c.ID, msgReported)
	g.send(ctx, c.ID, protocol.TypeReadyForNext, protocol.ReadyForNextMsg{})
}

// nextPartner ends the current pairing, if any.
func (g *Gateway) nextPartner(ctx context.Context, c *ws.Connection, _ interface{}) {
	if !g.allowControl(ctx, c) {
		return
	}
	if !g.leave(ctx, c.ID) {
		g.system(ctx, c.ID, msgMatchingDown)
		return
	}
	g.send(ctx, c.ID, protocol.TypeReadyForNext, protocol.ReadyForNextMsg{})
}
