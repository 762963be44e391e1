// Package gateway connects the WebSocket transport to pairing, relaying and
// the safety layer. Each client message type has one handler; handlers for
// a connection run one at a time, handlers of different connections
// interleave freely and share state only through Redis.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/ban"
	"github.com/guptmilan/chat-server/internal/chat"
	"github.com/guptmilan/chat-server/internal/identity"
	"github.com/guptmilan/chat-server/internal/matching"
	"github.com/guptmilan/chat-server/internal/moderation"
	"github.com/guptmilan/chat-server/internal/protocol"
	"github.com/guptmilan/chat-server/internal/ratelimit"
	"github.com/guptmilan/chat-server/internal/relay"
	"github.com/guptmilan/chat-server/internal/report"
	"github.com/guptmilan/chat-server/internal/ws"
)

// opTimeout bounds the store work done for one client message.
const opTimeout = 5 * time.Second

// User-visible texts.
const (
	msgWaiting        = "Looking for someone you can chat with..."
	msgPartnerLeft    = "Your partner has left the chat."
	msgNotPaired      = "You are not connected to anyone."
	msgReported       = "Thank you. The user has been reported and you will not be matched with them again."
	msgReportFailed   = "Your report could not be submitted. Please try again."
	msgMatchingDown   = "Matching is temporarily unavailable. Please try again shortly."
	msgBanned         = "You have been temporarily banned."
	msgInvalidType    = "Chat type must be text or video."
	msgRateLimited    = "You are doing that too often. Please slow down."
	msgInvalidMessage = "Message rejected."
)

// Flagger publishes flagged chat messages for the moderator.
type Flagger interface {
	PublishFlag(ev moderation.FlagEvent) error
}

// Deliveries subscribes a local connection to frames published for it by
// other instances.
type Deliveries interface {
	SubscribeDeliver(connID string, handler func(frame []byte)) error
	UnsubscribeDeliver(connID string) error
}

// Deps are the collaborators of a Gateway. Flagger, Deliveries and History
// may be nil.
type Deps struct {
	Engine     *matching.Engine
	Router     *relay.Router
	Relay      *relay.Relay
	Limiter    *ratelimit.Limiter
	Filter     *moderation.Filter
	History    *chat.History
	Reports    *report.Service
	Bans       *ban.Store
	Hasher     *identity.Hasher
	TrustProxy bool
	Flagger    Flagger
	Deliveries Deliveries
	Log        *zap.SugaredLogger
}

// Gateway implements the server hooks and message handlers.
type Gateway struct {
	Deps
	health *health
}

// New creates a Gateway.
func New(deps Deps) *Gateway {
	return &Gateway{Deps: deps, health: newHealth(deps.Log)}
}

// Hooks returns the transport hooks. OnMessage goes through d, on which
// the gateway's handlers are registered.
func (g *Gateway) Hooks(d *ws.MessageDispatcher) ws.Hooks {
	g.Register(d)
	return ws.Hooks{
		Admit:        g.Admit,
		OnConnect:    g.OnConnect,
		OnMessage:    d.Dispatch,
		OnDisconnect: g.OnDisconnect,
		OnAlive:      g.OnAlive,
	}
}

// Register installs one handler per client message type on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeFindPartner, g.handle(g.findPartner))
	d.Register(protocol.TypeSignalOffer, g.handle(g.signal))
	d.Register(protocol.TypeSignalAnswer, g.handle(g.signal))
	d.Register(protocol.TypeSignalICECandidate, g.handle(g.signal))
	d.Register(protocol.TypeSendMessage, g.handle(g.sendMessage))
	d.Register(protocol.TypeTyping, g.handle(g.typing))
	d.Register(protocol.TypeReportUser, g.handle(g.reportUser))
	d.Register(protocol.TypeNextPartner, g.handle(g.nextPartner))
}

type handlerFunc func(ctx context.Context, c *ws.Connection, msg interface{})

func (g *Gateway) handle(h handlerFunc) ws.MessageHandler {
	return func(c *ws.Connection, msg interface{}) {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		h(ctx, c, msg)
	}
}

// Admit hashes the client address, refuses banned identities with a banned
// frame and throttles upgrade bursts. Store failures admit the client.
func (g *Gateway) Admit(r *http.Request) ws.Admission {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	id := g.Hasher.Identify(r, g.TrustProxy)
	adm := ws.Admission{Identity: id}

	st, err := g.Bans.Check(ctx, id)
	switch {
	case err != nil:
		g.health.fail("bans", err)
	case st.Banned:
		g.health.ok("bans")
		frame, ferr := protocol.NewServerMessage(protocol.TypeBanned, protocol.BannedMsg{
			Reason:     banReason(st.Reason),
			RetryAfter: int(st.RetryAfter.Round(time.Second) / time.Second),
		})
		if ferr != nil {
			g.Log.Errorw("failed to build banned frame", "error", ferr)
			return ws.Admission{Status: http.StatusForbidden, Reason: "banned"}
		}
		adm.Reason = "banned"
		adm.Farewell = frame
		return adm
	default:
		g.health.ok("bans")
	}

	allowed, err := g.Limiter.Allow(ctx, id, ratelimit.RuleUpgrade)
	if err != nil {
		g.health.fail("ratelimit", err)
	} else {
		g.health.ok("ratelimit")
	}
	if !allowed {
		return ws.Admission{Identity: id, Status: http.StatusTooManyRequests, Reason: "rate_limited"}
	}
	return adm
}

func banReason(reason string) string {
	if reason == "" {
		return msgBanned
	}
	return msgBanned + " Reason: " + strings.ReplaceAll(reason, "_", " ") + "."
}

// OnConnect subscribes the connection to cross-instance deliveries.
func (g *Gateway) OnConnect(c *ws.Connection) {
	if g.Deliveries == nil {
		return
	}
	err := g.Deliveries.SubscribeDeliver(c.ID, func(frame []byte) {
		if err := c.WriteMessage(frame); err != nil {
			g.Log.Debugw("remote frame not written", "conn", c.ID, "error", err)
		}
	})
	if err != nil {
		g.health.fail("delivery", err)
		return
	}
	g.health.ok("delivery")
}

// OnDisconnect releases the connection's session and tells a former partner.
func (g *Gateway) OnDisconnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	g.leave(ctx, c.ID)

	if g.Deliveries != nil {
		if err := g.Deliveries.UnsubscribeDeliver(c.ID); err != nil {
			g.Log.Debugw("delivery unsubscribe", "conn", c.ID, "error", err)
		}
	}
}

// OnAlive keeps the session of a live connection from expiring. It runs
// on every heartbeat.
func (g *Gateway) OnAlive(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := g.Engine.Touch(ctx, c.ID); err != nil {
		g.health.fail("matching", err)
	}
}

// leave releases connID and notifies its former partner, if any. It
// reports whether the release reached the store.
func (g *Gateway) leave(ctx context.Context, connID string) bool {
	partner, err := g.Engine.Release(ctx, connID)
	if err != nil {
		g.health.fail("matching", err)
		return false
	}
	g.health.ok("matching")
	if partner == "" {
		return true
	}

	g.send(ctx, partner, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{From: connID, Message: msgPartnerLeft})
	if g.History != nil {
		if err := g.History.Remove(ctx, connID, partner); err != nil {
			g.Log.Debugw("history not removed", "conn", connID, "error", err)
		}
	}
	return true
}

// partner returns the current partner of connID, "" when unpaired. On a
// store failure the client is told and ok is false.
func (g *Gateway) partner(ctx context.Context, connID string) (p string, ok bool) {
	p, err := g.Engine.Partner(ctx, connID)
	if err != nil {
		g.health.fail("matching", err)
		g.system(ctx, connID, msgMatchingDown)
		return "", false
	}
	g.health.ok("matching")
	return p, true
}

// allowControl applies RuleAPI to a control request, counted per
// connection.
func (g *Gateway) allowControl(ctx context.Context, c *ws.Connection) bool {
	ok, err := g.Limiter.Allow(ctx, c.ID, ratelimit.RuleAPI)
	if err != nil {
		g.health.fail("ratelimit", err)
		return true
	}
	g.health.ok("ratelimit")
	if !ok {
		g.sendError(ctx, c.ID, "rate_limited", msgRateLimited)
	}
	return ok
}

func (g *Gateway) send(ctx context.Context, connID, msgType string, payload interface{}) {
	if err := g.Router.Send(ctx, connID, msgType, payload); err != nil {
		g.Log.Warnw("send failed", "conn", connID, "type", msgType, "error", err)
	}
}

func (g *Gateway) system(ctx context.Context, connID, text string) {
	g.send(ctx, connID, protocol.TypeSystemMessage, protocol.SystemMessageMsg{Content: text})
}

func (g *Gateway) sendError(ctx context.Context, connID, code, text string) {
	g.send(ctx, connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: text})
}

func isSessionGone(err error) bool {
	return errors.Is(err, matching.ErrSessionGone)
}
