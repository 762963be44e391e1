// Package relay forwards frames between connections. It keeps no state:
// a frame goes to the local connection when this instance holds it and to
// the connection's NATS delivery subject otherwise.
package relay

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/metrics"
	"github.com/guptmilan/chat-server/internal/protocol"
)

// ErrNotConnected is returned by a Local sender for unknown connections.
var ErrNotConnected = errors.New("relay: connection not found")

// Local writes to connections held by this instance.
type Local interface {
	SendMessage(connID string, frame []byte) error
}

// Remote publishes to connections held elsewhere. A nil Remote limits
// delivery to this instance.
type Remote interface {
	PublishDeliver(connID string, frame []byte) error
}

// Router picks the delivery path for a frame. Frames to one destination
// always take the same path from a given instance, so order is kept.
type Router struct {
	local  Local
	remote Remote
	log    *zap.SugaredLogger
}

// NewRouter creates a Router. remote may be nil.
func NewRouter(local Local, remote Remote, log *zap.SugaredLogger) *Router {
	return &Router{local: local, remote: remote, log: log}
}

// Deliver sends an encoded frame to connID. A destination that is gone is
// not an error; the frame is dropped.
func (r *Router) Deliver(_ context.Context, connID string, frame []byte) error {
	err := r.local.SendMessage(connID, frame)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotConnected) {
		// Write failure on a local socket; the read loop will remove it.
		r.log.Debugw("local write failed", "conn", connID, "error", err)
		return nil
	}
	if r.remote == nil {
		r.log.Debugw("destination gone", "conn", connID)
		return nil
	}
	return r.remote.PublishDeliver(connID, frame)
}

// Send encodes a server message and delivers it.
func (r *Router) Send(ctx context.Context, connID, msgType string, payload interface{}) error {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return r.Deliver(ctx, connID, frame)
}

// Relay forwards negotiation payloads between peers.
type Relay struct {
	router *Router
	log    *zap.SugaredLogger
}

// New creates a Relay over router.
func New(router *Router, log *zap.SugaredLogger) *Relay {
	return &Relay{router: router, log: log}
}

// Forward delivers {type: kind, from, <payload key>: payload} to the
// destination. The payload is not inspected.
func (r *Relay) Forward(ctx context.Context, kind, from, to string, payload json.RawMessage) error {
	frame, err := protocol.NewSignalMessage(kind, protocol.RelayedSignalMsg{From: from, Payload: payload})
	if err != nil {
		return err
	}
	if err := r.router.Deliver(ctx, to, frame); err != nil {
		return err
	}
	metrics.SignalsRelayed.WithLabelValues(kind).Inc()
	r.log.Debugw("relayed", "kind", kind, "from", from, "to", to)
	return nil
}
